package notifier

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Enabled bool
	// NotifyOwner sends alerts to the owner's private chat.
	NotifyOwner bool
	// NotifyPartial also alerts on published posts with failed channels.
	NotifyPartial bool
	// OpsChat receives a copy of every alert when set.
	OpsChat string

	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one message for one chat.
type Notification struct {
	Chat string
	Text string
	// Key identifies repeats of the same alert. Empty means chat+text.
	Key string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Chat string    `json:"chat"`
	Text string    `json:"text"`
}

// NotificationEvent is emitted on the event bus for pipeline lifecycle events.
type NotificationEvent struct {
	Chat  string    `json:"chat"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

// Bus event types published by the notifier.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
