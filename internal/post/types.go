package post

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Status is the lifecycle state of a scheduled post.
//
//	scheduled --(>=1 channel delivered)--> published
//	scheduled --(all channels failed / bad content)--> failed
//	scheduled --(owner action)--> deleted
//
// published, failed and deleted are terminal for a record.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusPublished, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool { return s != StatusScheduled }

// CanTransition reports whether from -> to follows the status graph.
func CanTransition(from, to Status) bool {
	if from != StatusScheduled {
		return false
	}
	switch to {
	case StatusPublished, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// ScheduledPost binds content to channels and a due time.
type ScheduledPost struct {
	ID           string           `json:"id"`
	OwnerID      int64            `json:"owner_id"`
	Channels     []string         `json:"channels"`
	Content      Content          `json:"content"`
	ScheduleTime time.Time        `json:"schedule_time"`
	Status       Status           `json:"status"`
	Tags         []string         `json:"tags,omitempty"`
	Settings     DeliverySettings `json:"settings"`
	Report       DeliveryReport   `json:"last_delivery_report,omitempty"`
	LastError    string           `json:"last_error,omitempty"`
	ClaimedAt    *time.Time       `json:"claimed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so stores can hand out values without aliasing.
func (p ScheduledPost) Clone() ScheduledPost {
	cp := p
	cp.Channels = append([]string(nil), p.Channels...)
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Report = append(DeliveryReport(nil), p.Report...)
	cp.Content = p.Content.Clone()
	cp.Settings = p.Settings.Clone()
	if p.ClaimedAt != nil {
		t := *p.ClaimedAt
		cp.ClaimedAt = &t
	}
	return cp
}

// DeliverySettings are the per-post send knobs.
type DeliverySettings struct {
	Repeat         bool      `json:"repeat"`
	RepeatInterval *Interval `json:"repeat_interval,omitempty"`
	Silent         bool      `json:"silent"`
	ProtectContent bool      `json:"protect_content"`
	Buttons        *Markup   `json:"buttons,omitempty"`
}

func (s DeliverySettings) Clone() DeliverySettings {
	cp := s
	if s.RepeatInterval != nil {
		iv := *s.RepeatInterval
		cp.RepeatInterval = &iv
	}
	if s.Buttons != nil {
		b := s.Buttons.Clone()
		cp.Buttons = &b
	}
	return cp
}

// Recurring reports whether a published post should produce a next occurrence.
func (s DeliverySettings) Recurring() bool {
	return s.Repeat && s.RepeatInterval != nil
}

// IntervalUnit is the calendar unit of a recurrence interval.
type IntervalUnit string

const (
	UnitHours  IntervalUnit = "hours"
	UnitDays   IntervalUnit = "days"
	UnitWeeks  IntervalUnit = "weeks"
	UnitMonths IntervalUnit = "months"
)

type Interval struct {
	Unit  IntervalUnit `json:"unit"`
	Value int          `json:"value"`
}

func (iv Interval) Validate() error {
	switch iv.Unit {
	case UnitHours, UnitDays, UnitWeeks, UnitMonths:
	default:
		return Invalid("settings.repeat_interval.unit", "must be one of hours, days, weeks, months")
	}
	if iv.Value < 1 {
		return Invalid("settings.repeat_interval.value", "must be >= 1")
	}
	return nil
}

// Markup is an inline keyboard attached to a message.
type Markup struct {
	Rows [][]Button `json:"rows"`
}

type Button struct {
	Text string `json:"text"`
	URL  string `json:"url,omitempty"`
	Data string `json:"data,omitempty"`
}

func (m Markup) Clone() Markup {
	rows := make([][]Button, len(m.Rows))
	for i, r := range m.Rows {
		rows[i] = append([]Button(nil), r...)
	}
	return Markup{Rows: rows}
}

func (m Markup) Validate() error {
	for i, r := range m.Rows {
		for _, b := range r {
			if strings.TrimSpace(b.Text) == "" {
				return Invalid("settings.buttons", "button text required")
			}
			if b.URL == "" && b.Data == "" {
				return Invalid("settings.buttons", "button needs url or data")
			}
		}
		if len(r) == 0 {
			return Invalid("settings.buttons", "empty row "+strconv.Itoa(i))
		}
	}
	return nil
}

// ChannelResult is the outcome of one channel send.
type ChannelResult struct {
	ChannelID string    `json:"channel_id"`
	OK        bool      `json:"ok"`
	Skipped   bool      `json:"skipped,omitempty"`
	MessageID int       `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// DeliveryReport lists channel outcomes in channel-target order.
type DeliveryReport []ChannelResult

func (r DeliveryReport) Succeeded() int {
	n := 0
	for _, c := range r {
		if c.OK {
			n++
		}
	}
	return n
}

func (r DeliveryReport) Failed() int { return len(r) - r.Succeeded() }

// DeliveryRecord is one journaled send attempt.
type DeliveryRecord struct {
	PostID    string
	OwnerID   int64
	ChannelID string
	OK        bool
	MessageID int
	Error     string
	At        time.Time
}

// NormalizeTags trims, drops empties, dedups and sorts. Tags are a set.
func NormalizeTags(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateChannels enforces a non-empty target list without duplicates.
func ValidateChannels(ids []string) error {
	if len(ids) == 0 {
		return Invalid("channels", "at least one channel target is required")
	}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" || id != strings.TrimSpace(id) {
			return Invalid("channels", "channel id must be non-empty and trimmed")
		}
		if _, ok := seen[id]; ok {
			return Invalid("channels", "duplicate channel target "+id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
