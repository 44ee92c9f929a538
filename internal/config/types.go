package config

// Config is the on-disk configuration. JSON or YAML; unknown keys are rejected.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "1h").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Posting   PostingConfig   `json:"posting"`
	Calendar  CalendarConfig  `json:"calendar"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	HTTP     *HTTPConfig     `json:"http,omitempty"`
	Lock     *LockConfig     `json:"lock,omitempty"`
	Pprof    *PprofConfig    `json:"pprof,omitempty"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied via POSTBOT_TELEGRAM_TOKEN or BOT_TOKEN.
	Token string `json:"token"`
	// RatePerSec caps outgoing sends across all channels. Default 20.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// Offline builds the bot without calling getMe (dry runs, tests).
	Offline bool `json:"offline,omitempty"`
	// OpsChat receives log lines and failure alerts when set.
	OpsChat string `json:"ops_chat,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postbot.db", "busy_timeout": "5s" }
//	"storage": { "driver": "postgres", "dsn": "host=... dbname=postbot" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the due-post sweep.
//
// Defaults: interval 60s, concurrency 1, claim_lease 0 (disabled),
// campaign_expiry_interval 1h, timezone Local.
type SchedulerConfig struct {
	Enabled                *bool  `json:"enabled,omitempty"`
	Interval               string `json:"interval,omitempty"`
	Concurrency            int    `json:"concurrency,omitempty"`
	ClaimLease             string `json:"claim_lease,omitempty"`
	CampaignExpiryInterval string `json:"campaign_expiry_interval,omitempty"`
	Timezone               string `json:"timezone,omitempty"`
}

type DispatchConfig struct {
	SendTimeout   string `json:"send_timeout,omitempty"`
	SkipDelivered bool   `json:"skip_delivered,omitempty"`
}

type PostingConfig struct {
	// MinLead is how far in the future a new post must be. Default 0.
	MinLead        string `json:"min_lead,omitempty"`
	VerifyChannels bool   `json:"verify_channels,omitempty"`
}

type CalendarConfig struct {
	// Timezone for day bucketing. Defaults to Europe/Moscow, then scheduler.timezone.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls owner and ops failure alerts.
// If the section is omitted, alerts are disabled.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	NotifyOwner     bool   `json:"notify_owner"`
	NotifyPartial   bool   `json:"notify_partial,omitempty"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
	// PersistDedup keeps suppression windows in storage across restarts.
	PersistDedup bool `json:"persist_dedup,omitempty"`
}

// HTTPConfig controls the calendar and owner API.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	// Token, when set, is required as "Authorization: Bearer <token>" on /v1.
	Token string `json:"token,omitempty"` // do not log
}

// LockConfig enables a redis-backed sweep lock for multi-instance deployments.
type LockConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Key      string `json:"key,omitempty"` // default "postbot:sweep"
	TTL      string `json:"ttl,omitempty"` // default 2x scheduler.interval
}

// PprofConfig exposes runtime profiles on a separate listener. Binding a
// non-loopback address needs a token or allow_insecure.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Addr                 string `json:"addr,omitempty"` // default "127.0.0.1:6060"
	Token                string `json:"token,omitempty"` // do not log
	AllowInsecure        bool   `json:"allow_insecure,omitempty"`
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

func (c *SchedulerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
