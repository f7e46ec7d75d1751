package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Channels  ChannelsConfig  `json:"channels"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Broadcast BroadcastConfig `json:"broadcast"`

	// Storage is optional; when omitted the audit trail is log-only.
	Storage *StorageConfig `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// OwnerUserID is the single user allowed to drive the bot.
	OwnerUserID int64 `json:"owner_user_id"`

	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

// ChannelsConfig names the fixed broadcast targets.
//
// Destinations and the audit channel are process-lifetime configuration:
// they are read at startup and never mutated at runtime.
type ChannelsConfig struct {
	// Destinations is the fixed list of channel ids posts fan out to.
	Destinations []int64 `json:"destinations"`

	// Audit is the channel receiving error diagnostics and the daily notices.
	Audit int64 `json:"audit"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls fire-time computation and the one-shot poll loop.
type SchedulerConfig struct {
	// Timezone is an IANA TZ name, e.g. "Asia/Jakarta". All "now" and fire
	// time comparisons use this single location.
	Timezone string `json:"timezone,omitempty"`

	// PollInterval is a Go duration string; the one-shot scan wakes at this
	// interval. Default "30s".
	PollInterval string `json:"poll_interval,omitempty"`

	// Daily announcements seeded at startup (sent to the audit channel).
	Daily []DailyAnnouncement `json:"daily,omitempty"`
}

type DailyAnnouncement struct {
	Name string `json:"name"`
	// At is a 24-hour HH:MM time of day in the scheduler timezone.
	At   string `json:"at"`
	Text string `json:"text"`
}

type BroadcastConfig struct {
	// RatePerSec paces outbound sends across all destinations. Default 10.
	RatePerSec int `json:"rate_per_sec,omitempty"`

	// AuditRatePerSec throttles diagnostic posts to the audit channel. Default 1.
	AuditRatePerSec int `json:"audit_rate_per_sec,omitempty"`
}

// StorageConfig controls the optional audit persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./relaybot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
