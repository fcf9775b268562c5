package config

// Config is the whole bot configuration. Durations are Go duration strings
// ("500ms", "10s", "30m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Posts     PostsConfig     `json:"posts"`

	// Delivery tunes outbound sends. Omitted means defaults.
	Delivery *DeliveryConfig `json:"delivery,omitempty"`
	// Storage enables the audit trail. Omitted or driver "none" disables it.
	Storage *StorageConfig `json:"storage,omitempty"`
	Health  HealthConfig   `json:"health"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OperatorID is the only user allowed to run /admin. 0 disables it.
	OperatorID int64  `json:"operator_id"`
	GroupLog   string `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
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
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls when posts fire. Timezone is read once at
// startup.
type SchedulerConfig struct {
	Timezone    string `json:"timezone"`
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// PostsConfig holds the default destination and conversation settings.
//
// Channel is a numeric chat id ("-1001234567890") or a public username
// ("@mychannel"). SessionTTL "" means 30m; "0s" keeps idle sessions forever.
type PostsConfig struct {
	Channel        string `json:"channel"`
	ChannelName    string `json:"channel_name,omitempty"`
	SessionTTL     string `json:"session_ttl,omitempty"`
	BatchDelimiter string `json:"batch_delimiter,omitempty"`
}

type DeliveryConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// StorageConfig controls the audit trail.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// HealthConfig controls the liveness HTTP endpoint.
type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: ":8080"
}
