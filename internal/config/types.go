package config

// Config is the root configuration for notifyd.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "5m").
// Secrets (SMTP password, Twilio auth token, VAPID private key) are usually
// supplied via environment variables referenced from the systemd unit or an
// .env file; the config file only needs the non-secret knobs.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// Queue is the durable fallback job queue (RabbitMQ).
	// If disabled or unreachable, failed sends degrade to the bounded
	// in-memory retry list.
	Queue QueueConfig `json:"queue"`

	Email EmailConfig `json:"email"`
	Push  PushConfig  `json:"push"`
	SMS   SMSConfig   `json:"sms"`

	Notifier NotifierConfig `json:"notifier"`
	Fallback FallbackConfig `json:"fallback"`
	Breaker  BreakerConfig  `json:"breaker"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`

	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`

	// FrequencyRetention bounds how long frequency-tracking rows are kept.
	// Default "168h" (7 days).
	FrequencyRetention string `json:"frequency_retention,omitempty"`
}

type QueueConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`

	// Exchange defaults to "" (default exchange, routing by queue name).
	Exchange string `json:"exchange,omitempty"`
}

// EmailConfig selects the email transport.
//
// Provider picks a pluggable primary provider by name ("smtp", "relay", or
// empty for none). When the primary is absent or fails, the sender falls
// back to the direct SMTP transport below.
type EmailConfig struct {
	Provider string      `json:"provider,omitempty"`
	From     string      `json:"from"`
	SMTP     SMTPConfig  `json:"smtp"`
	Relay    RelayConfig `json:"relay,omitempty"`
}

// RelayConfig points at an HTTP mail relay (the HR platform's internal
// mail API). Used when provider is "relay".
type RelayConfig struct {
	URL    string `json:"url,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

type PushConfig struct {
	// VAPID key pair for web push. Subscriber is the contact mailto/URL
	// required by the push protocol.
	VAPIDPublicKey  string `json:"vapid_public_key"`
	VAPIDPrivateKey string `json:"vapid_private_key"`
	Subscriber      string `json:"subscriber"`
}

type SMSConfig struct {
	AccountSID string `json:"account_sid,omitempty"`
	AuthToken  string `json:"auth_token,omitempty"`
	From       string `json:"from,omitempty"`
}

// NotifierConfig controls the dispatch pipeline.
//
// Defaults (when fields are omitted/zero):
//   - bulk_batch_size: 10
//   - bulk_pause: "250ms"
//   - send_timeout: "10s"
type NotifierConfig struct {
	BulkBatchSize int    `json:"bulk_batch_size,omitempty"`
	BulkPause     string `json:"bulk_pause,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// FallbackConfig controls the retry queue for failed sends.
//
// Defaults:
//   - retry_interval: "5m"
//   - memory_limit: 1000 (oldest 10 evicted on overflow)
//   - email_max_retries: 5, push_max_retries: 3, sms_max_retries: 3
type FallbackConfig struct {
	RetryInterval   string `json:"retry_interval,omitempty"`
	MemoryLimit     int    `json:"memory_limit,omitempty"`
	EmailMaxRetries int    `json:"email_max_retries,omitempty"`
	PushMaxRetries  int    `json:"push_max_retries,omitempty"`
	SMSMaxRetries   int    `json:"sms_max_retries,omitempty"`
}

// BreakerConfig holds per-service circuit breaker defaults.
//
// Defaults:
//   - failure_threshold: 5
//   - success_threshold: 2
//   - timeout: "30s"
//   - error_rate_threshold: 50 (percent)
//   - minimum_volume: 10
//   - window: "1m"
type BreakerConfig struct {
	FailureThreshold   int    `json:"failure_threshold,omitempty"`
	SuccessThreshold   int    `json:"success_threshold,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	ErrorRateThreshold int    `json:"error_rate_threshold,omitempty"`
	MinimumVolume      int    `json:"minimum_volume,omitempty"`
	Window             string `json:"window,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen,omitempty"`
}
