package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Rules     RulesConfig     `yaml:"rules" mapstructure:"rules"`
	Surrogate SurrogateConfig `yaml:"surrogate" mapstructure:"surrogate"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Audit     AuditConfig     `yaml:"audit" mapstructure:"audit"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Inbox     InboxConfig     `yaml:"inbox" mapstructure:"inbox"`
	Logging   LoggingConfig   `yaml:"logging" mapstructure:"logging"`
	WebSocket WebSocketConfig `yaml:"websocket" mapstructure:"websocket"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig contains ops HTTP server configuration
type ServerConfig struct {
	Port         int             `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig limits requests per client IP on expensive endpoints
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min" mapstructure:"requests_per_min"`
	Burst          int  `yaml:"burst" mapstructure:"burst"`
}

// RulesConfig locates the de-identification rule file
type RulesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// SurrogateConfig contains consistency mapper configuration. MasterKey and
// HashSalt are secrets; set them through SENTINEL_SURROGATE_MASTER_KEY and
// SENTINEL_SURROGATE_HASH_SALT rather than the config file.
type SurrogateConfig struct {
	MasterKey   string `yaml:"master_key" mapstructure:"master_key"`
	HashSalt    string `yaml:"hash_salt" mapstructure:"hash_salt"`
	TokenLength int    `yaml:"token_length" mapstructure:"token_length"`
	Shards      int    `yaml:"shards" mapstructure:"shards"`
	Store       string `yaml:"store" mapstructure:"store"` // memory or redis
}

// RedisConfig contains Redis configuration for the shared date offset store
type RedisConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL            time.Duration `yaml:"ttl" mapstructure:"ttl"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
}

// AuditConfig contains audit log configuration
type AuditConfig struct {
	Sink            string        `yaml:"sink" mapstructure:"sink"` // file, postgres or memory
	Path            string        `yaml:"path" mapstructure:"path"`
	DatabaseURL     string        `yaml:"database_url" mapstructure:"database_url"`
	Table           string        `yaml:"table" mapstructure:"table"`
	AppendTimeout   time.Duration `yaml:"append_timeout" mapstructure:"append_timeout"`
	Actor           string        `yaml:"actor" mapstructure:"actor"`
	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// PipelineConfig contains batch processing configuration
type PipelineConfig struct {
	BatchSize      int           `yaml:"batch_size" mapstructure:"batch_size"`
	WorkerCount    int           `yaml:"worker_count" mapstructure:"worker_count"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
	RateLimit      float64       `yaml:"rate_limit" mapstructure:"rate_limit"` // records per second, 0 = unlimited
	ProgressReport int           `yaml:"progress_report" mapstructure:"progress_report"`
}

// InboxConfig contains drop-folder configuration
type InboxConfig struct {
	Enabled      bool          `yaml:"enabled" mapstructure:"enabled"`
	Dir          string        `yaml:"dir" mapstructure:"dir"`
	Outbox       string        `yaml:"outbox" mapstructure:"outbox"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	Debounce     time.Duration `yaml:"debounce" mapstructure:"debounce"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
	} `yaml:"file" mapstructure:"file"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled" mapstructure:"enabled"`
	Path            string        `yaml:"path" mapstructure:"path"`
	Username        string        `yaml:"username" mapstructure:"username"`
	Password        string        `yaml:"password" mapstructure:"password"`
	MaxConnections  int           `yaml:"max_connections" mapstructure:"max_connections"`
	ReadBufferSize  int           `yaml:"read_buffer_size" mapstructure:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size" mapstructure:"write_buffer_size"`
	PingInterval    time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	PongTimeout     time.Duration `yaml:"pong_timeout" mapstructure:"pong_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size" mapstructure:"max_message_size"`
	AllowedOrigins  []string      `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	Events          struct {
		BroadcastAudit       bool `yaml:"broadcast_audit" mapstructure:"broadcast_audit"`
		BroadcastSystem      bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
		BroadcastConnections bool `yaml:"broadcast_connections" mapstructure:"broadcast_connections"`
	} `yaml:"events" mapstructure:"events"`
}

// MetricsConfig contains Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 30,
				Burst:          5,
			},
		},
		Rules: RulesConfig{
			Path: "configs/rules.yaml",
		},
		Surrogate: SurrogateConfig{
			TokenLength: 20,
			Shards:      64,
			Store:       "memory",
		},
		Redis: RedisConfig{
			URL:            "redis://localhost:6379/0",
			KeyPrefix:      "phi-sentinel",
			TTL:            30 * 24 * time.Hour,
			MaxConnections: 10,
			MinIdleConns:   2,
		},
		Audit: AuditConfig{
			Sink:            "file",
			Path:            "data/audit.jsonl",
			Table:           "phi_audit_log",
			AppendTimeout:   5 * time.Second,
			Actor:           "phi-sentinel",
			MaxOpenConns:    5,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Pipeline: PipelineConfig{
			BatchSize:      1000,
			WorkerCount:    4,
			MaxRetries:     3,
			RetryDelay:     time.Second,
			ProgressReport: 1000,
		},
		Inbox: InboxConfig{
			Dir:          "data/inbox",
			Outbox:       "data/outbox",
			PollInterval: 30 * time.Second,
			Debounce:     500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		WebSocket: WebSocketConfig{
			Enabled:         true,
			Path:            "/ws",
			MaxConnections:  100,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingInterval:    54 * time.Second,
			PongTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			MaxMessageSize:  512,
			AllowedOrigins:  []string{"*"},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
	cfg.Logging.File.Path = "logs/sentinel.log"
	cfg.WebSocket.Events.BroadcastAudit = true
	cfg.WebSocket.Events.BroadcastSystem = true
	cfg.WebSocket.Events.BroadcastConnections = true
	return cfg
}
