package cache

import "time"

// Config contains Redis configuration for the shared offset store.
type Config struct {
	RedisURL       string        `yaml:"url" mapstructure:"url"`
	MaxConnections int           `yaml:"max_connections" mapstructure:"max_connections"`
	MinIdleConns   int           `yaml:"min_idle_conns" mapstructure:"min_idle_conns"`
	DefaultTTL     time.Duration `yaml:"ttl" mapstructure:"ttl"`
	KeyPrefix      string        `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// Stats reports offset store usage.
type Stats struct {
	Claims      int64 `json:"claims"`
	Reused      int64 `json:"reused"`
	TotalKeys   int64 `json:"total_keys"`
	MemoryUsage int64 `json:"memory_usage_bytes"`
}
