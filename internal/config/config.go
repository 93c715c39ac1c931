// Package config loads service configuration from YAML, environment
// variables and defaults.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	mu      sync.Mutex
	current *viper.Viper
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	config := GetDefaults()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/phi-sentinel/")
	v.AddConfigPath("$HOME/.phi-sentinel/")

	// Environment variable overrides. Only keys viper knows about are read
	// from the environment, so register every default first.
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerDefaults(v, "", reflect.ValueOf(config).Elem())

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	current = v
	mu.Unlock()

	return config, nil
}

// registerDefaults walks the mapstructure tags of a config struct and sets
// each leaf as a viper default.
func registerDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		fv := val.Field(i)
		if fv.Kind() == reflect.Struct {
			registerDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Server.RateLimit.Enabled && config.Server.RateLimit.RequestsPerMin <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_min must be positive when rate limiting is enabled")
	}

	if config.Rules.Path == "" {
		return fmt.Errorf("rules.path is required")
	}

	switch config.Surrogate.Store {
	case "memory":
	case "redis":
		if config.Redis.URL == "" {
			return fmt.Errorf("redis.url is required when surrogate.store is redis")
		}
	default:
		return fmt.Errorf("invalid surrogate store: %s (must be memory or redis)", config.Surrogate.Store)
	}

	if l := config.Surrogate.TokenLength; l != 0 && (l < 16 || l > 64) {
		return fmt.Errorf("invalid surrogate token length: %d (must be between 16 and 64)", l)
	}

	switch config.Audit.Sink {
	case "file":
		if config.Audit.Path == "" {
			return fmt.Errorf("audit.path is required for the file sink")
		}
	case "postgres":
		if config.Audit.DatabaseURL == "" {
			return fmt.Errorf("audit.database_url is required for the postgres sink")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid audit sink: %s (must be file, postgres, or memory)", config.Audit.Sink)
	}

	if config.Audit.AppendTimeout <= 0 {
		return fmt.Errorf("audit.append_timeout must be positive")
	}

	if config.Pipeline.WorkerCount <= 0 || config.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.worker_count and pipeline.batch_size must be positive")
	}

	if config.Pipeline.MaxRetries < 0 || config.Pipeline.RateLimit < 0 {
		return fmt.Errorf("pipeline.max_retries and pipeline.rate_limit must not be negative")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return fmt.Errorf("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.WebSocket.Password != "" && config.WebSocket.Username == "" {
		return fmt.Errorf("websocket.username is required when a password is set")
	}

	return nil
}

// Watch starts watching the configuration file for changes. The callback
// receives each valid new configuration; invalid edits are reported to
// onError and ignored.
func Watch(callback func(*Config), onError func(error)) error {
	mu.Lock()
	v := current
	mu.Unlock()
	if v == nil {
		return fmt.Errorf("config: Watch called before Load")
	}
	if v.ConfigFileUsed() == "" {
		return fmt.Errorf("config: no config file to watch")
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		newConfig := GetDefaults()
		if err := v.Unmarshal(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}

		if err := validateConfig(newConfig); err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}

		callback(newConfig)
	})
	v.WatchConfig()

	return nil
}
