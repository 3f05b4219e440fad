package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	DefaultMaxConnections          = 100
	DefaultMaxKeepaliveConnections = 20
	DefaultKeepaliveExpiry         = 5 * time.Second
	DefaultRetries                 = 0

	DefaultFileWriteDelay = 150 * time.Millisecond // Small delay to ensure file write is complete
)

var (
	lastReload  time.Time
	reloadMutex sync.Mutex
)

// DefaultConfig returns a configuration with sensible defaults
// (max_connections=100, max_keepalive_connections=20,
// keepalive_expiry=5s).
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			MaxConnections:          DefaultMaxConnections,
			MaxKeepaliveConnections: DefaultMaxKeepaliveConnections,
			KeepaliveExpiry:         DefaultKeepaliveExpiry,
			HTTP1:                   true,
			HTTP2:                   false,
			Retries:                 DefaultRetries,
		},
		Proxy: ProxyConfig{
			Mode: "forward",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from file and environment variables, with
// hot-reload on file change.
func Load(onConfigChange func()) (*Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("HTTPCORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("HTTPCORE_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	viper.WatchConfig()

	if onConfigChange != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			reloadMutex.Lock()
			defer reloadMutex.Unlock()

			now := time.Now()
			if now.Sub(lastReload) < 500*time.Millisecond {
				return // ignore rapid-fire repeats
			}
			lastReload = now

			// on some platforms the change event fires before the write
			// completes, so give it a moment before re-reading.
			time.Sleep(DefaultFileWriteDelay)
			onConfigChange()
		})
	}
	return cfg, nil
}
