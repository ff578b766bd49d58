package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("server.connectionLimit.maxPerUser", 5)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("state.backend", "memory")
	v.SetDefault("state.redis.addr", "localhost:6379")
	v.SetDefault("state.listSizeLimit", 10000)
	v.SetDefault("state.historyMaxSize", 100)
	v.SetDefault("state.maxGetMessages", 100)
	v.SetDefault("state.lockTTL", "10s")
	v.SetDefault("state.lockAttempts", 10)
	v.SetDefault("state.lockBackoffBase", "100ms")
	v.SetDefault("state.lockBackoffMult", 1.5)
	v.SetDefault("bus.kind", "local")
	v.SetDefault("bus.nats.url", "nats://localhost:4222")
	v.SetDefault("presence.enableUserlistUpdates", true)
	v.SetDefault("presence.ackTimeout", "5s")
	v.SetDefault("presence.heartbeatPeriod", "10s")
	v.SetDefault("presence.stalenessWindow", "60s")
	v.SetDefault("presence.disconnectConcurrency", 32)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("GOPRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
