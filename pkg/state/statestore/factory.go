package statestore

import (
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/a-essam23/go-presence/pkg/state"
)

// Backend selects a Store implementation. Selection is typed; there is no
// string-keyed registry.
type Backend int

const (
	BackendMemory Backend = iota
	BackendRedis
)

func (b Backend) String() string {
	switch b {
	case BackendMemory:
		return "memory"
	case BackendRedis:
		return "redis"
	}
	return fmt.Sprintf("Backend(%d)", int(b))
}

// ParseBackend converts a configuration string to a Backend.
func ParseBackend(s string) (Backend, error) {
	switch s {
	case "memory":
		return BackendMemory, nil
	case "redis":
		return BackendRedis, nil
	}
	return 0, fmt.Errorf("unknown state backend %q", s)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type Config struct {
	Backend Backend
	Redis   RedisConfig
	Options state.Options
}

// Open constructs the configured Store.
func Open(logger *slog.Logger, cfg Config) (state.Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(logger, cfg.Options), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedis(logger, client, cfg.Options), nil
	}
	return nil, fmt.Errorf("unknown state backend %v", cfg.Backend)
}
