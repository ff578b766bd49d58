package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	State     StateConfig
	Bus       BusConfig
	Presence  PresenceConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type StateConfig struct {
	Backend string      `mapstructure:"backend"` // "memory" or "redis"
	Redis   RedisConfig `mapstructure:"redis"`

	ListSizeLimit  int `mapstructure:"listSizeLimit"`
	HistoryMaxSize int `mapstructure:"historyMaxSize"`
	MaxGetMessages int `mapstructure:"maxGetMessages"`

	LockTTL         time.Duration `mapstructure:"lockTTL"`
	LockAttempts    int           `mapstructure:"lockAttempts"`
	LockBackoffBase time.Duration `mapstructure:"lockBackoffBase"`
	LockBackoffMult float64       `mapstructure:"lockBackoffMult"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BusConfig struct {
	Kind string `mapstructure:"kind"` // "local" or "nats"
	NATS NATSConfig
}

type NATSConfig struct {
	URL string
}

type PresenceConfig struct {
	InstanceID            string        `mapstructure:"instanceId"`
	EnableUserlistUpdates bool          `mapstructure:"enableUserlistUpdates"`
	AckTimeout            time.Duration `mapstructure:"ackTimeout"`
	HeartbeatPeriod       time.Duration `mapstructure:"heartbeatPeriod"`
	StalenessWindow       time.Duration `mapstructure:"stalenessWindow"`
	DisconnectConcurrency int64         `mapstructure:"disconnectConcurrency"`
}
