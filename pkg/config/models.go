package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Limits    LimitsConfig
	Typing    TypingConfig
	History   HistoryConfig
	Storage   StorageConfig
	LogLevel  string `mapstructure:"logLevel"`
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
	ReadTimeout    time.Duration `mapstructure:"readTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	OutboxCapacity int           `mapstructure:"outboxCapacity"`
}

type LimitsConfig struct {
	// MaxMessageBytes bounds the content payload of a single message.
	MaxMessageBytes int `mapstructure:"maxMessageBytes"`
}

type TypingConfig struct {
	// TTL after which receivers must expire a typing indicator locally,
	// whether or not an explicit stop signal arrived.
	TTL time.Duration `mapstructure:"ttl"`
}

type HistoryConfig struct {
	// PageLimit caps how many messages one history request may return.
	PageLimit int `mapstructure:"pageLimit"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}
