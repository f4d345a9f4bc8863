package chat

import (
	"fmt"
	"time"
)

// Config is the farm simulation configuration. Keys are the viper keys
// used by cmd/chatfarm.
type Config struct {
	Nodes    int           `mapstructure:"nodes"`
	Rounds   int           `mapstructure:"rounds"`
	Rooms    int           `mapstructure:"rooms"`
	Provider string        `mapstructure:"provider"` // ristretto | bigcache | redis
	GenStore string        `mapstructure:"genstore"` // local | redis
	Codec    string        `mapstructure:"codec"`    // json | msgpack | cbor | cbor-canonical
	MaxDelay time.Duration `mapstructure:"max_delay"`
	Hooks    bool          `mapstructure:"hooks"`

	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

func DefaultConfig() Config {
	return Config{
		Nodes:    3,
		Rounds:   20,
		Rooms:    4,
		Provider: "ristretto",
		GenStore: "local",
		Codec:    "json",
		MaxDelay: time.Minute,
		Redis:    RedisConfig{Addr: "localhost:6379", Prefix: "chatfarm:"},
	}
}

func (c Config) Validate() error {
	if c.Nodes <= 0 {
		return fmt.Errorf("nodes must be positive, got %d", c.Nodes)
	}
	if c.Rooms <= 0 {
		return fmt.Errorf("rooms must be positive, got %d", c.Rooms)
	}
	switch c.Provider {
	case "ristretto", "bigcache", "redis":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	switch c.GenStore {
	case "local", "redis":
	default:
		return fmt.Errorf("unknown genstore %q", c.GenStore)
	}
	return nil
}

func (c Config) needsRedis() bool { return c.Provider == "redis" || c.GenStore == "redis" }
