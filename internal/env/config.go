package env

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/reveille/cookie"
)

type Config struct {
	LogLevel  string `env:"REVEILLE_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"REVEILLE_DEBUG_HTTP"`

	// Trace logs every change to the timer ledger
	Trace bool `env:"REVEILLE_TRACE"`

	MaxPayloadSize uint32        `env:"REVEILLE_MAX_PAYLOAD_SIZE,default=1048576"`
	MaxConnections int           `env:"REVEILLE_MAX_CONNECTIONS,default=0"`
	WriteTimeout   time.Duration `env:"REVEILLE_WRITE_TIMEOUT,default=10s"`

	// Cookie names the cookie generator, see cookie.Names()
	Cookie string `env:"REVEILLE_COOKIE,default=echo"`
}

// LoadConfig reads the config from the environment, after loading any
// variables found in .env.local.
func LoadConfig(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	return ProcessConfig(ctx, envconfig.OsLookuper())
}

// ProcessConfig reads the config from lookuper and validates it.
func ProcessConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	config := Config{}

	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.MaxPayloadSize == 0 {
		return fmt.Errorf("REVEILLE_MAX_PAYLOAD_SIZE must be greater than 0")
	}

	if c.MaxConnections < 0 {
		return fmt.Errorf("REVEILLE_MAX_CONNECTIONS must not be negative, got %d", c.MaxConnections)
	}

	if c.WriteTimeout < 0 {
		return fmt.Errorf("REVEILLE_WRITE_TIMEOUT must not be negative, got %s", c.WriteTimeout)
	}

	if _, err := cookie.ByName(c.Cookie); err != nil {
		return err
	}

	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}
