package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ErrInvalid marks a configuration that must stop the process at startup.
var ErrInvalid = errors.New("CONFIG_INVALID")

// Config holds the runtime configuration of the AAA core.
type Config struct {
	// RADIUS listeners
	RadiusListenAuth string `envconfig:"RADIUS_LISTEN_AUTH" default:":1812"`
	RadiusListenAcct string `envconfig:"RADIUS_LISTEN_ACCT" default:":1813"`
	RadiusSecret     string `envconfig:"RADIUS_SECRET"`
	RequestTimeoutMS int    `envconfig:"RADIUS_REQUEST_TIMEOUT_MS" default:"5000"`
	StoreTimeoutMS   int    `envconfig:"STORE_TIMEOUT_MS" default:"2000"`
	InterimInterval  int    `envconfig:"INTERIM_INTERVAL_SECONDS" default:"600"`

	// BRAS (CoA/Disconnect target)
	BRASHost     string `envconfig:"BRAS_HOST"`
	BRASSecret   string `envconfig:"BRAS_SECRET"`
	CoATimeoutMS int    `envconfig:"COA_TIMEOUT_MS" default:"5000"`
	CoARetries   int    `envconfig:"COA_RETRIES" default:"3"`

	// Policy
	GuestPoolName string `envconfig:"GUEST_POOL_NAME" default:"guest"`
	GuestFallback bool   `envconfig:"GUEST_FALLBACK" default:"false"`
	Timezone      string `envconfig:"TIMEZONE" default:"Local"`
	PoolMapFile   string `envconfig:"POOL_MAP_FILE"`

	// Leases
	DefaultLeaseTimeSeconds int `envconfig:"DEFAULT_LEASE_TIME_SECONDS" default:"86400"`

	// Workers
	WorkerPoolSize int `envconfig:"WORKER_POOL_SIZE" default:"32"`
	EventQueueSize int `envconfig:"EVENT_QUEUE_SIZE" default:"1024"`
	EventWorkers   int `envconfig:"EVENT_WORKERS" default:"8"`

	// DHCP hook and admin API
	DHCPListen           string `envconfig:"DHCP_LISTEN" default:":8090"`
	DHCPRequestTimeoutMS int    `envconfig:"DHCP_REQUEST_TIMEOUT_MS" default:"10000"`
	APIJWTSecret         string `envconfig:"API_JWT_SECRET"`

	// Storage
	DBURL    string `envconfig:"DB_URL"`
	RedisURL string `envconfig:"REDIS_URL"`

	// Observability
	MetricsListen string `envconfig:"METRICS_LISTEN" default:":9090"`
	JournalDir    string `envconfig:"JOURNAL_DIR"`
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if cfg.RadiusSecret == "" {
		cfg.RadiusSecret = cfg.BRASSecret
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required values and ranges.
func (c *Config) Validate() error {
	var problems []string

	if c.BRASHost == "" {
		problems = append(problems, "BRAS_HOST is required")
	}
	if c.BRASSecret == "" {
		problems = append(problems, "BRAS_SECRET is required")
	}
	if c.DBURL == "" {
		problems = append(problems, "DB_URL is required")
	}
	if c.GuestPoolName == "" {
		problems = append(problems, "GUEST_POOL_NAME must not be empty")
	}
	if c.DefaultLeaseTimeSeconds <= 0 {
		problems = append(problems, "DEFAULT_LEASE_TIME_SECONDS must be positive")
	}
	if c.CoATimeoutMS <= 0 {
		problems = append(problems, "COA_TIMEOUT_MS must be positive")
	}
	if c.CoARetries < 0 {
		problems = append(problems, "COA_RETRIES must not be negative")
	}
	if c.WorkerPoolSize <= 0 {
		problems = append(problems, "WORKER_POOL_SIZE must be positive")
	}
	if c.EventQueueSize <= 0 || c.EventWorkers <= 0 {
		problems = append(problems, "EVENT_QUEUE_SIZE and EVENT_WORKERS must be positive")
	}
	if c.StoreTimeoutMS <= 0 || c.RequestTimeoutMS <= 0 || c.DHCPRequestTimeoutMS <= 0 {
		problems = append(problems, "request timeouts must be positive")
	}
	if c.InterimInterval <= 0 {
		problems = append(problems, "INTERIM_INTERVAL_SECONDS must be positive")
	}
	for name, addr := range map[string]string{
		"RADIUS_LISTEN_AUTH": c.RadiusListenAuth,
		"RADIUS_LISTEN_ACCT": c.RadiusListenAcct,
		"DHCP_LISTEN":        c.DHCPListen,
	} {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if _, err := c.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("TIMEZONE: %v", err))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// BRASAddr returns the CoA target, defaulting the port to 3799.
func (c *Config) BRASAddr() string {
	if _, _, err := net.SplitHostPort(c.BRASHost); err == nil {
		return c.BRASHost
	}
	return net.JoinHostPort(c.BRASHost, "3799")
}

// Location resolves TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c *Config) CoATimeout() time.Duration {
	return time.Duration(c.CoATimeoutMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

func (c *Config) DHCPRequestTimeout() time.Duration {
	return time.Duration(c.DHCPRequestTimeoutMS) * time.Millisecond
}

func (c *Config) DefaultLeaseTime() time.Duration {
	return time.Duration(c.DefaultLeaseTimeSeconds) * time.Second
}
