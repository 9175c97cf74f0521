// Package config loads service configuration from VINEYARD_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

// Config holds process configuration for the API and migration binaries.
type Config struct {
	PGDSN    string
	HTTPAddr string

	OWBaseURL    string
	OWProfileURL string
	OWRatePerSec float64
	OWTimeout    time.Duration

	OWGroupTypes []string

	SyncTimeout     time.Duration // join deadline for blocking fan-out
	SyncTaskTimeout time.Duration // bound on one detached group sync
	SyncConcurrency int

	BindingCapacity int
	BindingTTL      time.Duration

	PrivilegesFile string // optional YAML catalog override
	GroupDenylist  []int64

	RateBurst   int
	RatePerSec  int
	CORSOrigins []string
}

func defaults() Config {
	return Config{
		HTTPAddr:        ":8080",
		OWBaseURL:       ow.DefaultBaseURL,
		OWProfileURL:    ow.DefaultProfileURL,
		OWRatePerSec:    10,
		OWTimeout:       10 * time.Second,
		SyncTimeout:     5 * time.Second,
		SyncTaskTimeout: 30 * time.Second,
		SyncConcurrency: 8,
		BindingCapacity: 10000,
		BindingTTL:      time.Hour,
		RateBurst:       20,
		RatePerSec:      10,
	}
}

// LoadFromEnv reads the environment over the defaults. Malformed values are
// errors rather than silently ignored.
func LoadFromEnv() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	cfg := defaults()
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: expected a positive integer, got %q", key, v))
			return
		}
		*dst = n
	}
	duration := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s: expected a positive duration, got %q", key, v))
			return
		}
		*dst = d
	}

	str("VINEYARD_PG_DSN", &cfg.PGDSN)
	str("VINEYARD_HTTP_ADDR", &cfg.HTTPAddr)
	str("VINEYARD_OW_BASE_URL", &cfg.OWBaseURL)
	str("VINEYARD_OW_PROFILE_URL", &cfg.OWProfileURL)
	str("VINEYARD_PRIVILEGES_FILE", &cfg.PrivilegesFile)
	duration("VINEYARD_OW_TIMEOUT", &cfg.OWTimeout)
	duration("VINEYARD_SYNC_TIMEOUT", &cfg.SyncTimeout)
	duration("VINEYARD_SYNC_TASK_TIMEOUT", &cfg.SyncTaskTimeout)
	duration("VINEYARD_BINDING_TTL", &cfg.BindingTTL)
	integer("VINEYARD_SYNC_CONCURRENCY", &cfg.SyncConcurrency)
	integer("VINEYARD_BINDING_CAPACITY", &cfg.BindingCapacity)
	integer("VINEYARD_RATE_BURST", &cfg.RateBurst)
	integer("VINEYARD_RATE_PER_SEC", &cfg.RatePerSec)

	if v := strings.TrimSpace(getenv("VINEYARD_OW_RATE_PER_SEC")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			errs = append(errs, fmt.Errorf("VINEYARD_OW_RATE_PER_SEC: expected a positive number, got %q", v))
		} else {
			cfg.OWRatePerSec = f
		}
	}
	for _, part := range splitList(getenv("VINEYARD_GROUP_DENYLIST")) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("VINEYARD_GROUP_DENYLIST: bad group id %q", part))
			continue
		}
		cfg.GroupDenylist = append(cfg.GroupDenylist, id)
	}
	cfg.CORSOrigins = splitList(getenv("VINEYARD_CORS_ORIGINS"))
	cfg.OWGroupTypes = splitList(getenv("VINEYARD_OW_GROUP_TYPES"))

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// RequireDSN fails when no database is configured.
func (c *Config) RequireDSN() error {
	if c.PGDSN == "" {
		return errors.New("VINEYARD_PG_DSN is required")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
