package txpool

import (
	"math"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

// Configuration keys understood by ParseConfig.
const (
	KeyName           = "name"
	KeyDriver         = "driver"
	KeyURL            = "url"
	KeyUser           = "user"
	KeyPassword       = "password"
	KeyPoolSize       = "pool.size"
	KeyPoolMax        = "pool.max"
	KeyTimeout        = "timeout"
	KeyLoginTimeout   = "login.timeout"
	KeyReaperInterval = "reaper.interval"
)

const (
	defaultDriver           = "mysql"
	defaultSoftLimit        = 10
	defaultHardLimit        = 100
	defaultStalenessTimeout = 60000 * time.Millisecond
	defaultLoginTimeout     = 20 * time.Second
	defaultReaperInterval   = 300000 * time.Millisecond
)

// Config holds everything needed to build a Pool.
type Config struct {
	// Name labels log lines and metrics. Defaults to the driver name.
	Name string

	Driver      string
	Endpoint    string
	Credentials Credentials

	SoftLimit int // preferred pool size, the reaper shrinks toward it
	HardLimit int // absolute ceiling on open connections

	StalenessTimeout time.Duration // zero disables time based eviction
	LoginTimeout     time.Duration // bound on opening one physical connection
	ReaperInterval   time.Duration // zero disables the reaper

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer // metrics are registered here when set
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() Config {
	return Config{
		Driver:           defaultDriver,
		SoftLimit:        defaultSoftLimit,
		HardLimit:        defaultHardLimit,
		StalenessTimeout: defaultStalenessTimeout,
		LoginTimeout:     defaultLoginTimeout,
		ReaperInterval:   defaultReaperInterval,
	}
}

// ParseConfig builds a Config from a key/value map such as the one produced
// by viper.AllSettings. Numeric options must be non-negative integers;
// timeouts are milliseconds except login.timeout which is seconds.
func ParseConfig(kv map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()

	var err error
	if cfg.Name, err = stringOption(kv, KeyName, ""); err != nil {
		return Config{}, err
	}
	if cfg.Driver, err = stringOption(kv, KeyDriver, defaultDriver); err != nil {
		return Config{}, err
	}
	if cfg.Endpoint, err = stringOption(kv, KeyURL, ""); err != nil {
		return Config{}, err
	}
	if cfg.Credentials.Username, err = stringOption(kv, KeyUser, ""); err != nil {
		return Config{}, err
	}
	if cfg.Credentials.Password, err = stringOption(kv, KeyPassword, ""); err != nil {
		return Config{}, err
	}

	if cfg.SoftLimit, err = intOption(kv, KeyPoolSize, defaultSoftLimit); err != nil {
		return Config{}, err
	}
	if cfg.HardLimit, err = intOption(kv, KeyPoolMax, defaultHardLimit); err != nil {
		return Config{}, err
	}

	if cfg.StalenessTimeout, err = durationOption(kv, KeyTimeout, defaultStalenessTimeout, time.Millisecond); err != nil {
		return Config{}, err
	}
	if cfg.LoginTimeout, err = durationOption(kv, KeyLoginTimeout, defaultLoginTimeout, time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ReaperInterval, err = durationOption(kv, KeyReaperInterval, defaultReaperInterval, time.Millisecond); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the limits and durations of cfg.
func (cfg Config) Validate() error {
	switch {
	case cfg.SoftLimit < 0:
		return newErrorf(ErrInvalidConfig, "%s must be non-negative, got %d", KeyPoolSize, cfg.SoftLimit)
	case cfg.HardLimit < 0:
		return newErrorf(ErrInvalidConfig, "%s must be non-negative, got %d", KeyPoolMax, cfg.HardLimit)
	case cfg.HardLimit < cfg.SoftLimit:
		return newErrorf(ErrInvalidConfig, "%s (%d) is lower than %s (%d)", KeyPoolMax, cfg.HardLimit, KeyPoolSize, cfg.SoftLimit)
	case cfg.StalenessTimeout < 0:
		return newErrorf(ErrInvalidConfig, "%s must be non-negative, got %v", KeyTimeout, cfg.StalenessTimeout)
	case cfg.LoginTimeout < 0:
		return newErrorf(ErrInvalidConfig, "%s must be non-negative, got %v", KeyLoginTimeout, cfg.LoginTimeout)
	case cfg.ReaperInterval < 0:
		return newErrorf(ErrInvalidConfig, "%s must be non-negative, got %v", KeyReaperInterval, cfg.ReaperInterval)
	}
	return nil
}

func stringOption(kv map[string]interface{}, key, def string) (string, error) {
	v, ok := kv[key]
	if !ok || v == nil {
		return def, nil
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return "", wrapError(ErrInvalidConfig, err, key)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

func intOption(kv map[string]interface{}, key string, def int) (int, error) {
	v, ok := kv[key]
	if !ok || v == nil {
		return def, nil
	}

	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return def, nil
		}
		// cast parses strings with base 0; only plain decimals are accepted.
		if strings.TrimLeft(s, "0123456789") != "" {
			return 0, newErrorf(ErrInvalidConfig, "%s must be a non-negative integer, got %q", key, t)
		}
		if s = strings.TrimLeft(s, "0"); s == "" {
			s = "0"
		}
		v = s
	case float32:
		if float64(t) != math.Trunc(float64(t)) {
			return 0, newErrorf(ErrInvalidConfig, "%s must be an integer, got %v", key, t)
		}
	case float64:
		if t != math.Trunc(t) {
			return 0, newErrorf(ErrInvalidConfig, "%s must be an integer, got %v", key, t)
		}
	case bool:
		return 0, newErrorf(ErrInvalidConfig, "%s must be an integer, got %v", key, t)
	}

	n, err := cast.ToIntE(v)
	if err != nil {
		return 0, wrapError(ErrInvalidConfig, err, key)
	}
	if n < 0 {
		return 0, newErrorf(ErrInvalidConfig, "%s must be non-negative, got %d", key, n)
	}
	return n, nil
}

// durationOption reads a non-negative integer count of unit.
func durationOption(kv map[string]interface{}, key string, def, unit time.Duration) (time.Duration, error) {
	n, err := intOption(kv, key, int(def/unit))
	if err != nil {
		return 0, err
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, newErrorf(ErrInvalidConfig, "%s is out of range, got %d", key, n)
	}
	return time.Duration(n) * unit, nil
}
