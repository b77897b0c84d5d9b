// Package config loads client settings from the environment, an optional
// .env file and an optional YAML file named by ICHAT_CONFIG.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	APIURL  string `yaml:"api_url"`
	WSURL   string `yaml:"ws_url"`
	Channel string `yaml:"channel"`

	TypingIdle      Duration `yaml:"typing_idle"`
	RemoteTypingTTL Duration `yaml:"remote_typing_ttl"`

	ReconnectMin         Duration `yaml:"reconnect_min"`
	ReconnectMax         Duration `yaml:"reconnect_max"`
	ReconnectMaxAttempts int      `yaml:"reconnect_max_attempts"`
	RequestTimeout       Duration `yaml:"request_timeout"`

	MaxAttachment SizeBytes `yaml:"max_attachment"`

	SessionBackend string `yaml:"session_backend"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPrefix    string `yaml:"redis_prefix"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

func Default() Config {
	return Config{
		APIURL:          "http://localhost:8081",
		WSURL:           "ws://localhost:8081/ws",
		Channel:         "GROUP_CHAT",
		TypingIdle:      Duration(time.Second),
		RemoteTypingTTL: Duration(3 * time.Second),
		ReconnectMin:    Duration(time.Second),
		ReconnectMax:    Duration(30 * time.Second),
		RequestTimeout:  Duration(15 * time.Second),
		MaxAttachment:   SizeBytes(5 * humanize.MByte),
		SessionBackend:  BackendMemory,
		RedisAddr:       "localhost:6379",
		RedisPrefix:     "ichat",
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// Load builds the configuration: defaults, then the YAML file, then the
// environment. A missing .env file is not an error.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("ICHAT_CONFIG")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrapf(err, "parse config %s", path)
	}
	return nil
}

func (c *Config) overlayEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []string
	dur := func(key string, dst *Duration) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}

	str("ICHAT_API_URL", &c.APIURL)
	str("ICHAT_WS_URL", &c.WSURL)
	str("ICHAT_CHANNEL", &c.Channel)
	dur("ICHAT_TYPING_IDLE", &c.TypingIdle)
	dur("ICHAT_REMOTE_TYPING_TTL", &c.RemoteTypingTTL)
	dur("ICHAT_RECONNECT_MIN", &c.ReconnectMin)
	dur("ICHAT_RECONNECT_MAX", &c.ReconnectMax)
	dur("ICHAT_REQUEST_TIMEOUT", &c.RequestTimeout)
	if v, ok := lookup("ICHAT_RECONNECT_MAX_ATTEMPTS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Sprintf("ICHAT_RECONNECT_MAX_ATTEMPTS: %v", err))
		} else {
			c.ReconnectMaxAttempts = n
		}
	}
	if v, ok := lookup("ICHAT_MAX_ATTACHMENT"); ok && strings.TrimSpace(v) != "" {
		n, err := parseSize(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("ICHAT_MAX_ATTACHMENT: %v", err))
		} else {
			c.MaxAttachment = n
		}
	}
	str("ICHAT_SESSION_BACKEND", &c.SessionBackend)
	str("ICHAT_REDIS_ADDR", &c.RedisAddr)
	// A redis address without an explicit backend means the session should
	// outlive the process.
	if v, _ := lookup("ICHAT_SESSION_BACKEND"); strings.TrimSpace(v) == "" {
		if v, _ := lookup("ICHAT_REDIS_ADDR"); strings.TrimSpace(v) != "" {
			c.SessionBackend = BackendRedis
		}
	}
	str("ICHAT_REDIS_PREFIX", &c.RedisPrefix)
	str("ICHAT_LOG_LEVEL", &c.LogLevel)
	str("ICHAT_LOG_FORMAT", &c.LogFormat)
	str("ICHAT_METRICS_ADDR", &c.MetricsAddr)

	if len(errs) > 0 {
		return errors.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate rejects settings the client cannot run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.APIURL) == "" {
		problems = append(problems, "api_url is empty")
	}
	if strings.TrimSpace(c.WSURL) == "" {
		problems = append(problems, "ws_url is empty")
	}
	if strings.TrimSpace(c.Channel) == "" {
		problems = append(problems, "channel is empty")
	}
	for name, d := range map[string]Duration{
		"typing_idle":       c.TypingIdle,
		"remote_typing_ttl": c.RemoteTypingTTL,
		"reconnect_min":     c.ReconnectMin,
		"reconnect_max":     c.ReconnectMax,
		"request_timeout":   c.RequestTimeout,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.ReconnectMin > c.ReconnectMax {
		problems = append(problems, "reconnect_min exceeds reconnect_max")
	}
	if c.ReconnectMaxAttempts < 0 {
		problems = append(problems, "reconnect_max_attempts is negative")
	}
	if c.MaxAttachment <= 0 {
		problems = append(problems, "max_attachment must be positive")
	}
	switch c.SessionBackend {
	case BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			problems = append(problems, "redis_addr is empty")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown session_backend %q", c.SessionBackend))
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
