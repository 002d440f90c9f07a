// Package config loads wagate settings from defaults, an optional .env file
// and WAGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ricochet1k/wagate/internal/circuit"
	"github.com/ricochet1k/wagate/internal/storage"
)

const envPrefix = "WAGATE_"

const AdapterLoopback = "loopback"

type Config struct {
	ListenAddr     string
	DataDir        string
	DBPath         string
	CredentialsDir string

	LogLevel  string
	LogFormat string
	// LogBroadcastLevel is the lowest level forwarded to realtime clients.
	LogBroadcastLevel string

	ConnectTimeout     time.Duration
	DisconnectTimeout  time.Duration
	StuckTimeout       time.Duration
	ReconcileInterval  time.Duration
	RetryBackoff       []time.Duration
	ReconnectThreshold int
	ReconnectCooldown  time.Duration
	WatchDebounce      time.Duration
	BroadcastBuffer    int

	Adapter            string
	LoopbackQRInterval time.Duration
	LoopbackPairAfter  time.Duration

	AMQPURL      string
	AMQPExchange string
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8080",
		DataDir:            storage.DefaultBaseDir(),
		LogLevel:           "info",
		LogFormat:          "text",
		LogBroadcastLevel:  "info",
		ConnectTimeout:     30 * time.Second,
		DisconnectTimeout:  5 * time.Second,
		StuckTimeout:       2 * time.Minute,
		ReconcileInterval:  30 * time.Second,
		RetryBackoff:       circuit.Exponential(time.Second, 16*time.Second, 5).Delays(),
		ReconnectThreshold: 5,
		ReconnectCooldown:  5 * time.Minute,
		WatchDebounce:      500 * time.Millisecond,
		BroadcastBuffer:    256,
		Adapter:            AdapterLoopback,
		LoopbackQRInterval: 20 * time.Second,
		AMQPExchange:       "wagate.events",
	}
}

// Load reads envFile (if it exists) into the process environment and then
// applies WAGATE_* variables over the defaults. Variables already set in the
// environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from lookup, which is normally os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	p := envParser{lookup: lookup}

	p.str("LISTEN_ADDR", &c.ListenAddr)
	p.str("DATA_DIR", &c.DataDir)
	p.str("DB_PATH", &c.DBPath)
	p.str("CREDENTIALS_DIR", &c.CredentialsDir)
	p.str("LOG_LEVEL", &c.LogLevel)
	p.str("LOG_FORMAT", &c.LogFormat)
	p.str("LOG_BROADCAST_LEVEL", &c.LogBroadcastLevel)

	p.duration("CONNECT_TIMEOUT", &c.ConnectTimeout)
	p.duration("DISCONNECT_TIMEOUT", &c.DisconnectTimeout)
	p.duration("STUCK_TIMEOUT", &c.StuckTimeout)
	p.duration("RECONCILE_INTERVAL", &c.ReconcileInterval)
	p.durations("RETRY_BACKOFF", &c.RetryBackoff)
	p.integer("RECONNECT_THRESHOLD", &c.ReconnectThreshold)
	p.duration("RECONNECT_COOLDOWN", &c.ReconnectCooldown)
	p.duration("WATCH_DEBOUNCE", &c.WatchDebounce)
	p.integer("BROADCAST_BUFFER", &c.BroadcastBuffer)

	p.str("ADAPTER", &c.Adapter)
	p.duration("LOOPBACK_QR_INTERVAL", &c.LoopbackQRInterval)
	p.duration("LOOPBACK_PAIR_AFTER", &c.LoopbackPairAfter)

	p.str("AMQP_URL", &c.AMQPURL)
	p.str("AMQP_EXCHANGE", &c.AMQPExchange)

	return errors.Join(p.errs...)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ListenAddr) == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if strings.TrimSpace(c.DataDir) == "" && (c.DBPath == "" || c.CredentialsDir == "") {
		errs = append(errs, errors.New("data dir is required"))
	}
	positive := map[string]time.Duration{
		"connect timeout":    c.ConnectTimeout,
		"disconnect timeout": c.DisconnectTimeout,
		"stuck timeout":      c.StuckTimeout,
		"reconcile interval": c.ReconcileInterval,
		"reconnect cooldown": c.ReconnectCooldown,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if len(c.RetryBackoff) == 0 {
		errs = append(errs, errors.New("retry backoff schedule is empty"))
	}
	for _, d := range c.RetryBackoff {
		if d < 0 {
			errs = append(errs, fmt.Errorf("retry backoff delay %s is negative", d))
		}
	}
	if c.ReconnectThreshold <= 0 {
		errs = append(errs, fmt.Errorf("reconnect threshold must be positive, got %d", c.ReconnectThreshold))
	}
	if c.BroadcastBuffer <= 0 {
		errs = append(errs, fmt.Errorf("broadcast buffer must be positive, got %d", c.BroadcastBuffer))
	}
	if c.Adapter != AdapterLoopback {
		errs = append(errs, fmt.Errorf("unknown adapter %q", c.Adapter))
	}
	if c.AMQPURL != "" && strings.TrimSpace(c.AMQPExchange) == "" {
		errs = append(errs, errors.New("amqp exchange is required when amqp url is set"))
	}
	return errors.Join(errs...)
}

// Backoff is the retry schedule as used by the orchestrator.
func (c Config) Backoff() circuit.Backoff {
	return circuit.NewBackoff(c.RetryBackoff...)
}

func (c Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.DataDir, "wagate.db")
}

func (c Config) CredentialsPath() string {
	if c.CredentialsDir != "" {
		return c.CredentialsDir
	}
	return filepath.Join(c.DataDir, "credentials")
}

type envParser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *envParser) get(key string) (string, bool) {
	v, ok := p.lookup(envPrefix + key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *envParser) str(key string, dst *string) {
	if v, ok := p.get(key); ok {
		*dst = v
	}
}

func (p *envParser) duration(key string, dst *time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*dst = d
}

func (p *envParser) durations(key string, dst *[]time.Duration) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
			return
		}
		out = append(out, d)
	}
	*dst = out
}

func (p *envParser) integer(key string, dst *int) {
	v, ok := p.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
		return
	}
	*dst = n
}
