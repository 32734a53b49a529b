// Package config loads daemon settings: built-in defaults, then an optional YAML
// file, then a .env file, then LBSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "LBSYNC"

type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Freeze   FreezeConfig   `yaml:"freeze"`
	EventBus EventBusConfig `yaml:"eventbus" envconfig:"eventbus"`
	Janitor  JanitorConfig  `yaml:"janitor"`
	Log      LogConfig      `yaml:"log"`
}

// HTTPConfig is the local API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// Per-IP request budget for the local API.
	RatePerSecond float64 `yaml:"rate_per_second" split_words:"true"`
	RateBurst     int     `yaml:"rate_burst" split_words:"true"`
	// Origins allowed to open the downstream websocket, as host patterns.
	OriginPatterns []string `yaml:"origin_patterns" split_words:"true"`
}

// UpstreamConfig describes the contest platform.
type UpstreamConfig struct {
	HubURL          string   `yaml:"hub_url" split_words:"true"`
	APIURL          string   `yaml:"api_url" split_words:"true"`
	Token           string   `yaml:"token"`
	Transports      []string `yaml:"transports"`
	SkipNegotiation bool     `yaml:"skip_negotiation" split_words:"true"`

	RetryDelay       time.Duration `yaml:"retry_delay" split_words:"true"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial" split_words:"true"`
	ReconnectFactor  float64       `yaml:"reconnect_factor" split_words:"true"`
	ReconnectMax     time.Duration `yaml:"reconnect_max" split_words:"true"`
	ReconnectWindow  time.Duration `yaml:"reconnect_window" split_words:"true"`
	KeepAlive        time.Duration `yaml:"keep_alive" split_words:"true"`
	ServerTimeout    time.Duration `yaml:"server_timeout" split_words:"true"`

	FetchTimeout time.Duration `yaml:"fetch_timeout" split_words:"true"`
	FetchRate    float64       `yaml:"fetch_rate" split_words:"true"`
	PageSize     int           `yaml:"page_size" split_words:"true"`
}

type FreezeConfig struct {
	Source    string        `yaml:"source"`
	ClockSkew time.Duration `yaml:"clock_skew" split_words:"true"`
}

// EventBusConfig selects the mirror transport. An empty NATSURL keeps the bus
// in-process.
type EventBusConfig struct {
	NATSURL   string `yaml:"nats_url" envconfig:"nats_url"`
	NKeySeed  string `yaml:"nkey_seed" envconfig:"nkey_seed"`
	QueueSize int    `yaml:"queue_size" split_words:"true"`
}

type JanitorConfig struct {
	Every   time.Duration `yaml:"every"`
	IdleTTL time.Duration `yaml:"idle_ttl" split_words:"true"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:          ":8080",
			RatePerSecond: 10,
			RateBurst:     20,
		},
		Upstream: UpstreamConfig{
			HubURL:           "http://localhost:5000/hubs/leaderboard",
			APIURL:           "http://localhost:5000/api",
			Transports:       []string{"websockets", "longpolling"},
			RetryDelay:       3 * time.Second,
			ReconnectInitial: 2 * time.Second,
			ReconnectFactor:  5,
			ReconnectMax:     30 * time.Second,
			ReconnectWindow:  2 * time.Minute,
			KeepAlive:        15 * time.Second,
			ServerTimeout:    30 * time.Second,
			FetchTimeout:     10 * time.Second,
			FetchRate:        5,
			PageSize:         50,
		},
		Freeze: FreezeConfig{
			Source:    "client",
			ClockSkew: 2 * time.Second,
		},
		EventBus: EventBusConfig{
			QueueSize: 256,
		},
		Janitor: JanitorConfig{
			Every:   time.Minute,
			IdleTTL: 10 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. A missing YAML file or .env file is not an
// error; a present but unreadable one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.Upstream.HubURL == "":
		return errors.New("config: upstream.hub_url is required")
	case c.Upstream.APIURL == "":
		return errors.New("config: upstream.api_url is required")
	case c.Upstream.PageSize < 1:
		return fmt.Errorf("config: upstream.page_size must be >= 1, got %d", c.Upstream.PageSize)
	case c.Upstream.ReconnectFactor < 1:
		return fmt.Errorf("config: upstream.reconnect_factor must be >= 1, got %v", c.Upstream.ReconnectFactor)
	case c.Upstream.RetryDelay <= 0:
		return errors.New("config: upstream.retry_delay must be positive")
	case c.Upstream.FetchRate <= 0:
		return fmt.Errorf("config: upstream.fetch_rate must be positive, got %v", c.Upstream.FetchRate)
	case c.Janitor.Every <= 0:
		return errors.New("config: janitor.every must be positive")
	}
	return nil
}
