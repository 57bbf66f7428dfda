// Package config loads relay settings from, in increasing precedence:
// defaults, a YAML config file, the environment (RELAY_*, with .env loaded
// first) and command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/assistant-relay/pkg/logging"
	"github.com/go-go-golems/assistant-relay/pkg/redisstream"
	"github.com/go-go-golems/assistant-relay/pkg/relay"
	"github.com/go-go-golems/assistant-relay/pkg/session"
	"github.com/go-go-golems/assistant-relay/pkg/upstream"
	"github.com/go-go-golems/assistant-relay/pkg/upstream/anthropicapi"
	"github.com/go-go-golems/assistant-relay/pkg/upstream/claudecli"
)

const (
	EnvPrefix = "RELAY"

	BackendCLI = "cli"
	BackendAPI = "api"
)

type CLISettings struct {
	Path      string   `mapstructure:"path"`
	Model     string   `mapstructure:"model"`
	ExtraArgs []string `mapstructure:"extra-args"`
}

type APISettings struct {
	Key         string  `mapstructure:"key"`
	BaseURL     string  `mapstructure:"base-url"`
	Model       string  `mapstructure:"model"`
	MaxTokens   int64   `mapstructure:"max-tokens"`
	InputPrice  float64 `mapstructure:"input-price"`
	OutputPrice float64 `mapstructure:"output-price"`
	MaxRetries  int     `mapstructure:"max-retries"`
}

type SessionSettings struct {
	IdleTimeout    time.Duration `mapstructure:"idle-timeout"`
	EvictInterval  time.Duration `mapstructure:"evict-interval"`
	ConnectRetries int           `mapstructure:"connect-retries"`
	ConnectBackoff time.Duration `mapstructure:"connect-backoff"`
}

type StreamSettings struct {
	FlushThreshold int           `mapstructure:"flush-threshold"`
	FlushInterval  time.Duration `mapstructure:"flush-interval"`
	SmoothingPause time.Duration `mapstructure:"smoothing-pause"`
	WatchIdle      time.Duration `mapstructure:"watch-idle"`
	DrainTimeout   time.Duration `mapstructure:"drain-timeout"`
}

type Settings struct {
	Addr           string               `mapstructure:"addr"`
	Backend        string               `mapstructure:"backend"`
	AllowedOrigins []string             `mapstructure:"allowed-origins"`
	ProfilesFile   string               `mapstructure:"profiles-file"`
	CLI            CLISettings          `mapstructure:"cli"`
	API            APISettings          `mapstructure:"api"`
	Session        SessionSettings      `mapstructure:"session"`
	Stream         StreamSettings       `mapstructure:"stream"`
	Redis          redisstream.Settings `mapstructure:"redis"`
	Log            logging.Settings     `mapstructure:"log"`
}

// flagKeys maps command-line flag names onto setting keys.
var flagKeys = map[string]string{
	"addr":            "addr",
	"backend":         "backend",
	"allowed-origins": "allowed-origins",
	"profiles-file":   "profiles-file",
	"cli-path":        "cli.path",
	"model":           "model",
	"api-base-url":    "api.base-url",
	"idle-timeout":    "session.idle-timeout",
	"evict-interval":  "session.evict-interval",
	"connect-retries": "session.connect-retries",
	"redis-enabled":   "redis.enabled",
	"redis-addr":      "redis.addr",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8002")
	v.SetDefault("backend", BackendCLI)
	v.SetDefault("allowed-origins", []string{"http://localhost:3020", "http://localhost:3000"})
	v.SetDefault("profiles-file", "")
	v.SetDefault("model", "")

	v.SetDefault("cli.path", claudecli.DefaultPath)
	v.SetDefault("cli.model", "")
	v.SetDefault("cli.extra-args", []string{})

	v.SetDefault("api.key", "")
	v.SetDefault("api.base-url", "")
	v.SetDefault("api.model", anthropicapi.DefaultModel)
	v.SetDefault("api.max-tokens", anthropicapi.DefaultMaxTokens)
	v.SetDefault("api.input-price", 3.0)
	v.SetDefault("api.output-price", 15.0)
	v.SetDefault("api.max-retries", 2)

	v.SetDefault("session.idle-timeout", time.Duration(0))
	v.SetDefault("session.evict-interval", time.Minute)
	v.SetDefault("session.connect-retries", 2)
	v.SetDefault("session.connect-backoff", 250*time.Millisecond)

	v.SetDefault("stream.flush-threshold", relay.DefaultFlushThreshold)
	v.SetDefault("stream.flush-interval", relay.DefaultFlushInterval)
	v.SetDefault("stream.smoothing-pause", relay.DefaultSmoothingPause)
	v.SetDefault("stream.watch-idle", time.Minute)
	v.SetDefault("stream.drain-timeout", relay.DefaultDrainTimeout)

	rs := redisstream.DefaultSettings()
	v.SetDefault("redis.enabled", rs.Enabled)
	v.SetDefault("redis.addr", rs.Addr)
	v.SetDefault("redis.group", rs.Group)
	v.SetDefault("redis.consumer", rs.Consumer)

	ls := logging.DefaultSettings()
	v.SetDefault("log.level", ls.Level)
	v.SetDefault("log.format", ls.Format)
	v.SetDefault("log.file", "")
}

// DefaultConfigFile is config.yaml in the user config directory.
func DefaultConfigFile() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", errors.Wrap(err, "could not get config dir")
	}
	return filepath.Join(dir, "assistant-relay", "config.yaml"), nil
}

// Load resolves the settings. configFile is read when set and must exist;
// otherwise the default config file is read when present. flags may be nil.
func Load(configFile string, flags *pflag.FlagSet) (Settings, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Settings{}, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("api.key", EnvPrefix+"_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return Settings{}, errors.Wrap(err, "bind api key env")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, errors.Wrapf(err, "read config %s", configFile)
		}
	} else if def, err := DefaultConfigFile(); err == nil {
		if _, statErr := os.Stat(def); statErr == nil {
			v.SetConfigFile(def)
			if err := v.ReadInConfig(); err != nil {
				return Settings{}, errors.Wrapf(err, "read config %s", def)
			}
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Settings{}, errors.Wrapf(err, "bind flag %s", name)
				}
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	// model is a shorthand applying to whichever backend is selected.
	if m := v.GetString("model"); m != "" {
		s.CLI.Model = m
		s.API.Model = m
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) Validate() error {
	switch s.Backend {
	case BackendCLI, BackendAPI:
	default:
		return errors.Errorf("unknown backend %q (want %s or %s)", s.Backend, BackendCLI, BackendAPI)
	}
	if s.Stream.FlushThreshold <= 0 {
		return errors.New("stream.flush-threshold must be positive")
	}
	if s.Stream.FlushInterval <= 0 {
		return errors.New("stream.flush-interval must be positive")
	}
	if s.Session.ConnectRetries < 0 {
		return errors.New("session.connect-retries must not be negative")
	}
	return nil
}

// UpstreamFactory builds the factory for the selected backend.
func (s Settings) UpstreamFactory() upstream.Factory {
	if s.Backend == BackendAPI {
		return anthropicapi.NewFactory(anthropicapi.Config{
			APIKey:             s.API.Key,
			BaseURL:            s.API.BaseURL,
			Model:              s.API.Model,
			MaxTokens:          s.API.MaxTokens,
			InputPricePerMTok:  s.API.InputPrice,
			OutputPricePerMTok: s.API.OutputPrice,
			MaxRetries:         s.API.MaxRetries,
		})
	}
	return claudecli.NewFactory(claudecli.Config{
		Path:      s.CLI.Path,
		Model:     s.CLI.Model,
		ExtraArgs: s.CLI.ExtraArgs,
	})
}

func (s Settings) SessionOptions() session.Options {
	return session.Options{
		ConnectRetries:   s.Session.ConnectRetries,
		ConnectBackoff:   s.Session.ConnectBackoff,
		IdleTimeout:      s.Session.IdleTimeout,
		EvictionInterval: s.Session.EvictInterval,
	}
}

// AggregatorOptions returns the stream coalescing options. pub may be nil.
func (s Settings) AggregatorOptions(pub relay.Publisher) relay.Options {
	return relay.Options{
		FlushThreshold: s.Stream.FlushThreshold,
		FlushInterval:  s.Stream.FlushInterval,
		SmoothingPause: s.Stream.SmoothingPause,
		DrainTimeout:   s.Stream.DrainTimeout,
		Publisher:      pub,
	}
}
