// Package config loads relay and client settings from defaults, an optional
// JSON file, a .env file and PELUSA_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// Duration is a time.Duration that reads and writes as "1s", "500ms", ...
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

type LogConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // text, json
}

// RelayConfig.Topic and ClientConfig.Topic must match for live delivery;
// PELUSA_TOPIC sets both.
type RelayConfig struct {
	Listen string `json:"listen,omitempty"`
	DBPath string `json:"db_path,omitempty"`
	Topic  string `json:"topic,omitempty"`
}

type ClientConfig struct {
	Listen          string   `json:"listen,omitempty"`
	RelayURL        string   `json:"relay_url,omitempty"`
	PollInterval    Duration `json:"poll_interval,omitempty"`
	PresenceTimeout Duration `json:"presence_timeout,omitempty"`
	HistoryTimeout  Duration `json:"history_timeout,omitempty"`
	RequestTimeout  Duration `json:"request_timeout,omitempty"`
	Topic           string   `json:"topic,omitempty"`
	FeedBuffer      int      `json:"feed_buffer,omitempty"`
}

type Config struct {
	Log    LogConfig    `json:"log"`
	Relay  RelayConfig  `json:"relay"`
	Client ClientConfig `json:"client"`
}

func DefaultConfig() Config {
	core := chat.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Relay: RelayConfig{
			Listen: "127.0.0.1:3000",
			DBPath: "./data/relay.db",
			Topic:  core.Topic,
		},
		Client: ClientConfig{
			Listen:          "127.0.0.1:3001",
			RelayURL:        "ws://127.0.0.1:3000/api/ws",
			PollInterval:    Duration(core.PollInterval),
			PresenceTimeout: Duration(core.PresenceTimeout),
			HistoryTimeout:  Duration(core.HistoryTimeout),
			RequestTimeout:  Duration(10 * time.Second),
			Topic:           core.Topic,
			FeedBuffer:      core.FeedBuffer,
		},
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Log.Level != "" {
		c.Log.Level = source.Log.Level
	}
	if source.Log.Format != "" {
		c.Log.Format = source.Log.Format
	}

	if source.Relay.Listen != "" {
		c.Relay.Listen = source.Relay.Listen
	}
	if source.Relay.DBPath != "" {
		c.Relay.DBPath = source.Relay.DBPath
	}
	if source.Relay.Topic != "" {
		c.Relay.Topic = source.Relay.Topic
	}

	s := source.Client
	if s.Listen != "" {
		c.Client.Listen = s.Listen
	}
	if s.RelayURL != "" {
		c.Client.RelayURL = s.RelayURL
	}
	if s.PollInterval > 0 {
		c.Client.PollInterval = s.PollInterval
	}
	if s.PresenceTimeout > 0 {
		c.Client.PresenceTimeout = s.PresenceTimeout
	}
	if s.HistoryTimeout > 0 {
		c.Client.HistoryTimeout = s.HistoryTimeout
	}
	if s.RequestTimeout > 0 {
		c.Client.RequestTimeout = s.RequestTimeout
	}
	if s.Topic != "" {
		c.Client.Topic = s.Topic
	}
	if s.FeedBuffer > 0 {
		c.Client.FeedBuffer = s.FeedBuffer
	}
}

// LoadConfig returns defaults merged with the JSON file at filename (if not
// empty) and then with the environment.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var loaded Config
		if err := json.Unmarshal(data, &loaded); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg.Merge(&loaded)
	}

	// a missing .env is fine
	_ = godotenv.Load()

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides fields from PELUSA_* variables looked up with lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var env Config

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("PELUSA_LOG_LEVEL", &env.Log.Level)
	str("PELUSA_LOG_FORMAT", &env.Log.Format)
	str("PELUSA_RELAY_LISTEN", &env.Relay.Listen)
	str("PELUSA_DB_PATH", &env.Relay.DBPath)
	str("PELUSA_CLIENT_LISTEN", &env.Client.Listen)
	str("PELUSA_RELAY_URL", &env.Client.RelayURL)
	str("PELUSA_TOPIC", &env.Client.Topic)
	str("PELUSA_TOPIC", &env.Relay.Topic)

	for key, dst := range map[string]*Duration{
		"PELUSA_POLL_INTERVAL":    &env.Client.PollInterval,
		"PELUSA_PRESENCE_TIMEOUT": &env.Client.PresenceTimeout,
		"PELUSA_HISTORY_TIMEOUT":  &env.Client.HistoryTimeout,
		"PELUSA_REQUEST_TIMEOUT":  &env.Client.RequestTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}

	c.Merge(&env)
	return nil
}

// Session converts the client section into the chat core's settings.
func (c ClientConfig) Session() chat.Config {
	return chat.Config{
		PollInterval:    time.Duration(c.PollInterval),
		PresenceTimeout: time.Duration(c.PresenceTimeout),
		HistoryTimeout:  time.Duration(c.HistoryTimeout),
		Topic:           c.Topic,
		FeedBuffer:      c.FeedBuffer,
	}
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
