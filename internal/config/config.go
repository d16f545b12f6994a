package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MinMaxEntries is the smallest event-log bound accepted by Validate.
const MinMaxEntries = 32

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Feed       FeedConfig       `yaml:"feed"`
	Engine     EngineConfig     `yaml:"engine"`
	Classifier ClassifierConfig `yaml:"classifier"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxConnections int      `yaml:"max_connections"`

	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	StatusInterval    time.Duration `yaml:"status_interval"`
	// ControlInterval is the minimum spacing of manual refresh and
	// reconnect requests.
	ControlInterval time.Duration `yaml:"control_interval"`
}

// FeedConfig describes how to reach the equipment-control application.
type FeedConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	SocketPath       string `yaml:"socket_path"`
	HistoryPath      string `yaml:"history_path"`
	SubscribeMessage string `yaml:"subscribe_message"`

	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	HistoryTimeout       time.Duration `yaml:"history_timeout"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	HealthCheckInterval  time.Duration `yaml:"health_check_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
}

type EngineConfig struct {
	MaxEntries       int           `yaml:"max_entries"`
	MaxAge           time.Duration `yaml:"max_age"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	DedupWindow      time.Duration `yaml:"dedup_window"`
	InboundBuffer    int           `yaml:"inbound_buffer"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	RestartDelay     time.Duration `yaml:"restart_delay"`
}

// ClassifierConfig extends the built-in tag table. Keys are event tags,
// values are category names such as "safety_changed".
type ClassifierConfig struct {
	ExtraTags map[string]string `yaml:"extra_tags"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			MaxConnections:    64,
			BroadcastThrottle: 250 * time.Millisecond,
			StatusInterval:    5 * time.Second,
			ControlInterval:   2 * time.Second,
		},
		Feed: FeedConfig{
			Host:                 "localhost",
			Port:                 1888,
			SocketPath:           "/v2/socket",
			HistoryPath:          "/v2/api/event-history",
			SubscribeMessage:     "SUBSCRIBE",
			HandshakeTimeout:     10 * time.Second,
			HistoryTimeout:       15 * time.Second,
			PingInterval:         30 * time.Second,
			StaleAfter:           5 * time.Minute,
			HealthCheckInterval:  30 * time.Second,
			ReconnectBaseDelay:   time.Second,
			ReconnectMaxDelay:    60 * time.Second,
			MaxReconnectAttempts: 10,
		},
		Engine: EngineConfig{
			MaxEntries:       500,
			MaxAge:           4 * time.Hour,
			CleanupInterval:  5 * time.Minute,
			DedupWindow:      time.Second,
			InboundBuffer:    256,
			SubscriberBuffer: 64,
			RestartDelay:     10 * time.Second,
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns the defaults when the file
// does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.BroadcastThrottle < 0 || c.Server.StatusInterval <= 0 || c.Server.ControlInterval < 0 {
		errs = append(errs, errors.New("server broadcast_throttle, status_interval and control_interval are invalid"))
	}
	if c.Feed.Host == "" {
		errs = append(errs, errors.New("feed.host is required"))
	}
	if c.Feed.Port <= 0 || c.Feed.Port > 65535 {
		errs = append(errs, fmt.Errorf("feed.port %d out of range", c.Feed.Port))
	}
	if c.Feed.ReconnectBaseDelay <= 0 {
		errs = append(errs, errors.New("feed.reconnect_base_delay must be positive"))
	}
	if c.Feed.ReconnectMaxDelay < c.Feed.ReconnectBaseDelay {
		errs = append(errs, errors.New("feed.reconnect_max_delay must be >= reconnect_base_delay"))
	}
	if c.Feed.MaxReconnectAttempts < 1 {
		errs = append(errs, errors.New("feed.max_reconnect_attempts must be at least 1"))
	}
	if c.Feed.PingInterval <= 0 || c.Feed.StaleAfter <= 0 || c.Feed.HealthCheckInterval <= 0 {
		errs = append(errs, errors.New("feed ping_interval, stale_after and health_check_interval must be positive"))
	}
	if c.Feed.StaleAfter <= c.Feed.PingInterval {
		errs = append(errs, errors.New("feed.stale_after must exceed ping_interval"))
	}
	if c.Engine.MaxEntries < MinMaxEntries {
		errs = append(errs, fmt.Errorf("engine.max_entries must be at least %d", MinMaxEntries))
	}
	if c.Engine.MaxAge <= 0 {
		errs = append(errs, errors.New("engine.max_age must be positive"))
	}
	if c.Engine.CleanupInterval <= 0 {
		errs = append(errs, errors.New("engine.cleanup_interval must be positive"))
	}
	if c.Engine.DedupWindow <= 0 {
		errs = append(errs, errors.New("engine.dedup_window must be positive"))
	}
	if c.Engine.InboundBuffer < 1 || c.Engine.SubscriberBuffer < 1 {
		errs = append(errs, errors.New("engine buffers must be at least 1"))
	}
	return errors.Join(errs...)
}

// SocketURL is the websocket endpoint of the event feed.
func (f FeedConfig) SocketURL() string {
	return "ws://" + net.JoinHostPort(f.Host, strconv.Itoa(f.Port)) + f.SocketPath
}

// HistoryURL is the REST endpoint returning recent events.
func (f FeedConfig) HistoryURL() string {
	return "http://" + net.JoinHostPort(f.Host, strconv.Itoa(f.Port)) + f.HistoryPath
}
