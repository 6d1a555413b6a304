package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentchat/internal/mcpclient"
)

const DefaultPath = "agentchat.yaml"

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Conversation ConversationConfig `yaml:"conversation"`
	Reconnect    ReconnectConfig    `yaml:"reconnect"`
	Session      SessionConfig      `yaml:"session"`
	Store        StoreConfig        `yaml:"store"`
	Log          LogConfig          `yaml:"log"`
	Host         HostConfig         `yaml:"host"`

	MCPServers []mcpclient.ServerConfig `yaml:"mcp_servers"`
}

type ServerConfig struct {
	URL                string            `yaml:"url"`
	InsecureSkipVerify bool              `yaml:"insecure_skip_verify"`
	Headers            map[string]string `yaml:"headers"`
	DialTimeout        Duration          `yaml:"dial_timeout"`
	WriteTimeout       Duration          `yaml:"write_timeout"`
}

type ConversationConfig struct {
	ConversationID string `yaml:"conversation_id"`
	AgentID        string `yaml:"agent_id"`
}

type ReconnectConfig struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
	// Jitter is the largest random fraction added to each delay.
	Jitter *float64 `yaml:"jitter"`
}

type SessionConfig struct {
	TurnTimeout    Duration `yaml:"turn_timeout"`
	PageLimit      int      `yaml:"page_limit"`
	CorrelationIDs bool     `yaml:"correlation_ids"`
}

type StoreConfig struct {
	Driver     string   `yaml:"driver"`
	RedisURL   string   `yaml:"redis_url"`
	SQLitePath string   `yaml:"sqlite_path"`
	TTL        Duration `yaml:"ttl"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Color *bool  `yaml:"color"`
	Debug bool   `yaml:"debug"`
}

type HostConfig struct {
	// EnvAllow lists environment variables the agent may read via host.env.
	EnvAllow []string `yaml:"env_allow"`
}

// Duration accepts "90s"-style strings or a bare number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" || raw == "~" || raw == "null" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", value.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Load reads path (DefaultPath when empty). A missing default file yields
// the defaults; a missing explicit file is an error.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			cfg := Config{}
			cfg.applyDefaults()
			return cfg, nil
		}
		return Config{}, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML (or JSON) config text and applies defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c == nil {
		return
	}
	c.Server.URL = strings.TrimSpace(c.Server.URL)
	if c.Server.DialTimeout <= 0 {
		c.Server.DialTimeout = Duration(15 * time.Second)
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = Duration(5 * time.Second)
	}
	c.Conversation.ConversationID = strings.TrimSpace(c.Conversation.ConversationID)
	c.Conversation.AgentID = strings.TrimSpace(c.Conversation.AgentID)
	if c.Reconnect.BaseDelay <= 0 {
		c.Reconnect.BaseDelay = Duration(time.Second)
	}
	if c.Reconnect.MaxDelay <= 0 {
		c.Reconnect.MaxDelay = Duration(30 * time.Second)
	}
	if c.Reconnect.Jitter == nil {
		j := 0.3
		c.Reconnect.Jitter = &j
	}
	if c.Session.PageLimit <= 0 {
		c.Session.PageLimit = 50
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = "none"
	}
	if c.Store.Driver == "sqlite" && strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = "agentchat.db"
	}
	if c.Store.Driver == "redis" && c.Store.TTL <= 0 {
		c.Store.TTL = Duration(7 * 24 * time.Hour)
	}
}

// JitterFraction returns the configured jitter in the form transport.Options
// expects, where a negative value disables jitter.
func (c ReconnectConfig) JitterFraction() float64 {
	if c.Jitter == nil {
		return 0.3
	}
	if *c.Jitter <= 0 {
		return -1
	}
	return *c.Jitter
}

func (c Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if !strings.HasPrefix(c.Server.URL, "ws://") && !strings.HasPrefix(c.Server.URL, "wss://") &&
		!strings.HasPrefix(c.Server.URL, "http://") && !strings.HasPrefix(c.Server.URL, "https://") {
		return fmt.Errorf("server.url must be a ws:// or wss:// url, got %q", c.Server.URL)
	}
	if c.Conversation.ConversationID == "" {
		return errors.New("conversation.conversation_id is required")
	}
	if c.Conversation.AgentID == "" {
		return errors.New("conversation.agent_id is required")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.New("reconnect.max_delay must be >= reconnect.base_delay")
	}
	if c.Reconnect.Jitter != nil && *c.Reconnect.Jitter > 1 {
		return errors.New("reconnect.jitter must be <= 1")
	}
	switch c.Store.Driver {
	case "none", "sqlite":
	case "redis":
		if strings.TrimSpace(c.Store.RedisURL) == "" {
			return errors.New("store.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}
