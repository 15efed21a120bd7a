package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Connection is one configured controller.
type Connection struct {
	Name    string `yaml:"name"`
	Server  string `yaml:"server"`
	Port    int    `yaml:"port"`
	Webname string `yaml:"webname"`
	SSL     bool   `yaml:"ssl"`
	Filter  string `yaml:"filter"`
	Auth    *Auth  `yaml:"auth"`
}

// Auth holds basic auth credentials of a controller.
type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BaseURL returns http(s)://server:port/webname.
func (c Connection) BaseURL() string {
	scheme := "http"
	if c.SSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d/%s", scheme, c.Server, c.Port, strings.Trim(c.Webname, "/"))
}

// Cloud configures the cloud function sink.
type Cloud struct {
	BaseURL   string `yaml:"base_url"`
	TokenFile string `yaml:"token_file"`
}

// MQTT configures the MQTT sink and command topics.
type MQTT struct {
	BrokerURL     string `yaml:"broker_url"`
	ClientID      string `yaml:"client_id"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	TopicPrefix   string `yaml:"topic_prefix"`
	QoS           byte   `yaml:"qos"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`
}

// Debounce tunes the per-key rate limit.
type Debounce struct {
	Window     time.Duration `yaml:"window"`
	MaxUpdates int           `yaml:"max_updates"`
	CarryOver  int           `yaml:"carry_over"`
}

// StaticKey is a key forwarded without a database key source.
type StaticKey struct {
	Key        string `yaml:"key"`
	Device     string `yaml:"device"`
	Connection string `yaml:"connection"`
}

// Config is the bridge configuration.
type Config struct {
	Connections      []Connection  `yaml:"connections"`
	HTTPAddr         string        `yaml:"http_addr"`
	JWTSecret        string        `yaml:"jwt_secret"`
	DatabaseURL      string        `yaml:"database_url"`
	Cloud            Cloud         `yaml:"cloud"`
	MQTT             MQTT          `yaml:"mqtt"`
	Debounce         Debounce      `yaml:"debounce"`
	StaticKeys       []StaticKey   `yaml:"static_keys"`
	SyncPollInterval time.Duration `yaml:"sync_poll_interval"`
	ReportStateDelay time.Duration `yaml:"report_state_delay"`
	CommandTimeout   time.Duration `yaml:"command_timeout"`
	LogDebug         bool          `yaml:"log_debug"`
}

// Load reads an optional .env file, the YAML file named by BRIDGE_CONFIG and
// environment overrides.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := defaults()
	if path := os.Getenv("BRIDGE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(data, &cfg); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	applyConnectionDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields.
func Parse(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// Validate checks the settings the bridge cannot start without.
func (c Config) Validate() error {
	if len(c.Connections) == 0 {
		return errors.New("config: at least one connection required")
	}
	seen := make(map[string]struct{}, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.Server == "" {
			return fmt.Errorf("config: connection %d: server required", i)
		}
		if conn.Port <= 0 || conn.Port > 65535 {
			return fmt.Errorf("config: connection %d: invalid port %d", i, conn.Port)
		}
		if _, dup := seen[conn.Name]; dup {
			return fmt.Errorf("config: duplicate connection name %q", conn.Name)
		}
		seen[conn.Name] = struct{}{}
	}
	if c.Debounce.MaxUpdates <= 0 {
		return errors.New("config: debounce.max_updates must be positive")
	}
	if c.Debounce.Window <= 0 {
		return errors.New("config: debounce.window must be positive")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("config: invalid mqtt qos %d", c.MQTT.QoS)
	}
	return nil
}

func defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		Cloud:    Cloud{TokenFile: "token"},
		MQTT:     MQTT{TopicPrefix: "fhem", ClientID: "fhem-bridge"},
		Debounce: Debounce{
			Window:     30 * time.Second,
			MaxUpdates: 10,
			CarryOver:  8,
		},
		SyncPollInterval: 5 * time.Second,
		ReportStateDelay: 50 * time.Second,
		CommandTimeout:   10 * time.Second,
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.JWTSecret = getenvDefault("AUTH_JWT_SECRET", cfg.JWTSecret)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.DatabaseURL))
	cfg.Cloud.BaseURL = getenvDefault("CLOUD_BASE_URL", cfg.Cloud.BaseURL)
	cfg.Cloud.TokenFile = getenvDefault("TOKEN_FILE", cfg.Cloud.TokenFile)
	cfg.MQTT.BrokerURL = getenvDefault("MQTT_BROKER_URL", cfg.MQTT.BrokerURL)
	cfg.SyncPollInterval = getenvDuration("SYNC_POLL_INTERVAL", cfg.SyncPollInterval)
	cfg.Debounce.MaxUpdates = getenvIntDefault("DEBOUNCE_MAX_UPDATES", cfg.Debounce.MaxUpdates)
	if value := os.Getenv("LOG_DEBUG"); value != "" {
		cfg.LogDebug = value == "1" || strings.EqualFold(value, "true")
	}
}

func applyConnectionDefaults(cfg *Config) {
	for i := range cfg.Connections {
		conn := &cfg.Connections[i]
		if conn.Webname == "" {
			conn.Webname = "fhem"
		}
		if conn.Port == 0 {
			conn.Port = 8083
		}
		if conn.Name == "" {
			conn.Name = conn.Server
			if len(cfg.Connections) > 1 {
				conn.Name = conn.Server + ":" + strconv.Itoa(conn.Port)
			}
		}
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
