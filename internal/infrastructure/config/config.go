package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "DKN_CONFIG"

// DefaultPath is used when DKN_CONFIG is unset.
const DefaultPath = "configs/config.yaml"

// Config is the root configuration structure for the bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Cloud       CloudConfig       `yaml:"cloud"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SiteConfig identifies this bridge instance.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// CloudConfig contains the vendor cloud account and endpoint settings.
type CloudConfig struct {
	Email           string          `yaml:"email"`
	Password        string          `yaml:"password"`
	BaseURL         string          `yaml:"base_url"`
	APIPrefix       string          `yaml:"api_prefix"`
	Region          string          `yaml:"region"`
	SocketPath      string          `yaml:"socket_path"`
	EngineIO        int             `yaml:"engine_io"`
	UserAgent       string          `yaml:"user_agent"`
	RequestTimeout  time.Duration   `yaml:"request_timeout"`
	Token           string          `yaml:"token"`
	RefreshToken    string          `yaml:"refresh_token"`
	TransportErrors string          `yaml:"transport_errors"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the backoff policy used after a channel rejects the session.
type ReconnectConfig struct {
	Min         time.Duration `yaml:"min"`
	Max         time.Duration `yaml:"max"`
	Jitter      float64       `yaml:"jitter"`
	Factor      float64       `yaml:"factor"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// CredentialsConfig selects where session tokens are persisted.
type CredentialsConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Platform string `yaml:"platform"`
}

// Credential backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains settings for the live state stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"` // bytes
	PingInterval   int `yaml:"ping_interval"`    // seconds
	PongTimeout    int `yaml:"pong_timeout"`     // seconds
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
//
// Network enables the transport log: every frame sent to or received from
// the vendor cloud is written at debug level.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	Network bool   `yaml:"network"`
}

// Path returns the config file path from DKN_CONFIG, or DefaultPath.
func Path() string {
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return DefaultPath
}

// LoadDotEnv loads environment variables from a .env file. A missing file is
// not an error. Variables already set in the environment win.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern DKN_SECTION_KEY,
// for example DKN_CLOUD_EMAIL or DKN_API_PORT.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "dkn-bridge",
			Name: "DKN Bridge",
		},
		Cloud: CloudConfig{
			BaseURL:         "https://dkncloudna.com",
			APIPrefix:       "/api/v1",
			Region:          "dknUsa",
			SocketPath:      "/devices/socket.io/",
			EngineIO:        4,
			UserAgent:       "Mozilla/5.0 (iPhone; CPU iPhone OS 15_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Mobile/15E148",
			RequestTimeout:  15 * time.Second,
			TransportErrors: "transport",
			Reconnect: ReconnectConfig{
				Min:         time.Second,
				Max:         5 * time.Second,
				Jitter:      0.5,
				Factor:      2,
				MaxAttempts: 5,
			},
		},
		Credentials: CredentialsConfig{
			Backend:  BackendFile,
			Path:     "./data/credentials.yaml",
			Platform: "DknCloudNA",
		},
		Database: DatabaseConfig{
			Path:        "./data/dkn-bridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "dkn-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies DKN_* environment variables on top of the file values.
// Secrets are expected to arrive this way rather than through the YAML file.
func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"DKN_CLOUD_EMAIL":         &cfg.Cloud.Email,
		"DKN_CLOUD_PASSWORD":      &cfg.Cloud.Password,
		"DKN_CLOUD_BASE_URL":      &cfg.Cloud.BaseURL,
		"DKN_CLOUD_REGION":        &cfg.Cloud.Region,
		"DKN_CLOUD_TOKEN":         &cfg.Cloud.Token,
		"DKN_CLOUD_REFRESH_TOKEN": &cfg.Cloud.RefreshToken,
		"DKN_CREDENTIALS_BACKEND": &cfg.Credentials.Backend,
		"DKN_CREDENTIALS_PATH":    &cfg.Credentials.Path,
		"DKN_DATABASE_PATH":       &cfg.Database.Path,
		"DKN_MQTT_HOST":           &cfg.MQTT.Broker.Host,
		"DKN_MQTT_USERNAME":       &cfg.MQTT.Auth.Username,
		"DKN_MQTT_PASSWORD":       &cfg.MQTT.Auth.Password,
		"DKN_API_HOST":            &cfg.API.Host,
		"DKN_INFLUXDB_TOKEN":      &cfg.InfluxDB.Token,
		"DKN_LOGGING_LEVEL":       &cfg.Logging.Level,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("DKN_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DKN_API_PORT: %w", err)
		}
		cfg.API.Port = port
	}
	if v := os.Getenv("DKN_LOGGING_NETWORK"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DKN_LOGGING_NETWORK: %w", err)
		}
		cfg.Logging.Network = on
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Cloud.BaseURL == "" {
		errs = append(errs, "cloud.base_url is required")
	}
	if c.Cloud.Region == "" {
		errs = append(errs, "cloud.region is required")
	}
	if c.Cloud.Email == "" && c.Cloud.Token == "" && c.Cloud.RefreshToken == "" {
		errs = append(errs, "cloud.email or a seeded token is required (set DKN_CLOUD_EMAIL)")
	}
	if c.Cloud.Email != "" && c.Cloud.Password == "" {
		errs = append(errs, "cloud.password is required with cloud.email (set DKN_CLOUD_PASSWORD)")
	}
	if c.Cloud.RequestTimeout < 0 {
		errs = append(errs, "cloud.request_timeout must not be negative")
	}
	if c.Cloud.EngineIO != 3 && c.Cloud.EngineIO != 4 {
		errs = append(errs, "cloud.engine_io must be 3 or 4")
	}
	switch c.Cloud.TransportErrors {
	case "log", "transport", "session":
	default:
		errs = append(errs, "cloud.transport_errors must be log, transport or session")
	}

	r := c.Cloud.Reconnect
	if r.Min <= 0 || r.Max < r.Min {
		errs = append(errs, "cloud.reconnect requires 0 < min <= max")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, "cloud.reconnect.jitter must be between 0 and 1")
	}
	if r.Factor < 1 {
		errs = append(errs, "cloud.reconnect.factor must be at least 1")
	}
	if r.MaxAttempts < 1 {
		errs = append(errs, "cloud.reconnect.max_attempts must be at least 1")
	}

	switch c.Credentials.Backend {
	case BackendFile:
		if c.Credentials.Path == "" {
			errs = append(errs, "credentials.path is required for the file backend")
		}
	case BackendSQLite:
		if c.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite backend")
		}
	case BackendNone:
	default:
		errs = append(errs, "credentials.backend must be file, sqlite or none")
	}
	if c.Credentials.Backend != BackendNone && c.Credentials.Platform == "" {
		errs = append(errs, "credentials.platform is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if ws := c.API.WebSocket; c.API.Enabled && (ws.MaxMessageSize <= 0 || ws.PingInterval <= 0 || ws.PongTimeout <= 0) {
		errs = append(errs, "api.websocket values must be positive")
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
