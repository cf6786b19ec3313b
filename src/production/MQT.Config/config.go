package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	mqtmodels "gitlab.com/maplesense1/mpt.telemetry_bridge/src/production/MQT.Models"
	"gopkg.in/yaml.v3"
)

const configFileEnv = "CONFIG_FILE"

// Storage drivers
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// MQTT configuration
	MQTT MQTTConfig `json:"mqtt" yaml:"mqtt"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Ingestion pipeline configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// CORS configuration
	CORS CORSConfig `json:"cors" yaml:"cors"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port          string        `json:"port" yaml:"port"`
	ReadTimeout   time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout   time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownGrace time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// MQTTConfig holds MQTT-related configuration
type MQTTConfig struct {
	BrokerHost           string        `json:"broker_host" yaml:"broker_host"`
	BrokerPort           int           `json:"broker_port" yaml:"broker_port"`
	BrokerUser           string        `json:"broker_user" yaml:"broker_user"`
	BrokerPass           string        `json:"-" yaml:"broker_pass"`
	Scheme               string        `json:"scheme" yaml:"scheme"` // tcp, ssl, ws or wss
	CACertPath           string        `json:"ca_cert_path" yaml:"ca_cert_path"`
	ClientID             string        `json:"client_id" yaml:"client_id"`
	DataTopic            string        `json:"data_topic" yaml:"data_topic"`
	StatusTopic          string        `json:"status_topic" yaml:"status_topic"`
	ErrorTopic           string        `json:"error_topic" yaml:"error_topic"` // empty disables rejection feedback
	QoS                  int           `json:"qos" yaml:"qos"`
	OnlineToken          string        `json:"online_token" yaml:"online_token"`
	KeepAlive            time.Duration `json:"keep_alive" yaml:"keep_alive"`
	PingTimeout          time.Duration `json:"ping_timeout" yaml:"ping_timeout"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ConnectRetryInterval time.Duration `json:"connect_retry_interval" yaml:"connect_retry_interval"`
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval" yaml:"max_reconnect_interval"`
}

// StorageConfig holds durable store configuration
type StorageConfig struct {
	Driver           string        `json:"driver" yaml:"driver"`
	MongoURI         string        `json:"-" yaml:"mongo_uri"`
	MongoDB          string        `json:"mongo_db" yaml:"mongo_db"`
	MongoCollection  string        `json:"mongo_collection" yaml:"mongo_collection"`
	PostgresDSN      string        `json:"-" yaml:"postgres_dsn"`
	PostgresTable    string        `json:"postgres_table" yaml:"postgres_table"`
	PostgresMaxConns int           `json:"postgres_max_conns" yaml:"postgres_max_conns"`
	SQLitePath       string        `json:"sqlite_path" yaml:"sqlite_path"`
	ConnectTimeout   time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	OperationTimeout time.Duration `json:"operation_timeout" yaml:"operation_timeout"`
	QueryLimit       int           `json:"query_limit" yaml:"query_limit"`
	MaxRetries       int           `json:"max_retries" yaml:"max_retries"`
	RetryInitial     time.Duration `json:"retry_initial" yaml:"retry_initial"`
	RetryMax         time.Duration `json:"retry_max" yaml:"retry_max"`
	BreakerFailures  int           `json:"breaker_failures" yaml:"breaker_failures"`
	BreakerReset     time.Duration `json:"breaker_reset" yaml:"breaker_reset"`
}

// IngestConfig holds ingestion pipeline configuration
type IngestConfig struct {
	Workers        int                     `json:"workers" yaml:"workers"`
	QueueSize      int                     `json:"queue_size" yaml:"queue_size"`
	RequiredFields []string                `json:"required_fields" yaml:"required_fields"`
	DerivedRules   []mqtmodels.DerivedRule `json:"derived_rules" yaml:"derived_rules"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level        string `json:"level" yaml:"level"`
	Format       string `json:"format" yaml:"format"` // json or text
	Output       string `json:"output" yaml:"output"` // stdout, stderr, or file path
	EnableCaller bool   `json:"enable_caller" yaml:"enable_caller"`
}

// CORSConfig holds CORS-related configuration
type CORSConfig struct {
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers"`
	MaxAge         int      `json:"max_age" yaml:"max_age"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "10000",
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			IdleTimeout:   120 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		MQTT: MQTTConfig{
			BrokerHost:           "broker.emqx.io",
			BrokerPort:           1883,
			Scheme:               "tcp",
			DataTopic:            "projekt1-2/pw/dane",
			StatusTopic:          "projekt1-2/pw/status",
			QoS:                  1,
			OnlineToken:          "online",
			KeepAlive:            30 * time.Second,
			PingTimeout:          10 * time.Second,
			ConnectTimeout:       10 * time.Second,
			ConnectRetryInterval: 5 * time.Second,
			MaxReconnectInterval: 60 * time.Second,
		},
		Storage: StorageConfig{
			Driver:           DriverMongo,
			MongoDB:          "iot",
			MongoCollection:  "readings",
			PostgresTable:    "readings",
			PostgresMaxConns: 10,
			SQLitePath:       "telemetry.db",
			ConnectTimeout:   20 * time.Second,
			OperationTimeout: 5 * time.Second,
			QueryLimit:       50,
			MaxRetries:       3,
			RetryInitial:     200 * time.Millisecond,
			RetryMax:         2 * time.Second,
			BreakerFailures:  10,
			BreakerReset:     30 * time.Second,
		},
		Ingest: IngestConfig{
			Workers:      1,
			QueueSize:    1024,
			DerivedRules: mqtmodels.DefaultDerivedRules(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
			MaxAge:         43200, // 12 hours
		},
	}
}

// Load loads configuration from defaults, an optional YAML file named by
// CONFIG_FILE and environment variables, in that order of precedence.
func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	config := Default()

	if path := os.Getenv(configFileEnv); path != "" {
		if err := loadFile(path, config); err != nil {
			return nil, err
		}
	}

	l := &envLoader{}
	l.apply(config)
	if err := errors.Join(l.errs...); err != nil {
		return nil, fmt.Errorf("configuration parsing failed: %w", err)
	}

	if config.MQTT.ClientID == "" {
		config.MQTT.ClientID = "telemetry-bridge-" + uuid.NewString()[:8]
	}

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func loadFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (l *envLoader) apply(c *Config) {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.ReadTimeout = l.getDuration("READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = l.getDuration("WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = l.getDuration("IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownGrace = l.getDuration("SHUTDOWN_GRACE", c.Server.ShutdownGrace)

	c.MQTT.BrokerHost = getEnv("MQTT_HOST", c.MQTT.BrokerHost)
	c.MQTT.BrokerPort = l.getInt("MQTT_PORT", c.MQTT.BrokerPort)
	c.MQTT.BrokerUser = getEnv("MQTT_USER", c.MQTT.BrokerUser)
	c.MQTT.BrokerPass = getEnv("MQTT_PASS", c.MQTT.BrokerPass)
	c.MQTT.Scheme = strings.ToLower(getEnv("MQTT_SCHEME", c.MQTT.Scheme))
	c.MQTT.CACertPath = getEnv("MQTT_CA_FILE", c.MQTT.CACertPath)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.DataTopic = getEnv("MQTT_DATA_TOPIC", c.MQTT.DataTopic)
	c.MQTT.StatusTopic = getEnv("MQTT_STATUS_TOPIC", c.MQTT.StatusTopic)
	c.MQTT.ErrorTopic = getEnv("MQTT_ERROR_TOPIC", c.MQTT.ErrorTopic)
	c.MQTT.QoS = l.getInt("MQTT_QOS", c.MQTT.QoS)
	c.MQTT.OnlineToken = getEnv("MQTT_ONLINE_TOKEN", c.MQTT.OnlineToken)
	c.MQTT.KeepAlive = l.getDuration("MQTT_KEEP_ALIVE", c.MQTT.KeepAlive)
	c.MQTT.PingTimeout = l.getDuration("MQTT_PING_TIMEOUT", c.MQTT.PingTimeout)
	c.MQTT.ConnectTimeout = l.getDuration("MQTT_CONNECT_TIMEOUT", c.MQTT.ConnectTimeout)
	c.MQTT.ConnectRetryInterval = l.getDuration("MQTT_CONNECT_RETRY_INTERVAL", c.MQTT.ConnectRetryInterval)
	c.MQTT.MaxReconnectInterval = l.getDuration("MQTT_MAX_RECONNECT_INTERVAL", c.MQTT.MaxReconnectInterval)

	c.Storage.Driver = strings.ToLower(getEnv("STORAGE_DRIVER", c.Storage.Driver))
	c.Storage.MongoURI = getEnv("MONGO_URI", c.Storage.MongoURI)
	c.Storage.MongoDB = getEnv("MONGO_DB", c.Storage.MongoDB)
	c.Storage.MongoCollection = getEnv("MONGO_COLLECTION", c.Storage.MongoCollection)
	c.Storage.PostgresDSN = getEnv("POSTGRES_DSN", c.Storage.PostgresDSN)
	c.Storage.PostgresTable = getEnv("POSTGRES_TABLE", c.Storage.PostgresTable)
	c.Storage.PostgresMaxConns = l.getInt("POSTGRES_MAX_CONNS", c.Storage.PostgresMaxConns)
	c.Storage.SQLitePath = getEnv("SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.ConnectTimeout = l.getDuration("STORAGE_CONNECT_TIMEOUT", c.Storage.ConnectTimeout)
	c.Storage.OperationTimeout = l.getDuration("STORAGE_OPERATION_TIMEOUT", c.Storage.OperationTimeout)
	c.Storage.QueryLimit = l.getInt("QUERY_LIMIT", c.Storage.QueryLimit)
	c.Storage.MaxRetries = l.getInt("STORAGE_MAX_RETRIES", c.Storage.MaxRetries)
	c.Storage.RetryInitial = l.getDuration("STORAGE_RETRY_INITIAL", c.Storage.RetryInitial)
	c.Storage.RetryMax = l.getDuration("STORAGE_RETRY_MAX", c.Storage.RetryMax)
	c.Storage.BreakerFailures = l.getInt("STORAGE_BREAKER_FAILURES", c.Storage.BreakerFailures)
	c.Storage.BreakerReset = l.getDuration("STORAGE_BREAKER_RESET", c.Storage.BreakerReset)

	c.Ingest.Workers = l.getInt("INGEST_WORKERS", c.Ingest.Workers)
	c.Ingest.QueueSize = l.getInt("INGEST_QUEUE_SIZE", c.Ingest.QueueSize)
	c.Ingest.RequiredFields = getStringSlice("INGEST_REQUIRED_FIELDS", c.Ingest.RequiredFields)
	c.Ingest.DerivedRules = l.getDerivedRules("INGEST_DERIVED_RULES", c.Ingest.DerivedRules)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("LOG_OUTPUT", c.Logging.Output)
	c.Logging.EnableCaller = l.getBool("LOG_ENABLE_CALLER", c.Logging.EnableCaller)

	c.CORS.AllowedOrigins = getStringSlice("CORS_ALLOWED_ORIGINS", c.CORS.AllowedOrigins)
	c.CORS.AllowedMethods = getStringSlice("CORS_ALLOWED_METHODS", c.CORS.AllowedMethods)
	c.CORS.AllowedHeaders = getStringSlice("CORS_ALLOWED_HEADERS", c.CORS.AllowedHeaders)
	c.CORS.MaxAge = l.getInt("CORS_MAX_AGE", c.CORS.MaxAge)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMongo:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo storage driver")
		}
		if c.Storage.MongoDB == "" || c.Storage.MongoCollection == "" {
			return fmt.Errorf("MONGO_DB and MONGO_COLLECTION must not be empty")
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the postgres storage driver")
		}
		if c.Storage.PostgresTable == "" {
			return fmt.Errorf("POSTGRES_TABLE must not be empty")
		}
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH must not be empty")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q (expected mongo, postgres or sqlite)", c.Storage.Driver)
	}

	if c.MQTT.BrokerHost == "" {
		return fmt.Errorf("MQTT_HOST must not be empty")
	}
	if c.MQTT.BrokerPort <= 0 || c.MQTT.BrokerPort > 65535 {
		return fmt.Errorf("MQTT_PORT %d out of range", c.MQTT.BrokerPort)
	}
	switch c.MQTT.Scheme {
	case "tcp", "ssl", "ws", "wss":
	default:
		return fmt.Errorf("unknown MQTT_SCHEME %q (expected tcp, ssl, ws or wss)", c.MQTT.Scheme)
	}
	if c.MQTT.DataTopic == "" || c.MQTT.StatusTopic == "" {
		return fmt.Errorf("MQTT_DATA_TOPIC and MQTT_STATUS_TOPIC must not be empty")
	}
	if c.MQTT.DataTopic == c.MQTT.StatusTopic {
		return fmt.Errorf("data and status topics must differ, both are %q", c.MQTT.DataTopic)
	}
	if c.MQTT.ErrorTopic != "" && (c.MQTT.ErrorTopic == c.MQTT.DataTopic || c.MQTT.ErrorTopic == c.MQTT.StatusTopic) {
		return fmt.Errorf("MQTT_ERROR_TOPIC must differ from the data and status topics")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("MQTT_QOS must be 0, 1 or 2")
	}
	if c.MQTT.OnlineToken == "" {
		return fmt.Errorf("MQTT_ONLINE_TOKEN must not be empty")
	}

	if c.Storage.QueryLimit <= 0 {
		return fmt.Errorf("QUERY_LIMIT must be positive")
	}
	if c.Storage.MaxRetries < 0 {
		return fmt.Errorf("STORAGE_MAX_RETRIES must not be negative")
	}
	if c.Ingest.Workers < 1 {
		return fmt.Errorf("INGEST_WORKERS must be at least 1")
	}
	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("INGEST_QUEUE_SIZE must be at least 1")
	}
	return nil
}

// GetMQTTBrokerURL returns the MQTT broker URL
func (c *MQTTConfig) GetMQTTBrokerURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Scheme, c.BrokerHost, c.BrokerPort)
}

// UsesTLS reports whether the broker connection is encrypted.
func (c *MQTTConfig) UsesTLS() bool {
	return c.Scheme == "ssl" || c.Scheme == "wss" || c.CACertPath != ""
}

// Helper functions for environment variable parsing

type envLoader struct {
	errs []error
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (l *envLoader) getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return intValue
}

func (l *envLoader) getBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %q (expected true/false or 1/0)", key, value))
		return defaultValue
	}
	return b
}

func (l *envLoader) getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return duration
}

func (l *envLoader) getDerivedRules(key string, defaultValue []mqtmodels.DerivedRule) []mqtmodels.DerivedRule {
	if _, ok := os.LookupEnv(key); !ok {
		return defaultValue
	}
	// Set but empty disables derivation.
	rules := make([]mqtmodels.DerivedRule, 0)
	for _, part := range getStringSlice(key, nil) {
		rule, err := mqtmodels.ParseDerivedRule(part)
		if err != nil {
			l.errs = append(l.errs, fmt.Errorf("invalid %s: %w", key, err))
			return defaultValue
		}
		rules = append(rules, rule)
	}
	return rules
}

func getStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
