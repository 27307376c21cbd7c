package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment   string              `yaml:"environment"`
	Logging       LoggingConfig       `yaml:"logging"`
	Server        ServerConfig        `yaml:"server"`
	Source        SourceConfig        `yaml:"source"`
	Model         ModelConfig         `yaml:"model"`
	Policy        PolicyConfig        `yaml:"policy"`
	Profile       ProfileConfig       `yaml:"profile"`
	Report        ReportConfig        `yaml:"report"`
	EventStore    EventStoreConfig    `yaml:"event_store"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Clickhouse    ClickhouseConfig    `yaml:"clickhouse"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`
	IdleTimeout  time.Duration `yaml:"-"`
	TLS          TLSConfig     `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	AutoCert bool   `yaml:"auto_cert"`
	Domain   string `yaml:"domain"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CertDir  string `yaml:"cert_dir"`
	Email    string `yaml:"email"`
}

type SourceConfig struct {
	// Type is one of file, kafka or synthetic.
	Type                string `yaml:"type"`
	LogPath             string `yaml:"log_path"`
	HistoryHours        int    `yaml:"history_hours"`
	AnalysisWindowHours int    `yaml:"analysis_window_hours"`
	SyntheticNoiseUsers int    `yaml:"synthetic_noise_users"`
	SyntheticSeed       int64  `yaml:"synthetic_seed"`
}

type ModelConfig struct {
	Path          string  `yaml:"path"`
	Store         string  `yaml:"store"`
	Trees         int     `yaml:"trees"`
	Contamination float64 `yaml:"contamination"`
	MaxFeatures   float64 `yaml:"max_features"`
	Bootstrap     bool    `yaml:"bootstrap"`
	Seed          int64   `yaml:"seed"`
}

type PolicyConfig struct {
	RiskThreshold        float64 `yaml:"risk_threshold"`
	BlockDurationMinutes int     `yaml:"cooldown_minutes"`
	TopN                 int     `yaml:"top_n"`
}

type ProfileConfig struct {
	Shards int `yaml:"shards"`
}

type ReportConfig struct {
	Dir   string   `yaml:"dir"`
	Sinks []string `yaml:"sinks"`
}

type EventStoreConfig struct {
	// Driver is one of none, sqlite or clickhouse.
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

type KafkaConfig struct {
	Enabled             bool     `yaml:"enabled"`
	Brokers             []string `yaml:"brokers"`
	LogTopic            string   `yaml:"log_topic"`
	RecommendationTopic string   `yaml:"recommendation_topic"`
	GroupID             string   `yaml:"group_id"`
}

type ClickhouseConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	CAFile   string `yaml:"ca_file"`
}

type ElasticsearchConfig struct {
	URL         string `yaml:"url"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ReportIndex string `yaml:"report_index"`
}

var (
	current *Config
	mu      sync.RWMutex
)

// Default returns the configuration used when neither a YAML file nor the environment
// override a value.
func Default() *Config {
	return &Config{
		Environment: "development",
		Logging:     LoggingConfig{Level: "info", Format: "console"},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			TLS:          TLSConfig{CertDir: "certs"},
		},
		Source: SourceConfig{
			Type:                "file",
			LogPath:             "/opt/stack/logs/keystone.log",
			HistoryHours:        168,
			AnalysisWindowHours: 1,
			SyntheticNoiseUsers: 3,
			SyntheticSeed:       42,
		},
		Model: ModelConfig{
			Path:          "models/trained_model.json",
			Store:         "file",
			Trees:         50,
			Contamination: 0.01,
			MaxFeatures:   0.5,
			Bootstrap:     true,
			Seed:          42,
		},
		Policy: PolicyConfig{
			RiskThreshold:        0.7,
			BlockDurationMinutes: 30,
			TopN:                 10,
		},
		Profile:    ProfileConfig{Shards: 64},
		Report:     ReportConfig{Dir: "reports", Sinks: []string{"file"}},
		EventStore: EventStoreConfig{Driver: "none", SQLitePath: "security_events.db"},
		Redis: RedisConfig{
			URL:      "redis://localhost:6379/0",
			PoolSize: 20,
		},
		Kafka: KafkaConfig{
			Brokers:             []string{"localhost:9092"},
			LogTopic:            "keystone-auth-log",
			RecommendationTopic: "security-recommendations",
			GroupID:             "auth-advisor",
		},
		Clickhouse: ClickhouseConfig{
			URL:      "http://localhost:9000",
			Username: "default",
			Database: "security",
		},
		Elasticsearch: ElasticsearchConfig{
			URL:         "http://localhost:9200",
			ReportIndex: "security-reports",
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional YAML file at path, a .env
// file and finally the process environment, each layer overriding the previous one.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := cfg.mergeYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.Lock()
	current = cfg
	mu.Unlock()
	return cfg, nil
}

// Get returns the last loaded configuration, or the defaults when none was loaded.
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Default()
	}
	return current
}

func (c *Config) mergeYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	c.Server.Port = getEnvInt("SERVER_PORT", c.Server.Port)
	c.Server.ReadTimeout = getEnvDuration("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getEnvDuration("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getEnvDuration("SERVER_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.TLS.Enabled = getEnvBool("TLS_ENABLED", c.Server.TLS.Enabled)
	c.Server.TLS.AutoCert = getEnvBool("TLS_AUTO_CERT", c.Server.TLS.AutoCert)
	c.Server.TLS.Domain = getEnv("TLS_DOMAIN", c.Server.TLS.Domain)
	c.Server.TLS.CertFile = getEnv("TLS_CERT_FILE", c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = getEnv("TLS_KEY_FILE", c.Server.TLS.KeyFile)
	c.Server.TLS.CertDir = getEnv("TLS_CERT_DIR", c.Server.TLS.CertDir)
	c.Server.TLS.Email = getEnv("TLS_EMAIL", c.Server.TLS.Email)

	c.Source.Type = getEnv("SOURCE_TYPE", c.Source.Type)
	c.Source.LogPath = getEnv("LOG_PATH", c.Source.LogPath)
	c.Source.HistoryHours = getEnvInt("HISTORY_HOURS", c.Source.HistoryHours)
	c.Source.AnalysisWindowHours = getEnvInt("ANALYSIS_WINDOW_HOURS", c.Source.AnalysisWindowHours)
	c.Source.SyntheticNoiseUsers = getEnvInt("SYNTHETIC_NOISE_USERS", c.Source.SyntheticNoiseUsers)
	c.Source.SyntheticSeed = getEnvInt64("SYNTHETIC_SEED", c.Source.SyntheticSeed)

	c.Model.Path = getEnv("MODEL_PATH", c.Model.Path)
	c.Model.Store = getEnv("MODEL_STORE", c.Model.Store)
	c.Model.Trees = getEnvInt("MODEL_TREES", c.Model.Trees)
	c.Model.Contamination = getEnvFloat("MODEL_CONTAMINATION", c.Model.Contamination)
	c.Model.MaxFeatures = getEnvFloat("MODEL_MAX_FEATURES", c.Model.MaxFeatures)
	c.Model.Bootstrap = getEnvBool("MODEL_BOOTSTRAP", c.Model.Bootstrap)
	c.Model.Seed = getEnvInt64("MODEL_SEED", c.Model.Seed)

	c.Policy.RiskThreshold = getEnvFloat("RISK_THRESHOLD", c.Policy.RiskThreshold)
	c.Policy.BlockDurationMinutes = getEnvInt("BLOCK_DURATION_MINUTES", c.Policy.BlockDurationMinutes)
	c.Policy.TopN = getEnvInt("REPORT_TOP_N", c.Policy.TopN)

	c.Profile.Shards = getEnvInt("PROFILE_SHARDS", c.Profile.Shards)

	c.Report.Dir = getEnv("REPORT_DIR", c.Report.Dir)
	c.Report.Sinks = getEnvList("REPORT_SINKS", c.Report.Sinks)

	c.EventStore.Driver = getEnv("EVENT_STORE", c.EventStore.Driver)
	c.EventStore.SQLitePath = getEnv("SQLITE_PATH", c.EventStore.SQLitePath)

	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", c.Redis.PoolSize)

	c.Kafka.Enabled = getEnvBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = getEnvList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.LogTopic = getEnv("KAFKA_LOG_TOPIC", c.Kafka.LogTopic)
	c.Kafka.RecommendationTopic = getEnv("KAFKA_RECOMMENDATION_TOPIC", c.Kafka.RecommendationTopic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.Clickhouse.URL = getEnv("CLICKHOUSE_URL", c.Clickhouse.URL)
	c.Clickhouse.Username = getEnv("CLICKHOUSE_USERNAME", c.Clickhouse.Username)
	c.Clickhouse.Password = getEnv("CLICKHOUSE_PASSWORD", c.Clickhouse.Password)
	c.Clickhouse.Database = getEnv("CLICKHOUSE_DATABASE", c.Clickhouse.Database)
	c.Clickhouse.CAFile = getEnv("CLICKHOUSE_CA_FILE", c.Clickhouse.CAFile)

	c.Elasticsearch.URL = getEnv("ELASTICSEARCH_URL", c.Elasticsearch.URL)
	c.Elasticsearch.Username = getEnv("ELASTICSEARCH_USERNAME", c.Elasticsearch.Username)
	c.Elasticsearch.Password = getEnv("ELASTICSEARCH_PASSWORD", c.Elasticsearch.Password)
	c.Elasticsearch.ReportIndex = getEnv("ELASTICSEARCH_REPORT_INDEX", c.Elasticsearch.ReportIndex)
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.TLS.Enabled && c.Server.TLS.AutoCert && c.Server.TLS.Domain == "" {
		errs = append(errs, errors.New("tls auto_cert requires a domain"))
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls cert_file and key_file must be set together"))
	}
	switch c.Source.Type {
	case "file", "kafka", "synthetic":
	default:
		errs = append(errs, fmt.Errorf("unknown source type %q", c.Source.Type))
	}
	if c.Source.HistoryHours <= 0 || c.Source.AnalysisWindowHours <= 0 {
		errs = append(errs, errors.New("history and analysis windows must be positive"))
	}
	switch c.Model.Store {
	case "file", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown model store %q", c.Model.Store))
	}
	if c.Model.Store == "redis" && !c.Redis.Enabled {
		errs = append(errs, errors.New("model store redis requires REDIS_ENABLED=true"))
	}
	if c.Model.Trees <= 0 {
		errs = append(errs, errors.New("model trees must be positive"))
	}
	if c.Model.Contamination <= 0 || c.Model.Contamination > 0.5 {
		errs = append(errs, fmt.Errorf("model contamination must be in (0, 0.5], got %v", c.Model.Contamination))
	}
	if c.Model.MaxFeatures <= 0 || c.Model.MaxFeatures > 1 {
		errs = append(errs, fmt.Errorf("model max features must be in (0, 1], got %v", c.Model.MaxFeatures))
	}
	if c.Policy.RiskThreshold < 0 || c.Policy.RiskThreshold > 1 {
		errs = append(errs, fmt.Errorf("risk threshold must be in [0, 1], got %v", c.Policy.RiskThreshold))
	}
	if c.Policy.TopN <= 0 {
		errs = append(errs, errors.New("report top n must be positive"))
	}
	if c.Profile.Shards <= 0 {
		errs = append(errs, errors.New("profile shards must be positive"))
	}
	switch c.EventStore.Driver {
	case "none", "sqlite", "clickhouse":
	default:
		errs = append(errs, fmt.Errorf("unknown event store driver %q", c.EventStore.Driver))
	}
	for _, sink := range c.Report.Sinks {
		switch sink {
		case "file", "elasticsearch", "kafka", "blocklist":
		default:
			errs = append(errs, fmt.Errorf("unknown report sink %q", sink))
		}
	}
	if c.Source.Type == "kafka" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka source requires at least one broker"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// HasSink reports whether the named report sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Report.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseBool(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// GetEnv exposes the raw environment lookup for client options (TLS file paths and the like)
// that are not part of the typed configuration.
func GetEnv(key, defaultValue string) string {
	return getEnv(key, defaultValue)
}
