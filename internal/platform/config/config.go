package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

// Config holds all configuration for a host process embedding the engine
type Config struct {
	Service ServiceConfig `mapstructure:"service"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Storage StorageConfig `mapstructure:"storage"`
	Monitor MonitorConfig `mapstructure:"monitor"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// ServiceConfig holds service-specific configuration
type ServiceConfig struct {
	Name        string `mapstructure:"name" envconfig:"SERVICE_NAME" default:"tasklane"`
	Environment string `mapstructure:"environment" envconfig:"ENVIRONMENT" default:"development"`
}

// EngineConfig holds the task engine configuration
type EngineConfig struct {
	Queues                   []QueueConfig `mapstructure:"queues"`
	DefaultAuditLevel        string        `mapstructure:"default_audit_level" envconfig:"ENGINE_DEFAULT_AUDIT_LEVEL" default:"full"`
	RecoveryEnabled          bool          `mapstructure:"recovery_enabled" envconfig:"ENGINE_RECOVERY_ENABLED" default:"true"`
	RecoveryBatchSize        int           `mapstructure:"recovery_batch_size" envconfig:"ENGINE_RECOVERY_BATCH_SIZE" default:"250"`
	SchedulerShards          int           `mapstructure:"scheduler_shards" envconfig:"ENGINE_SCHEDULER_SHARDS" default:"0"`
	UseLazyHandlerResolution bool          `mapstructure:"use_lazy_handler_resolution" envconfig:"ENGINE_LAZY_HANDLER_RESOLUTION" default:"true"`
	ThrowIfUnableToPersist   bool          `mapstructure:"throw_if_unable_to_persist" envconfig:"ENGINE_THROW_IF_UNABLE_TO_PERSIST" default:"true"`
	MaxLogsPerTask           int           `mapstructure:"max_logs_per_task" envconfig:"ENGINE_MAX_LOGS_PER_TASK" default:"500"`
	MinLogLevel              string        `mapstructure:"min_log_level" envconfig:"ENGINE_MIN_LOG_LEVEL" default:"info"`
}

// QueueConfig describes one named bounded queue and its worker pool
type QueueConfig struct {
	Name           string        `mapstructure:"name"`
	Capacity       int           `mapstructure:"capacity"`
	Parallelism    int           `mapstructure:"parallelism"`
	WhenFull       string        `mapstructure:"when_full"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// StorageConfig holds storage backend configuration
type StorageConfig struct {
	Driver   string      `mapstructure:"driver" envconfig:"STORAGE_DRIVER" default:"memory"`
	Postgres SQLConfig   `mapstructure:"postgres"`
	MySQL    SQLConfig   `mapstructure:"mysql"`
	Redis    RedisConfig `mapstructure:"redis"`
	Mongo    MongoConfig `mapstructure:"mongo"`
}

// SQLConfig holds relational backend configuration
type SQLConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis backend configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr" envconfig:"STORAGE_REDIS_ADDR" default:"localhost:6379"`
	Password string `mapstructure:"password" envconfig:"STORAGE_REDIS_PASSWORD"`
	DB       int    `mapstructure:"db" envconfig:"STORAGE_REDIS_DB" default:"0"`
	Prefix   string `mapstructure:"prefix" envconfig:"STORAGE_REDIS_PREFIX" default:"tasklane"`
}

// MongoConfig holds Mongo backend configuration
type MongoConfig struct {
	URI      string `mapstructure:"uri" envconfig:"STORAGE_MONGO_URI" default:"mongodb://localhost:27017"`
	Database string `mapstructure:"database" envconfig:"STORAGE_MONGO_DATABASE" default:"tasklane"`
}

// MonitorConfig holds the monitoring surface configuration
type MonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled" envconfig:"MONITOR_ENABLED" default:"true"`
	Port         int           `mapstructure:"port" envconfig:"MONITOR_PORT" default:"8745"`
	JWTSecret    string        `mapstructure:"jwt_secret" envconfig:"MONITOR_JWT_SECRET"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" envconfig:"MONITOR_READ_TIMEOUT" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" envconfig:"MONITOR_WRITE_TIMEOUT" default:"10s"`
}

// KafkaConfig holds the optional Kafka event sink configuration.
// The sink is disabled when no brokers are configured.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" envconfig:"KAFKA_BROKERS"`
	Topic   string   `mapstructure:"topic" envconfig:"KAFKA_TOPIC" default:"task-events"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level" envconfig:"LOG_LEVEL" default:"info"`
	Format     string `mapstructure:"format" envconfig:"LOG_FORMAT" default:"json"`
	OutputPath string `mapstructure:"output_path" envconfig:"LOG_OUTPUT_PATH" default:"stdout"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled        bool   `mapstructure:"enabled" envconfig:"TRACING_ENABLED" default:"false"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" envconfig:"JAEGER_ENDPOINT" default:"http://localhost:14268/api/traces"`
}

// Load loads configuration from files and environment
func Load(serviceName string) (*Config, error) {
	var cfg Config

	cfg.Service.Name = serviceName

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("./configs/" + serviceName)
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Environment variables win over file values
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Service.Environment = env
	}

	if len(cfg.Engine.Queues) == 0 {
		cfg.Engine.Queues = DefaultQueues()
	}

	return &cfg, nil
}

// DefaultQueues returns the well-known queue set. Load uses it when the
// config file lists no queues; a file that lists queues replaces the
// whole set, and its entries are not merged with these by name.
func DefaultQueues() []QueueConfig {
	return []QueueConfig{
		{Name: "default", Capacity: 500, Parallelism: 4, WhenFull: "wait"},
		{Name: "high-priority", Capacity: 200, Parallelism: 8, WhenFull: "wait"},
		{Name: "background", Capacity: 1000, Parallelism: 2, WhenFull: "fallback_default"},
		{Name: "recurring", Capacity: 500, Parallelism: 4, WhenFull: "wait"},
	}
}
