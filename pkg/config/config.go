package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Logging  LoggingConfig
	Kafka    KafkaConfig
	Intake   IntakeConfig
	Decision DecisionConfig
	Dedupe   DedupeConfig
	Outbox   OutboxRelayConfig
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	HealthPort      int           `mapstructure:"health_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// StatusRefresh is how often the API refreshes the per-status application gauge.
	StatusRefresh time.Duration `mapstructure:"status_refresh"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogQueries      bool          `mapstructure:"log_queries"`
}

type RedisConfig struct {
	Addresses   []string `mapstructure:"addresses"`
	Password    string   `mapstructure:"password"`
	DB          int      `mapstructure:"db"`
	PoolSize    int      `mapstructure:"pool_size"`
	ClusterMode bool     `mapstructure:"cluster_mode"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type KafkaConfig struct {
	Brokers           []string      `mapstructure:"brokers"`
	ClientID          string        `mapstructure:"client_id"`
	SubmissionTopic   string        `mapstructure:"submission_topic"`
	CreditReportTopic string        `mapstructure:"credit_report_topic"`
	RetryTopicSuffix  string        `mapstructure:"retry_topic_suffix"`
	DLQTopicSuffix    string        `mapstructure:"dlq_topic_suffix"`
	CreditGroup       string        `mapstructure:"credit_group"`
	DecisionGroup     string        `mapstructure:"decision_group"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	PartitionBuffer   int           `mapstructure:"partition_buffer"`
}

// RetryTopic returns the retry topic paired with topic, or "" when retries are disabled.
func (k KafkaConfig) RetryTopic(topic string) string {
	if k.RetryTopicSuffix == "" {
		return ""
	}
	return topic + k.RetryTopicSuffix
}

// DLQTopic returns the dead-letter topic paired with topic, or "" when disabled.
func (k KafkaConfig) DLQTopic(topic string) string {
	if k.DLQTopicSuffix == "" {
		return ""
	}
	return topic + k.DLQTopicSuffix
}

type IntakeConfig struct {
	PublishAttempts int           `mapstructure:"publish_attempts"`
	PublishBackoff  time.Duration `mapstructure:"publish_backoff"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
}

// PublishWindow is the longest a submission can spend on its direct publish: every attempt
// times out and every backoff between attempts is taken.
func (c IntakeConfig) PublishWindow() time.Duration {
	window := time.Duration(c.PublishAttempts) * c.PublishTimeout
	backoff := c.PublishBackoff
	for i := 1; i < c.PublishAttempts; i++ {
		window += backoff
		backoff *= 2
	}
	return window
}

type DecisionConfig struct {
	HoldDelay time.Duration `mapstructure:"hold_delay"`
}

type DedupeConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type OutboxRelayConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/prequal/")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PREQUAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.health_port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.status_refresh", "30s")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.database", "loan_prequal_db")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 30)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("auth.issuer", "prequal")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "prequal")
	v.SetDefault("kafka.submission_topic", "loan_applications_submitted")
	v.SetDefault("kafka.credit_report_topic", "credit_reports_generated")
	v.SetDefault("kafka.retry_topic_suffix", ".retry")
	v.SetDefault("kafka.dlq_topic_suffix", ".dlq")
	v.SetDefault("kafka.credit_group", "credit-service-group")
	v.SetDefault("kafka.decision_group", "decision-service-group")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", "10s")
	v.SetDefault("kafka.partition_buffer", 256)
	v.SetDefault("intake.publish_attempts", 3)
	v.SetDefault("intake.publish_backoff", "200ms")
	v.SetDefault("intake.publish_timeout", "10s")
	v.SetDefault("decision.hold_delay", "60s")
	v.SetDefault("dedupe.enabled", true)
	v.SetDefault("dedupe.ttl", "24h")
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.grace_period", "60s")
	v.SetDefault("outbox.max_attempts", 10)
}

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must not be empty")
	}
	if c.Kafka.SubmissionTopic == "" || c.Kafka.CreditReportTopic == "" {
		return fmt.Errorf("kafka topics must be configured")
	}
	if c.Kafka.SubmissionTopic == c.Kafka.CreditReportTopic {
		return fmt.Errorf("kafka.submission_topic and kafka.credit_report_topic must differ")
	}
	if c.Decision.HoldDelay < 0 {
		return fmt.Errorf("decision.hold_delay must not be negative")
	}
	if c.Intake.PublishAttempts < 1 {
		return fmt.Errorf("intake.publish_attempts must be at least 1")
	}
	if c.Outbox.GracePeriod > 0 && c.Outbox.GracePeriod <= c.Intake.PublishWindow() {
		return fmt.Errorf("outbox.grace_period %s must exceed the intake publish window %s",
			c.Outbox.GracePeriod, c.Intake.PublishWindow())
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
