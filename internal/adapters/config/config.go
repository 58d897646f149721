package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"argus/pkg/errors"
)

type Config struct {
	App           AppConfig
	Server        ServerConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	Workflow      WorkflowConfig
	Agents        AgentsConfig
	Reactivation  ReactivationConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"argus"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
}

type ServerConfig struct {
	Port int `envconfig:"HTTP_PORT" default:"8080"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" required:"true"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	Database string `envconfig:"POSTGRES_DB" required:"true"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"argus"`
}

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" required:"true"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"KAFKA_ENABLED" default:"true"`
	Brokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
}

// WorkflowConfig holds coordinator policy knobs. These are product policy,
// not state machine correctness, so they stay injectable.
type WorkflowConfig struct {
	MaxDebateRounds   int           `envconfig:"WORKFLOW_MAX_DEBATE_ROUNDS" default:"2"`
	AgentMaxRetries   int           `envconfig:"WORKFLOW_AGENT_MAX_RETRIES" default:"2"`
	NotifyMaxRetries  int           `envconfig:"WORKFLOW_NOTIFY_MAX_RETRIES" default:"3"`
	InvokeTimeout     time.Duration `envconfig:"WORKFLOW_INVOKE_TIMEOUT" default:"30s"`
	InvokeRatePerSec  float64       `envconfig:"WORKFLOW_INVOKE_RATE_PER_SEC" default:"10"`
	InvokeBurst       int           `envconfig:"WORKFLOW_INVOKE_BURST" default:"5"`
	MinAnalysisAgents int           `envconfig:"WORKFLOW_MIN_ANALYSIS_AGENTS" default:"3"`
}

// AgentsConfig locates the remote agent workers and the rebalance batch
// coordinator this service calls back into.
type AgentsConfig struct {
	WorkerBaseURL string `envconfig:"AGENT_WORKER_BASE_URL" required:"true"`
	RebalanceURL  string `envconfig:"REBALANCE_COORDINATOR_URL"`
	CallbackURL   string `envconfig:"COORDINATOR_CALLBACK_URL"`
	ServiceToken  string `envconfig:"AGENT_SERVICE_TOKEN"`
}

type ReactivationConfig struct {
	Enabled    bool          `envconfig:"REACTIVATION_ENABLED" default:"true"`
	Interval   time.Duration `envconfig:"REACTIVATION_INTERVAL" default:"1m"`
	StaleAfter time.Duration `envconfig:"REACTIVATION_STALE_AFTER" default:"5m"`
	Lookback   time.Duration `envconfig:"REACTIVATION_LOOKBACK" default:"168h"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
