package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"blast/internal/domain"
	"blast/internal/store/pg"
	"blast/internal/transport/lane"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type DBConfig struct {
	DBDSN             string        `envconfig:"DB_DSN"`
	DBMaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns        int32         `envconfig:"DB_MIN_CONNS" default:"1"`
	DBMaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	DBMaxConnIdle     time.Duration `envconfig:"DB_MAX_CONN_IDLE" default:"5m"`

	// memory keeps everything in process; useful for demos only
	Store string `envconfig:"DISPATCH_STORE" default:"postgres"`
}

func (c DBConfig) PoolOptions() pg.PoolOptions {
	return pg.PoolOptions{
		MaxConns:        c.DBMaxConns,
		MinConns:        c.DBMinConns,
		MaxConnLifetime: c.DBMaxConnLifetime,
		MaxConnIdleTime: c.DBMaxConnIdle,
	}
}

// DispatchConfig configures whichever process runs dispatch loops.
type DispatchConfig struct {
	DefaultMinDelayMS      int           `envconfig:"DEFAULT_MIN_DELAY_MS" default:"3000"`
	DefaultMaxDelayMS      int           `envconfig:"DEFAULT_MAX_DELAY_MS" default:"8000"`
	DefaultRotationDelayMS int           `envconfig:"DEFAULT_ROTATION_DELAY_MS" default:"5000"`
	DefaultMaxPerEndpoint  int           `envconfig:"DEFAULT_MAX_PER_ENDPOINT" default:"50"`
	ResumeMode             string        `envconfig:"RESUME_MODE" default:"skip_attempted"`
	ErrorLogPath           string        `envconfig:"ERROR_LOG_PATH" default:"campaign-errors.log"`
	ScheduleSpec           string        `envconfig:"SCHEDULE_SPEC" default:"@every 30s"`
	ShutdownTimeout        time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Gateway
	GatewayBaseURL string        `envconfig:"GATEWAY_BASE_URL" default:"http://localhost:3000"`
	GatewayAPIKey  string        `envconfig:"GATEWAY_API_KEY"`
	GatewayTimeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"15s"`

	// Per-endpoint lanes
	LaneRPS             float64       `envconfig:"LANE_RPS" default:"1"`
	LaneBurst           int           `envconfig:"LANE_BURST" default:"1"`
	LaneBreakerFailures uint32        `envconfig:"LANE_BREAKER_FAILURES" default:"10"`
	LaneBreakerTimeout  time.Duration `envconfig:"LANE_BREAKER_TIMEOUT" default:"30s"`
}

func (c DispatchConfig) PacingDefaults() domain.Pacing {
	return domain.Pacing{
		MinDelay:       time.Duration(c.DefaultMinDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(c.DefaultMaxDelayMS) * time.Millisecond,
		RotationDelay:  time.Duration(c.DefaultRotationDelayMS) * time.Millisecond,
		MaxPerEndpoint: c.DefaultMaxPerEndpoint,
	}
}

func (c DispatchConfig) LaneSettings() lane.Settings {
	return lane.Settings{
		RPS:             c.LaneRPS,
		Burst:           c.LaneBurst,
		BreakerFailures: c.LaneBreakerFailures,
		BreakerTimeout:  c.LaneBreakerTimeout,
		CallTimeout:     c.GatewayTimeout,
	}
}

type APIConfig struct {
	DBConfig
	DispatchConfig

	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`

	// AWS / SQS; without a queue url the API runs loops in process
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`

	// RabbitMQ progress exchange
	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"blast.progress"`
}

type DispatcherConfig struct {
	DBConfig
	DispatchConfig

	Port        string `envconfig:"PORT" default:"8081"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9091"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	SQSQueueURL        string `envconfig:"SQS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	WorkerConcurrency  int    `envconfig:"WORKER_CONCURRENCY" default:"4"`

	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"blast.progress"`
}

// LoadDotEnv reads .env files into the environment when present. Variables
// already set win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.DBConfig.validate(); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	if err := cfg.DBConfig.validate(); err != nil {
		panic(err)
	}
	if cfg.Store == StoreMemory {
		// a separate dispatcher process cannot see the API's memory
		panic(fmt.Errorf("DISPATCH_STORE=memory requires running loops inside the api process"))
	}
	return cfg
}

func (c DBConfig) validate() error {
	switch c.Store {
	case StorePostgres:
		if c.DBDSN == "" {
			return fmt.Errorf("required key DB_DSN missing value")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown DISPATCH_STORE %q", c.Store)
	}
	return nil
}
