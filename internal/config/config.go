package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the service. It is built once at startup and
// passed by pointer to every component; nothing mutates it afterwards.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port         int           `mapstructure:"port"`
		ReadTimeout  time.Duration `mapstructure:"readTimeout"`
		WriteTimeout time.Duration `mapstructure:"writeTimeout"`
		MaxLongPoll  time.Duration `mapstructure:"maxLongPoll"` // Upper bound for the ?wait= parameter of the poll API
	} `mapstructure:"server"`
	NATS struct {
		Enabled       bool          `mapstructure:"enabled"`
		URL           string        `mapstructure:"url"`
		Stream        string        `mapstructure:"stream"`        // JetStream stream holding pipeline events
		SubjectPrefix string        `mapstructure:"subjectPrefix"` // e.g. "imbridge" -> imbridge.message.received
		MaxAge        time.Duration `mapstructure:"maxAge"`        // Retention of pipeline events
	} `mapstructure:"nats"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
		Schema              string `mapstructure:"schema"`
	} `mapstructure:"database"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"` // Serves /metrics on the main listener
	} `mapstructure:"metrics"`
	Platforms     map[string]PlatformSeed `mapstructure:"platforms"`
	PlatformCache struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"platformCache"`
	Binding    BindingConfig    `mapstructure:"binding"`
	MessageLog MessageLogConfig `mapstructure:"messageLog"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Completion CompletionConfig `mapstructure:"completion"`
	RateLimit  struct {
		RequestsPerSecond float64 `mapstructure:"requestsPerSecond"` // Per platform + remote address
		Burst             int     `mapstructure:"burst"`
	} `mapstructure:"rateLimit"`
	WorkerPools struct {
		Tasks TaskWorkerPoolConfig `mapstructure:"tasks"`
	} `mapstructure:"workerPools"`
}

// PlatformSeed bootstraps a platform_configs row on first start. Rows that already
// exist are left alone; later changes go through the admin API.
type PlatformSeed struct {
	Enabled     bool              `mapstructure:"enabled"`
	DisplayName string            `mapstructure:"displayName"`
	WebhookURL  string            `mapstructure:"webhookURL"`
	Settings    map[string]string `mapstructure:"settings"` // Credentials and secrets, stored as the config document
}

// BindingConfig controls binding code generation
type BindingConfig struct {
	CodeLength           int           `mapstructure:"codeLength"`
	ExpiryMinutes        int           `mapstructure:"expiryMinutes"`
	HousekeepingInterval time.Duration `mapstructure:"housekeepingInterval"` // 0 disables the stale code sweep
}

// MessageLogConfig controls ingestion dedup and the stuck-claim sweep
type MessageLogConfig struct {
	ReclaimTimeout    time.Duration `mapstructure:"reclaimTimeout"`  // PROCESSING rows older than this are failed
	ReclaimInterval   time.Duration `mapstructure:"reclaimInterval"` // 0 disables the sweep
	DedupCapacity     uint          `mapstructure:"dedupCapacity"`
	DedupFalsePosRate float64       `mapstructure:"dedupFalsePosRate"`
}

// ConsumerConfig controls the poll API defaults and the built-in responder
type ConsumerConfig struct {
	PollInterval time.Duration   `mapstructure:"pollInterval"`
	BatchSize    int             `mapstructure:"batchSize"`
	Responder    ResponderConfig `mapstructure:"responder"`
}

// ResponderConfig configures the in-process consumer that answers messages via the completion endpoint
type ResponderConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Concurrency   int    `mapstructure:"concurrency"`
	HistoryLimit  int    `mapstructure:"historyLimit"`
	BindPrompt    string `mapstructure:"bindPrompt"`
	FallbackReply string `mapstructure:"fallbackReply"`
}

// CompletionConfig points at an OpenAI-compatible chat completion endpoint
type CompletionConfig struct {
	BaseURL      string        `mapstructure:"baseURL"`
	APIKey       string        `mapstructure:"apiKey"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"systemPrompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// TaskWorkerPoolConfig holds configuration for the async task worker pool
type TaskWorkerPoolConfig struct {
	PoolSize           int             `mapstructure:"poolSize"`           // Number of workers
	MaxBlock           int             `mapstructure:"maxBlock"`           // Max goroutines blocked on Submit when the pool is busy
	ExpiryTime         time.Duration   `mapstructure:"expiryTime"`         // Idle worker expiry time
	PollInterval       time.Duration   `mapstructure:"pollInterval"`       // Fallback dequeue interval when no wakeup arrives
	TaskTimeout        time.Duration   `mapstructure:"taskTimeout"`
	LeaseTimeout       time.Duration   `mapstructure:"leaseTimeout"`       // RUNNING tasks older than this are failed; keep above TaskTimeout
	LeaseSweepInterval time.Duration   `mapstructure:"leaseSweepInterval"` // 0 disables the lease sweep
	Retry              TaskRetryConfig `mapstructure:"retry"`
}

// TaskRetryConfig is the automatic retry policy. MaxAttempts 0 leaves retry to manual requeue.
type TaskRetryConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
}

// LoadConfig reads configuration from file or environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 45*time.Second)
	v.SetDefault("server.maxLongPoll", 30*time.Second)
	v.SetDefault("metrics.enabled", true)

	v.SetDefault("nats.enabled", true)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.stream", "IMBRIDGE")
	v.SetDefault("nats.subjectPrefix", "imbridge")
	v.SetDefault("nats.maxAge", 72*time.Hour)

	v.SetDefault("database.postgresAutoMigrate", true)
	v.SetDefault("database.schema", "public")

	v.SetDefault("platformCache.ttl", 5*time.Minute)

	v.SetDefault("binding.codeLength", 6)
	v.SetDefault("binding.expiryMinutes", 30)
	v.SetDefault("binding.housekeepingInterval", 15*time.Minute)

	v.SetDefault("messageLog.reclaimTimeout", 10*time.Minute)
	v.SetDefault("messageLog.reclaimInterval", time.Minute)
	v.SetDefault("messageLog.dedupCapacity", 1_000_000)
	v.SetDefault("messageLog.dedupFalsePosRate", 0.001)

	v.SetDefault("consumer.pollInterval", 3*time.Second)
	v.SetDefault("consumer.batchSize", 50)
	v.SetDefault("consumer.responder.enabled", false)
	v.SetDefault("consumer.responder.concurrency", 4)
	v.SetDefault("consumer.responder.historyLimit", 10)
	v.SetDefault("consumer.responder.bindPrompt", "This chat is not linked to an employee yet. Ask your administrator for a binding code and send it here.")
	v.SetDefault("consumer.responder.fallbackReply", "Sorry, something went wrong while handling your message. Please try again later.")

	v.SetDefault("completion.timeout", 60*time.Second)

	v.SetDefault("rateLimit.requestsPerSecond", 20.0)
	v.SetDefault("rateLimit.burst", 40)

	v.SetDefault("workerPools.tasks.poolSize", 10)
	v.SetDefault("workerPools.tasks.maxBlock", 100)
	v.SetDefault("workerPools.tasks.expiryTime", time.Minute)
	v.SetDefault("workerPools.tasks.pollInterval", 5*time.Second)
	v.SetDefault("workerPools.tasks.taskTimeout", 2*time.Minute)
	v.SetDefault("workerPools.tasks.leaseTimeout", 10*time.Minute)
	v.SetDefault("workerPools.tasks.leaseSweepInterval", time.Minute)
	v.SetDefault("workerPools.tasks.retry.maxAttempts", 0)
	v.SetDefault("workerPools.tasks.retry.baseDelay", 10*time.Second)
	v.SetDefault("workerPools.tasks.retry.maxDelay", 10*time.Minute)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-im-bridge")
	v.AddConfigPath("/etc/daisi-im-bridge")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects settings the components cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Binding.CodeLength < 4 || c.Binding.CodeLength > 32 {
		errs = append(errs, fmt.Errorf("binding.codeLength must be between 4 and 32, got %d", c.Binding.CodeLength))
	}
	if c.Binding.ExpiryMinutes <= 0 {
		errs = append(errs, fmt.Errorf("binding.expiryMinutes must be positive, got %d", c.Binding.ExpiryMinutes))
	}
	if c.WorkerPools.Tasks.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("workerPools.tasks.poolSize must be positive, got %d", c.WorkerPools.Tasks.PoolSize))
	}
	if c.Consumer.PollInterval <= 0 {
		errs = append(errs, errors.New("consumer.pollInterval must be positive"))
	}
	if c.WorkerPools.Tasks.Retry.MaxAttempts < 0 {
		errs = append(errs, errors.New("workerPools.tasks.retry.maxAttempts must not be negative"))
	}
	if c.Consumer.Responder.Enabled && c.Completion.BaseURL == "" {
		errs = append(errs, errors.New("completion.baseURL is required when the responder is enabled"))
	}
	return errors.Join(errs...)
}

// BindingCodeTTL is the lifetime of a freshly issued binding code
func (c *Config) BindingCodeTTL() time.Duration {
	return time.Duration(c.Binding.ExpiryMinutes) * time.Minute
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}
		if fieldType.Type.Kind() == reflect.Map {
			// Maps are only configurable from the YAML file
			continue
		}

		_ = v.BindEnv(key)
	}
}
