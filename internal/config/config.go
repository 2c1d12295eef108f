package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Canvas       CanvasConfig       `mapstructure:"canvas"`
	Dispatcher   DispatcherConfig   `mapstructure:"dispatcher"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Notification NotificationConfig `mapstructure:"notification"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port int        `mapstructure:"port"`
	Mode string     `mapstructure:"mode"`
	CORS CORSConfig `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN returns the connection string for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	}
	return d.Path
}

type CanvasConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Token          string        `mapstructure:"token"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PerPage        int           `mapstructure:"per_page"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
}

type DispatcherConfig struct {
	Workers             int           `mapstructure:"workers"`
	RateTokens          int64         `mapstructure:"rate_tokens"`
	TokenAcquireTimeout time.Duration `mapstructure:"token_acquire_timeout"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	ItemTimeout         time.Duration `mapstructure:"item_timeout"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
	IdlePollInterval    time.Duration `mapstructure:"idle_poll_interval"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	RecoveryAction      string        `mapstructure:"recovery_action"` // requeue, alert
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	LongRunningAfter    time.Duration `mapstructure:"long_running_after"`
}

type RetryConfig struct {
	MaxAttempts            int            `mapstructure:"max_attempts"`
	RateLimitedMaxAttempts int            `mapstructure:"rate_limited_max_attempts"`
	InitialInterval        time.Duration  `mapstructure:"initial_interval"`
	MaxInterval            time.Duration  `mapstructure:"max_interval"`
	Multiplier             float64        `mapstructure:"multiplier"`
	RateLimitCooldown      time.Duration  `mapstructure:"rate_limit_cooldown"`
	MaxRetryAfter          time.Duration  `mapstructure:"max_retry_after"`
	CallSites              map[string]int `mapstructure:"call_sites"`
}

type NotificationConfig struct {
	Driver          string      `mapstructure:"driver"` // log, smtp, kafka
	Subject         string      `mapstructure:"subject"`
	Body            string      `mapstructure:"body"`
	FailedSuffix    string      `mapstructure:"failed_suffix"`
	ItemSuccessSubj string      `mapstructure:"item_success_subject"`
	ItemFailureSubj string      `mapstructure:"item_failure_subject"`
	RecipientDomain string      `mapstructure:"recipient_domain"`
	SMTP            SMTPConfig  `mapstructure:"smtp"`
	Kafka           KafkaConfig `mapstructure:"kafka"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Type      string `mapstructure:"type"` // s3, r2, s3compatible
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	PublicURL string `mapstructure:"public_url"`
	Prefix    string `mapstructure:"prefix"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Secrets are only taken from the environment under their conventional names.
	_ = v.BindEnv("canvas.token", "CANVAS_TOKEN")
	_ = v.BindEnv("canvas.base_url", "CANVAS_BASE_URL")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("notification.smtp.password", "SMTP_PASSWORD")
	_ = v.BindEnv("storage.access_key", "S3_ACCESS_KEY")
	_ = v.BindEnv("storage.secret_key", "S3_SECRET_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/sitecreator.db")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("canvas.timeout", 30*time.Second)
	v.SetDefault("canvas.per_page", 40)
	v.SetDefault("canvas.requests_per_sec", 10.0)
	v.SetDefault("canvas.burst", 5)

	v.SetDefault("dispatcher.workers", 8)
	v.SetDefault("dispatcher.rate_tokens", 4)
	v.SetDefault("dispatcher.token_acquire_timeout", 2*time.Minute)
	v.SetDefault("dispatcher.poll_interval", 10*time.Second)
	v.SetDefault("dispatcher.item_timeout", 45*time.Minute)
	v.SetDefault("dispatcher.call_timeout", 30*time.Second)
	v.SetDefault("dispatcher.idle_poll_interval", 5*time.Second)
	v.SetDefault("dispatcher.stale_after", 10*time.Minute)
	v.SetDefault("dispatcher.recovery_action", "requeue")
	v.SetDefault("dispatcher.sweep_interval", time.Minute)
	v.SetDefault("dispatcher.long_running_after", 30*time.Minute)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.rate_limited_max_attempts", 6)
	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 30*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.rate_limit_cooldown", 20*time.Second)
	v.SetDefault("retry.max_retry_after", 2*time.Minute)

	v.SetDefault("notification.driver", "log")
	v.SetDefault("notification.subject", "Sites created for {school} {term} term")
	v.SetDefault("notification.body", "Canvas course sites have been created for the {school} {term} term.\n\n - {success_count} course sites were created successfully.\n")
	v.SetDefault("notification.failed_suffix", " - {failed_count} course sites were not created.")
	v.SetDefault("notification.item_success_subject", "Course site is ready")
	v.SetDefault("notification.item_failure_subject", "Course site not created")
	v.SetDefault("notification.smtp.port", 25)
	v.SetDefault("notification.kafka.topic", "sitecreator.notifications")

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.prefix", "reports")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate rejects settings the dispatcher and retry policy cannot run with.
func (c *Config) Validate() error {
	d := c.Dispatcher
	switch {
	case d.Workers < 1:
		return fmt.Errorf("dispatcher.workers must be at least 1, got %d", d.Workers)
	case d.RateTokens < 1:
		return fmt.Errorf("dispatcher.rate_tokens must be at least 1, got %d", d.RateTokens)
	case d.PollInterval <= 0:
		return errors.New("dispatcher.poll_interval must be positive")
	case d.ItemTimeout <= 0:
		return errors.New("dispatcher.item_timeout must be positive")
	case d.RecoveryAction != "requeue" && d.RecoveryAction != "alert":
		return fmt.Errorf("dispatcher.recovery_action must be requeue or alert, got %q", d.RecoveryAction)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Notification.Driver {
	case "log", "smtp", "kafka":
	default:
		return fmt.Errorf("notification.driver must be log, smtp or kafka, got %q", c.Notification.Driver)
	}
	return nil
}
