package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	Scheduler SchedulerConfig
	Pricing   PricingConfig
	GCP       GCPConfig
	PubSub    PubSubConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"KINOCLUB_APP_ENV" required:"true"`
	Port         string `envconfig:"KINOCLUB_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"KINOCLUB_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"KINOCLUB_LOG_WARN_STACK" default:"false"`
	AutoMigrate  bool   `envconfig:"KINOCLUB_AUTO_MIGRATE" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"KINOCLUB_DB_DSN"`
	Driver string `envconfig:"KINOCLUB_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KINOCLUB_DB_HOST"`
	LegacyPort     int    `envconfig:"KINOCLUB_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KINOCLUB_DB_USER"`
	LegacyPassword string `envconfig:"KINOCLUB_DB_PASSWORD"`
	LegacyName     string `envconfig:"KINOCLUB_DB_NAME"`
	LegacySSLMode  string `envconfig:"KINOCLUB_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KINOCLUB_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KINOCLUB_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KINOCLUB_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KINOCLUB_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"KINOCLUB_REDIS_URL" required:"true"`
	Address      string        `envconfig:"KINOCLUB_REDIS_ADDR"`
	Password     string        `envconfig:"KINOCLUB_REDIS_PASSWORD"`
	DB           int           `envconfig:"KINOCLUB_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KINOCLUB_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KINOCLUB_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KINOCLUB_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KINOCLUB_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KINOCLUB_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// GatewayConfig configures the payment processor adapter.
type GatewayConfig struct {
	BaseURL   string        `envconfig:"KINOCLUB_GATEWAY_BASE_URL" default:"https://api.yookassa.ru"`
	ShopID    string        `envconfig:"KINOCLUB_GATEWAY_SHOP_ID"`
	SecretKey string        `envconfig:"KINOCLUB_GATEWAY_SECRET_KEY"`
	Currency  string        `envconfig:"KINOCLUB_GATEWAY_CURRENCY" default:"RUB"`
	Timeout   time.Duration `envconfig:"KINOCLUB_GATEWAY_TIMEOUT" default:"20s"`
	ReturnURL string        `envconfig:"KINOCLUB_GATEWAY_RETURN_URL"`

	// Telegram Stars rail, used when the chat cannot pay by card.
	StarsAPIBase  string `envconfig:"KINOCLUB_GATEWAY_STARS_API_BASE" default:"https://api.telegram.org"`
	StarsBotToken string `envconfig:"KINOCLUB_GATEWAY_STARS_BOT_TOKEN"`
}

// SchedulerConfig configures the billing tick loop.
type SchedulerConfig struct {
	Interval          time.Duration `envconfig:"KINOCLUB_SCHEDULER_INTERVAL" default:"1h"`
	Limit             int           `envconfig:"KINOCLUB_SCHEDULER_LIMIT" default:"250"`
	Workers           int           `envconfig:"KINOCLUB_SCHEDULER_WORKERS" default:"8"`
	MaxChargeAttempts int           `envconfig:"KINOCLUB_SCHEDULER_MAX_CHARGE_ATTEMPTS" default:"3"`
	ReminderWindow    time.Duration `envconfig:"KINOCLUB_SCHEDULER_REMINDER_WINDOW" default:"24h"`
	LockTTL           time.Duration `envconfig:"KINOCLUB_SCHEDULER_LOCK_TTL" default:"2h"`
	LeaseTTL          time.Duration `envconfig:"KINOCLUB_SCHEDULER_LEASE_TTL" default:"5m"`
}

type PricingConfig struct {
	TablePath string `envconfig:"KINOCLUB_PRICING_TABLE_PATH"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"KINOCLUB_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"KINOCLUB_PUBSUB_NOTIFICATION_TOPIC" default:"kc-billing-notifications"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		"KINOCLUB_DB_HOST": db.LegacyHost,
		"KINOCLUB_DB_USER": db.LegacyUser,
		"KINOCLUB_DB_NAME": db.LegacyName,
	}
	for _, env := range []string{"KINOCLUB_DB_HOST", "KINOCLUB_DB_USER", "KINOCLUB_DB_NAME"} {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either KINOCLUB_DB_DSN or %s are required", strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
