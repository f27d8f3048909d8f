package config

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	CORS           CORSConfig
	Log            LogConfig
	Continuation   ContinuationConfig
	Notifications  NotificationsConfig
	Scheduling     SchedulingConfig
	Billing        BillingConfig
	Exports        ExportsConfig
	ResponseTokens ResponseTokenConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret            string
	Expiration        time.Duration
	RefreshExpiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// ContinuationConfig tunes the continuation workflow.
type ContinuationConfig struct {
	DefaultReminderOffsets []int
	SummaryCacheTTL        time.Duration
	BatchPageSize          int
}

// NotificationsConfig points at the platform notification service.
type NotificationsConfig struct {
	BaseURL     string
	Timeout     time.Duration
	FromAddress string
}

// SchedulingConfig points at the scheduling service that owns recurring
// lesson schedules.
type SchedulingConfig struct {
	BaseURL string
	Timeout time.Duration
}

// BillingConfig points at the billing service that issues term adjustments.
type BillingConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ExportsConfig configures asynchronous run exports.
type ExportsConfig struct {
	Enabled           bool
	StorageDir        string
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	WorkerConcurrency int
	WorkerRetries     int
}

// ResponseTokenConfig configures signed guardian response links.
type ResponseTokenConfig struct {
	Secret string
	TTL    time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:            v.GetString("JWT_SECRET"),
		Expiration:        parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
		RefreshExpiration: parseDuration(v.GetString("REFRESH_TOKEN_EXPIRATION"), 7*24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Continuation = ContinuationConfig{
		DefaultReminderOffsets: splitInts(v.GetString("CONTINUATION_REMINDER_OFFSETS")),
		SummaryCacheTTL:        parseDuration(v.GetString("CONTINUATION_SUMMARY_CACHE_TTL"), 5*time.Minute),
		BatchPageSize:          v.GetInt("CONTINUATION_BATCH_PAGE_SIZE"),
	}

	cfg.Notifications = NotificationsConfig{
		BaseURL:     v.GetString("NOTIFICATIONS_BASE_URL"),
		Timeout:     parseDuration(v.GetString("NOTIFICATIONS_TIMEOUT"), 10*time.Second),
		FromAddress: v.GetString("NOTIFICATIONS_FROM_ADDRESS"),
	}

	cfg.Scheduling = SchedulingConfig{
		BaseURL: v.GetString("SCHEDULING_BASE_URL"),
		Timeout: parseDuration(v.GetString("SCHEDULING_TIMEOUT"), 10*time.Second),
	}

	cfg.Billing = BillingConfig{
		BaseURL: v.GetString("BILLING_BASE_URL"),
		Timeout: parseDuration(v.GetString("BILLING_TIMEOUT"), 15*time.Second),
	}

	cfg.Exports = ExportsConfig{
		Enabled:           v.GetBool("ENABLE_EXPORTS"),
		StorageDir:        v.GetString("EXPORTS_STORAGE_DIR"),
		SignedURLSecret:   v.GetString("EXPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("EXPORTS_SIGNED_URL_TTL"), 24*time.Hour),
		WorkerConcurrency: v.GetInt("EXPORTS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("EXPORTS_WORKER_RETRIES"),
	}

	cfg.ResponseTokens = ResponseTokenConfig{
		Secret: v.GetString("RESPONSE_TOKEN_SECRET"),
		TTL:    parseDuration(v.GetString("RESPONSE_TOKEN_TTL"), 45*24*time.Hour),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "continuation")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_EXPIRATION", "24h")
	v.SetDefault("REFRESH_TOKEN_EXPIRATION", "168h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("CONTINUATION_REMINDER_OFFSETS", "7,14")
	v.SetDefault("CONTINUATION_SUMMARY_CACHE_TTL", "5m")
	v.SetDefault("CONTINUATION_BATCH_PAGE_SIZE", 200)

	v.SetDefault("NOTIFICATIONS_BASE_URL", "http://localhost:8090")
	v.SetDefault("NOTIFICATIONS_TIMEOUT", "10s")
	v.SetDefault("NOTIFICATIONS_FROM_ADDRESS", "noreply@cadenza.app")

	v.SetDefault("SCHEDULING_BASE_URL", "http://localhost:8091")
	v.SetDefault("SCHEDULING_TIMEOUT", "10s")

	v.SetDefault("BILLING_BASE_URL", "http://localhost:8092")
	v.SetDefault("BILLING_TIMEOUT", "15s")

	v.SetDefault("ENABLE_EXPORTS", false)
	v.SetDefault("EXPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("EXPORTS_SIGNED_URL_SECRET", "dev_exports_secret")
	v.SetDefault("EXPORTS_SIGNED_URL_TTL", "24h")
	v.SetDefault("EXPORTS_WORKER_CONCURRENCY", 1)
	v.SetDefault("EXPORTS_WORKER_RETRIES", 3)

	v.SetDefault("RESPONSE_TOKEN_SECRET", "dev_response_secret")
	v.SetDefault("RESPONSE_TOKEN_TTL", "1080h")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

func splitInts(raw string) []int {
	parts := splitAndTrim(raw)
	if len(parts) == 0 {
		return nil
	}
	result := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			continue
		}
		result = append(result, n)
	}
	return result
}
