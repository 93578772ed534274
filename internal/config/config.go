package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RedeemRateLimitEnabled bool
	RedeemRatePerSecond    float64
	RedeemBurst            int

	RabbitMQURL    string
	EventsExchange string

	ShopifyEnabled    bool
	ShopifyAPIVersion string
	ShopifyTimeout    time.Duration
	ShopifyAPISecret  string

	AdminAPIToken string
	SeedShopID    string

	ProgramConfigPath string

	SchedulerEnabled            bool
	SchedulerTick               time.Duration
	SchedulerVerifyEnabled      bool
	SchedulerVerifyInterval     time.Duration
	SchedulerVerifyTimeout      time.Duration
	SchedulerReconcileEnabled   bool
	SchedulerReconcileInterval  time.Duration
	SchedulerReconcileTimeout   time.Duration
	SchedulerReconcileBatchSize int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "loyalty"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "loyalty"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		RedisAddr:         strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword:     getenv("REDIS_PASSWORD", ""),
		RedisDB:           getenvInt("REDIS_DB", 0),

		RedeemRateLimitEnabled: getenvBool("REDEEM_RATE_LIMIT_ENABLED", true),
		RedeemRatePerSecond:    getenvFloat("REDEEM_RATE_PER_SECOND", 0.5),
		RedeemBurst:            getenvInt("REDEEM_BURST", 3),

		RabbitMQURL:       strings.TrimSpace(getenv("RABBITMQ_URL", "")),
		EventsExchange:    getenv("EVENTS_EXCHANGE", "loyalty.events"),
		ShopifyEnabled:    getenvBool("SHOPIFY_ENABLED", true),
		ShopifyAPIVersion: getenv("SHOPIFY_API_VERSION", "2025-01"),
		ShopifyTimeout:    getenvDuration("SHOPIFY_TIMEOUT", 12*time.Second),
		ShopifyAPISecret:  getenv("SHOPIFY_API_SECRET", ""),
		AdminAPIToken:     getenv("ADMIN_API_TOKEN", ""),
		SeedShopID:        strings.TrimSpace(getenv("SEED_SHOP_ID", "")),
		ProgramConfigPath: strings.TrimSpace(getenv("LOYALTY_CONFIG_PATH", "")),

		SchedulerEnabled:            getenvBool("SCHEDULER_ENABLED", true),
		SchedulerTick:               getenvDuration("SCHEDULER_TICK", 30*time.Second),
		SchedulerVerifyEnabled:      getenvBool("SCHEDULER_VERIFY_ENABLED", true),
		SchedulerVerifyInterval:     getenvDuration("SCHEDULER_VERIFY_INTERVAL", 6*time.Hour),
		SchedulerVerifyTimeout:      getenvDuration("SCHEDULER_VERIFY_TIMEOUT", 30*time.Minute),
		SchedulerReconcileEnabled:   getenvBool("SCHEDULER_RECONCILE_ENABLED", true),
		SchedulerReconcileInterval:  getenvDuration("SCHEDULER_RECONCILE_INTERVAL", 10*time.Minute),
		SchedulerReconcileTimeout:   getenvDuration("SCHEDULER_RECONCILE_TIMEOUT", 2*time.Minute),
		SchedulerReconcileBatchSize: getenvInt("SCHEDULER_RECONCILE_BATCH_SIZE", 100),
	}
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
