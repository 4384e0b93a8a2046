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
	MigrateOnStart    bool

	Redis RedisConfig

	Stripe StripeConfig
	Chain  ChainConfig

	// WalletMasterSeed seeds deterministic receiving-address derivation.
	WalletMasterSeed string

	// PublicBaseURL is where the hosted payment page lives; checkout
	// success/cancel redirects are built from it.
	PublicBaseURL string

	// AdminAPIKey guards merchant administration routes; empty disables them.
	AdminAPIKey string

	WebhookTimeout   time.Duration
	PublicRateLimit  int
	PublicRateWindow time.Duration

	FX FXConfig

	SettlementConfigPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
}

type ChainConfig struct {
	// WebhookSigningKey authenticates transfer notifications. Empty means
	// signatures are not checked (development only).
	WebhookSigningKey string
	QueryTimeout      time.Duration
	RPCURLs           map[string]string
}

type FXConfig struct {
	RateURL  string
	CacheTTL time.Duration
	Timeout  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "freelancepay"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "freelancepay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		MigrateOnStart:    getenvBool("MIGRATE_ON_START", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Stripe: StripeConfig{
			SecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			WebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Chain: ChainConfig{
			WebhookSigningKey: strings.TrimSpace(getenv("CHAIN_WEBHOOK_SIGNING_KEY", "")),
			QueryTimeout:      getenvDuration("CHAIN_QUERY_TIMEOUT", 10*time.Second),
			RPCURLs: map[string]string{
				"ethereum": strings.TrimSpace(getenv("CHAIN_RPC_ETHEREUM", "")),
				"arbitrum": strings.TrimSpace(getenv("CHAIN_RPC_ARBITRUM", "")),
				"polygon":  strings.TrimSpace(getenv("CHAIN_RPC_POLYGON", "")),
			},
		},
		WalletMasterSeed: strings.TrimSpace(getenv("WALLET_MASTER_SEED", "")),
		PublicBaseURL:    strings.TrimRight(getenv("PUBLIC_BASE_URL", "http://localhost:3000"), "/"),
		AdminAPIKey:      strings.TrimSpace(getenv("ADMIN_API_KEY", "")),
		WebhookTimeout:   getenvDuration("WEBHOOK_TIMEOUT", 20*time.Second),
		PublicRateLimit:  int(getenvInt64("PUBLIC_RATE_LIMIT", 30)),
		PublicRateWindow: getenvDuration("PUBLIC_RATE_WINDOW", time.Minute),
		FX: FXConfig{
			RateURL:  strings.TrimSpace(getenv("FX_RATE_URL", "")),
			CacheTTL: getenvDuration("FX_CACHE_TTL", time.Hour),
			Timeout:  getenvDuration("FX_TIMEOUT", 5*time.Second),
		},
		SettlementConfigPath: strings.TrimSpace(getenv("SETTLEMENT_CONFIG_PATH", "")),
	}

	return cfg
}

// IsProduction reports whether the process runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

// getenvDuration accepts Go durations ("15s") or bare seconds ("15").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}
