package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN builds the pgx connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	OrderStatus string
	AdminAlerts string
	DeadLetter  string
}

type KafkaConfig struct {
	Brokers []string
	Topics  KafkaTopics
}

// ProviderConfig configures one outbound provider client. APIKey may stay
// empty against a local stub but is required once Live is set.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type ProvidersConfig struct {
	Payment          ProviderConfig
	Custodial        ProviderConfig
	Live             bool
	WithdrawalKeyTTL time.Duration
}

// WebhookConfig carries the per-source HMAC secrets that authenticate
// inbound provider callbacks.
type WebhookConfig struct {
	PaymentSecret   string
	CustodialSecret string
}

type ReconcilerConfig struct {
	MaxAttempts      int
	RetryBase        time.Duration
	RetryMax         time.Duration
	MinConfirmations int
	PollInterval     time.Duration
	StaleAfter       time.Duration
	PollBatch        int
}

type RateLimitRedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

type RateLimitConfig struct {
	ConfirmLimit int
	Window       time.Duration
	Redis        RateLimitRedisConfig
}

type CashoutConfig struct {
	TokenSecret string
	TokenTTL    time.Duration
}

type Config struct {
	App        base.AppConfig
	JWTSecret  string
	JWTIssuer  string
	DB         DBConfig
	Kafka      KafkaConfig
	Providers  ProvidersConfig
	Webhooks   WebhookConfig
	Reconciler ReconcilerConfig
	RateLimit  RateLimitConfig
	Cashout    CashoutConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("LOCKBAY_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		App:       *appCfg,
		JWTSecret: envString("LOCKBAY_JWT_SECRET", ""),
		JWTIssuer: envString("LOCKBAY_JWT_ISSUER", "lockbay-auth"),
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "lockbay_core"),
			User:     envString("POSTGRES_USER", "lockbay"),
			Password: envString("POSTGRES_PASSWORD", "lockbay"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers: envCSV("KAFKA_BROKERS", []string{"localhost:9092"}),
			Topics: KafkaTopics{
				OrderStatus: envString("LOCKBAY_ORDER_STATUS_TOPIC", "settlement.order-status"),
				AdminAlerts: envString("LOCKBAY_ADMIN_ALERTS_TOPIC", "settlement.admin-alerts"),
				DeadLetter:  envString("LOCKBAY_DEAD_LETTER_TOPIC", "settlement.dead-letter"),
			},
		},
		Providers: ProvidersConfig{
			Payment: ProviderConfig{
				BaseURL: envString("LOCKBAY_PAYMENT_API_URL", "http://localhost:9601"),
				APIKey:  envString("LOCKBAY_PAYMENT_API_KEY", ""),
				Timeout: envDuration("LOCKBAY_PAYMENT_TIMEOUT", 15*time.Second),
			},
			Custodial: ProviderConfig{
				BaseURL: envString("LOCKBAY_CUSTODIAL_API_URL", "http://localhost:9602"),
				APIKey:  envString("LOCKBAY_CUSTODIAL_API_KEY", ""),
				Timeout: envDuration("LOCKBAY_CUSTODIAL_TIMEOUT", 15*time.Second),
			},
			Live:             envBool("LOCKBAY_LIVE", false),
			WithdrawalKeyTTL: envDuration("LOCKBAY_WITHDRAWAL_KEY_CACHE_TTL", 30*time.Second),
		},
		Webhooks: WebhookConfig{
			PaymentSecret:   envString("LOCKBAY_PAYMENT_WEBHOOK_SECRET", ""),
			CustodialSecret: envString("LOCKBAY_CUSTODIAL_WEBHOOK_SECRET", ""),
		},
		Reconciler: ReconcilerConfig{
			MaxAttempts:      envInt("LOCKBAY_SETTLE_MAX_ATTEMPTS", 5),
			RetryBase:        envDuration("LOCKBAY_SETTLE_RETRY_BASE", 30*time.Second),
			RetryMax:         envDuration("LOCKBAY_SETTLE_RETRY_MAX", 30*time.Minute),
			MinConfirmations: envInt("LOCKBAY_MIN_CONFIRMATIONS", 2),
			PollInterval:     envDuration("LOCKBAY_POLL_INTERVAL", 30*time.Second),
			StaleAfter:       envDuration("LOCKBAY_STALE_AFTER", 5*time.Minute),
			PollBatch:        envInt("LOCKBAY_POLL_BATCH", 100),
		},
		RateLimit: RateLimitConfig{
			ConfirmLimit: envInt("LOCKBAY_CONFIRM_RATE_LIMIT", 10),
			Window:       envDuration("LOCKBAY_CONFIRM_RATE_WINDOW", 1*time.Minute),
			Redis: RateLimitRedisConfig{
				Addr:     envString("LOCKBAY_RATE_LIMIT_REDIS_ADDR", ""),
				Password: envString("LOCKBAY_RATE_LIMIT_REDIS_PASSWORD", ""),
				DB:       envInt("LOCKBAY_RATE_LIMIT_REDIS_DB", 0),
				Prefix:   envString("LOCKBAY_RATE_LIMIT_REDIS_PREFIX", "lockbay:settlement:rl:"),
			},
		},
		Cashout: CashoutConfig{
			TokenSecret: envString("LOCKBAY_CASHOUT_TOKEN_SECRET", ""),
			TokenTTL:    envDuration("LOCKBAY_CASHOUT_TOKEN_TTL", 15*time.Minute),
		},
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("LOCKBAY_JWT_SECRET must be set")
	}
	if cfg.Cashout.TokenSecret == "" {
		return nil, fmt.Errorf("LOCKBAY_CASHOUT_TOKEN_SECRET must be set")
	}
	if cfg.Webhooks.PaymentSecret == "" {
		return nil, fmt.Errorf("LOCKBAY_PAYMENT_WEBHOOK_SECRET must be set")
	}
	if cfg.Webhooks.CustodialSecret == "" {
		return nil, fmt.Errorf("LOCKBAY_CUSTODIAL_WEBHOOK_SECRET must be set")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.Topics.OrderStatus == "" || cfg.Kafka.Topics.AdminAlerts == "" {
		return nil, fmt.Errorf("kafka topics required")
	}
	if cfg.Providers.Payment.BaseURL == "" || cfg.Providers.Custodial.BaseURL == "" {
		return nil, fmt.Errorf("provider base urls required")
	}
	if cfg.Providers.Live && (cfg.Providers.Payment.APIKey == "" || cfg.Providers.Custodial.APIKey == "") {
		return nil, fmt.Errorf("provider api keys required in live mode")
	}
	if cfg.Reconciler.MinConfirmations < 1 {
		return nil, fmt.Errorf("LOCKBAY_MIN_CONFIRMATIONS must be at least 1")
	}
	if cfg.Reconciler.PollBatch <= 0 {
		return nil, fmt.Errorf("LOCKBAY_POLL_BATCH must be positive")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
