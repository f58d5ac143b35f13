package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string
	HTTPAddr string

	SIPHost         string
	SIPPort         int
	MediaGatewayURI string
	AdminIDs        []string

	CapacityCeiling int

	ResponseWindow  time.Duration
	AdminAckWindow  time.Duration
	SessionDuration time.Duration
	ExtensionWindow time.Duration
	ReconnectGrace  time.Duration
	AllowUnrecorded bool

	Extension ExtensionPolicy

	Store    string
	Postgres PostgresConfig

	RedisAddr     string
	AMQPURL       string
	AlertExchange string
}

type PostgresConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
}

// ExtensionPolicy maps an extension ordinal (1, 2, ...) to a price tier and approval mode.
type ExtensionPolicy struct {
	PriceTiers         []int
	AutoApproveMaxTier int
}

// TierFor returns the price tier for the given ordinal. Ordinals past the configured list reuse the last tier.
func (p ExtensionPolicy) TierFor(ordinal int) int {
	if len(p.PriceTiers) == 0 {
		return ordinal
	}
	if ordinal < 1 {
		ordinal = 1
	}
	if ordinal > len(p.PriceTiers) {
		return p.PriceTiers[len(p.PriceTiers)-1]
	}
	return p.PriceTiers[ordinal-1]
}

func (p ExtensionPolicy) AutoApproved(tier int) bool {
	return tier <= p.AutoApproveMaxTier
}

func Default() Config {
	return Config{
		LogLevel:        "info",
		HTTPAddr:        ":8080",
		SIPHost:         "127.0.0.1",
		SIPPort:         5060,
		CapacityCeiling: 50,
		ResponseWindow:  15 * time.Second,
		AdminAckWindow:  15 * time.Second,
		SessionDuration: 30 * time.Minute,
		ExtensionWindow: 5 * time.Minute,
		ReconnectGrace:  30 * time.Second,
		Extension: ExtensionPolicy{
			PriceTiers:         []int{1, 2, 3},
			AutoApproveMaxTier: 1,
		},
		Store: "memory",
		Postgres: PostgresConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
		},
		AlertExchange: "emergency.alerts",
	}
}

// Load reads .env (if present) and the process environment on top of Default.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var err error

	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v := strings.TrimSpace(getenv(key)); v != "" {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = fmt.Errorf("%s must be a valid integer: %w", key, convErr)
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if err != nil {
			return
		}
		if v := strings.TrimSpace(getenv(key)); v != "" {
			d, parseErr := time.ParseDuration(v)
			if parseErr != nil {
				err = fmt.Errorf("%s must be a duration: %w", key, parseErr)
				return
			}
			if d <= 0 {
				err = fmt.Errorf("%s must be positive", key)
				return
			}
			*dst = d
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("SIP_HOST", &cfg.SIPHost)
	num("SIP_PORT", &cfg.SIPPort)
	str("MEDIA_GATEWAY_URI", &cfg.MediaGatewayURI)
	num("CAPACITY_CEILING", &cfg.CapacityCeiling)
	dur("RESPONSE_WINDOW", &cfg.ResponseWindow)
	dur("ADMIN_ACK_WINDOW", &cfg.AdminAckWindow)
	dur("SESSION_DURATION", &cfg.SessionDuration)
	dur("EXTENSION_WINDOW", &cfg.ExtensionWindow)
	dur("RECONNECT_GRACE", &cfg.ReconnectGrace)
	num("EXTENSION_AUTO_APPROVE_MAX_TIER", &cfg.Extension.AutoApproveMaxTier)
	str("STORE", &cfg.Store)
	str("POSTGRES_HOST", &cfg.Postgres.Host)
	str("POSTGRES_PORT", &cfg.Postgres.Port)
	str("POSTGRES_USER", &cfg.Postgres.User)
	str("POSTGRES_PASSWORD", &cfg.Postgres.Password)
	str("POSTGRES_DB", &cfg.Postgres.DBName)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("AMQP_URL", &cfg.AMQPURL)
	str("ALERT_EXCHANGE", &cfg.AlertExchange)
	if err != nil {
		return Config{}, err
	}

	if v := strings.TrimSpace(getenv("ALLOW_UNRECORDED")); v != "" {
		b, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			return Config{}, fmt.Errorf("ALLOW_UNRECORDED must be a boolean: %w", parseErr)
		}
		cfg.AllowUnrecorded = b
	}

	if v := strings.TrimSpace(getenv("ADMIN_IDS")); v != "" {
		cfg.AdminIDs = splitList(v)
	}

	if v := strings.TrimSpace(getenv("EXTENSION_PRICE_TIERS")); v != "" {
		tiers, parseErr := parseTiers(v)
		if parseErr != nil {
			return Config{}, parseErr
		}
		cfg.Extension.PriceTiers = tiers
	}

	if cfg.CapacityCeiling < 1 {
		return Config{}, fmt.Errorf("CAPACITY_CEILING must be at least 1")
	}
	if cfg.ExtensionWindow >= cfg.SessionDuration {
		return Config{}, fmt.Errorf("EXTENSION_WINDOW must be shorter than SESSION_DURATION")
	}
	if cfg.Store != "memory" && cfg.Store != "postgres" {
		return Config{}, fmt.Errorf("STORE must be memory or postgres, got %q", cfg.Store)
	}

	return cfg, nil
}

func splitList(v string) []string {
	out := make([]string, 0)
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseTiers rejects decreasing lists: price tier must never drop as the ordinal grows.
func parseTiers(v string) ([]int, error) {
	parts := splitList(v)
	tiers := make([]int, 0, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("EXTENSION_PRICE_TIERS must be integers: %w", err)
		}
		if i > 0 && n < tiers[i-1] {
			return nil, fmt.Errorf("EXTENSION_PRICE_TIERS must be non-decreasing")
		}
		tiers = append(tiers, n)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("EXTENSION_PRICE_TIERS must not be empty")
	}
	return tiers, nil
}
