/*
config.go - Process-wide configuration

PURPOSE:
  Loads the engine's business and infrastructure values once at startup.
  A .env file is read first if present; real environment variables win.

RELOAD:
  Holder keeps the current Config behind an atomic pointer. Reload() builds
  a fresh Config and swaps it in; readers always see a complete snapshot,
  never a half-updated one. Infrastructure values (port, DB, Redis, AMQP)
  are only read at startup, so a reload changes business policy only.

VARIABLES:
  APP_ENV, APP_PORT, DB_PATH, LOG_LEVEL, CURRENCY, PLATFORM_USER_ID,
  DEFAULT_COMMISSION_RATE, FULL_REFUND_HOURS, LATE_REFUND_PERCENT,
  CLIENT_ABSENT_REFUND_PERCENT, CONSULTANT_ABSENT_REFUND_PERCENT,
  BOTH_ABSENT_REFUND_PERCENT, JOIN_GRACE_PERIOD, EARLY_JOIN, REQUEST_TTL,
  LOCK_TTL, LOCK_RETRIES, LOCK_BACKOFF, GATEWAY_MAX_ATTEMPTS,
  GATEWAY_RETRY_INTERVAL, REDIS_ADDR, REDIS_PASSWORD, AMQP_URL,
  AMQP_EXCHANGE, STRIPE_SECRET_KEY, STRIPE_WEBHOOK_SECRET,
  RATE_LIMIT_PER_MINUTE, SCHEDULER_INTERVAL, CORS_ORIGINS
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/warp/consultation-engine/booking"
	"github.com/warp/consultation-engine/lock"
	"github.com/warp/consultation-engine/settlement"
)

// Config is an immutable snapshot. Never modify a loaded Config; build a
// new one and swap it through Holder.
type Config struct {
	AppEnv   string
	Port     int
	DBPath   string
	LogLevel string

	Currency              string
	PlatformUserID        string
	DefaultCommissionRate decimal.Decimal

	// Cancellation
	FullRefundHours   int
	LateRefundPercent decimal.Decimal

	// No-show
	ClientAbsentRefundPercent     decimal.Decimal
	ConsultantAbsentRefundPercent decimal.Decimal
	BothAbsentRefundPercent       decimal.Decimal

	JoinGracePeriod time.Duration
	EarlyJoin       time.Duration
	RequestTTL      time.Duration

	LockTTL     time.Duration
	LockRetries int
	LockBackoff time.Duration

	GatewayMaxAttempts   int
	GatewayRetryInterval time.Duration

	RedisAddr           string
	RedisPassword       string
	AMQPURL             string
	AMQPExchange        string
	StripeSecretKey     string
	StripeWebhookSecret string

	RateLimitPerMinute int
	SchedulerInterval  time.Duration
	CORSOrigins        []string
}

// Load reads .env files (missing ones are ignored) and the environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !isMissingFile(err) {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	e := &env{}
	c := &Config{
		AppEnv:   e.String("APP_ENV", "development"),
		Port:     e.Int("APP_PORT", 8080),
		DBPath:   e.String("DB_PATH", "consultations.db"),
		LogLevel: e.String("LOG_LEVEL", "info"),

		Currency:              e.String("CURRENCY", "IRR"),
		PlatformUserID:        e.String("PLATFORM_USER_ID", "platform"),
		DefaultCommissionRate: e.Decimal("DEFAULT_COMMISSION_RATE", "0.2"),

		FullRefundHours:   e.Int("FULL_REFUND_HOURS", 24),
		LateRefundPercent: e.Decimal("LATE_REFUND_PERCENT", "50"),

		ClientAbsentRefundPercent:     e.Decimal("CLIENT_ABSENT_REFUND_PERCENT", "0"),
		ConsultantAbsentRefundPercent: e.Decimal("CONSULTANT_ABSENT_REFUND_PERCENT", "100"),
		BothAbsentRefundPercent:       e.Decimal("BOTH_ABSENT_REFUND_PERCENT", "100"),

		JoinGracePeriod: e.Duration("JOIN_GRACE_PERIOD", 15*time.Minute),
		EarlyJoin:       e.Duration("EARLY_JOIN", 10*time.Minute),
		RequestTTL:      e.Duration("REQUEST_TTL", 24*time.Hour),

		LockTTL:     e.Duration("LOCK_TTL", 10*time.Second),
		LockRetries: e.Int("LOCK_RETRIES", 20),
		LockBackoff: e.Duration("LOCK_BACKOFF", 25*time.Millisecond),

		GatewayMaxAttempts:   e.Int("GATEWAY_MAX_ATTEMPTS", 3),
		GatewayRetryInterval: e.Duration("GATEWAY_RETRY_INTERVAL", 500*time.Millisecond),

		RedisAddr:           e.String("REDIS_ADDR", ""),
		RedisPassword:       e.String("REDIS_PASSWORD", ""),
		AMQPURL:             e.String("AMQP_URL", ""),
		AMQPExchange:        e.String("AMQP_EXCHANGE", "consultations"),
		StripeSecretKey:     e.String("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: e.String("STRIPE_WEBHOOK_SECRET", ""),

		RateLimitPerMinute: e.Int("RATE_LIMIT_PER_MINUTE", 120),
		SchedulerInterval:  e.Duration("SCHEDULER_INTERVAL", 30*time.Second),
		CORSOrigins:        e.List("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:8080"}),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges that would make the engine misbehave.
func (c *Config) Validate() error {
	var errs []error
	percent := func(name string, d decimal.Decimal) {
		if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
			errs = append(errs, fmt.Errorf("%s must be within 0-100, got %s", name, d))
		}
	}
	percent("LATE_REFUND_PERCENT", c.LateRefundPercent)
	percent("CLIENT_ABSENT_REFUND_PERCENT", c.ClientAbsentRefundPercent)
	percent("CONSULTANT_ABSENT_REFUND_PERCENT", c.ConsultantAbsentRefundPercent)
	percent("BOTH_ABSENT_REFUND_PERCENT", c.BothAbsentRefundPercent)

	if c.DefaultCommissionRate.IsNegative() || c.DefaultCommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("DEFAULT_COMMISSION_RATE must be a fraction within 0-1, got %s", c.DefaultCommissionRate))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT out of range: %d", c.Port))
	}
	if c.PlatformUserID == "" {
		errs = append(errs, errors.New("PLATFORM_USER_ID is required"))
	}
	if c.FullRefundHours < 0 {
		errs = append(errs, errors.New("FULL_REFUND_HOURS must not be negative"))
	}
	return errors.Join(errs...)
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool { return c.AppEnv == "production" }

// Policy maps the business values onto the booking engine.
func (c *Config) Policy() booking.Policy {
	return booking.Policy{
		FullRefundBefore:              time.Duration(c.FullRefundHours) * time.Hour,
		LateRefundPercent:             c.LateRefundPercent,
		ClientAbsentRefundPercent:     c.ClientAbsentRefundPercent,
		ConsultantAbsentRefundPercent: c.ConsultantAbsentRefundPercent,
		BothAbsentRefundPercent:       c.BothAbsentRefundPercent,
		JoinGracePeriod:               c.JoinGracePeriod,
		EarlyJoin:                     c.EarlyJoin,
		RequestTTL:                    c.RequestTTL,
		DefaultCommissionRate:         c.DefaultCommissionRate,
	}
}

func (c *Config) LockOptions() lock.Options {
	return lock.Options{TTL: c.LockTTL, Retries: c.LockRetries, Backoff: c.LockBackoff}
}

func (c *Config) SettlementOptions() settlement.Options {
	return settlement.Options{
		Currency:             c.Currency,
		PlatformUserID:       c.PlatformUserID,
		GatewayMaxAttempts:   c.GatewayMaxAttempts,
		GatewayRetryInterval: c.GatewayRetryInterval,
	}
}

// =============================================================================
// HOLDER
// =============================================================================

// Holder publishes the current Config to concurrent readers.
type Holder struct {
	current atomic.Pointer[Config]
	load    func() (*Config, error)
}

// NewHolder stores c and uses load for Reload.
func NewHolder(c *Config, load func() (*Config, error)) *Holder {
	h := &Holder{load: load}
	h.current.Store(c)
	return h
}

// Get returns the current snapshot.
func (h *Holder) Get() *Config { return h.current.Load() }

// Policy returns the booking policy of the current snapshot.
func (h *Holder) Policy() booking.Policy { return h.Get().Policy() }

// Reload swaps in a freshly loaded Config. On error the old one stays.
func (h *Holder) Reload() (*Config, error) {
	c, err := h.load()
	if err != nil {
		return nil, err
	}
	h.current.Store(c)
	return c, nil
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
