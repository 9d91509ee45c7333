// Package config loads and validates the service configuration from the
// environment (optionally seeded from a .env file).
//
// Broker accounts are declared as numbered blocks — ACCOUNT1_*, ACCOUNT2_*,
// and so on — scanned in order until the first gap, so the number of
// accounts is open-ended. The result is an ordered []model.AccountConfig
// passed by value into the engine.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mail2robbins/tv-alert-reader-sub002/internal/model"
)

// ErrNoAccounts is returned when no ACCOUNT1_* block is configured.
var ErrNoAccounts = errors.New("config: no broker accounts configured")

// Config is the full service configuration.
type Config struct {
	Port          string
	DatabaseURL   string
	RedisURL      string
	BrokerBaseURL string
	BrokerTimeout time.Duration

	// ScripMasterCSV is the path to the instrument scrip-master file;
	// empty disables CSV loading.
	ScripMasterCSV string

	RebaseMaxAttempts          int
	RebaseInitialDelay         time.Duration
	RebasePollInterval         time.Duration
	RebaseFallbackToAlertPrice bool

	Accounts []model.AccountConfig
}

// Load reads configuration from the environment. A missing .env file is
// not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using process environment")
	}

	cfg := &Config{
		Port:           envOr("PORT", "8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		BrokerBaseURL:  envOr("BROKER_BASE_URL", "https://api.dhan.co"),
		BrokerTimeout:  envDuration("BROKER_TIMEOUT", 10*time.Second),
		ScripMasterCSV: os.Getenv("SCRIP_MASTER_CSV"),

		RebaseMaxAttempts:          envInt("REBASE_MAX_ATTEMPTS", 8),
		RebaseInitialDelay:         envDuration("REBASE_INITIAL_DELAY", 5*time.Second),
		RebasePollInterval:         envDuration("REBASE_POLL_INTERVAL", 3*time.Second),
		RebaseFallbackToAlertPrice: envBool("REBASE_FALLBACK_TO_ALERT_PRICE", false),
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, err
	}
	cfg.Accounts = accounts

	return cfg, nil
}

var validate = validator.New()

// loadAccounts scans numbered account blocks until the first missing
// CLIENT_ID.
func loadAccounts() ([]model.AccountConfig, error) {
	var accounts []model.AccountConfig

	for n := 1; ; n++ {
		prefix := fmt.Sprintf("ACCOUNT%d_", n)
		if os.Getenv(prefix+"CLIENT_ID") == "" {
			break
		}

		acct := model.AccountConfig{
			AccountID:       n,
			ClientID:        os.Getenv(prefix + "CLIENT_ID"),
			AccessToken:     os.Getenv(prefix + "ACCESS_TOKEN"),
			AvailableFunds:  envDecimal(prefix+"AVAILABLE_FUNDS", "0"),
			Leverage:        envDecimal(prefix+"LEVERAGE", "1"),
			MaxPositionSize: envDecimal(prefix+"MAX_POSITION_SIZE", "1"),
			MinOrderValue:   envDecimal(prefix+"MIN_ORDER_VALUE", "0"),
			MaxOrderValue:   envDecimal(prefix+"MAX_ORDER_VALUE", "0"),

			StopLossPct:   envDecimal(prefix+"STOP_LOSS_PCT", "0.01"),
			TargetPct:     envDecimal(prefix+"TARGET_PCT", "0.015"),
			RiskOnCapital: envDecimal(prefix+"RISK_ON_CAPITAL", "1"),

			EnableTrailingStopLoss: envBool(prefix+"ENABLE_TRAILING_SL", false),
			MinTrailJump:           envDecimal(prefix+"MIN_TRAIL_JUMP", "0.05"),

			RebaseTpAndSl:      envBool(prefix+"REBASE_TP_SL", false),
			RebaseThresholdPct: envDecimal(prefix+"REBASE_THRESHOLD_PCT", "0.001"),

			AllowDuplicateTickers: envBool(prefix+"ALLOW_DUPLICATE_TICKERS", false),
			OrderType:             model.OrderType(envOr(prefix+"ORDER_TYPE", string(model.OrderTypeMarket))),
			LimitBufferPct:        envDecimal(prefix+"LIMIT_BUFFER_PCT", "0"),
			IsActive:              envBool(prefix+"ACTIVE", true),
		}

		if err := ValidateAccount(acct); err != nil {
			return nil, fmt.Errorf("config: account %d: %w", n, err)
		}
		accounts = append(accounts, acct)
	}

	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	return accounts, nil
}

// ValidateAccount enforces the account invariants. Struct tags cover the
// string and enum fields; the decimal invariants are checked explicitly
// because validator cannot compare decimal.Decimal values.
func ValidateAccount(acct model.AccountConfig) error {
	if err := validate.Struct(acct); err != nil {
		return err
	}

	one := decimal.NewFromInt(1)

	if acct.AvailableFunds.IsNegative() {
		return fmt.Errorf("available funds must be >= 0, got %s", acct.AvailableFunds)
	}
	if acct.Leverage.LessThan(one) || acct.Leverage.GreaterThan(decimal.NewFromInt(10)) {
		return fmt.Errorf("leverage must be in [1,10], got %s", acct.Leverage)
	}
	if acct.MaxPositionSize.LessThanOrEqual(decimal.Zero) || acct.MaxPositionSize.GreaterThan(one) {
		return fmt.Errorf("max position size must be in (0,1], got %s", acct.MaxPositionSize)
	}
	if acct.MinOrderValue.GreaterThanOrEqual(acct.MaxOrderValue) {
		return fmt.Errorf("min order value %s must be below max order value %s",
			acct.MinOrderValue, acct.MaxOrderValue)
	}
	if acct.RiskOnCapital.IsNegative() || acct.RiskOnCapital.GreaterThan(decimal.NewFromInt(5)) {
		return fmt.Errorf("risk on capital must be in [0,5], got %s", acct.RiskOnCapital)
	}
	if acct.StopLossPct.LessThanOrEqual(decimal.Zero) || acct.StopLossPct.GreaterThanOrEqual(one) {
		return fmt.Errorf("stop loss percentage must be in (0,1), got %s", acct.StopLossPct)
	}
	if acct.TargetPct.LessThanOrEqual(decimal.Zero) || acct.TargetPct.GreaterThanOrEqual(one) {
		return fmt.Errorf("target percentage must be in (0,1), got %s", acct.TargetPct)
	}
	if acct.LimitBufferPct.IsNegative() || acct.LimitBufferPct.GreaterThan(decimal.NewFromInt(10)) {
		return fmt.Errorf("limit buffer percentage must be in [0,10], got %s", acct.LimitBufferPct)
	}

	if acct.EnableTrailingStopLoss {
		step := decimal.RequireFromString("0.05")
		if acct.MinTrailJump.LessThan(step) || acct.MinTrailJump.GreaterThan(decimal.NewFromInt(10)) {
			return fmt.Errorf("min trail jump must be in [0.05,10], got %s", acct.MinTrailJump)
		}
		if !acct.MinTrailJump.Mod(step).IsZero() {
			return fmt.Errorf("min trail jump must be a multiple of 0.05, got %s", acct.MinTrailJump)
		}
	}

	return nil
}

// --- env helpers ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDecimal(key, fallback string) decimal.Decimal {
	raw := envOr(key, fallback)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		slog.Warn("invalid decimal in environment, using fallback", "key", key, "value", raw)
		return decimal.RequireFromString(fallback)
	}
	return d
}

func envBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid bool in environment, using fallback", "key", key, "value", raw)
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid int in environment, using fallback", "key", key, "value", raw)
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in environment, using fallback", "key", key, "value", raw)
		return fallback
	}
	return v
}
