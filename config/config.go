package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"fxPilot/internal/adapters/logger" // Import the logger package for LogLevel
	"fxPilot/internal/netting"
	"fxPilot/internal/risk"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading Parameters
	Symbol     string
	StrategyID string  // Identifies this instance in generated client order ids
	Quantity   float64 // Default order quantity in lots
	VolumeStep float64 // Minimum quantity increment of the venue

	// Netting
	NettingMode netting.NettingMode
	ReduceRule  netting.ReduceRule

	// Risk Governance
	MaxTradesPerSession int
	LossThreshold       int
	Cooldown            time.Duration
	Blackouts           map[string]risk.BlackoutWindow

	// Reconciliation
	ReconPollInterval     time.Duration
	ReconLookback         time.Duration
	ReconStaleAfter       time.Duration
	ReconFailureThreshold int

	// Trailing / Breakeven (price units)
	TrailingUseATR        bool
	TrailingATRPeriod     int
	TrailingATRMultiplier float64
	TrailingFixedBuffer   float64
	TrailingMinStep       float64
	TrailingHysteresis    float64
	BreakevenTrigger      float64
	BreakevenBuffer       float64
	KlineInterval         string

	// Order Submission
	SubmitTimeout time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Trading Parameters
	cfg.Symbol = getEnv("SYMBOL", "ETHUSDT")
	if cfg.Symbol == "" {
		errs = append(errs, "SYMBOL must be set")
	}
	cfg.StrategyID = getEnv("STRATEGY_ID", "default")

	cfg.Quantity, err = getEnvAsFloatRequired("QUANTITY", 1.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid QUANTITY: %v", err))
	} else if cfg.Quantity <= 0 {
		errs = append(errs, "QUANTITY must be positive")
	}

	cfg.VolumeStep, err = getEnvAsFloatRequired("VOLUME_STEP", 0.01)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid VOLUME_STEP: %v", err))
	} else if cfg.VolumeStep <= 0 {
		errs = append(errs, "VOLUME_STEP must be positive")
	}

	// Netting
	cfg.NettingMode, err = netting.ParseNettingMode(getEnv("NETTING_MODE", string(netting.ModeNetting)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid NETTING_MODE: %v", err))
	}
	cfg.ReduceRule, err = netting.ParseReduceRule(getEnv("REDUCE_RULE", string(netting.ReduceFIFO)))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid REDUCE_RULE: %v", err))
	}

	// Risk Governance
	cfg.MaxTradesPerSession, err = getEnvAsIntRequired("MAX_TRADES_PER_SESSION", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TRADES_PER_SESSION: %v", err))
	} else if cfg.MaxTradesPerSession <= 0 {
		errs = append(errs, "MAX_TRADES_PER_SESSION must be positive")
	}

	cfg.LossThreshold, err = getEnvAsIntRequired("LOSS_THRESHOLD", 3)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOSS_THRESHOLD: %v", err))
	} else if cfg.LossThreshold <= 0 {
		errs = append(errs, "LOSS_THRESHOLD must be positive")
	}

	cooldownMinutes := getEnvAsInt("COOLDOWN_MINUTES", 60)
	if cooldownMinutes <= 0 {
		errs = append(errs, "COOLDOWN_MINUTES must be positive")
	}
	cfg.Cooldown = time.Duration(cooldownMinutes) * time.Minute

	cfg.Blackouts, err = parseBlackoutMap(getEnv("NEWS_BLACKOUT_MAP", "HIGH=45:45,MEDIUM=15:15,LOW=5:5"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid NEWS_BLACKOUT_MAP: %v", err))
	}

	// Reconciliation
	pollSeconds := getEnvAsInt("RECON_POLL_INTERVAL_SECONDS", 5)
	if pollSeconds <= 0 {
		errs = append(errs, "RECON_POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.ReconPollInterval = time.Duration(pollSeconds) * time.Second

	lookbackMinutes := getEnvAsInt("RECON_LOOKBACK_MINUTES", 30)
	if lookbackMinutes <= 0 {
		errs = append(errs, "RECON_LOOKBACK_MINUTES must be positive")
	}
	cfg.ReconLookback = time.Duration(lookbackMinutes) * time.Minute

	staleSeconds := getEnvAsInt("RECON_STALE_AFTER_SECONDS", 90)
	if staleSeconds <= 0 {
		errs = append(errs, "RECON_STALE_AFTER_SECONDS must be positive")
	}
	cfg.ReconStaleAfter = time.Duration(staleSeconds) * time.Second

	cfg.ReconFailureThreshold = getEnvAsInt("RECON_FAILURE_THRESHOLD", 5)
	if cfg.ReconFailureThreshold <= 0 {
		errs = append(errs, "RECON_FAILURE_THRESHOLD must be positive")
	}

	// Trailing / Breakeven
	cfg.TrailingUseATR = getEnvAsBool("TRAILING_USE_ATR", true)
	cfg.TrailingATRPeriod = getEnvAsInt("TRAILING_ATR_PERIOD", 14)
	cfg.TrailingATRMultiplier = getEnvAsFloat("TRAILING_ATR_MULTIPLIER", 2.0)
	cfg.TrailingFixedBuffer = getEnvAsFloat("TRAILING_FIXED_BUFFER", 0.0)
	cfg.TrailingMinStep = getEnvAsFloat("TRAILING_MIN_STEP", 0.5)
	cfg.TrailingHysteresis = getEnvAsFloat("TRAILING_HYSTERESIS", 0.5)
	cfg.BreakevenTrigger = getEnvAsFloat("BREAKEVEN_TRIGGER", 0.0)
	cfg.BreakevenBuffer = getEnvAsFloat("BREAKEVEN_BUFFER", 0.0)
	cfg.KlineInterval = getEnv("KLINE_INTERVAL", "1m")

	if cfg.TrailingUseATR {
		if cfg.TrailingATRPeriod <= 0 {
			errs = append(errs, "TRAILING_ATR_PERIOD must be positive")
		}
		if cfg.TrailingATRMultiplier <= 0 {
			errs = append(errs, "TRAILING_ATR_MULTIPLIER must be positive")
		}
	} else if cfg.TrailingFixedBuffer <= 0 {
		errs = append(errs, "TRAILING_FIXED_BUFFER must be positive when TRAILING_USE_ATR is false")
	}
	if cfg.TrailingMinStep < 0 || cfg.TrailingHysteresis < 0 {
		errs = append(errs, "TRAILING_MIN_STEP and TRAILING_HYSTERESIS cannot be negative")
	}
	if cfg.BreakevenTrigger < 0 || cfg.BreakevenBuffer < 0 {
		errs = append(errs, "BREAKEVEN_TRIGGER and BREAKEVEN_BUFFER cannot be negative")
	}

	// Order Submission
	submitTimeoutSeconds := getEnvAsInt("SUBMIT_TIMEOUT_SECONDS", 5)
	if submitTimeoutSeconds <= 0 {
		errs = append(errs, "SUBMIT_TIMEOUT_SECONDS must be positive")
	}
	cfg.SubmitTimeout = time.Duration(submitTimeoutSeconds) * time.Second

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/order_book.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// parseBlackoutMap parses "IMPACT=beforeMin:afterMin" pairs separated by
// commas, e.g. "HIGH=45:45,MEDIUM=15:15".
func parseBlackoutMap(raw string) (map[string]risk.BlackoutWindow, error) {
	out := make(map[string]risk.BlackoutWindow)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("entry %q must look like IMPACT=before:after", pair)
		}
		impact := strings.ToUpper(strings.TrimSpace(kv[0]))
		window := strings.SplitN(kv[1], ":", 2)
		if len(window) != 2 {
			return nil, fmt.Errorf("window %q must look like before:after (minutes)", kv[1])
		}
		before, err := strconv.Atoi(strings.TrimSpace(window[0]))
		if err != nil || before < 0 {
			return nil, fmt.Errorf("invalid before-minutes %q for impact %s", window[0], impact)
		}
		after, err := strconv.Atoi(strings.TrimSpace(window[1]))
		if err != nil || after < 0 {
			return nil, fmt.Errorf("invalid after-minutes %q for impact %s", window[1], impact)
		}
		out[impact] = risk.BlackoutWindow{
			Before: time.Duration(before) * time.Minute,
			After:  time.Duration(after) * time.Minute,
		}
	}
	return out, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
