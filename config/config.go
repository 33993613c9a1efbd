package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"straddlebot/internal/adapters/logger"
	"straddlebot/internal/domain"
)

// SymbolConfig binds one trading symbol to a strategy profile.
type SymbolConfig struct {
	Symbol    string
	Timeframe domain.Timeframe
	Enabled   bool
}

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// PaperTrading routes execution to the simulated gateway instead of the
	// live exchange.
	PaperTrading bool

	// Symbols and their profile assignment.
	Symbols []SymbolConfig

	// Profiles keyed by timeframe; loaded once, never mutated at runtime.
	Profiles map[domain.Timeframe]*domain.StrategyProfile

	// Execution coordinator retry settings.
	MaxSubmitAttempts int
	RetryBackoffMin   time.Duration
	RetryBackoffMax   time.Duration
	GatewayTimeout    time.Duration // per-call timeout for gateway operations

	// Database
	DBPath string

	// HTTP read API
	HTTPAddr string

	// Telegram notifier (disabled when token is empty)
	TelegramToken  string
	TelegramChatID int64

	// Logging
	LogLevel logger.LogLevel

	// Fill stream reconnect settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// profileDefaults are the built-in parameters per timeframe class. Env vars of
// the form SHORT_BREAKOUT_PCT etc. override individual fields.
var profileDefaults = map[domain.Timeframe]domain.StrategyProfile{
	domain.TimeframeShort: {
		Timeframe:          domain.TimeframeShort,
		BreakoutPct:        0.005,
		TakeProfitPct:      0.008,
		StopLossPct:        0.005,
		BuyToSellRatio:     3.0,
		BaseQuantity:       0.003,
		EvaluationInterval: 30 * time.Second,
		EntryTimeout:       15 * time.Minute,
		LookbackPeriod:     14,
	},
	domain.TimeframeMedium: {
		Timeframe:          domain.TimeframeMedium,
		BreakoutPct:        0.01,
		TakeProfitPct:      0.015,
		StopLossPct:        0.0075,
		BuyToSellRatio:     3.0,
		BaseQuantity:       0.003,
		EvaluationInterval: 2 * time.Minute,
		EntryTimeout:       time.Hour,
		LookbackPeriod:     14,
	},
	domain.TimeframeLong: {
		Timeframe:          domain.TimeframeLong,
		BreakoutPct:        0.02,
		TakeProfitPct:      0.03,
		StopLossPct:        0.012,
		BuyToSellRatio:     3.0,
		BaseQuantity:       0.003,
		EvaluationInterval: 10 * time.Minute,
		EntryTimeout:       6 * time.Hour,
		LookbackPeriod:     20,
	},
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // default to testnet for safety
	cfg.PaperTrading = getEnvAsBool("PAPER_TRADING", true)

	// Live trading needs real credentials; paper mode does not.
	if !cfg.PaperTrading {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set when PAPER_TRADING=false")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set when PAPER_TRADING=false")
		}
	}

	// Symbols: comma-separated "SYMBOL:TIMEFRAME" pairs, e.g.
	// "BTCUSDT:SHORT,ETHUSDT:MEDIUM". Timeframe defaults to SHORT.
	symbols, symErrs := parseSymbols(getEnv("SYMBOLS", "ETHUSDT:SHORT"))
	cfg.Symbols = symbols
	errs = append(errs, symErrs...)

	// Profiles: defaults per timeframe with per-field env overrides, validated
	// as a table before any controller is built.
	cfg.Profiles = make(map[domain.Timeframe]*domain.StrategyProfile, len(profileDefaults))
	for tf, def := range profileDefaults {
		p := def // copy
		prefix := string(tf) + "_"
		p.BreakoutPct = getEnvAsFloat(prefix+"BREAKOUT_PCT", p.BreakoutPct)
		p.TakeProfitPct = getEnvAsFloat(prefix+"TP_PCT", p.TakeProfitPct)
		p.StopLossPct = getEnvAsFloat(prefix+"SL_PCT", p.StopLossPct)
		p.BuyToSellRatio = getEnvAsFloat(prefix+"BUY_SELL_RATIO", p.BuyToSellRatio)
		p.BaseQuantity = getEnvAsFloat(prefix+"BASE_QUANTITY", p.BaseQuantity)
		p.EvaluationInterval = getEnvAsDuration(prefix+"EVAL_INTERVAL", p.EvaluationInterval)
		p.EntryTimeout = getEnvAsDuration(prefix+"ENTRY_TIMEOUT", p.EntryTimeout)
		p.LookbackPeriod = getEnvAsInt(prefix+"LOOKBACK_PERIOD", p.LookbackPeriod)

		if err := validateProfile(&p); err != nil {
			errs = append(errs, fmt.Sprintf("profile %s: %v", tf, err))
		}
		cfg.Profiles[tf] = &p
	}

	// Execution retry settings
	cfg.MaxSubmitAttempts = getEnvAsInt("MAX_SUBMIT_ATTEMPTS", 4)
	if cfg.MaxSubmitAttempts <= 0 {
		errs = append(errs, "MAX_SUBMIT_ATTEMPTS must be positive")
	}
	cfg.RetryBackoffMin = getEnvAsDuration("RETRY_BACKOFF_MIN", 250*time.Millisecond)
	cfg.RetryBackoffMax = getEnvAsDuration("RETRY_BACKOFF_MAX", 5*time.Second)
	if cfg.RetryBackoffMin <= 0 || cfg.RetryBackoffMax < cfg.RetryBackoffMin {
		errs = append(errs, "RETRY_BACKOFF_MIN/MAX must be positive with MIN <= MAX")
	}
	cfg.GatewayTimeout = getEnvAsDuration("GATEWAY_TIMEOUT", 10*time.Second)
	if cfg.GatewayTimeout <= 0 {
		errs = append(errs, "GATEWAY_TIMEOUT must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/straddle_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// HTTP read API
	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// Telegram
	cfg.TelegramToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	chatIDStr := getEnv("TELEGRAM_CHAT_ID", "0")
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TELEGRAM_CHAT_ID: %v", err))
	}
	cfg.TelegramChatID = chatID
	if cfg.TelegramToken != "" && cfg.TelegramChatID == 0 {
		errs = append(errs, "TELEGRAM_CHAT_ID must be set when TELEGRAM_BOT_TOKEN is set")
	}

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Fill stream reconnect settings
	cfg.ReconnectDelay = getEnvAsDuration("RECONNECT_DELAY", 5*time.Second)
	if cfg.ReconnectDelay <= 0 {
		errs = append(errs, "RECONNECT_DELAY must be positive")
	}
	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// EnabledSymbols returns the enabled symbol configs in declaration order.
func (c *Config) EnabledSymbols() []SymbolConfig {
	out := make([]SymbolConfig, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func validateProfile(p *domain.StrategyProfile) error {
	switch {
	case p.BreakoutPct <= 0 || p.BreakoutPct >= 1:
		return fmt.Errorf("breakout pct must be between 0 and 1 (exclusive), got %v", p.BreakoutPct)
	case p.TakeProfitPct <= 0 || p.TakeProfitPct >= 1:
		return fmt.Errorf("take profit pct must be between 0 and 1 (exclusive), got %v", p.TakeProfitPct)
	case p.StopLossPct <= 0 || p.StopLossPct >= 1:
		return fmt.Errorf("stop loss pct must be between 0 and 1 (exclusive), got %v", p.StopLossPct)
	case p.BuyToSellRatio <= 0:
		return fmt.Errorf("buy:sell ratio must be positive, got %v", p.BuyToSellRatio)
	case p.BaseQuantity <= 0:
		return fmt.Errorf("base quantity must be positive, got %v", p.BaseQuantity)
	case p.EvaluationInterval <= 0:
		return fmt.Errorf("evaluation interval must be positive, got %v", p.EvaluationInterval)
	case p.EntryTimeout <= 0:
		return fmt.Errorf("entry timeout must be positive, got %v", p.EntryTimeout)
	case p.LookbackPeriod <= 1:
		return fmt.Errorf("lookback period must be greater than 1, got %d", p.LookbackPeriod)
	}
	return nil
}

func parseSymbols(raw string) ([]SymbolConfig, []string) {
	var out []SymbolConfig
	var errs []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sc := SymbolConfig{Timeframe: domain.TimeframeShort, Enabled: true}
		fields := strings.Split(part, ":")
		sc.Symbol = strings.ToUpper(strings.TrimSpace(fields[0]))
		if sc.Symbol == "" {
			errs = append(errs, fmt.Sprintf("empty symbol in SYMBOLS entry %q", part))
			continue
		}
		if len(fields) > 1 {
			tf := domain.Timeframe(strings.ToUpper(strings.TrimSpace(fields[1])))
			switch tf {
			case domain.TimeframeShort, domain.TimeframeMedium, domain.TimeframeLong:
				sc.Timeframe = tf
			default:
				errs = append(errs, fmt.Sprintf("unknown timeframe %q for symbol %s", fields[1], sc.Symbol))
				continue
			}
		}
		if len(fields) > 2 {
			sc.Enabled = strings.EqualFold(strings.TrimSpace(fields[2]), "on") ||
				strings.EqualFold(strings.TrimSpace(fields[2]), "true")
		}
		if seen[sc.Symbol] {
			errs = append(errs, fmt.Sprintf("duplicate symbol %s in SYMBOLS", sc.Symbol))
			continue
		}
		seen[sc.Symbol] = true
		out = append(out, sc)
	}
	if len(out) == 0 && len(errs) == 0 {
		errs = append(errs, "SYMBOLS must list at least one symbol")
	}
	return out, errs
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
