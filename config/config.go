package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/fairness"
	"github.com/Ashenafi-pixel/gamecrafter-crash-engine/round"
)

// Wallet backends.
const (
	WalletMemory   = "memory"
	WalletPostgres = "postgres"
	WalletPlatform = "platform"
	WalletOperator = "operator"
)

type Config struct {
	Port             int
	PlatformURL      string
	GameName         string
	GameProvider     string
	GameCode         string
	Currency         string
	DataDir          string
	DatabaseURL      string
	OperatorEndpoint string
	OperatorSecret   string
	AllowedOrigins   []string

	LogLevel  string
	LogFormat string

	WalletBackend   string
	StartingBalance decimal.Decimal

	Engine Engine
}

// Engine is the round policy as read from CRASH_CONFIG and the environment.
type Engine struct {
	BettingWindow         time.Duration `yaml:"betting_window"`
	InterRoundDelay       time.Duration `yaml:"inter_round_delay"`
	StartDelay            time.Duration `yaml:"start_delay"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	Pace                  float64       `yaml:"pace"`
	Ceiling               float64       `yaml:"ceiling"`
	PrefixHexChars        int           `yaml:"prefix_hex_chars"`
	MinBet                float64       `yaml:"min_bet"`
	MaxBet                float64       `yaml:"max_bet"`
	MinAutoCashout        float64       `yaml:"min_auto_cashout"`
	CreditRetries         int           `yaml:"credit_retries"`
	CreditRetryBackoff    time.Duration `yaml:"credit_retry_backoff"`
	CommitMaxAttempts     int           `yaml:"commit_max_attempts"`
	CommitRetryBackoff    time.Duration `yaml:"commit_retry_backoff"`
	CommitRetryMaxBackoff time.Duration `yaml:"commit_retry_max_backoff"`
	WalletTimeout         time.Duration `yaml:"wallet_timeout"`
}

func defaultEngine() Engine {
	d := round.DefaultConfig()
	return Engine{
		BettingWindow:         d.BettingWindow,
		InterRoundDelay:       d.InterRoundDelay,
		StartDelay:            d.StartDelay,
		TickInterval:          d.TickInterval,
		Pace:                  d.Pace,
		Ceiling:               d.Fairness.Ceiling,
		PrefixHexChars:        d.Fairness.PrefixHexChars,
		MinBet:                d.MinBet.InexactFloat64(),
		MinAutoCashout:        d.MinAutoCashout,
		CreditRetries:         d.CreditRetries,
		CreditRetryBackoff:    d.CreditRetryBackoff,
		CommitMaxAttempts:     d.CommitMaxAttempts,
		CommitRetryBackoff:    d.CommitRetryBackoff,
		CommitRetryMaxBackoff: d.CommitRetryMaxBackoff,
		WalletTimeout:         d.WalletTimeout,
	}
}

// Load reads the environment, then the optional CRASH_CONFIG YAML file, then
// any CRASH_* overrides, and validates the result.
func Load() (*Config, error) {
	port := 8081
	// Prefer PORT (Render, Fly.io, Railway, etc.) then RGS_PORT
	if p := os.Getenv("PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			port = v
		}
	} else if p := os.Getenv("RGS_PORT"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			port = v
		}
	}
	start, err := decimal.NewFromString(getenv("STARTING_BALANCE", "1000"))
	if err != nil {
		return nil, fmt.Errorf("config: STARTING_BALANCE: %w", err)
	}
	cfg := &Config{
		Port:             port,
		PlatformURL:      getenv("PLATFORM_URL", "http://localhost:3000"),
		GameName:         getenv("GAME_NAME", "Crash"),
		GameProvider:     getenv("GAME_PROVIDER", "Crypto LATAM"),
		GameCode:         getenv("GAME_CODE", "crash"),
		Currency:         getenv("CURRENCY", "USD"),
		DataDir:          getenv("RGS_DATA_DIR", "data"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		OperatorEndpoint: os.Getenv("OPERATOR_ENDPOINT"),
		OperatorSecret:   os.Getenv("OPERATOR_SECRET"),
		AllowedOrigins:   splitList(getenv("ALLOWED_ORIGINS", "*")),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		LogFormat:        getenv("LOG_FORMAT", "json"),
		WalletBackend:    strings.ToLower(getenv("WALLET_BACKEND", WalletMemory)),
		StartingBalance:  start,
		Engine:           defaultEngine(),
	}
	if path := os.Getenv("CRASH_CONFIG"); path != "" {
		if err := cfg.Engine.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Engine.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (e *Engine) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, e); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (e *Engine) applyEnv() error {
	durations := map[string]*time.Duration{
		"CRASH_BETTING_WINDOW":           &e.BettingWindow,
		"CRASH_INTER_ROUND_DELAY":        &e.InterRoundDelay,
		"CRASH_START_DELAY":              &e.StartDelay,
		"CRASH_TICK_INTERVAL":            &e.TickInterval,
		"CRASH_WALLET_TIMEOUT":           &e.WalletTimeout,
		"CRASH_CREDIT_RETRY_BACKOFF":     &e.CreditRetryBackoff,
		"CRASH_COMMIT_RETRY_BACKOFF":     &e.CommitRetryBackoff,
		"CRASH_COMMIT_RETRY_MAX_BACKOFF": &e.CommitRetryMaxBackoff,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = d
		}
	}
	floats := map[string]*float64{
		"CRASH_PACE":             &e.Pace,
		"CRASH_CEILING":          &e.Ceiling,
		"CRASH_MIN_BET":          &e.MinBet,
		"CRASH_MAX_BET":          &e.MaxBet,
		"CRASH_MIN_AUTO_CASHOUT": &e.MinAutoCashout,
	}
	for key, dst := range floats {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = f
		}
	}
	ints := map[string]*int{
		"CRASH_PREFIX_HEX_CHARS":    &e.PrefixHexChars,
		"CRASH_CREDIT_RETRIES":      &e.CreditRetries,
		"CRASH_COMMIT_MAX_ATTEMPTS": &e.CommitMaxAttempts,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			*dst = n
		}
	}
	return nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	for name, d := range map[string]time.Duration{
		"betting_window":    e.BettingWindow,
		"inter_round_delay": e.InterRoundDelay,
		"start_delay":       e.StartDelay,
		"tick_interval":     e.TickInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if e.Pace <= 0 {
		errs = append(errs, fmt.Errorf("pace must be positive, got %v", e.Pace))
	}
	if e.Ceiling < fairness.MinCrashPoint {
		errs = append(errs, fmt.Errorf("ceiling must be at least %v, got %v", fairness.MinCrashPoint, e.Ceiling))
	}
	if e.PrefixHexChars < 1 || e.PrefixHexChars > 16 {
		errs = append(errs, fmt.Errorf("prefix_hex_chars must be within 1..16, got %d", e.PrefixHexChars))
	}
	if e.MinBet <= 0 {
		errs = append(errs, fmt.Errorf("min_bet must be positive, got %v", e.MinBet))
	}
	if e.MaxBet != 0 && e.MaxBet < e.MinBet {
		errs = append(errs, fmt.Errorf("max_bet %v is below min_bet %v", e.MaxBet, e.MinBet))
	}
	if e.MinAutoCashout <= 1 {
		errs = append(errs, fmt.Errorf("min_auto_cashout must exceed 1, got %v", e.MinAutoCashout))
	}
	switch c.WalletBackend {
	case WalletMemory:
	case WalletPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres wallet"))
		}
	case WalletPlatform:
		if c.PlatformURL == "" {
			errs = append(errs, errors.New("PLATFORM_URL is required for the platform wallet"))
		}
	case WalletOperator:
		if c.OperatorEndpoint == "" {
			errs = append(errs, errors.New("OPERATOR_ENDPOINT is required for the operator wallet"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown WALLET_BACKEND %q", c.WalletBackend))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Round converts the engine section into the round package's policy.
func (c *Config) Round() round.Config {
	rc := round.DefaultConfig()
	e := c.Engine
	rc.BettingWindow = e.BettingWindow
	rc.InterRoundDelay = e.InterRoundDelay
	rc.StartDelay = e.StartDelay
	rc.TickInterval = e.TickInterval
	rc.Pace = e.Pace
	rc.Fairness = fairness.Params{PrefixHexChars: e.PrefixHexChars, Ceiling: e.Ceiling}
	rc.MinBet = decimal.NewFromFloat(e.MinBet).Round(2)
	rc.MaxBet = decimal.NewFromFloat(e.MaxBet).Round(2)
	rc.MinAutoCashout = e.MinAutoCashout
	if e.CreditRetries > 0 {
		rc.CreditRetries = e.CreditRetries
	}
	if e.CreditRetryBackoff > 0 {
		rc.CreditRetryBackoff = e.CreditRetryBackoff
	}
	if e.CommitMaxAttempts > 0 {
		rc.CommitMaxAttempts = e.CommitMaxAttempts
	}
	if e.CommitRetryBackoff > 0 {
		rc.CommitRetryBackoff = e.CommitRetryBackoff
	}
	if e.CommitRetryMaxBackoff > 0 {
		rc.CommitRetryMaxBackoff = e.CommitRetryMaxBackoff
	}
	if e.WalletTimeout > 0 {
		rc.WalletTimeout = e.WalletTimeout
	}
	return rc
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
