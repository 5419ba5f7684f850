package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the executor.
type Config struct {
	Port           string
	GRPCHealthAddr string

	// Gate.io USDT futures
	GateBaseURL string
	APIKey      string
	APISecret   string

	// Vault (optional credential source)
	VaultAddr  string
	VaultToken string
	VaultPath  string

	// Execution
	DryRun       bool
	DryRunEquity float64

	// Market data and account
	PriceFeedInterval   time.Duration
	UseMockFeed         bool
	MockStepBps         float64
	BalanceSyncInterval time.Duration
	BalanceMaxStale     time.Duration

	// Database
	DBPath string

	// Instruments file (lot specs, aliases, alert associations)
	InstrumentsFile string
	Instruments     []Instrument
	Alerts          map[string]string

	// Signal intake
	Staleness         map[string]time.Duration
	SkewBase          time.Duration // tolerance for 1m, scaled by timeframe length
	FutureTolerance   time.Duration
	TimeframeWeights  map[string]float64
	WebhookPassphrase string

	// Deduplication
	DedupRetention time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int

	// Order execution
	OrderTimeout      time.Duration
	OrderMaxRetries   int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	ReconcileInterval time.Duration
	SweepInterval     time.Duration
	DriftTolerance    float64

	Risk RiskSettings

	// Auth / logging
	JWTSecret string
	LogLevel  string
	LogFormat string
}

// RiskSettings parameterises the volatility-scaled sizing curve.
type RiskSettings struct {
	BaseStopFactor        float64
	RewardRisk            float64
	StrengthRewardBoost   float64
	FallbackVolatilityPct float64
	ATRPeriod             int
	ATRInterval           string
}

// Load reads environment variables (optionally via .env) and the instruments file into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		GateBaseURL:    getEnv("GATE_BASE_URL", "https://api.gateio.ws/api/v4"),
		APIKey:         os.Getenv("API_KEY"),
		APISecret:      os.Getenv("SECRET_KEY"),
		VaultAddr:      os.Getenv("VAULT_ADDR"),
		VaultToken:     os.Getenv("VAULT_TOKEN"),
		VaultPath:      getEnv("VAULT_SECRET_PATH", "secret/data/mtf-executor"),
		DryRun:         getEnv("DRY_RUN", "false") == "true",
		DryRunEquity:   getEnvFloat("DRY_RUN_EQUITY", 1000),
		DBPath:         getEnv("DB_PATH", "./data/executor.db"),

		PriceFeedInterval:   getEnvDuration("PRICE_FEED_INTERVAL", 10*time.Second),
		UseMockFeed:         getEnv("USE_MOCK_FEED", "true") == "true",
		MockStepBps:         getEnvFloat("MOCK_STEP_BPS", 5),
		BalanceSyncInterval: getEnvDuration("BALANCE_SYNC_INTERVAL", 30*time.Second),
		BalanceMaxStale:     getEnvDuration("BALANCE_MAX_STALE", 2*time.Minute),

		InstrumentsFile: getEnv("INSTRUMENTS_FILE", "instruments.yaml"),

		Staleness: map[string]time.Duration{
			"1m": getEnvDuration("STALENESS_1M", 3*time.Minute),
			"3m": getEnvDuration("STALENESS_3M", 9*time.Minute),
			"5m": getEnvDuration("STALENESS_5M", 15*time.Minute),
		},
		SkewBase:        getEnvDuration("SKEW_1M", 30*time.Second),
		FutureTolerance: getEnvDuration("FUTURE_TOLERANCE", 5*time.Second),
		TimeframeWeights: map[string]float64{
			"1m": getEnvFloat("WEIGHT_1M", 1),
			"3m": getEnvFloat("WEIGHT_3M", 1),
			"5m": getEnvFloat("WEIGHT_5M", 1),
		},
		WebhookPassphrase: os.Getenv("WEBHOOK_PASSPHRASE"),

		DedupRetention: getEnvDuration("DEDUP_RETENTION", 24*time.Hour),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		RedisDB:        getEnvInt("REDIS_DB", 0),

		OrderTimeout:      getEnvDuration("ORDER_TIMEOUT", 10*time.Second),
		OrderMaxRetries:   getEnvInt("ORDER_MAX_RETRIES", 3),
		BackoffInitial:    getEnvDuration("ORDER_BACKOFF_INITIAL", 500*time.Millisecond),
		BackoffMax:        getEnvDuration("ORDER_BACKOFF_MAX", 5*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", time.Minute),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", 15*time.Second),
		DriftTolerance:    getEnvFloat("DRIFT_TOLERANCE", 0.0001),

		Risk: RiskSettings{
			BaseStopFactor:        getEnvFloat("RISK_BASE_STOP_FACTOR", 2.0),
			RewardRisk:            getEnvFloat("RISK_REWARD_RATIO", 2.2/0.7),
			StrengthRewardBoost:   getEnvFloat("RISK_STRENGTH_REWARD_BOOST", 0.5),
			FallbackVolatilityPct: getEnvFloat("RISK_FALLBACK_VOL_PCT", 0.0075),
			ATRPeriod:             getEnvInt("RISK_ATR_PERIOD", 14),
			ATRInterval:           getEnv("RISK_ATR_INTERVAL", "5m"),
		},

		JWTSecret: getEnv("JWT_SECRET", "dev-secret"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	file, err := LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return nil, err
	}
	cfg.Instruments = file.Instruments
	cfg.Alerts = file.Alerts
	if enabled := splitAndTrim(os.Getenv("ENABLED_INSTRUMENTS")); len(enabled) > 0 {
		cfg.Instruments = filterInstruments(cfg.Instruments, enabled)
	}
	return cfg, nil
}

// Instrument looks up a configured instrument by contract name.
func (c *Config) Instrument(contract string) (Instrument, bool) {
	for _, in := range c.Instruments {
		if in.Contract == contract {
			return in, true
		}
	}
	return Instrument{}, false
}

// Contracts lists configured contract names.
func (c *Config) Contracts() []string {
	out := make([]string, 0, len(c.Instruments))
	for _, in := range c.Instruments {
		out = append(out, in.Contract)
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
