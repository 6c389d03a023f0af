// Package config loads the bot configuration with precedence
// environment > config file > defaults. All tunables the pipeline reads
// are declared here; components receive the sections they need, never
// the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Cache      CacheConfig      `yaml:"cache"`
	Indicators IndicatorConfig  `yaml:"indicators"`
	Selector   SelectorConfig   `yaml:"selector"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Signals    SignalConfig     `yaml:"signals"`
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Store      StoreConfig      `yaml:"store"`
	Dashboard  DashboardConfig  `yaml:"dashboard"`
	Log        LogConfig        `yaml:"log"`
}

// ExchangeConfig selects the venue endpoint and credentials.
type ExchangeConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	APISecret    string        `yaml:"api_secret"`
	Timeout      time.Duration `yaml:"timeout"`
	PaperTrading bool          `yaml:"paper_trading"`
	PaperFeePct  float64       `yaml:"paper_fee_pct"`
}

// RateLimitConfig tunes the per-category sliding windows.
type RateLimitConfig struct {
	MarketDataMax    int           `yaml:"market_data_max"`
	MarketDataWindow time.Duration `yaml:"market_data_window"`
	AccountMax       int           `yaml:"account_max"`
	AccountWindow    time.Duration `yaml:"account_window"`
	SafetyFactor     float64       `yaml:"safety_factor"`
	MinSpacing       time.Duration `yaml:"min_spacing"`
}

// CacheConfig tunes the TTL+LRU store and the optional Redis tier.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	TickerTTL     time.Duration `yaml:"ticker_ttl"`
	RedisEnabled  bool          `yaml:"redis_enabled"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisDB       int           `yaml:"redis_db"`
}

// IndicatorConfig holds the indicator periods and rule thresholds.
type IndicatorConfig struct {
	MM1Period       int     `yaml:"mm1_period"`
	CenterPeriod    int     `yaml:"center_period"`
	RSIPeriod       int     `yaml:"rsi_period"`
	VolumeSMAPeriod int     `yaml:"volume_sma_period"`
	RSIMin          float64 `yaml:"rsi_min"`
	RSIMax          float64 `yaml:"rsi_max"`
	MADistance2h    float64 `yaml:"ma_distance_2h_percent"`
	MADistance4h    float64 `yaml:"ma_distance_4h_percent"`
	VolumeSpike     float64 `yaml:"volume_spike_threshold"`
	VolumeLookback  int     `yaml:"volume_spike_lookback"`
}

// SelectorConfig gates universe admission.
type SelectorConfig struct {
	RevalidateEvery time.Duration `yaml:"revalidate_every"`
	MinVolume24h    float64       `yaml:"min_volume_24h_usdt"`
	MaxSpreadPct    float64       `yaml:"max_spread_pct"`
	MinVolatility   float64       `yaml:"min_volatility_pct"`
	MaxVolatility   float64       `yaml:"max_volatility_pct"`
	MinLiquidity    float64       `yaml:"min_liquidity_score"`
}

// ScannerConfig paces the continuous and full-scan loops.
type ScannerConfig struct {
	Interval       time.Duration `yaml:"interval"`
	BatchSize      int           `yaml:"batch_size"`
	FullScanEvery  int           `yaml:"full_scan_every"`
	Candles1m      int           `yaml:"candles_1m"`
	Candles2h      int           `yaml:"candles_2h"`
	Candles4h      int           `yaml:"candles_4h"`
}

// SignalConfig holds emission and audit thresholds.
type SignalConfig struct {
	BuyThreshold   float64 `yaml:"buy_threshold"`
	AuditThreshold float64 `yaml:"audit_threshold"`
	BusCapacity    int     `yaml:"bus_capacity"`
}

// TradingConfig bounds position taking.
type TradingConfig struct {
	Enabled            bool    `yaml:"enabled"`
	EmergencyStop      bool    `yaml:"emergency_stop"`
	MaxConcurrent      int     `yaml:"max_concurrent_trades"`
	MaxPositionPct     float64 `yaml:"max_position_size_percent"`
	InitialStopPct     float64 `yaml:"initial_stop_loss_percent"`
	MinOrderSizeUSDT   float64 `yaml:"min_order_size_usdt"`
}

// Level is a (trigger, action) percentage pair used by trailing stops
// (trigger -> stop) and staged take-profits (level -> close size).
type Level struct {
	At    float64 `yaml:"at"`
	Value float64 `yaml:"value"`
}

// RiskConfig drives the periodic position loop.
type RiskConfig struct {
	Interval      time.Duration `yaml:"interval"`
	TrailingStops []Level       `yaml:"trailing_stop_levels"`
	TakeProfits   []Level       `yaml:"take_profit_levels"`
}

// StoreConfig configures the Postgres store.
type StoreConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// DashboardConfig configures the HTTP/WS server.
type DashboardConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the documented defaults; every value can be overridden
// by file and environment.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			BaseURL:      "https://open-api.bingx.com",
			Timeout:      10 * time.Second,
			PaperTrading: true,
			PaperFeePct:  0.001,
		},
		RateLimit: RateLimitConfig{
			MarketDataMax:    100,
			MarketDataWindow: 10 * time.Second,
			AccountMax:       1000,
			AccountWindow:    10 * time.Second,
			SafetyFactor:     0.85,
			MinSpacing:       5 * time.Millisecond,
		},
		Cache: CacheConfig{
			MaxEntries:    10000,
			SweepInterval: 5 * time.Minute,
			TickerTTL:     10 * time.Second,
			RedisAddr:     "localhost:6379",
		},
		Indicators: IndicatorConfig{
			MM1Period:       9,
			CenterPeriod:    21,
			RSIPeriod:       14,
			VolumeSMAPeriod: 20,
			RSIMin:          35,
			RSIMax:          73,
			MADistance2h:    0.02,
			MADistance4h:    0.03,
			VolumeSpike:     2.0,
			VolumeLookback:  20,
		},
		Selector: SelectorConfig{
			RevalidateEvery: time.Hour,
			MinVolume24h:    10000,
			MaxSpreadPct:    2.0,
			MinVolatility:   0.1,
			MaxVolatility:   50.0,
			MinLiquidity:    0.1,
		},
		Scanner: ScannerConfig{
			Interval:      2 * time.Second,
			BatchSize:     10,
			FullScanEvery: 10,
			Candles1m:     50,
			Candles2h:     100,
			Candles4h:     100,
		},
		Signals: SignalConfig{
			BuyThreshold:   0.4,
			AuditThreshold: 0.3,
			BusCapacity:    1000,
		},
		Trading: TradingConfig{
			Enabled:          false,
			MaxConcurrent:    3,
			MaxPositionPct:   0.05,
			InitialStopPct:   0.02,
			MinOrderSizeUSDT: 10,
		},
		Risk: RiskConfig{
			Interval: 30 * time.Second,
			TrailingStops: []Level{
				{At: 0.01, Value: 0.005},
				{At: 0.02, Value: 0.01},
				{At: 0.05, Value: 0.03},
			},
			TakeProfits: []Level{
				{At: 0.03, Value: 0.25},
				{At: 0.06, Value: 0.25},
			},
		},
		Store: StoreConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    10 * time.Second,
		},
		Dashboard: DashboardConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the effective configuration: defaults, then the yaml file
// at path (optional when path is empty), then environment overrides.
// A .env file in the working directory is honored before reading the
// environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// applyEnv overlays the flat environment names onto the loaded config.
func (c *Config) applyEnv() {
	c.Exchange.APIKey = getEnv("BINGX_API_KEY", c.Exchange.APIKey)
	c.Exchange.APISecret = getEnv("BINGX_API_SECRET", c.Exchange.APISecret)
	c.Exchange.BaseURL = getEnv("BINGX_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.PaperTrading = getEnvBool("PAPER_TRADING", c.Exchange.PaperTrading)

	c.Indicators.MM1Period = getEnvInt("MM1_PERIOD", c.Indicators.MM1Period)
	c.Indicators.CenterPeriod = getEnvInt("CENTER_PERIOD", c.Indicators.CenterPeriod)
	c.Indicators.RSIPeriod = getEnvInt("RSI_PERIOD", c.Indicators.RSIPeriod)
	c.Indicators.VolumeSMAPeriod = getEnvInt("VOLUME_SMA_PERIOD", c.Indicators.VolumeSMAPeriod)
	c.Indicators.RSIMin = getEnvFloat("RSI_MIN", c.Indicators.RSIMin)
	c.Indicators.RSIMax = getEnvFloat("RSI_MAX", c.Indicators.RSIMax)
	c.Indicators.MADistance2h = getEnvFloat("MA_DISTANCE_2H_PERCENT", c.Indicators.MADistance2h)
	c.Indicators.MADistance4h = getEnvFloat("MA_DISTANCE_4H_PERCENT", c.Indicators.MADistance4h)
	c.Indicators.VolumeSpike = getEnvFloat("VOLUME_SPIKE_THRESHOLD", c.Indicators.VolumeSpike)
	c.Indicators.VolumeLookback = getEnvInt("VOLUME_SPIKE_LOOKBACK", c.Indicators.VolumeLookback)

	c.Selector.MinVolume24h = getEnvFloat("MIN_VOLUME_24H_USDT", c.Selector.MinVolume24h)

	c.Scanner.Interval = getEnvSeconds("SCAN_INTERVAL_SECONDS", c.Scanner.Interval)
	c.Scanner.BatchSize = getEnvInt("BATCH_SIZE", c.Scanner.BatchSize)
	c.Scanner.FullScanEvery = getEnvInt("BATCH_FULL_SCAN_EVERY", c.Scanner.FullScanEvery)

	c.RateLimit.MarketDataMax = getEnvInt("RATE_LIMIT_MARKET_DATA_MAX", c.RateLimit.MarketDataMax)
	c.RateLimit.AccountMax = getEnvInt("RATE_LIMIT_ACCOUNT_MAX", c.RateLimit.AccountMax)
	c.RateLimit.SafetyFactor = getEnvFloat("RATE_LIMIT_SAFETY_FACTOR", c.RateLimit.SafetyFactor)

	c.Cache.MaxEntries = getEnvInt("CACHE_MAX_ENTRIES", c.Cache.MaxEntries)
	c.Cache.RedisEnabled = getEnvBool("CACHE_REDIS_ENABLED", c.Cache.RedisEnabled)
	c.Cache.RedisAddr = getEnv("CACHE_REDIS_ADDR", c.Cache.RedisAddr)

	c.Signals.BuyThreshold = getEnvFloat("SIGNAL_THRESHOLDS_BUY", c.Signals.BuyThreshold)

	c.Trading.Enabled = getEnvBool("TRADING_ENABLED", c.Trading.Enabled)
	c.Trading.EmergencyStop = getEnvBool("EMERGENCY_STOP", c.Trading.EmergencyStop)
	c.Trading.MaxConcurrent = getEnvInt("MAX_CONCURRENT_TRADES", c.Trading.MaxConcurrent)
	c.Trading.MaxPositionPct = getEnvFloat("MAX_POSITION_SIZE_PERCENT", c.Trading.MaxPositionPct)
	c.Trading.InitialStopPct = getEnvFloat("INITIAL_STOP_LOSS_PERCENT", c.Trading.InitialStopPct)
	c.Trading.MinOrderSizeUSDT = getEnvFloat("MIN_ORDER_SIZE_USDT", c.Trading.MinOrderSizeUSDT)

	if levels, ok := parseLevels(os.Getenv("TRAILING_STOP_LEVELS")); ok {
		c.Risk.TrailingStops = levels
	}
	if levels, ok := parseLevels(os.Getenv("TAKE_PROFIT_LEVELS")); ok {
		c.Risk.TakeProfits = levels
	}

	c.Store.DSN = getEnv("PG_DSN", c.Store.DSN)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
}

// Validate returns every problem found; an empty slice means the config
// is usable.
func (c *Config) Validate() []string {
	var problems []string

	if c.RateLimit.SafetyFactor < 0.80 || c.RateLimit.SafetyFactor > 0.95 {
		problems = append(problems, fmt.Sprintf("rate_limit.safety_factor %.2f outside [0.80, 0.95]", c.RateLimit.SafetyFactor))
	}
	if c.RateLimit.MarketDataMax <= 0 || c.RateLimit.AccountMax <= 0 {
		problems = append(problems, "rate_limit window budgets must be positive")
	}
	if c.Indicators.MM1Period >= c.Indicators.CenterPeriod {
		problems = append(problems, fmt.Sprintf("indicators.mm1_period %d must be below center_period %d", c.Indicators.MM1Period, c.Indicators.CenterPeriod))
	}
	if c.Indicators.RSIMin >= c.Indicators.RSIMax {
		problems = append(problems, "indicators.rsi_min must be below rsi_max")
	}
	if c.Signals.AuditThreshold > c.Signals.BuyThreshold {
		problems = append(problems, fmt.Sprintf("signals.audit_threshold %.2f above buy_threshold %.2f", c.Signals.AuditThreshold, c.Signals.BuyThreshold))
	}
	if c.Trading.MaxPositionPct <= 0 || c.Trading.MaxPositionPct > 1 {
		problems = append(problems, fmt.Sprintf("trading.max_position_size_percent %.3f outside (0, 1]", c.Trading.MaxPositionPct))
	}
	if c.Trading.MaxConcurrent <= 0 {
		problems = append(problems, "trading.max_concurrent_trades must be positive")
	}
	if c.Scanner.BatchSize <= 0 {
		problems = append(problems, "scanner.batch_size must be positive")
	}
	for i, lv := range c.Risk.TrailingStops {
		if lv.Value >= lv.At {
			problems = append(problems, fmt.Sprintf("risk.trailing_stop_levels[%d]: stop %.4f must be below trigger %.4f", i, lv.Value, lv.At))
		}
	}
	for i, lv := range c.Risk.TakeProfits {
		if lv.Value <= 0 || lv.Value > 1 {
			problems = append(problems, fmt.Sprintf("risk.take_profit_levels[%d]: size %.4f outside (0, 1]", i, lv.Value))
		}
	}
	if !c.Exchange.PaperTrading && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		problems = append(problems, "exchange credentials required when paper_trading is off")
	}
	return problems
}

// parseLevels reads the compact env form "0.01:0.005,0.02:0.01".
func parseLevels(s string) ([]Level, bool) {
	if s == "" {
		return nil, false
	}
	var out []Level
	for _, pair := range strings.Split(s, ",") {
		at, value, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, false
		}
		a, err1 := strconv.ParseFloat(at, 64)
		v, err2 := strconv.ParseFloat(value, 64)
		if err1 != nil || err2 != nil {
			return nil, false
		}
		out = append(out, Level{At: a, Value: v})
	}
	return out, true
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
