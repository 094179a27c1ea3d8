// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tradeforge/options-engine/pkg/types"
)

// Config is the process-wide configuration, resolved once at startup and
// passed to components via constructors.
type Config struct {
	// Execution mode and the dual-flag safety gate inputs.
	AppMode            types.TradingMode
	AllowLiveExecution bool
	PreferredBroker    string // "tradier" or "alpaca"

	// Broker credentials.
	TradierAPIKey    string
	TradierAccountID string
	TradierSandbox   bool
	AlpacaAPIKey     string
	AlpacaSecretKey  string
	AlpacaPaper      bool

	// Persistence.
	DatabaseURL string
	RedisURL    string

	// Auth secrets.
	HMACSecret   string
	JWTSecret    string
	APIAuthToken string

	// Market data.
	MarketDataProvider string
	PolygonAPIKey      string
	AlphaVantageAPIKey string
	TwelveDataAPIKey   string

	// Server.
	Host string
	Port int

	// Loop cadences.
	RefreshInterval time.Duration
	PollInterval    time.Duration

	// Broker HTTP timeout.
	BrokerTimeout time.Duration
}

// Load reads configuration from .env (when present) and the environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("APP_MODE", string(types.ModePaper))
	v.SetDefault("ALLOW_LIVE_EXECUTION", false)
	v.SetDefault("PREFERRED_BROKER", "tradier")
	v.SetDefault("TRADIER_SANDBOX", true)
	v.SetDefault("ALPACA_PAPER", true)
	v.SetDefault("MARKET_DATA_PROVIDER", "static")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 8080)
	v.SetDefault("REFRESH_INTERVAL_SECONDS", 30)
	v.SetDefault("POLL_INTERVAL_SECONDS", 15)
	v.SetDefault("BROKER_TIMEOUT_SECONDS", 10)

	cfg := &Config{
		AppMode:            types.TradingMode(strings.ToUpper(v.GetString("APP_MODE"))),
		AllowLiveExecution: v.GetBool("ALLOW_LIVE_EXECUTION"),
		PreferredBroker:    strings.ToLower(v.GetString("PREFERRED_BROKER")),
		TradierAPIKey:      v.GetString("TRADIER_API_KEY"),
		TradierAccountID:   v.GetString("TRADIER_ACCOUNT_ID"),
		TradierSandbox:     v.GetBool("TRADIER_SANDBOX"),
		AlpacaAPIKey:       v.GetString("ALPACA_API_KEY"),
		AlpacaSecretKey:    v.GetString("ALPACA_SECRET_KEY"),
		AlpacaPaper:        v.GetBool("ALPACA_PAPER"),
		DatabaseURL:        v.GetString("DATABASE_URL"),
		RedisURL:           v.GetString("REDIS_URL"),
		HMACSecret:         v.GetString("HMAC_SECRET"),
		JWTSecret:          v.GetString("JWT_SECRET"),
		APIAuthToken:       v.GetString("API_AUTH_TOKEN"),
		MarketDataProvider: strings.ToLower(v.GetString("MARKET_DATA_PROVIDER")),
		PolygonAPIKey:      v.GetString("POLYGON_API_KEY"),
		AlphaVantageAPIKey: v.GetString("ALPHA_VANTAGE_API_KEY"),
		TwelveDataAPIKey:   v.GetString("TWELVEDATA_API_KEY"),
		Host:               v.GetString("HOST"),
		Port:               v.GetInt("PORT"),
		RefreshInterval:    time.Duration(v.GetInt("REFRESH_INTERVAL_SECONDS")) * time.Second,
		PollInterval:       time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
		BrokerTimeout:      time.Duration(v.GetInt("BROKER_TIMEOUT_SECONDS")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AppMode != types.ModePaper && c.AppMode != types.ModeLive {
		return fmt.Errorf("config: APP_MODE must be PAPER or LIVE, got %q", c.AppMode)
	}
	if c.PreferredBroker != "tradier" && c.PreferredBroker != "alpaca" {
		return fmt.Errorf("config: PREFERRED_BROKER must be tradier or alpaca, got %q", c.PreferredBroker)
	}
	if c.HMACSecret == "" {
		return fmt.Errorf("config: HMAC_SECRET is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	return nil
}

// LiveRequested reports whether both live flags are set. The adapter factory
// still performs its own gate; this is for logging at startup.
func (c *Config) LiveRequested() bool {
	return c.AppMode == types.ModeLive && c.AllowLiveExecution
}
