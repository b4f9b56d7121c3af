// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
//
// Each payment provider gets its own struct, passed into that provider's
// adapter constructor at startup. Nothing re-reads the environment per
// request.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Provider rails
	QRWallet    QRWalletConfig
	CardGateway CardGatewayConfig
	ChainRail   ChainRailConfig
	Stablecoin  StablecoinConfig

	// Rate converter
	PriceFeedURL     string
	PriceFeedTimeout time.Duration

	// Settlement webhooks
	WebhookSecret string

	// Operator/admin
	AdminSecret string

	// Reconciliation
	PollAttempts    int
	PollBaseDelay   time.Duration
	SessionTTL      time.Duration
	ExpirySweepFreq time.Duration

	// Security
	RateLimitRPS int
}

// QRWalletConfig carries the mobile-wallet QR provider credentials.
type QRWalletConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	CreateURL   string
	QueryURL    string
	IPNURL      string // our callback URL, sent with the create request
	ReturnURL   string
	Timeout     time.Duration
}

// CardGatewayConfig carries the card/bank redirect gateway credentials.
type CardGatewayConfig struct {
	TerminalCode string
	SecretKey    string
	PayURL       string
	QueryURL     string
	ReturnURL    string
	Timeout      time.Duration
}

// ChainRailConfig carries the on-chain rail settings.
type ChainRailConfig struct {
	RPCURL             string
	RecipientAddress   string
	Label              string
	FallbackRate       float64 // fiat per native token, used when the price feed is down
	RequireAmountMatch bool    // hardened mode: on-chain amount must cover the session amount
	Timeout            time.Duration
}

// StablecoinConfig carries the manually-verified stablecoin rail settings.
type StablecoinConfig struct {
	DepositAddress string
	Network        string
	FallbackRate   float64 // fiat per stablecoin unit
	WebhookSecret  string  // optional; empty means the webhook path is lower-trust
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultPollAttempts  = 10
	DefaultPollDelay     = 3 * time.Second
	DefaultSessionTTL    = 15 * time.Minute
	DefaultSweepFreq     = time.Minute
	DefaultRateLimit     = 100
	DefaultProviderRTT   = 10 * time.Second
	DefaultPriceFeedTime = 5 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		QRWallet: QRWalletConfig{
			PartnerCode: os.Getenv("QRWALLET_PARTNER_CODE"),
			AccessKey:   os.Getenv("QRWALLET_ACCESS_KEY"),
			SecretKey:   os.Getenv("QRWALLET_SECRET_KEY"),
			CreateURL:   getEnv("QRWALLET_CREATE_URL", "https://test-payment.momo.vn/v2/gateway/api/create"),
			QueryURL:    getEnv("QRWALLET_QUERY_URL", "https://test-payment.momo.vn/v2/gateway/api/query"),
			IPNURL:      os.Getenv("QRWALLET_IPN_URL"),
			ReturnURL:   os.Getenv("QRWALLET_RETURN_URL"),
			Timeout:     getEnvDuration("QRWALLET_TIMEOUT", DefaultProviderRTT),
		},
		CardGateway: CardGatewayConfig{
			TerminalCode: os.Getenv("CARDGATEWAY_TMN_CODE"),
			SecretKey:    os.Getenv("CARDGATEWAY_SECRET_KEY"),
			PayURL:       getEnv("CARDGATEWAY_PAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html"),
			QueryURL:     getEnv("CARDGATEWAY_QUERY_URL", "https://sandbox.vnpayment.vn/merchant_webapi/api/transaction"),
			ReturnURL:    os.Getenv("CARDGATEWAY_RETURN_URL"),
			Timeout:      getEnvDuration("CARDGATEWAY_TIMEOUT", DefaultProviderRTT),
		},
		ChainRail: ChainRailConfig{
			RPCURL:             getEnv("CHAIN_RPC_URL", "https://api.devnet.solana.com"),
			RecipientAddress:   os.Getenv("CHAIN_RECIPIENT_ADDRESS"),
			Label:              getEnv("CHAIN_PAYMENT_LABEL", "Order payment"),
			FallbackRate:       getEnvFloat("CHAIN_FALLBACK_RATE", 0),
			RequireAmountMatch: getEnvBool("CHAIN_REQUIRE_AMOUNT_MATCH", false),
			Timeout:            getEnvDuration("CHAIN_TIMEOUT", DefaultProviderRTT),
		},
		Stablecoin: StablecoinConfig{
			DepositAddress: os.Getenv("STABLECOIN_DEPOSIT_ADDRESS"),
			Network:        getEnv("STABLECOIN_NETWORK", "TRC20"),
			FallbackRate:   getEnvFloat("STABLECOIN_FALLBACK_RATE", 0),
			WebhookSecret:  os.Getenv("STABLECOIN_WEBHOOK_SECRET"),
		},

		PriceFeedURL:     os.Getenv("PRICE_FEED_URL"),
		PriceFeedTimeout: getEnvDuration("PRICE_FEED_TIMEOUT", DefaultPriceFeedTime),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:   os.Getenv("ADMIN_SECRET"),

		PollAttempts:    int(getEnvInt64("POLL_ATTEMPTS", DefaultPollAttempts)),
		PollBaseDelay:   getEnvDuration("POLL_BASE_DELAY", DefaultPollDelay),
		SessionTTL:      getEnvDuration("SESSION_TTL", DefaultSessionTTL),
		ExpirySweepFreq: getEnvDuration("EXPIRY_SWEEP_FREQ", DefaultSweepFreq),

		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
//
// A rail with incomplete credentials is allowed at startup; the session
// registry rejects attempts against unconfigured rails at runtime, so one
// bad rail does not take down the others.
func (c *Config) Validate() error {
	if c.AdminSecret == "" && c.IsProduction() {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.QRWallet.SecretKey != "" && c.QRWallet.PartnerCode == "" {
		return fmt.Errorf("QRWALLET_PARTNER_CODE is required when QRWALLET_SECRET_KEY is set")
	}
	if c.CardGateway.SecretKey != "" && c.CardGateway.TerminalCode == "" {
		return fmt.Errorf("CARDGATEWAY_TMN_CODE is required when CARDGATEWAY_SECRET_KEY is set")
	}
	if c.PollAttempts <= 0 {
		return fmt.Errorf("POLL_ATTEMPTS must be positive")
	}
	return nil
}

// QRWalletEnabled reports whether the QR-wallet rail has full credentials.
func (c *Config) QRWalletEnabled() bool {
	return c.QRWallet.PartnerCode != "" && c.QRWallet.AccessKey != "" && c.QRWallet.SecretKey != ""
}

// CardGatewayEnabled reports whether the card rail has full credentials.
func (c *Config) CardGatewayEnabled() bool {
	return c.CardGateway.TerminalCode != "" && c.CardGateway.SecretKey != ""
}

// ChainRailEnabled reports whether the chain rail has a recipient configured.
func (c *Config) ChainRailEnabled() bool {
	return c.ChainRail.RecipientAddress != ""
}

// StablecoinEnabled reports whether the stablecoin rail has a deposit address.
func (c *Config) StablecoinEnabled() bool {
	return c.Stablecoin.DepositAddress != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
