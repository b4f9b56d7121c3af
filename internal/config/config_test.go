package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultPollAttempts, cfg.PollAttempts)
	assert.Equal(t, DefaultPollDelay, cfg.PollBaseDelay)
	assert.Equal(t, DefaultSessionTTL, cfg.SessionTTL)
	assert.False(t, cfg.ChainRail.RequireAmountMatch)
}

func TestLoad_ProviderStructs(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "QRWALLET_PARTNER_CODE", "PARTNER01")
	setEnv(t, "QRWALLET_ACCESS_KEY", "ak")
	setEnv(t, "QRWALLET_SECRET_KEY", "sk")
	setEnv(t, "CARDGATEWAY_TMN_CODE", "TMN01")
	setEnv(t, "CARDGATEWAY_SECRET_KEY", "cardsecret")
	setEnv(t, "CHAIN_RECIPIENT_ADDRESS", "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin")
	setEnv(t, "STABLECOIN_DEPOSIT_ADDRESS", "TXYZa1b2c3")
	setEnv(t, "QRWALLET_TIMEOUT", "3s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.QRWalletEnabled())
	assert.True(t, cfg.CardGatewayEnabled())
	assert.True(t, cfg.ChainRailEnabled())
	assert.True(t, cfg.StablecoinEnabled())
	assert.Equal(t, "PARTNER01", cfg.QRWallet.PartnerCode)
	assert.Equal(t, 3*time.Second, cfg.QRWallet.Timeout)
}

func TestLoad_PartialQRWalletCredentials(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "QRWALLET_PARTNER_CODE", "")
	setEnv(t, "QRWALLET_SECRET_KEY", "sk-only")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "QRWALLET_PARTNER_CODE")
}

func TestLoad_ProductionRequiresAdminSecret(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "ADMIN_SECRET", "")
	setEnv(t, "QRWALLET_SECRET_KEY", "")
	setEnv(t, "CARDGATEWAY_SECRET_KEY", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_SECRET")
}

func TestLoad_DisabledRailIsNotAnError(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "QRWALLET_PARTNER_CODE", "")
	setEnv(t, "QRWALLET_ACCESS_KEY", "")
	setEnv(t, "QRWALLET_SECRET_KEY", "")
	setEnv(t, "CHAIN_RECIPIENT_ADDRESS", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.QRWalletEnabled())
	assert.False(t, cfg.ChainRailEnabled())
}
