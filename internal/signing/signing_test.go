package signing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleIPNFields() QRWalletFields {
	return QRWalletFields{
		Amount:       "500000",
		ExtraData:    "",
		Message:      "Successful.",
		OrderID:      "ORD-2024-001",
		OrderInfo:    "Order ORD-2024-001",
		OrderType:    "momo_wallet",
		PartnerCode:  "PARTNER01",
		PayType:      "qr",
		RequestID:    "req-abc",
		ResponseTime: "1714000000000",
		ResultCode:   "0",
		TransID:      "2147000001",
	}
}

func TestQRWalletVerifyIPN(t *testing.T) {
	signer := QRWalletSigner{AccessKey: "access", Secret: "secret"}
	f := sampleIPNFields()
	sig := signer.SignIPN(f)
	require.NotEmpty(t, sig)

	assert.True(t, signer.VerifyIPN(f, sig))
}

func TestQRWalletVerifyIPNTamperedField(t *testing.T) {
	signer := QRWalletSigner{AccessKey: "access", Secret: "secret"}
	f := sampleIPNFields()
	sig := signer.SignIPN(f)

	f.Amount = "999999"
	assert.False(t, signer.VerifyIPN(f, sig), "mutated amount must not verify")

	f = sampleIPNFields()
	f.ResultCode = "1006"
	assert.False(t, signer.VerifyIPN(f, sig), "mutated result code must not verify")

	f = sampleIPNFields()
	f.OrderID = "ORD-2024-002"
	assert.False(t, signer.VerifyIPN(f, sig))
}

func TestQRWalletVerifyIPNWrongSecret(t *testing.T) {
	f := sampleIPNFields()
	sig := QRWalletSigner{AccessKey: "access", Secret: "secret"}.SignIPN(f)

	other := QRWalletSigner{AccessKey: "access", Secret: "other"}
	assert.False(t, other.VerifyIPN(f, sig))
}

func TestQRWalletSignCreateDeterministic(t *testing.T) {
	signer := QRWalletSigner{AccessKey: "access", Secret: "secret"}
	f := QRWalletFields{
		Amount:      "250000",
		IPNURL:      "https://shop.example/ipn",
		OrderID:     "ORD-7",
		OrderInfo:   "Order ORD-7",
		PartnerCode: "PARTNER01",
		RedirectURL: "https://shop.example/return",
		RequestID:   "req-7",
		RequestType: "captureWallet",
	}
	assert.Equal(t, signer.SignCreate(f), signer.SignCreate(f))
	assert.NotEqual(t, signer.SignCreate(f), signer.SignQuery(f.OrderID, f.PartnerCode, f.RequestID))
}

func cardParams() map[string]string {
	return map[string]string{
		"vnp_Amount":       "50000000",
		"vnp_TxnRef":       "ORD-2024-001",
		"vnp_ResponseCode": "00",
		"vnp_TmnCode":      "TMN01",
		"vnp_OrderInfo":    "Thanh toan don hang ORD-2024-001",
		"vnp_PayDate":      "20240425103000",
	}
}

func TestCardGatewayVerify(t *testing.T) {
	signer := CardGatewaySigner{Secret: "cardsecret"}
	params := cardParams()
	sig := signer.Sign(params)
	require.NotEmpty(t, sig)

	// Inbound params carry the hash fields; Verify strips them.
	params[secureHashParam] = sig
	params[secureHashTypeParam] = "HMACSHA512"
	assert.True(t, signer.Verify(params, sig))
}

func TestCardGatewayVerifyTampered(t *testing.T) {
	signer := CardGatewaySigner{Secret: "cardsecret"}
	params := cardParams()
	sig := signer.Sign(params)

	params["vnp_ResponseCode"] = "07"
	assert.False(t, signer.Verify(params, sig), "flipped response code must not verify")

	params = cardParams()
	params["vnp_Amount"] = "1"
	assert.False(t, signer.Verify(params, sig))
}

func TestCardGatewayCanonicalOrderAndEncoding(t *testing.T) {
	// Sorted keys: insertion order of the map must not matter, and values
	// with spaces must be encoded before signing.
	a := map[string]string{"vnp_B": "two words", "vnp_A": "1"}
	b := map[string]string{"vnp_A": "1", "vnp_B": "two words"}
	signer := CardGatewaySigner{Secret: "s"}
	assert.Equal(t, signer.Sign(a), signer.Sign(b))

	assert.Equal(t, "vnp_A=1&vnp_B=two+words", canonicalQuery(a))
}

func TestCardGatewayEmptyValuesSkipped(t *testing.T) {
	signer := CardGatewaySigner{Secret: "s"}
	with := map[string]string{"vnp_A": "1", "vnp_BankCode": ""}
	without := map[string]string{"vnp_A": "1"}
	assert.Equal(t, signer.Sign(without), signer.Sign(with))
}

func TestVerifyCaseInsensitiveHex(t *testing.T) {
	signer := CardGatewaySigner{Secret: "s"}
	params := map[string]string{"vnp_A": "1"}
	sig := signer.Sign(params)
	upper := ""
	for _, r := range sig {
		if r >= 'a' && r <= 'f' {
			upper += string(r - 32)
		} else {
			upper += string(r)
		}
	}
	assert.True(t, signer.Verify(params, upper))
}
