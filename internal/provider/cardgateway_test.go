package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DB59s/tmdt-payments/internal/config"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/signing"
)

func cardConfig(payURL, queryURL string) config.CardGatewayConfig {
	return config.CardGatewayConfig{
		TerminalCode: "TMN01",
		SecretKey:    "cardsecret",
		PayURL:       payURL,
		QueryURL:     queryURL,
		ReturnURL:    "https://shop.example/return",
		Timeout:      2 * time.Second,
	}
}

func TestCardGatewayInitiate(t *testing.T) {
	g := NewCardGateway(cardConfig("https://gateway.example/pay", ""))
	s, err := g.Initiate(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, payment.ProviderCardGateway, s.Provider)
	assert.Equal(t, payment.SessionInitiated, s.Status)
	assert.True(t, strings.HasPrefix(s.Invitation, "https://gateway.example/pay?"))
	assert.True(t, strings.HasPrefix(s.CorrelationToken, "cg_"))

	u, err := url.Parse(s.Invitation)
	require.NoError(t, err)
	q := u.Query()
	// Gateway amounts carry two implied decimals.
	assert.Equal(t, "50000000", q.Get("vnp_Amount"))
	assert.Equal(t, s.CorrelationToken, q.Get("vnp_TxnRef"))

	// The embedded signature must verify over the embedded params.
	params := make(map[string]string, len(q))
	for k := range q {
		params[k] = q.Get(k)
	}
	signer := signing.CardGatewaySigner{Secret: "cardsecret"}
	assert.True(t, signer.Verify(params, q.Get("vnp_SecureHash")))
}

func signedReturnQuery(t *testing.T, overrides map[string]string) string {
	t.Helper()
	params := map[string]string{
		"vnp_TmnCode":       "TMN01",
		"vnp_TxnRef":        "cg_abc123",
		"vnp_Amount":        "50000000",
		"vnp_ResponseCode":  "00",
		"vnp_TransactionNo": "14226112",
		"vnp_OrderInfo":     "Payment for order ORD-2024-001",
		"vnp_PayDate":       "20240425103000",
	}
	for k, v := range overrides {
		params[k] = v
	}
	signer := signing.CardGatewaySigner{Secret: "cardsecret"}
	sig := signer.Sign(params)

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vnp_SecureHash", sig)
	return q.Encode()
}

func TestCardGatewayParseConfirmationSuccess(t *testing.T) {
	g := NewCardGateway(cardConfig("", ""))
	ev := g.ParseConfirmation([]byte(signedReturnQuery(t, nil)))

	assert.Equal(t, payment.SourceRedirectReturn, ev.Source)
	assert.Equal(t, payment.OutcomeSuccess, ev.Outcome)
	assert.Equal(t, "cg_abc123", ev.CorrelationToken)
	assert.Equal(t, "14226112", ev.TransactionID)
	require.NotNil(t, ev.SignatureValid)
	assert.True(t, *ev.SignatureValid)
}

func TestCardGatewayParseConfirmationDeclined(t *testing.T) {
	g := NewCardGateway(cardConfig("", ""))
	ev := g.ParseConfirmation([]byte(signedReturnQuery(t, map[string]string{
		"vnp_ResponseCode": "07",
	})))

	assert.Equal(t, payment.OutcomeFailure, ev.Outcome)
	assert.Contains(t, ev.Reason, "07")
	require.NotNil(t, ev.SignatureValid)
	assert.True(t, *ev.SignatureValid, "a genuine decline is still authentically signed")
}

func TestCardGatewayParseConfirmationTampered(t *testing.T) {
	g := NewCardGateway(cardConfig("", ""))
	// Sign a decline, then flip the response code to approved.
	raw := signedReturnQuery(t, map[string]string{"vnp_ResponseCode": "07"})
	tampered := strings.Replace(raw, "vnp_ResponseCode=07", "vnp_ResponseCode=00", 1)

	ev := g.ParseConfirmation([]byte(tampered))
	require.NotNil(t, ev.SignatureValid)
	assert.False(t, *ev.SignatureValid)
	assert.Equal(t, payment.OutcomeSuccess, ev.Outcome, "claimed outcome carried for logging; engine rejects")
}

func TestCardGatewayParseConfirmationMissingRef(t *testing.T) {
	g := NewCardGateway(cardConfig("", ""))
	ev := g.ParseConfirmation([]byte("vnp_ResponseCode=00"))

	assert.Equal(t, payment.OutcomeFailure, ev.Outcome)
	assert.Empty(t, ev.CorrelationToken)
}

func TestCardGatewayPollStatus(t *testing.T) {
	cases := []struct {
		name   string
		status string
		want   payment.Outcome
	}{
		{"settled", "00", payment.OutcomeSuccess},
		{"in flight", "01", payment.OutcomePending},
		{"failed", "02", payment.OutcomeFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var req map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "cg_abc123", req["vnp_TxnRef"])
				json.NewEncoder(w).Encode(cardQueryResponse{
					TransactionStatus: tc.status,
					TransactionNo:     "14226112",
				})
			}))
			defer srv.Close()

			g := NewCardGateway(cardConfig("", srv.URL))
			sess := &payment.Session{
				Provider:         payment.ProviderCardGateway,
				CorrelationToken: "cg_abc123",
				CreatedAt:        time.Now(),
			}
			ev, err := g.PollStatus(context.Background(), testOrder(), sess)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Outcome)
		})
	}
}

func TestCardGatewayPollStatusUnavailable(t *testing.T) {
	g := NewCardGateway(cardConfig("", "http://127.0.0.1:1"))
	sess := &payment.Session{Provider: payment.ProviderCardGateway, CorrelationToken: "cg_abc123", CreatedAt: time.Now()}
	_, err := g.PollStatus(context.Background(), testOrder(), sess)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}
