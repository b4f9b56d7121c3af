package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/DB59s/tmdt-payments/internal/circuitbreaker"
	"github.com/DB59s/tmdt-payments/internal/config"
	"github.com/DB59s/tmdt-payments/internal/idgen"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/signing"
)

// Card gateway response codes. "00" is approved; the transaction-status
// codes on the query endpoint distinguish in-flight from declined.
const (
	cardCodeApproved  = "00"
	cardTxnPending    = "01"
	cardVersion       = "2.1.0"
	cardCommand       = "pay"
	cardQueryCommand  = "querydr"
	cardCurrencyScale = 100 // gateway amounts carry two implied decimals
)

// CardGateway integrates the hosted card/bank redirect gateway. The
// invitation is a signed URL built locally, so the session exists in the
// store before the customer ever leaves the storefront; the outcome comes
// back as signed query parameters on the return redirect.
//
// The correlation token is the transaction reference (txnRef) embedded in
// the signed URL and echoed on the return.
type CardGateway struct {
	cfg     config.CardGatewayConfig
	signer  signing.CardGatewaySigner
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewCardGateway(cfg config.CardGatewayConfig) *CardGateway {
	return &CardGateway{
		cfg:     cfg,
		signer:  signing.CardGatewaySigner{Secret: cfg.SecretKey},
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (g *CardGateway) Provider() payment.Provider { return payment.ProviderCardGateway }

// Initiate builds the signed redirect URL. No remote call is made: the
// gateway learns about the transaction when the customer arrives.
func (g *CardGateway) Initiate(ctx context.Context, o *payment.Order) (*payment.Session, error) {
	txnRef := idgen.WithPrefix("cg_")
	now := timeNow()

	params := map[string]string{
		"vnp_Version":    cardVersion,
		"vnp_Command":    cardCommand,
		"vnp_TmnCode":    g.cfg.TerminalCode,
		"vnp_Amount":     strconv.FormatInt(o.Amount*cardCurrencyScale, 10),
		"vnp_CurrCode":   o.Currency,
		"vnp_TxnRef":     txnRef,
		"vnp_OrderInfo":  "Payment for order " + o.Code,
		"vnp_OrderType":  "other",
		"vnp_Locale":     "vn",
		"vnp_ReturnUrl":  g.cfg.ReturnURL,
		"vnp_CreateDate": now.Format("20060102150405"),
	}
	sig := g.signer.Sign(params)

	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("vnp_SecureHash", sig)

	return &payment.Session{
		Provider:         payment.ProviderCardGateway,
		CorrelationToken: txnRef,
		NativeAmount:     strconv.FormatInt(o.Amount, 10),
		NativeUnit:       o.Currency,
		Invitation:       g.cfg.PayURL + "?" + q.Encode(),
		Meta: map[string]string{
			"orderId": o.Code,
		},
		Status:    payment.SessionInitiated,
		CreatedAt: now,
	}, nil
}

// ParseConfirmation normalizes the return-redirect query string (raw is
// the URL-encoded query). The signature covers every vnp_ parameter, so a
// tampered response code or amount fails verification.
func (g *CardGateway) ParseConfirmation(raw []byte) *payment.ConfirmationEvent {
	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return failureEvent(payment.ProviderCardGateway, payment.SourceRedirectReturn, "", "malformed return query: "+err.Error())
	}
	txnRef := values.Get("vnp_TxnRef")
	if txnRef == "" {
		return failureEvent(payment.ProviderCardGateway, payment.SourceRedirectReturn, "", "return query missing vnp_TxnRef")
	}

	params := make(map[string]string, len(values))
	for k := range values {
		params[k] = values.Get(k)
	}
	ok := g.signer.Verify(params, values.Get("vnp_SecureHash"))

	code := values.Get("vnp_ResponseCode")
	ev := &payment.ConfirmationEvent{
		Source:           payment.SourceRedirectReturn,
		Provider:         payment.ProviderCardGateway,
		CorrelationToken: txnRef,
		TransactionID:    values.Get("vnp_TransactionNo"),
		SignatureValid:   payment.SignatureOK(ok),
		ReceivedAt:       timeNow(),
	}
	if code == cardCodeApproved {
		ev.Outcome = payment.OutcomeSuccess
	} else {
		ev.Outcome = payment.OutcomeFailure
		ev.Reason = "response code " + code
	}
	return ev
}

type cardQueryResponse struct {
	ResponseCode      string `json:"vnp_ResponseCode"`
	TransactionStatus string `json:"vnp_TransactionStatus"`
	TransactionNo     string `json:"vnp_TransactionNo"`
	Message           string `json:"vnp_Message"`
}

// PollStatus queries the gateway by transaction reference. Used when the
// customer abandoned the redirect and no return ever arrived.
func (g *CardGateway) PollStatus(ctx context.Context, o *payment.Order, s *payment.Session) (*payment.ConfirmationEvent, error) {
	params := map[string]string{
		"vnp_Version":    cardVersion,
		"vnp_Command":    cardQueryCommand,
		"vnp_TmnCode":    g.cfg.TerminalCode,
		"vnp_TxnRef":     s.CorrelationToken,
		"vnp_OrderInfo":  "Status of order " + o.Code,
		"vnp_RequestId":  idgen.Hex(8),
		"vnp_CreateDate": timeNow().Format("20060102150405"),
		"vnp_IpAddr":     "127.0.0.1",
		"vnp_TransDate":  s.CreatedAt.Format("20060102150405"),
	}
	params["vnp_SecureHash"] = g.signer.Sign(params)

	if !g.breaker.Allow("cardgateway:query") {
		return nil, fmt.Errorf("%w: cardgateway query: circuit open", ErrProviderUnavailable)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("cardgateway query: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.QueryURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("cardgateway query: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	metrics.ProviderRoundTripDuration.WithLabelValues(string(payment.ProviderCardGateway), "query").Observe(time.Since(start).Seconds())
	if err != nil {
		g.breaker.RecordFailure("cardgateway:query")
		return nil, fmt.Errorf("%w: cardgateway query: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		g.breaker.RecordFailure("cardgateway:query")
		return nil, fmt.Errorf("%w: cardgateway query: status %d", ErrProviderUnavailable, resp.StatusCode)
	}
	g.breaker.RecordSuccess("cardgateway:query")
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cardgateway query: unexpected status %d", resp.StatusCode)
	}

	var body cardQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("cardgateway query: decode: %w", err)
	}

	ev := &payment.ConfirmationEvent{
		Source:           payment.SourcePoll,
		Provider:         payment.ProviderCardGateway,
		CorrelationToken: s.CorrelationToken,
		TransactionID:    body.TransactionNo,
		ReceivedAt:       timeNow(),
	}
	switch body.TransactionStatus {
	case cardCodeApproved:
		ev.Outcome = payment.OutcomeSuccess
	case cardTxnPending:
		ev.Outcome = payment.OutcomePending
		ev.Reason = body.Message
	default:
		ev.Outcome = payment.OutcomeFailure
		ev.Reason = fmt.Sprintf("transaction status %s: %s", body.TransactionStatus, body.Message)
	}
	return ev, nil
}
