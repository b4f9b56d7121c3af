package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/DB59s/tmdt-payments/internal/circuitbreaker"
	"github.com/DB59s/tmdt-payments/internal/config"
	"github.com/DB59s/tmdt-payments/internal/idgen"
	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/signing"
)

// QR-wallet result codes we act on. 0 is success; these non-zero codes
// mean "still in flight" on the query endpoint, everything else is final.
const (
	qrResultSuccess    = 0
	qrResultInFlight   = 1000
	qrResultProcessing = 9000
)

// QRWallet integrates the QR-code e-wallet rail. Payment sessions are
// created remotely: the provider mints the QR payload, so Initiate must
// round-trip before anything can be shown to the customer.
//
// The correlation token is the requestId we send with the create call;
// the provider echoes it on the IPN and accepts it on the query endpoint.
type QRWallet struct {
	cfg     config.QRWalletConfig
	signer  signing.QRWalletSigner
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

func NewQRWallet(cfg config.QRWalletConfig) *QRWallet {
	return &QRWallet{
		cfg:     cfg,
		signer:  signing.QRWalletSigner{AccessKey: cfg.AccessKey, Secret: cfg.SecretKey},
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (q *QRWallet) Provider() payment.Provider { return payment.ProviderQRWallet }

type qrCreateRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderInfo   string `json:"orderInfo"`
	RedirectURL string `json:"redirectUrl"`
	IPNURL      string `json:"ipnUrl"`
	RequestType string `json:"requestType"`
	ExtraData   string `json:"extraData"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type qrCreateResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	PayURL     string `json:"payUrl"`
	QRCodeURL  string `json:"qrCodeUrl"`
	Deeplink   string `json:"deeplink"`
}

// Initiate creates the remote payment and returns the session to persist.
//
// Ordering note: the remote create precedes persistence, so a crash in the
// window between them leaks a provider-side payment with no local session.
// The provider expires unclaimed payments itself, and the IPN for an
// unknown requestId is a logged no-op, so the leak is bounded and harmless.
func (q *QRWallet) Initiate(ctx context.Context, o *payment.Order) (*payment.Session, error) {
	requestID := idgen.WithPrefix("qr_")
	body := qrCreateRequest{
		PartnerCode: q.cfg.PartnerCode,
		RequestID:   requestID,
		Amount:      o.Amount,
		OrderID:     o.Code,
		OrderInfo:   "Payment for order " + o.Code,
		RedirectURL: q.cfg.ReturnURL,
		IPNURL:      q.cfg.IPNURL,
		RequestType: "captureWallet",
		Lang:        "vi",
	}
	body.Signature = q.signer.SignCreate(signing.QRWalletFields{
		Amount:      strconv.FormatInt(body.Amount, 10),
		ExtraData:   body.ExtraData,
		IPNURL:      body.IPNURL,
		OrderID:     body.OrderID,
		OrderInfo:   body.OrderInfo,
		PartnerCode: body.PartnerCode,
		RedirectURL: body.RedirectURL,
		RequestID:   body.RequestID,
		RequestType: body.RequestType,
	})

	var resp qrCreateResponse
	if err := q.post(ctx, "create", q.cfg.CreateURL, body, &resp); err != nil {
		return nil, err
	}
	if resp.ResultCode != qrResultSuccess {
		return nil, fmt.Errorf("%w: result code %d: %s", ErrInitiationRejected, resp.ResultCode, resp.Message)
	}

	invitation := resp.PayURL
	if resp.QRCodeURL != "" {
		invitation = resp.QRCodeURL
	}
	return &payment.Session{
		Provider:         payment.ProviderQRWallet,
		CorrelationToken: requestID,
		NativeAmount:     strconv.FormatInt(o.Amount, 10),
		NativeUnit:       o.Currency,
		Invitation:       invitation,
		Meta: map[string]string{
			"payUrl":  resp.PayURL,
			"orderId": o.Code,
		},
		Status:    payment.SessionInitiated,
		CreatedAt: timeNow(),
	}, nil
}

// qrIPN is the provider's IPN callback body.
type qrIPN struct {
	PartnerCode  string `json:"partnerCode"`
	OrderID      string `json:"orderId"`
	RequestID    string `json:"requestId"`
	Amount       int64  `json:"amount"`
	OrderInfo    string `json:"orderInfo"`
	OrderType    string `json:"orderType"`
	TransID      int64  `json:"transId"`
	ResultCode   int    `json:"resultCode"`
	Message      string `json:"message"`
	PayType      string `json:"payType"`
	ResponseTime int64  `json:"responseTime"`
	ExtraData    string `json:"extraData"`
	Signature    string `json:"signature"`
}

// ParseConfirmation normalizes an IPN callback. The signature is verified
// here and the verdict recorded on the event; enforcement is the engine's.
func (q *QRWallet) ParseConfirmation(raw []byte) *payment.ConfirmationEvent {
	var ipn qrIPN
	if err := json.Unmarshal(raw, &ipn); err != nil {
		return failureEvent(payment.ProviderQRWallet, payment.SourceWebhook, "", "malformed IPN body: "+err.Error())
	}
	if ipn.RequestID == "" {
		return failureEvent(payment.ProviderQRWallet, payment.SourceWebhook, "", "IPN missing requestId")
	}

	ok := q.signer.VerifyIPN(signing.QRWalletFields{
		Amount:       strconv.FormatInt(ipn.Amount, 10),
		ExtraData:    ipn.ExtraData,
		Message:      ipn.Message,
		OrderID:      ipn.OrderID,
		OrderInfo:    ipn.OrderInfo,
		OrderType:    ipn.OrderType,
		PartnerCode:  ipn.PartnerCode,
		PayType:      ipn.PayType,
		RequestID:    ipn.RequestID,
		ResponseTime: strconv.FormatInt(ipn.ResponseTime, 10),
		ResultCode:   strconv.Itoa(ipn.ResultCode),
		TransID:      strconv.FormatInt(ipn.TransID, 10),
	}, ipn.Signature)

	ev := &payment.ConfirmationEvent{
		Source:           payment.SourceWebhook,
		Provider:         payment.ProviderQRWallet,
		CorrelationToken: ipn.RequestID,
		TransactionID:    strconv.FormatInt(ipn.TransID, 10),
		SignatureValid:   payment.SignatureOK(ok),
		ReceivedAt:       timeNow(),
	}
	if ipn.ResultCode == qrResultSuccess {
		ev.Outcome = payment.OutcomeSuccess
	} else {
		ev.Outcome = payment.OutcomeFailure
		ev.Reason = fmt.Sprintf("result code %d: %s", ipn.ResultCode, ipn.Message)
	}
	return ev
}

type qrQueryRequest struct {
	PartnerCode string `json:"partnerCode"`
	RequestID   string `json:"requestId"`
	OrderID     string `json:"orderId"`
	Lang        string `json:"lang"`
	Signature   string `json:"signature"`
}

type qrQueryResponse struct {
	ResultCode int    `json:"resultCode"`
	Message    string `json:"message"`
	TransID    int64  `json:"transId"`
}

// PollStatus re-queries the provider for the session's outcome.
func (q *QRWallet) PollStatus(ctx context.Context, o *payment.Order, s *payment.Session) (*payment.ConfirmationEvent, error) {
	body := qrQueryRequest{
		PartnerCode: q.cfg.PartnerCode,
		RequestID:   s.CorrelationToken,
		OrderID:     o.Code,
		Lang:        "vi",
	}
	body.Signature = q.signer.SignQuery(body.OrderID, body.PartnerCode, body.RequestID)

	var resp qrQueryResponse
	if err := q.post(ctx, "query", q.cfg.QueryURL, body, &resp); err != nil {
		return nil, err
	}

	ev := &payment.ConfirmationEvent{
		Source:           payment.SourcePoll,
		Provider:         payment.ProviderQRWallet,
		CorrelationToken: s.CorrelationToken,
		TransactionID:    strconv.FormatInt(resp.TransID, 10),
		ReceivedAt:       timeNow(),
	}
	switch resp.ResultCode {
	case qrResultSuccess:
		ev.Outcome = payment.OutcomeSuccess
	case qrResultInFlight, qrResultProcessing:
		ev.Outcome = payment.OutcomePending
		ev.Reason = resp.Message
	default:
		ev.Outcome = payment.OutcomeFailure
		ev.Reason = fmt.Sprintf("result code %d: %s", resp.ResultCode, resp.Message)
	}
	return ev, nil
}

func (q *QRWallet) post(ctx context.Context, op, url string, body, out any) error {
	key := "qrwallet:" + op
	if !q.breaker.Allow(key) {
		return fmt.Errorf("%w: qrwallet %s: circuit open", ErrProviderUnavailable, op)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("qrwallet %s: marshal: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("qrwallet %s: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := q.client.Do(req)
	metrics.ProviderRoundTripDuration.WithLabelValues(string(payment.ProviderQRWallet), op).Observe(time.Since(start).Seconds())
	if err != nil {
		q.breaker.RecordFailure(key)
		return fmt.Errorf("%w: qrwallet %s: %v", ErrProviderUnavailable, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		q.breaker.RecordFailure(key)
		return fmt.Errorf("%w: qrwallet %s: status %d", ErrProviderUnavailable, op, resp.StatusCode)
	}
	q.breaker.RecordSuccess(key)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("qrwallet %s: unexpected status %d", op, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("qrwallet %s: decode: %w", op, err)
	}
	logging.FromContext(ctx).Debug("qrwallet round trip", "op", op)
	return nil
}
