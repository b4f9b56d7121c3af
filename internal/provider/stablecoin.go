package provider

import (
	"context"
	"encoding/json"

	"github.com/DB59s/tmdt-payments/internal/config"
	"github.com/DB59s/tmdt-payments/internal/idgen"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/rates"
	"github.com/DB59s/tmdt-payments/internal/validation"
)

// Stablecoin integrates the manually-verified stablecoin deposit rail.
// There is no provider to call and nothing to poll: the customer sends
// the stablecoin to a static deposit address quoting a per-session
// reference, and an operator confirms receipt by hand. The optional
// webhook path exists for an exchange account notifier, but it is
// low-trust and subject to the same engine checks as everything else.
type Stablecoin struct {
	cfg       config.StablecoinConfig
	converter *rates.Converter
}

func NewStablecoin(cfg config.StablecoinConfig, converter *rates.Converter) *Stablecoin {
	return &Stablecoin{cfg: cfg, converter: converter}
}

func (s *Stablecoin) Provider() payment.Provider { return payment.ProviderStablecoin }

// Initiate freezes the stablecoin amount and mints the reference the
// customer must quote in the transfer memo.
func (s *Stablecoin) Initiate(ctx context.Context, o *payment.Order) (*payment.Session, error) {
	native, err := s.converter.Convert(ctx, o.Amount, rates.UnitStablecoin)
	if err != nil {
		return nil, err
	}
	return &payment.Session{
		Provider:         payment.ProviderStablecoin,
		CorrelationToken: idgen.WithPrefix("ref_"),
		NativeAmount:     native,
		NativeUnit:       "USDT",
		Invitation:       s.cfg.DepositAddress,
		Meta: map[string]string{
			"network": s.cfg.Network,
			"orderId": o.Code,
		},
		Status:    payment.SessionInitiated,
		CreatedAt: timeNow(),
	}, nil
}

// stablecoinConfirm is the operator confirm / webhook body.
type stablecoinConfirm struct {
	Reference     string `json:"reference"`
	TransactionID string `json:"transactionId"`
}

// ParseConfirmation normalizes an operator confirmation. The operator is
// authenticated at the transport layer (admin secret), not by payload
// signature, so SignatureValid stays nil. Reference and transaction id
// are hand-pasted from a block explorer; stray whitespace is trimmed
// rather than failed.
func (s *Stablecoin) ParseConfirmation(raw []byte) *payment.ConfirmationEvent {
	var body stablecoinConfirm
	if err := json.Unmarshal(raw, &body); err != nil {
		return failureEvent(payment.ProviderStablecoin, payment.SourceManualOperator, "", "malformed confirm body: "+err.Error())
	}
	body.Reference = validation.SanitizeString(body.Reference, 64)
	body.TransactionID = validation.SanitizeString(body.TransactionID, 128)
	if body.Reference == "" {
		return failureEvent(payment.ProviderStablecoin, payment.SourceManualOperator, "", "confirm body missing reference")
	}
	if body.TransactionID == "" {
		return failureEvent(payment.ProviderStablecoin, payment.SourceManualOperator, body.Reference, "confirm body missing transactionId")
	}
	if !validation.IsValidHex(body.TransactionID) {
		return failureEvent(payment.ProviderStablecoin, payment.SourceManualOperator, body.Reference, "transactionId is not a transaction hash")
	}
	return &payment.ConfirmationEvent{
		Source:           payment.SourceManualOperator,
		Provider:         payment.ProviderStablecoin,
		CorrelationToken: body.Reference,
		Outcome:          payment.OutcomeSuccess,
		TransactionID:    body.TransactionID,
		ReceivedAt:       timeNow(),
	}
}

// PollStatus has no remote to ask; a session stays pending until an
// operator acts on it or the expiry sweep fails it.
func (s *Stablecoin) PollStatus(ctx context.Context, o *payment.Order, sess *payment.Session) (*payment.ConfirmationEvent, error) {
	return &payment.ConfirmationEvent{
		Source:           payment.SourcePoll,
		Provider:         payment.ProviderStablecoin,
		CorrelationToken: sess.CorrelationToken,
		Outcome:          payment.OutcomePending,
		Reason:           "awaiting manual verification",
		ReceivedAt:       timeNow(),
	}, nil
}
