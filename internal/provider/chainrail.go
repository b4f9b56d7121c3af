package provider

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/mr-tron/base58"

	"github.com/DB59s/tmdt-payments/internal/circuitbreaker"
	"github.com/DB59s/tmdt-payments/internal/config"
	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/rates"
)

const chainBaseUnitsPerToken = 1_000_000_000

// ChainRail integrates the public-ledger payment rail. There is no
// payment processor: the customer transfers the native token to the
// merchant address, tagging the transfer with a single-use reference key
// the transaction is later found by. Confirmation is pure observation,
// so no channel on this rail carries a signature.
//
// The correlation token is the base58 public key of a throwaway ed25519
// keypair; the private half is discarded at generation, it never signs.
type ChainRail struct {
	cfg       config.ChainRailConfig
	converter *rates.Converter
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

func NewChainRail(cfg config.ChainRailConfig, converter *rates.Converter) *ChainRail {
	return &ChainRail{
		cfg:       cfg,
		converter: converter,
		client:    &http.Client{Timeout: cfg.Timeout},
		breaker:   circuitbreaker.New(5, 30*time.Second),
	}
}

func (c *ChainRail) Provider() payment.Provider { return payment.ProviderChainRail }

// Initiate freezes the native amount at today's rate and mints the
// reference. The invitation is the encoded payment URL wallets scan.
func (c *ChainRail) Initiate(ctx context.Context, o *payment.Order) (*payment.Session, error) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("chainrail: generate reference key: %w", err)
	}
	reference := base58.Encode(pub)

	native, err := c.converter.Convert(ctx, o.Amount, rates.UnitChainToken)
	if err != nil {
		return nil, fmt.Errorf("chainrail: %w", err)
	}

	invitation := fmt.Sprintf("solana:%s?amount=%s&reference=%s&label=%s&message=%s",
		c.cfg.RecipientAddress, native, reference,
		url.QueryEscape(c.cfg.Label), url.QueryEscape("Order "+o.Code))

	return &payment.Session{
		Provider:         payment.ProviderChainRail,
		CorrelationToken: reference,
		NativeAmount:     native,
		NativeUnit:       "SOL",
		Invitation:       invitation,
		Meta: map[string]string{
			"recipient": c.cfg.RecipientAddress,
			"orderId":   o.Code,
		},
		Status:    payment.SessionInitiated,
		CreatedAt: timeNow(),
	}, nil
}

// chainVerifyRequest is the storefront's verify-by-reference body.
type chainVerifyRequest struct {
	Reference string `json:"reference"`
}

// ParseConfirmation handles the storefront's verify request. The ledger
// is the authority, not the caller: the event is always Pending here and
// the actual verdict comes from PollStatus against the RPC node.
func (c *ChainRail) ParseConfirmation(raw []byte) *payment.ConfirmationEvent {
	var req chainVerifyRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return failureEvent(payment.ProviderChainRail, payment.SourceWebhook, "", "malformed verify body: "+err.Error())
	}
	if req.Reference == "" {
		return failureEvent(payment.ProviderChainRail, payment.SourceWebhook, "", "verify body missing reference")
	}
	return &payment.ConfirmationEvent{
		Source:           payment.SourceWebhook,
		Provider:         payment.ProviderChainRail,
		CorrelationToken: req.Reference,
		Outcome:          payment.OutcomePending,
		Reason:           "ledger check requested",
		ReceivedAt:       timeNow(),
	}
}

// PollStatus searches the ledger for a transaction tagged with the
// session's reference. Existence of a finalized transaction is success;
// in hardened mode the transferred amount must also cover the session.
func (c *ChainRail) PollStatus(ctx context.Context, o *payment.Order, s *payment.Session) (*payment.ConfirmationEvent, error) {
	sigs, err := c.signaturesForAddress(ctx, s.CorrelationToken)
	if err != nil {
		return nil, err
	}

	ev := &payment.ConfirmationEvent{
		Source:           payment.SourcePoll,
		Provider:         payment.ProviderChainRail,
		CorrelationToken: s.CorrelationToken,
		ReceivedAt:       timeNow(),
	}
	if len(sigs) == 0 {
		ev.Outcome = payment.OutcomePending
		ev.Reason = "no transaction references this session yet"
		return ev, nil
	}
	ev.TransactionID = sigs[0]

	if !c.cfg.RequireAmountMatch {
		ev.Outcome = payment.OutcomeSuccess
		return ev, nil
	}

	paid, err := c.transferredToRecipient(ctx, sigs[0])
	if err != nil {
		return nil, err
	}
	required := requiredBaseUnits(s.NativeAmount)
	if required == nil {
		ev.Outcome = payment.OutcomeFailure
		ev.Reason = "session native amount unparseable: " + s.NativeAmount
		return ev, nil
	}
	if paid.Cmp(required) >= 0 {
		ev.Outcome = payment.OutcomeSuccess
		return ev, nil
	}
	// Underpayment is not terminal: a top-up transfer with the same
	// reference can still complete the session.
	ev.Outcome = payment.OutcomePending
	ev.Reason = fmt.Sprintf("transferred %s base units, need %s", paid, required)
	logging.FromContext(ctx).Warn("chain rail underpayment",
		"reference", s.CorrelationToken, "paid", paid.String(), "required", required.String())
	return ev, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *ChainRail) signaturesForAddress(ctx context.Context, address string) ([]string, error) {
	var result []struct {
		Signature string  `json:"signature"`
		Err       any     `json:"err"`
		Slot      uint64  `json:"slot"`
		BlockTime *int64  `json:"blockTime"`
		Memo      *string `json:"memo"`
	}
	err := c.rpc(ctx, "getSignaturesForAddress", []any{
		address,
		map[string]any{"limit": 10, "commitment": "finalized"},
	}, &result)
	if err != nil {
		return nil, err
	}

	sigs := make([]string, 0, len(result))
	for _, r := range result {
		if r.Err == nil {
			sigs = append(sigs, r.Signature)
		}
	}
	return sigs, nil
}

// transferredToRecipient sums the base units the transaction moved to the
// configured recipient, using the node's parsed-instruction encoding.
func (c *ChainRail) transferredToRecipient(ctx context.Context, signature string) (*big.Int, error) {
	var result struct {
		Transaction struct {
			Message struct {
				Instructions []struct {
					Parsed struct {
						Type string `json:"type"`
						Info struct {
							Destination string `json:"destination"`
							Lamports    uint64 `json:"lamports"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
	}
	err := c.rpc(ctx, "getTransaction", []any{
		signature,
		map[string]any{"encoding": "jsonParsed", "commitment": "finalized", "maxSupportedTransactionVersion": 0},
	}, &result)
	if err != nil {
		return nil, err
	}

	total := new(big.Int)
	for _, ins := range result.Transaction.Message.Instructions {
		if ins.Parsed.Type == "transfer" && ins.Parsed.Info.Destination == c.cfg.RecipientAddress {
			total.Add(total, new(big.Int).SetUint64(ins.Parsed.Info.Lamports))
		}
	}
	return total, nil
}

func (c *ChainRail) rpc(ctx context.Context, method string, params []any, out any) error {
	if !c.breaker.Allow("chainrail:rpc") {
		return fmt.Errorf("%w: chainrail %s: circuit open", ErrProviderUnavailable, method)
	}

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("chainrail %s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("chainrail %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ProviderRoundTripDuration.WithLabelValues(string(payment.ProviderChainRail), method).Observe(time.Since(start).Seconds())
	if err != nil {
		c.breaker.RecordFailure("chainrail:rpc")
		return fmt.Errorf("%w: chainrail %s: %v", ErrProviderUnavailable, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.breaker.RecordFailure("chainrail:rpc")
		return fmt.Errorf("%w: chainrail %s: status %d", ErrProviderUnavailable, method, resp.StatusCode)
	}
	c.breaker.RecordSuccess("chainrail:rpc")

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("chainrail %s: decode: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("chainrail %s: rpc error %d: %s", method, envelope.Error.Code, envelope.Error.Message)
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// requiredBaseUnits converts the session's decimal token amount into
// integer base units, truncating any precision beyond the chain's.
func requiredBaseUnits(native string) *big.Int {
	r, ok := new(big.Rat).SetString(native)
	if !ok || r.Sign() < 0 {
		return nil
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt64(chainBaseUnitsPerToken))
	return new(big.Int).Quo(scaled.Num(), scaled.Denom())
}
