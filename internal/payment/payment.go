// Package payment defines the order-payment data model and its store contract.
//
// An order carries at most one payment session per provider namespace,
// embedded on the order record itself. The store exposes conditional-update
// primitives; every status mutation in the system goes through them, so the
// persisted record stays the single source of truth no matter how many
// process instances handle webhooks and polls concurrently.
package payment

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderExists            = errors.New("order already exists")
	ErrSessionNotFound        = errors.New("payment session not found")
	ErrDuplicateActiveSession = errors.New("order already has an active payment session")
	ErrOrderAlreadyPaid       = errors.New("order is already paid")
)

// Provider identifies a payment rail.
type Provider string

const (
	ProviderQRWallet    Provider = "qrwallet"
	ProviderCardGateway Provider = "cardgateway"
	ProviderChainRail   Provider = "chainrail"
	ProviderStablecoin  Provider = "stablecoin"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderQRWallet, ProviderCardGateway, ProviderChainRail, ProviderStablecoin:
		return true
	}
	return false
}

// SessionStatus is the state of a payment session.
// Transitions are strictly forward; Confirmed and Failed are terminal.
type SessionStatus string

const (
	SessionInitiated SessionStatus = "initiated"
	SessionAwaiting  SessionStatus = "awaiting_confirmation"
	SessionConfirmed SessionStatus = "confirmed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether no further transition is permitted.
func (s SessionStatus) Terminal() bool {
	return s == SessionConfirmed || s == SessionFailed
}

// OrderStatus is the payment state of an order.
type OrderStatus string

const (
	OrderUnpaid OrderStatus = "unpaid"
	OrderPaid   OrderStatus = "paid"
)

// Session is one payment attempt against one provider.
//
// NativeAmount is computed once at creation and never recomputed: price
// drift after creation would make already-issued invitations unverifiable.
type Session struct {
	Provider         Provider          `json:"provider"`
	CorrelationToken string            `json:"correlationToken"`
	NativeAmount     string            `json:"nativeAmount"`
	NativeUnit       string            `json:"nativeUnit"`
	Invitation       string            `json:"invitation"` // QR URL, redirect URL, or deposit address
	Meta             map[string]string `json:"meta,omitempty"`
	Status           SessionStatus     `json:"status"`
	CreatedAt        time.Time         `json:"createdAt"`
	ConfirmedAt      *time.Time        `json:"confirmedAt,omitempty"`
}

// Order is the external commercial order this core reconciles.
// The four per-provider namespaces hold this order's payment sessions;
// sessions are never deleted, serving as the payment audit trail.
type Order struct {
	ID            string      `json:"id"`
	Code          string      `json:"code"` // business key
	Amount        int64       `json:"amount"`
	Currency      string      `json:"currency"`
	PaymentStatus OrderStatus `json:"paymentStatus"`
	PaymentMethod Provider    `json:"paymentMethod,omitempty"`

	QRWalletInfo    *Session `json:"qrWalletInfo,omitempty"`
	CardGatewayInfo *Session `json:"cardGatewayInfo,omitempty"`
	ChainRailInfo   *Session `json:"chainRailInfo,omitempty"`
	StablecoinInfo  *Session `json:"stablecoinInfo,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	PaidAt    *time.Time `json:"paidAt,omitempty"`
}

// SessionFor returns the session in the given provider's namespace, or nil.
func (o *Order) SessionFor(p Provider) *Session {
	switch p {
	case ProviderQRWallet:
		return o.QRWalletInfo
	case ProviderCardGateway:
		return o.CardGatewayInfo
	case ProviderChainRail:
		return o.ChainRailInfo
	case ProviderStablecoin:
		return o.StablecoinInfo
	}
	return nil
}

// setSession writes the session into its provider's namespace.
func (o *Order) setSession(s *Session) {
	switch s.Provider {
	case ProviderQRWallet:
		o.QRWalletInfo = s
	case ProviderCardGateway:
		o.CardGatewayInfo = s
	case ProviderChainRail:
		o.ChainRailInfo = s
	case ProviderStablecoin:
		o.StablecoinInfo = s
	}
}

// ActiveSession returns the order's non-Failed session, or nil.
// The store guarantees at most one exists.
func (o *Order) ActiveSession() *Session {
	for _, s := range []*Session{o.QRWalletInfo, o.CardGatewayInfo, o.ChainRailInfo, o.StablecoinInfo} {
		if s != nil && s.Status != SessionFailed {
			return s
		}
	}
	return nil
}

// Source is the delivery channel of a confirmation signal.
type Source string

const (
	SourceWebhook        Source = "webhook"
	SourcePoll           Source = "poll"
	SourceRedirectReturn Source = "redirect_return"
	SourceManualOperator Source = "manual_operator"
)

// Outcome is what a confirmation signal claims happened.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// ConfirmationEvent is a normalized confirmation signal from any channel.
// It is ephemeral: processed transactionally, never persisted as an entity.
type ConfirmationEvent struct {
	Source           Source
	Provider         Provider
	CorrelationToken string
	Outcome          Outcome
	TransactionID    string
	Reason           string // diagnostic, set for Failure/Pending classifications

	// SignatureValid reports the provider adapter's authenticity verdict.
	// Nil means the provider does not sign this channel (chain rail,
	// manual operator); the engine only enforces it where non-nil.
	SignatureValid *bool

	ReceivedAt time.Time
}

// SignatureOK is a helper for adapters building verified events.
func SignatureOK(v bool) *bool { return &v }

// SessionRef locates one session for batch operations (expiry sweep).
type SessionRef struct {
	OrderID   string
	OrderCode string
	Provider  Provider
	Token     string
	CreatedAt time.Time
}

// Store persists orders and their embedded payment sessions.
//
// The conditional-update methods return whether the write happened; a false
// return with a nil error means the guard failed (the row was already past
// the expected state), which callers treat as losing a benign race, not as
// an error.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrderByCode(ctx context.Context, code string) (*Order, error)

	// FindSessionByToken searches every provider namespace for the token.
	FindSessionByToken(ctx context.Context, token string) (*Order, *Session, error)

	// PutSession writes the session into its provider namespace, only if no
	// non-Failed session exists in any namespace and the order is unpaid.
	// A Failed prior attempt in the same namespace is overwritten.
	PutSession(ctx context.Context, orderID string, s *Session) error

	// TransitionSession moves a non-terminal session to the given status.
	// Used for AwaitingConfirmation and Failed; success goes through
	// ConfirmSessionAndMarkPaid so settlement detection stays atomic.
	TransitionSession(ctx context.Context, p Provider, token string, to SessionStatus) (bool, error)

	// ConfirmSessionAndMarkPaid is the single conditional write that settles
	// an order: session to Confirmed and order to Paid, guarded on the
	// session being non-terminal and the order unpaid. Returns true iff this
	// call changed the row; exactly one of N concurrent callers sees true.
	ConfirmSessionAndMarkPaid(ctx context.Context, p Provider, token string) (bool, error)

	// ListExpiredSessions returns non-terminal sessions created before cutoff.
	ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]SessionRef, error)
}
