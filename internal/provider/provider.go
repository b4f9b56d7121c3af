// Package provider contains one adapter per payment rail. Adapters own
// their provider's wire format end to end: building invitations, parsing
// and authenticating inbound confirmations, and polling for status.
//
// Everything an adapter produces is normalized into payment.Session and
// payment.ConfirmationEvent; nothing provider-specific leaks past this
// package boundary.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/DB59s/tmdt-payments/internal/payment"
)

var timeNow = time.Now

// ErrProviderUnavailable classifies transport-level failures talking to a
// provider. Pollers retry on it; everything else is a real answer.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrInitiationRejected means the provider refused to open a session
// (bad credentials, amount out of range). Not retryable.
var ErrInitiationRejected = errors.New("provider rejected session initiation")

// Adapter is the contract every rail implements.
//
// ParseConfirmation never returns an error: a payload that cannot be
// parsed or authenticated yields a Failure-classified event with a
// diagnostic Reason, so the reconciliation engine sees every signal that
// arrived, including garbage.
type Adapter interface {
	Provider() payment.Provider

	// Initiate opens a session for the order: remote-creating rails call
	// the provider here, local rails just mint the invitation. The caller
	// persists the returned session.
	Initiate(ctx context.Context, o *payment.Order) (*payment.Session, error)

	// ParseConfirmation normalizes an inbound confirmation payload. For
	// query-string channels the raw bytes are the URL-encoded query.
	ParseConfirmation(raw []byte) *payment.ConfirmationEvent

	// PollStatus asks the provider for the session's current state.
	// Rails with no remote to ask report a Pending event.
	PollStatus(ctx context.Context, o *payment.Order, s *payment.Session) (*payment.ConfirmationEvent, error)
}

// Invitation is what a storefront needs to send the customer off to pay.
type Invitation struct {
	Provider         payment.Provider  `json:"provider"`
	CorrelationToken string            `json:"correlationToken"`
	Invitation       string            `json:"invitation"`
	NativeAmount     string            `json:"nativeAmount"`
	NativeUnit       string            `json:"nativeUnit"`
	Meta             map[string]string `json:"providerMeta,omitempty"`
}

// FromSession builds the storefront-facing invitation for a session.
func FromSession(s *payment.Session) *Invitation {
	return &Invitation{
		Provider:         s.Provider,
		CorrelationToken: s.CorrelationToken,
		Invitation:       s.Invitation,
		NativeAmount:     s.NativeAmount,
		NativeUnit:       s.NativeUnit,
		Meta:             s.Meta,
	}
}

// failureEvent builds the event adapters return for unusable payloads.
func failureEvent(p payment.Provider, src payment.Source, token, reason string) *payment.ConfirmationEvent {
	return &payment.ConfirmationEvent{
		Source:           src,
		Provider:         p,
		CorrelationToken: token,
		Outcome:          payment.OutcomeFailure,
		Reason:           reason,
		ReceivedAt:       timeNow(),
	}
}
