package payment

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-memory Store for development and tests.
// It keeps the same conditional-update semantics as the Postgres store:
// all guards are evaluated under one lock, and readers get deep copies so
// no caller can mutate stored state outside the store's primitives.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order // by ID
	byCode map[string]string // code -> ID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		byCode: make(map[string]string),
	}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byCode[o.Code]; ok {
		return ErrOrderExists
	}
	cp, err := copyOrder(o)
	if err != nil {
		return err
	}
	m.orders[o.ID] = cp
	m.byCode[o.Code] = o.ID
	return nil
}

func (m *MemoryStore) GetOrderByCode(ctx context.Context, code string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(m.orders[id])
}

func (m *MemoryStore) FindSessionByToken(ctx context.Context, token string) (*Order, *Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		for _, s := range []*Session{o.QRWalletInfo, o.CardGatewayInfo, o.ChainRailInfo, o.StablecoinInfo} {
			if s != nil && s.CorrelationToken == token {
				cp, err := copyOrder(o)
				if err != nil {
					return nil, nil, err
				}
				return cp, cp.SessionFor(s.Provider), nil
			}
		}
	}
	return nil, nil, ErrSessionNotFound
}

func (m *MemoryStore) PutSession(ctx context.Context, orderID string, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.PaymentStatus == OrderPaid {
		return ErrOrderAlreadyPaid
	}
	if active := o.ActiveSession(); active != nil {
		return ErrDuplicateActiveSession
	}

	cp := *s
	if cp.Meta != nil {
		cp.Meta = copyMeta(s.Meta)
	}
	o.setSession(&cp)
	return nil
}

func (m *MemoryStore) TransitionSession(ctx context.Context, p Provider, token string, to SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findLocked(p, token)
	if s == nil {
		return false, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return false, nil
	}
	s.Status = to
	if to == SessionConfirmed {
		now := time.Now().UTC()
		s.ConfirmedAt = &now
	}
	return true, nil
}

func (m *MemoryStore) ConfirmSessionAndMarkPaid(ctx context.Context, p Provider, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		s := o.SessionFor(p)
		if s == nil || s.CorrelationToken != token {
			continue
		}
		if s.Status.Terminal() || o.PaymentStatus != OrderUnpaid {
			return false, nil
		}
		now := time.Now().UTC()
		s.Status = SessionConfirmed
		s.ConfirmedAt = &now
		o.PaymentStatus = OrderPaid
		o.PaymentMethod = p
		o.PaidAt = &now
		return true, nil
	}
	return false, ErrSessionNotFound
}

func (m *MemoryStore) ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]SessionRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var refs []SessionRef
	for _, o := range m.orders {
		for _, s := range []*Session{o.QRWalletInfo, o.CardGatewayInfo, o.ChainRailInfo, o.StablecoinInfo} {
			if s != nil && !s.Status.Terminal() && s.CreatedAt.Before(cutoff) {
				refs = append(refs, SessionRef{
					OrderID:   o.ID,
					OrderCode: o.Code,
					Provider:  s.Provider,
					Token:     s.CorrelationToken,
					CreatedAt: s.CreatedAt,
				})
			}
		}
	}
	return refs, nil
}

func (m *MemoryStore) findLocked(p Provider, token string) *Session {
	for _, o := range m.orders {
		if s := o.SessionFor(p); s != nil && s.CorrelationToken == token {
			return s
		}
	}
	return nil
}

// copyOrder deep-copies via JSON round-trip; orders are small and this
// keeps the copy in lockstep with the wire shape.
func copyOrder(o *Order) (*Order, error) {
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	var cp Order
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func copyMeta(meta map[string]string) map[string]string {
	cp := make(map[string]string, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}
