package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
//
// Sessions live in one JSONB column per provider namespace on the orders
// row, so the session-status and order-status guards evaluate inside a
// single conditional UPDATE on a single row. RowsAffected is the CAS
// verdict; nothing re-reads after writing to decide who won.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the orders table if it doesn't exist.
// Kept in sync with migrations/; exists so the memory→postgres switch
// stays drop-in for deployments that don't run the migrate command.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS orders (
			id                VARCHAR(36) PRIMARY KEY,
			code              VARCHAR(64) NOT NULL UNIQUE,
			amount            BIGINT NOT NULL,
			currency          VARCHAR(8) NOT NULL DEFAULT 'VND',
			payment_status    VARCHAR(10) NOT NULL DEFAULT 'unpaid',
			payment_method    VARCHAR(20),
			qr_wallet_info    JSONB,
			card_gateway_info JSONB,
			chain_rail_info   JSONB,
			stablecoin_info   JSONB,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			paid_at           TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_orders_qr_token ON orders ((qr_wallet_info->>'correlationToken'));
		CREATE INDEX IF NOT EXISTS idx_orders_card_token ON orders ((card_gateway_info->>'correlationToken'));
		CREATE INDEX IF NOT EXISTS idx_orders_chain_token ON orders ((chain_rail_info->>'correlationToken'));
		CREATE INDEX IF NOT EXISTS idx_orders_stable_token ON orders ((stablecoin_info->>'correlationToken'));
		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (payment_status);
	`)
	return err
}

// namespaceColumn maps a provider to its JSONB column. Providers are a
// closed enum validated before this is interpolated into SQL.
func namespaceColumn(p Provider) (string, error) {
	switch p {
	case ProviderQRWallet:
		return "qr_wallet_info", nil
	case ProviderCardGateway:
		return "card_gateway_info", nil
	case ProviderChainRail:
		return "chain_rail_info", nil
	case ProviderStablecoin:
		return "stablecoin_info", nil
	}
	return "", fmt.Errorf("unknown provider %q", p)
}

const nonTerminalStatuses = `('initiated', 'awaiting_confirmation')`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (id, code, amount, currency, payment_status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (code) DO NOTHING
	`, o.ID, o.Code, o.Amount, o.Currency, string(OrderUnpaid), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	// ON CONFLICT swallows the duplicate; surface it explicitly.
	var existingID string
	if err := p.db.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE code = $1`, o.Code).Scan(&existingID); err != nil {
		return fmt.Errorf("verify order insert: %w", err)
	}
	if existingID != o.ID {
		return ErrOrderExists
	}
	return nil
}

func (p *PostgresStore) GetOrderByCode(ctx context.Context, code string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, selectOrder+` WHERE code = $1`, code)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) FindSessionByToken(ctx context.Context, token string) (*Order, *Session, error) {
	row := p.db.QueryRowContext(ctx, selectOrder+`
		WHERE qr_wallet_info->>'correlationToken' = $1
		   OR card_gateway_info->>'correlationToken' = $1
		   OR chain_rail_info->>'correlationToken' = $1
		   OR stablecoin_info->>'correlationToken' = $1
		LIMIT 1
	`, token)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("find session by token: %w", err)
	}

	for _, s := range []*Session{o.QRWalletInfo, o.CardGatewayInfo, o.ChainRailInfo, o.StablecoinInfo} {
		if s != nil && s.CorrelationToken == token {
			return o, s, nil
		}
	}
	return nil, nil, ErrSessionNotFound
}

func (p *PostgresStore) PutSession(ctx context.Context, orderID string, s *Session) error {
	col, err := namespaceColumn(s.Provider)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	result, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE orders SET %s = $2::jsonb
		WHERE id = $1
		  AND payment_status = 'unpaid'
		  AND (qr_wallet_info    IS NULL OR qr_wallet_info->>'status'    = 'failed')
		  AND (card_gateway_info IS NULL OR card_gateway_info->>'status' = 'failed')
		  AND (chain_rail_info   IS NULL OR chain_rail_info->>'status'   = 'failed')
		  AND (stablecoin_info   IS NULL OR stablecoin_info->>'status'   = 'failed')
	`, col), orderID, raw)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	// Guard failed; classify why for the caller.
	var status string
	err = p.db.QueryRowContext(ctx,
		`SELECT payment_status FROM orders WHERE id = $1`, orderID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("classify put session failure: %w", err)
	}
	if OrderStatus(status) == OrderPaid {
		return ErrOrderAlreadyPaid
	}
	return ErrDuplicateActiveSession
}

func (p *PostgresStore) TransitionSession(ctx context.Context, prov Provider, token string, to SessionStatus) (bool, error) {
	col, err := namespaceColumn(prov)
	if err != nil {
		return false, err
	}

	patch := map[string]any{"status": to}
	if to == SessionConfirmed {
		patch["confirmedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	raw, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("marshal patch: %w", err)
	}

	result, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE orders SET %[1]s = %[1]s || $2::jsonb
		WHERE %[1]s->>'correlationToken' = $1
		  AND %[1]s->>'status' IN %[2]s
	`, col, nonTerminalStatuses), token, raw)
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}
	return false, p.classifyMiss(ctx, col, token)
}

func (p *PostgresStore) ConfirmSessionAndMarkPaid(ctx context.Context, prov Provider, token string) (bool, error) {
	col, err := namespaceColumn(prov)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	patch, err := json.Marshal(map[string]any{
		"status":      SessionConfirmed,
		"confirmedAt": now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return false, fmt.Errorf("marshal patch: %w", err)
	}

	result, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE orders SET
			%[1]s = %[1]s || $2::jsonb,
			payment_status = 'paid',
			payment_method = $3,
			paid_at = $4
		WHERE %[1]s->>'correlationToken' = $1
		  AND %[1]s->>'status' IN %[2]s
		  AND payment_status = 'unpaid'
	`, col, nonTerminalStatuses), token, patch, string(prov), now)
	if err != nil {
		return false, fmt.Errorf("confirm session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}
	return false, p.classifyMiss(ctx, col, token)
}

// classifyMiss distinguishes "token does not exist" from "guard failed on a
// terminal/settled row". The latter is the benign duplicate-delivery case.
func (p *PostgresStore) classifyMiss(ctx context.Context, col, token string) error {
	var one int
	err := p.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT 1 FROM orders WHERE %s->>'correlationToken' = $1`, col), token).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("classify miss: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListExpiredSessions(ctx context.Context, cutoff time.Time) ([]SessionRef, error) {
	var refs []SessionRef
	for _, prov := range []Provider{ProviderQRWallet, ProviderCardGateway, ProviderChainRail, ProviderStablecoin} {
		col, err := namespaceColumn(prov)
		if err != nil {
			return nil, err
		}
		rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT id, code, %[1]s->>'correlationToken', %[1]s->>'createdAt'
			FROM orders
			WHERE %[1]s IS NOT NULL
			  AND %[1]s->>'status' IN %[2]s
			  AND (%[1]s->>'createdAt')::timestamptz < $1
		`, col, nonTerminalStatuses), cutoff)
		if err != nil {
			return nil, fmt.Errorf("list expired %s: %w", prov, err)
		}
		for rows.Next() {
			ref := SessionRef{Provider: prov}
			var createdAt string
			if err := rows.Scan(&ref.OrderID, &ref.OrderCode, &ref.Token, &createdAt); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan expired session: %w", err)
			}
			if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
				ref.CreatedAt = t
			}
			refs = append(refs, ref)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}
	return refs, nil
}

const selectOrder = `
	SELECT id, code, amount, currency, payment_status, payment_method,
		qr_wallet_info, card_gateway_info, chain_rail_info, stablecoin_info,
		created_at, paid_at
	FROM orders`

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

// scanOrder scans a single row into an Order.
func scanOrder(row scannable) (*Order, error) {
	var o Order
	var method sql.NullString
	var qr, card, chain, stable []byte
	var createdAt, paidAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.Code, &o.Amount, &o.Currency, (*string)(&o.PaymentStatus), &method,
		&qr, &card, &chain, &stable,
		&createdAt, &paidAt,
	)
	if err != nil {
		return nil, err
	}

	if method.Valid {
		o.PaymentMethod = Provider(method.String)
	}
	if createdAt.Valid {
		o.CreatedAt = createdAt.Time
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}

	for _, ns := range []struct {
		raw  []byte
		dest **Session
	}{
		{qr, &o.QRWalletInfo},
		{card, &o.CardGatewayInfo},
		{chain, &o.ChainRailInfo},
		{stable, &o.StablecoinInfo},
	} {
		if len(ns.raw) == 0 {
			continue
		}
		var s Session
		if err := json.Unmarshal(ns.raw, &s); err != nil {
			return nil, fmt.Errorf("unmarshal session namespace: %w", err)
		}
		*ns.dest = &s
	}

	return &o, nil
}
