// Package postgres is the PostgreSQL Store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for goose
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/yourorg/checkout-payments/internal/payment"
	"github.com/yourorg/checkout-payments/internal/store"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Repository implements store.Store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Repository)(nil)

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// RecordSettlement inserts or upgrades the order row to settled. The
// conditional upsert makes it atomic per order ref: a row that is already
// settled is left untouched.
func (r *Repository) RecordSettlement(ctx context.Context, p store.OrderPayment) error {
	md, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	var tx string
	err = r.pool.QueryRow(ctx,
		`INSERT INTO order_payments (order_ref, provider, amount, currency, customer_id, status, transaction_id, error, attempt, metadata, updated_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, 'settled', $6, '', $7, $8, now())
		 ON CONFLICT (order_ref) DO UPDATE SET
		   provider = EXCLUDED.provider,
		   amount = EXCLUDED.amount,
		   currency = EXCLUDED.currency,
		   customer_id = EXCLUDED.customer_id,
		   status = 'settled',
		   transaction_id = EXCLUDED.transaction_id,
		   error = '',
		   reconciliation_required = false,
		   attempt = EXCLUDED.attempt,
		   metadata = EXCLUDED.metadata,
		   updated_at = now()
		 WHERE order_payments.status <> 'settled'
		 RETURNING transaction_id`,
		p.OrderRef, string(p.Provider), p.Amount.Value.String(), p.Amount.Currency, p.CustomerID,
		p.TransactionID, p.Attempt, md).Scan(&tx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("record settlement %s: %w", p.OrderRef, err)
	}

	// Conflict with a settled row.
	err = r.pool.QueryRow(ctx, `SELECT transaction_id FROM order_payments WHERE order_ref = $1`, p.OrderRef).Scan(&tx)
	if err != nil {
		return fmt.Errorf("record settlement %s: %w", p.OrderRef, err)
	}
	if tx == p.TransactionID {
		return nil
	}
	return store.ErrAlreadySettled
}

func (r *Repository) RecordFailure(ctx context.Context, p store.OrderPayment) error {
	md, err := marshalMetadata(p.Metadata)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO order_payments (order_ref, provider, amount, currency, customer_id, status, transaction_id, error, reconciliation_required, attempt, metadata, updated_at)
		 VALUES ($1, $2, $3::numeric, $4, $5, 'failed', '', $6, $9, $7, $8, now())
		 ON CONFLICT (order_ref) DO UPDATE SET
		   provider = EXCLUDED.provider,
		   status = 'failed',
		   error = EXCLUDED.error,
		   reconciliation_required = EXCLUDED.reconciliation_required,
		   attempt = EXCLUDED.attempt,
		   metadata = EXCLUDED.metadata,
		   updated_at = now()
		 WHERE order_payments.status <> 'settled'`,
		p.OrderRef, string(p.Provider), p.Amount.Value.String(), p.Amount.Currency, p.CustomerID,
		p.Error, p.Attempt, md, p.ReconciliationRequired)
	if err != nil {
		return fmt.Errorf("record failure %s: %w", p.OrderRef, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrAlreadySettled
	}
	return nil
}

func (r *Repository) GetOrderPayment(ctx context.Context, orderRef string) (store.OrderPayment, error) {
	var (
		p        store.OrderPayment
		provider string
		amount   string
		currency string
		status   string
		md       []byte
	)
	err := r.pool.QueryRow(ctx,
		`SELECT order_ref, provider, amount::text, currency, customer_id, status, transaction_id, error, reconciliation_required, attempt, metadata, updated_at
		 FROM order_payments
		 WHERE order_ref = $1`,
		orderRef).Scan(&p.OrderRef, &provider, &amount, &currency, &p.CustomerID, &status,
		&p.TransactionID, &p.Error, &p.ReconciliationRequired, &p.Attempt, &md, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OrderPayment{}, store.ErrNotFound
		}
		return store.OrderPayment{}, err
	}

	value, err := decimal.NewFromString(amount)
	if err != nil {
		return store.OrderPayment{}, fmt.Errorf("order %s: parse amount: %w", orderRef, err)
	}
	p.Amount = payment.Amount{Value: value, Currency: currency}
	p.Provider = payment.ProviderType(provider)
	p.Status = store.Status(status)
	if p.Metadata, err = unmarshalMetadata(md); err != nil {
		return store.OrderPayment{}, err
	}
	return p, nil
}

// SavePaymentMethod upserts the method. The default flag is decided inside
// the transaction so two concurrent first saves cannot both become default.
func (r *Repository) SavePaymentMethod(ctx context.Context, userID string, m payment.StoredPaymentMethod) (payment.StoredPaymentMethod, error) {
	md, err := marshalMetadata(m.Metadata)
	if err != nil {
		return payment.StoredPaymentMethod{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return payment.StoredPaymentMethod{}, err
	}
	defer tx.Rollback(ctx)

	// Serialize saves per user.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return payment.StoredPaymentMethod{}, err
	}

	var existing int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM payment_methods WHERE user_id = $1`, userID).Scan(&existing); err != nil {
		return payment.StoredPaymentMethod{}, err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO payment_methods (user_id, provider, method_id, type, last4, brand, exp_month, exp_year, holder_name, is_default, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id, provider, method_id) DO UPDATE SET
		   type = EXCLUDED.type,
		   last4 = EXCLUDED.last4,
		   brand = EXCLUDED.brand,
		   exp_month = EXCLUDED.exp_month,
		   exp_year = EXCLUDED.exp_year,
		   holder_name = EXCLUDED.holder_name,
		   metadata = EXCLUDED.metadata,
		   updated_at = now()
		 RETURNING is_default`,
		userID, string(m.Provider), m.ID, string(m.Type), m.Last4, m.Brand, m.ExpMonth, m.ExpYear,
		m.HolderName, existing == 0, md).Scan(&m.IsDefault)
	if err != nil {
		return payment.StoredPaymentMethod{}, fmt.Errorf("save payment method %s: %w", m.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return payment.StoredPaymentMethod{}, err
	}
	return m, nil
}

func (r *Repository) ListPaymentMethods(ctx context.Context, userID string) ([]payment.StoredPaymentMethod, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT method_id, provider, type, last4, brand, exp_month, exp_year, holder_name, is_default, metadata
		 FROM payment_methods
		 WHERE user_id = $1
		 ORDER BY created_at, method_id`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]payment.StoredPaymentMethod, 0)
	for rows.Next() {
		var (
			m        payment.StoredPaymentMethod
			provider string
			typ      string
			md       []byte
		)
		if err := rows.Scan(&m.ID, &provider, &typ, &m.Last4, &m.Brand, &m.ExpMonth, &m.ExpYear, &m.HolderName, &m.IsDefault, &md); err != nil {
			return nil, err
		}
		m.Provider = payment.ProviderType(provider)
		m.Type = payment.MethodType(typ)
		if m.Metadata, err = unmarshalMetadata(md); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func marshalMetadata(md map[string]any) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return b, nil
}

func unmarshalMetadata(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal(b, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}
