package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-stays/internal/payment"
	"github.com/noah-isme/backend-stays/internal/provider"
)

const uniqueViolation = "23505"

// ErrDuplicateReference indicates a reference collision on insert.
var ErrDuplicateReference = errors.New("store: duplicate payment reference")

// PaymentRepo persists payments, their audit events and refunds.
type PaymentRepo struct {
	Pool *pgxpool.Pool
}

const paymentColumns = `id, booking_id, COALESCE(group_id::text, ''), provider, reference, method,
	amount_minor, currency, status, checkout_url, customer_email, expires_at, created_at, updated_at`

func scanPayment(row pgx.Row) (payment.Payment, error) {
	var p payment.Payment
	var prov string
	var status string
	err := row.Scan(&p.ID, &p.BookingID, &p.GroupID, &prov, &p.Reference, &p.Method,
		&p.AmountMinor, &p.Currency, &status, &p.CheckoutURL, &p.CustomerEmail,
		&p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Payment{}, payment.ErrNotFound
		}
		return payment.Payment{}, fmt.Errorf("scan payment: %w", err)
	}
	p.Provider = provider.ID(prov)
	p.Status = payment.Status(status)
	return p, nil
}

// Insert persists a freshly created payment intent.
func (r *PaymentRepo) Insert(ctx context.Context, p payment.Payment) (payment.Payment, error) {
	row := r.Pool.QueryRow(ctx, `
		INSERT INTO payments (booking_id, group_id, provider, reference, method, amount_minor,
			currency, status, checkout_url, customer_email, expires_at)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+paymentColumns,
		p.BookingID, p.GroupID, string(p.Provider), p.Reference, p.Method, p.AmountMinor,
		p.Currency, string(p.Status), p.CheckoutURL, p.CustomerEmail, p.ExpiresAt)
	out, err := scanPayment(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return payment.Payment{}, ErrDuplicateReference
		}
		return payment.Payment{}, err
	}
	return out, nil
}

// GetByID fetches a payment by primary key.
func (r *PaymentRepo) GetByID(ctx context.Context, id string) (payment.Payment, error) {
	return scanPayment(r.Pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetByReference fetches a payment by its globally unique reference.
func (r *PaymentRepo) GetByReference(ctx context.Context, reference string) (payment.Payment, error) {
	return scanPayment(r.Pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
}

// FindReusable returns the newest open, unexpired, non-group intent for a
// booking, if one exists.
func (r *PaymentRepo) FindReusable(ctx context.Context, bookingID string, now time.Time) (payment.Payment, error) {
	return scanPayment(r.Pool.QueryRow(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE booking_id = $1 AND group_id IS NULL AND status = 'INITIATED' AND expires_at > $2
		ORDER BY created_at DESC LIMIT 1`, bookingID, now))
}

// ListByBooking returns every payment opened against a booking, oldest first.
func (r *PaymentRepo) ListByBooking(ctx context.Context, bookingID string) ([]payment.Payment, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE booking_id = $1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list booking payments: %w", err)
	}
	defer rows.Close()
	var out []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByGroup returns every payment opened under a split group.
func (r *PaymentRepo) ListByGroup(ctx context.Context, groupID string) ([]payment.Payment, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments
		WHERE group_id = $1::uuid ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group payments: %w", err)
	}
	defer rows.Close()
	var out []payment.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Transition applies a guarded status move and writes the audit event in the
// same transaction. The returned bool reports whether the move happened; a
// duplicate or out-of-order event returns the current row with false and no
// error, so callers can treat replays as no-ops.
func (r *PaymentRepo) Transition(ctx context.Context, reference string, to payment.Status, ev payment.Event) (payment.Payment, bool, error) {
	from := payment.SourcesFor(to)
	guard := make([]string, len(from))
	for i, s := range from {
		guard[i] = string(s)
	}

	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return payment.Payment{}, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	transitioned := true
	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET status = $1, updated_at = now()
		WHERE reference = $2 AND status = ANY($3)
		RETURNING `+paymentColumns, string(to), reference, guard))
	if errors.Is(err, payment.ErrNotFound) {
		transitioned = false
		p, err = scanPayment(tx.QueryRow(ctx,
			`SELECT `+paymentColumns+` FROM payments WHERE reference = $1`, reference))
	}
	if err != nil {
		return payment.Payment{}, false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_events (payment_id, reference, provider, event_type, amount_minor, currency, applied, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, reference, string(ev.Provider), string(ev.Type), ev.AmountMinor, ev.Currency, transitioned, ev.Raw)
	if err != nil {
		return payment.Payment{}, false, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return payment.Payment{}, false, fmt.Errorf("commit: %w", err)
	}
	return p, transitioned, nil
}

// RecordEvent writes an audit row for an event that carries no transition,
// such as a pending notification.
func (r *PaymentRepo) RecordEvent(ctx context.Context, ev payment.Event) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO payment_events (payment_id, reference, provider, event_type, amount_minor, currency, applied, raw)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)`,
		ev.PaymentID, ev.Reference, string(ev.Provider), string(ev.Type), ev.AmountMinor, ev.Currency, ev.Raw)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail for a payment, oldest first.
func (r *PaymentRepo) ListEvents(ctx context.Context, paymentID string) ([]payment.Event, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, payment_id, reference, provider, event_type, amount_minor, currency, applied, raw, created_at
		FROM payment_events WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []payment.Event
	for rows.Next() {
		var ev payment.Event
		var prov, typ string
		if err := rows.Scan(&ev.ID, &ev.PaymentID, &ev.Reference, &prov, &typ,
			&ev.AmountMinor, &ev.Currency, &ev.Applied, &ev.Raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Provider = provider.ID(prov)
		ev.Type = provider.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ExpireStale fails open intents whose deadline passed and returns the
// references it touched so callers can kick downstream reconciliation.
func (r *PaymentRepo) ExpireStale(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		UPDATE payments SET status = 'FAILED', updated_at = now()
		WHERE id IN (
			SELECT id FROM payments
			WHERE status = 'INITIATED' AND expires_at <= $1
			ORDER BY expires_at LIMIT $2
		)
		RETURNING reference`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("expire stale: %w", err)
	}
	defer rows.Close()
	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// InsertRefund persists a refund attempt.
func (r *PaymentRepo) InsertRefund(ctx context.Context, rf payment.Refund) (payment.Refund, error) {
	row := r.Pool.QueryRow(ctx, `
		INSERT INTO refunds (payment_id, provider_refund_id, amount_minor, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, payment_id, provider_refund_id, amount_minor, status, created_at, updated_at`,
		rf.PaymentID, rf.ProviderRefundID, rf.AmountMinor, string(rf.Status))
	return scanRefund(row)
}

// SettleRefunds resolves pending refund rows for a payment when the refund
// webhook lands.
func (r *PaymentRepo) SettleRefunds(ctx context.Context, paymentID string, status provider.RefundStatus) error {
	_, err := r.Pool.Exec(ctx, `
		UPDATE refunds SET status = $1, updated_at = now()
		WHERE payment_id = $2 AND status = 'PENDING'`, string(status), paymentID)
	if err != nil {
		return fmt.Errorf("settle refunds: %w", err)
	}
	return nil
}

// SumRefunded returns the total of completed and pending refunds for a
// payment. Pending refunds count so concurrent requests cannot oversubscribe.
func (r *PaymentRepo) SumRefunded(ctx context.Context, paymentID string) (int64, error) {
	var total int64
	err := r.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_minor), 0) FROM refunds
		WHERE payment_id = $1 AND status IN ('PENDING', 'COMPLETED')`, paymentID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum refunds: %w", err)
	}
	return total, nil
}

// ListRefunds returns refund attempts for a payment, oldest first.
func (r *PaymentRepo) ListRefunds(ctx context.Context, paymentID string) ([]payment.Refund, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id, payment_id, provider_refund_id, amount_minor, status, created_at, updated_at
		FROM refunds WHERE payment_id = $1 ORDER BY created_at`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	defer rows.Close()
	var out []payment.Refund
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rf)
	}
	return out, rows.Err()
}

func scanRefund(row pgx.Row) (payment.Refund, error) {
	var rf payment.Refund
	var status string
	err := row.Scan(&rf.ID, &rf.PaymentID, &rf.ProviderRefundID, &rf.AmountMinor, &status, &rf.CreatedAt, &rf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return payment.Refund{}, payment.ErrNotFound
		}
		return payment.Refund{}, fmt.Errorf("scan refund: %w", err)
	}
	rf.Status = provider.RefundStatus(status)
	return rf, nil
}
