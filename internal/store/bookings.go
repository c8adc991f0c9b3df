package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-stays/internal/booking"
)

// BookingRepo reads and transitions booking records on behalf of the payment
// orchestrators. It implements booking.Store.
type BookingRepo struct {
	Pool *pgxpool.Pool
}

var _ booking.Store = (*BookingRepo)(nil)

// Get fetches a booking by id.
func (r *BookingRepo) Get(ctx context.Context, id string) (booking.Booking, error) {
	var b booking.Booking
	var status string
	err := r.Pool.QueryRow(ctx, `
		SELECT id, status, total_minor, currency, country_code, is_group
		FROM bookings WHERE id = $1`, id).
		Scan(&b.ID, &status, &b.TotalMinor, &b.Currency, &b.CountryCode, &b.Group)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return booking.Booking{}, booking.ErrNotFound
		}
		return booking.Booking{}, fmt.Errorf("get booking: %w", err)
	}
	b.Status = booking.Status(status)
	return b, nil
}

// UpdateStatus sets the booking status unconditionally.
func (r *BookingRepo) UpdateStatus(ctx context.Context, id string, status booking.Status) error {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE bookings SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("update booking status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return booking.ErrNotFound
	}
	return nil
}

// CompareAndSwapStatus transitions the booking only from one of the expected
// source states. Reports false without error when the guard does not match,
// which is how concurrent settlement paths stay idempotent.
func (r *BookingRepo) CompareAndSwapStatus(ctx context.Context, id string, from []booking.Status, to booking.Status) (bool, error) {
	guard := make([]string, len(from))
	for i, s := range from {
		guard[i] = string(s)
	}
	tag, err := r.Pool.Exec(ctx, `
		UPDATE bookings SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)`, string(to), id, guard)
	if err != nil {
		return false, fmt.Errorf("cas booking status: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
