package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/backend-stays/internal/split"
)

// GroupRepo persists split groups and their contributions.
type GroupRepo struct {
	Pool *pgxpool.Pool
}

const groupColumns = `id, booking_id, status, total_minor, currency, created_at, updated_at`

func scanGroup(row pgx.Row) (split.Group, error) {
	var g split.Group
	var status string
	err := row.Scan(&g.ID, &g.BookingID, &status, &g.TotalMinor, &g.Currency, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return split.Group{}, split.ErrNotFound
		}
		return split.Group{}, fmt.Errorf("scan group: %w", err)
	}
	g.Status = split.GroupStatus(status)
	return g, nil
}

// InsertGroup persists a new collecting group.
func (r *GroupRepo) InsertGroup(ctx context.Context, g split.Group) (split.Group, error) {
	return scanGroup(r.Pool.QueryRow(ctx, `
		INSERT INTO split_groups (booking_id, status, total_minor, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING `+groupColumns,
		g.BookingID, string(g.Status), g.TotalMinor, g.Currency))
}

// GetGroup fetches a group by id.
func (r *GroupRepo) GetGroup(ctx context.Context, id string) (split.Group, error) {
	return scanGroup(r.Pool.QueryRow(ctx,
		`SELECT `+groupColumns+` FROM split_groups WHERE id = $1`, id))
}

// SettleGroup moves a collecting group into a terminal state. Reports false
// when the group already settled, making concurrent reconciles idempotent.
func (r *GroupRepo) SettleGroup(ctx context.Context, id string, to split.GroupStatus) (bool, error) {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE split_groups SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`, string(to), id, string(split.GroupCollecting))
	if err != nil {
		return false, fmt.Errorf("settle group: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListCollecting returns group ids still awaiting settlement, oldest first.
func (r *GroupRepo) ListCollecting(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT id FROM split_groups WHERE status = $1
		ORDER BY created_at LIMIT $2`, string(split.GroupCollecting), limit)
	if err != nil {
		return nil, fmt.Errorf("list collecting groups: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const contributionColumns = `id, group_id, payer_email, COALESCE(payment_id::text, ''), amount_minor, status, created_at, updated_at`

// InsertContribution persists one contributor's share.
func (r *GroupRepo) InsertContribution(ctx context.Context, c split.Contribution) (split.Contribution, error) {
	return scanContribution(r.Pool.QueryRow(ctx, `
		INSERT INTO contributions (group_id, payer_email, payment_id, amount_minor, status)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5)
		RETURNING `+contributionColumns,
		c.GroupID, c.PayerEmail, c.PaymentID, c.AmountMinor, string(c.Status)))
}

// UpdateContributionStatus refreshes one share's derived collection status.
func (r *GroupRepo) UpdateContributionStatus(ctx context.Context, id string, status split.ContributionStatus) error {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE contributions SET status = $1, updated_at = now() WHERE id = $2`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("update contribution status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return split.ErrNotFound
	}
	return nil
}

// AttachPayment links a contribution to the payment opened for it.
func (r *GroupRepo) AttachPayment(ctx context.Context, contributionID, paymentID string) error {
	tag, err := r.Pool.Exec(ctx, `
		UPDATE contributions SET payment_id = $1, updated_at = now() WHERE id = $2`,
		paymentID, contributionID)
	if err != nil {
		return fmt.Errorf("attach payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return split.ErrNotFound
	}
	return nil
}

// ListContributions returns every share of a group, oldest first.
func (r *GroupRepo) ListContributions(ctx context.Context, groupID string) ([]split.Contribution, error) {
	rows, err := r.Pool.Query(ctx, `
		SELECT `+contributionColumns+`
		FROM contributions WHERE group_id = $1 ORDER BY created_at`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list contributions: %w", err)
	}
	defer rows.Close()
	var out []split.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContribution(row pgx.Row) (split.Contribution, error) {
	var c split.Contribution
	var status string
	err := row.Scan(&c.ID, &c.GroupID, &c.PayerEmail, &c.PaymentID, &c.AmountMinor, &status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return split.Contribution{}, split.ErrNotFound
		}
		return split.Contribution{}, fmt.Errorf("scan contribution: %w", err)
	}
	c.Status = split.ContributionStatus(status)
	return c, nil
}
