package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

func (p *partition) AddConstraint(ctx context.Context, c *storage.Constraint) error {
	if c.ID == "" || c.Kind == "" {
		return fmt.Errorf("%w: constraint requires id and kind", storage.ErrInvalidArgument)
	}
	if !c.ActiveTo.IsZero() && !c.ActiveFrom.Before(c.ActiveTo) {
		return fmt.Errorf("%w: active_from must precede active_to", storage.ErrInvalidArgument)
	}
	c.CreatedAt = time.Now().UTC()
	cfg := string(c.Config)
	if cfg == "" {
		cfg = "{}"
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO constraints (id, kind, config, active_from, active_to, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, c.ID, c.Kind, cfg, c.ActiveFrom, c.ActiveTo, c.CreatedAt)
		return err
	})
}

func (p *partition) ListConstraints(ctx context.Context) ([]*storage.Constraint, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, config, active_from, active_to, created_at FROM constraints ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Constraint
	for rows.Next() {
		var c storage.Constraint
		var cfg string
		if err := rows.Scan(&c.ID, &c.Kind, &cfg, &c.ActiveFrom, &c.ActiveTo, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Config = []byte(cfg)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *partition) DeleteConstraint(ctx context.Context, id string) error {
	return p.deleteByID(ctx, "constraints", id)
}

func (p *partition) CreateVipPolicy(ctx context.Context, v *storage.VipPolicy) error {
	if v.ID == "" || v.ParticipantHash == "" {
		return fmt.Errorf("%w: vip policy requires id and participant_hash", storage.ErrInvalidArgument)
	}
	if v.PriorityWeight < 0 || v.PriorityWeight > 10 {
		return fmt.Errorf("%w: priority_weight outside [0,10]", storage.ErrInvalidArgument)
	}
	v.CreatedAt = time.Now().UTC()
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO vip_policies (id, participant_hash, display_name, priority_weight, allow_after_hours, min_notice_hours, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, v.ID, v.ParticipantHash, v.DisplayName, v.PriorityWeight, v.AllowAfterHours, v.MinNoticeHours, v.CreatedAt)
		return err
	})
}

func (p *partition) ListVipPolicies(ctx context.Context) ([]*storage.VipPolicy, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, participant_hash, display_name, priority_weight, allow_after_hours, min_notice_hours, created_at
		FROM vip_policies ORDER BY priority_weight DESC, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.VipPolicy
	for rows.Next() {
		var v storage.VipPolicy
		if err := rows.Scan(&v.ID, &v.ParticipantHash, &v.DisplayName, &v.PriorityWeight, &v.AllowAfterHours, &v.MinNoticeHours, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (p *partition) DeleteVipPolicy(ctx context.Context, id string) error {
	return p.deleteByID(ctx, "vip_policies", id)
}

func (p *partition) CreateAllocation(ctx context.Context, a *storage.TimeAllocation) error {
	if a.ID == "" || a.EventID == "" {
		return fmt.Errorf("%w: allocation requires id and event_id", storage.ErrInvalidArgument)
	}
	if !storage.ValidBillingCategory(a.Category) {
		return fmt.Errorf("%w: billing category %q", storage.ErrInvalidArgument, a.Category)
	}
	a.CreatedAt = time.Now().UTC()
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE id = ?`, a.EventID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: event %s", storage.ErrNotFound, a.EventID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO allocations (id, event_id, category, client_id, rate, confidence, locked, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID, a.EventID, a.Category, a.ClientID, a.Rate, a.Confidence, a.Locked, a.CreatedAt)
		if err != nil && strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: event already allocated", storage.ErrConflict)
		}
		return err
	})
}

const allocationCols = `id, event_id, category, client_id, rate, confidence, locked, created_at`

func scanAllocation(row interface{ Scan(...any) error }) (*storage.TimeAllocation, error) {
	var a storage.TimeAllocation
	if err := row.Scan(&a.ID, &a.EventID, &a.Category, &a.ClientID, &a.Rate, &a.Confidence, &a.Locked, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *partition) GetAllocationByEvent(ctx context.Context, eventID string) (*storage.TimeAllocation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+allocationCols+` FROM allocations WHERE event_id = ?`, eventID)
	a, err := scanAllocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *partition) ListAllocations(ctx context.Context) ([]*storage.TimeAllocation, error) {
	return p.queryAllocations(ctx, `SELECT `+allocationCols+` FROM allocations ORDER BY created_at`)
}

func (p *partition) ListAllocationsByClient(ctx context.Context, clientID string) ([]*storage.TimeAllocation, error) {
	return p.queryAllocations(ctx, `SELECT `+allocationCols+` FROM allocations WHERE client_id = ? ORDER BY created_at`, clientID)
}

func (p *partition) queryAllocations(ctx context.Context, q string, args ...any) ([]*storage.TimeAllocation, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.TimeAllocation
	for rows.Next() {
		a, err := scanAllocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *partition) CreateCommitment(ctx context.Context, c *storage.Commitment) error {
	if c.ID == "" || c.ClientID == "" {
		return fmt.Errorf("%w: commitment requires id and client_id", storage.ErrInvalidArgument)
	}
	if c.WindowType != storage.WindowWeekly && c.WindowType != storage.WindowMonthly {
		return fmt.Errorf("%w: window type %q", storage.ErrInvalidArgument, c.WindowType)
	}
	if c.RollingWindowWeeks <= 0 {
		c.RollingWindowWeeks = 1
	}
	c.CreatedAt = time.Now().UTC()
	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO commitments (id, client_id, client_name, target_hours, window_type, rolling_window_weeks, hard_minimum, proof_required, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.ClientID, c.ClientName, c.TargetHours, c.WindowType, c.RollingWindowWeeks, c.HardMinimum, c.ProofRequired, c.CreatedAt)
		return err
	})
}

const commitmentCols = `id, client_id, client_name, target_hours, window_type, rolling_window_weeks, hard_minimum, proof_required, created_at`

func scanCommitment(row interface{ Scan(...any) error }) (*storage.Commitment, error) {
	var c storage.Commitment
	if err := row.Scan(&c.ID, &c.ClientID, &c.ClientName, &c.TargetHours, &c.WindowType, &c.RollingWindowWeeks, &c.HardMinimum, &c.ProofRequired, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *partition) GetCommitment(ctx context.Context, id string) (*storage.Commitment, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+commitmentCols+` FROM commitments WHERE id = ?`, id)
	c, err := scanCommitment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (p *partition) ListCommitments(ctx context.Context) ([]*storage.Commitment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+commitmentCols+` FROM commitments ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *partition) DeleteCommitment(ctx context.Context, id string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var c storage.Commitment
		err := tx.QueryRowContext(ctx, `SELECT id, proof_required FROM commitments WHERE id = ?`, id).
			Scan(&c.ID, &c.ProofRequired)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: commitment %s", storage.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if c.ProofRequired {
			return fmt.Errorf("%w: commitment requires proof retention", storage.ErrInUse)
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM commitments WHERE id = ?`, id)
		return err
	})
}

func (p *partition) deleteByID(ctx context.Context, table, id string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: %s %s", storage.ErrNotFound, table, id)
		}
		return nil
	})
}
