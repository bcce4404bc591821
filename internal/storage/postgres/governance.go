package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	cfg := []byte(c.Config)
	if len(cfg) == 0 {
		cfg = []byte("{}")
	}
	return p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into constraints (id, user_id, kind, config, active_from, active_to, created_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, c.ID, p.userID, c.Kind, cfg, c.ActiveFrom, c.ActiveTo, c.CreatedAt)
		return err
	})
}

func (p *partition) ListConstraints(ctx context.Context) ([]*storage.Constraint, error) {
	rows, err := p.pool.Query(ctx, `
		select id, kind, config, active_from, active_to, created_at
		from constraints where user_id = $1 order by created_at`, p.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Constraint
	for rows.Next() {
		var c storage.Constraint
		var cfg []byte
		if err := rows.Scan(&c.ID, &c.Kind, &cfg, &c.ActiveFrom, &c.ActiveTo, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Config = cfg
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
	return p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into vip_policies (id, user_id, participant_hash, display_name, priority_weight, allow_after_hours, min_notice_hours, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8)
		`, v.ID, p.userID, v.ParticipantHash, v.DisplayName, v.PriorityWeight, v.AllowAfterHours, v.MinNoticeHours, v.CreatedAt)
		return err
	})
}

func (p *partition) ListVipPolicies(ctx context.Context) ([]*storage.VipPolicy, error) {
	rows, err := p.pool.Query(ctx, `
		select id, participant_hash, display_name, priority_weight, allow_after_hours, min_notice_hours, created_at
		from vip_policies where user_id = $1 order by priority_weight desc, created_at`, p.userID)
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
	return p.withTx(ctx, func(tx pgx.Tx) error {
		var exists int
		err := tx.QueryRow(ctx, `select count(*) from events where id = $1 and user_id = $2`, a.EventID, p.userID).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: event %s", storage.ErrNotFound, a.EventID)
		}
		_, err = tx.Exec(ctx, `
			insert into allocations (id, user_id, event_id, category, client_id, rate, confidence, locked, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.ID, p.userID, a.EventID, a.Category, a.ClientID, a.Rate, a.Confidence, a.Locked, a.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: event already allocated", storage.ErrConflict)
		}
		return err
	})
}

const allocationCols = `id, event_id, category, client_id, rate, confidence, locked, created_at`

func scanAllocation(row scannable) (*storage.TimeAllocation, error) {
	var a storage.TimeAllocation
	if err := row.Scan(&a.ID, &a.EventID, &a.Category, &a.ClientID, &a.Rate, &a.Confidence, &a.Locked, &a.CreatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *partition) GetAllocationByEvent(ctx context.Context, eventID string) (*storage.TimeAllocation, error) {
	row := p.pool.QueryRow(ctx, `
		select `+allocationCols+` from allocations where event_id = $1 and user_id = $2`, eventID, p.userID)
	a, err := scanAllocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *partition) ListAllocations(ctx context.Context) ([]*storage.TimeAllocation, error) {
	return p.queryAllocations(ctx, `
		select `+allocationCols+` from allocations where user_id = $1 order by created_at`, p.userID)
}

func (p *partition) ListAllocationsByClient(ctx context.Context, clientID string) ([]*storage.TimeAllocation, error) {
	return p.queryAllocations(ctx, `
		select `+allocationCols+` from allocations
		where user_id = $1 and client_id = $2 order by created_at`, p.userID, clientID)
}

func (p *partition) queryAllocations(ctx context.Context, q string, args ...any) ([]*storage.TimeAllocation, error) {
	rows, err := p.pool.Query(ctx, q, args...)
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
	return p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into commitments (id, user_id, client_id, client_name, target_hours, window_type, rolling_window_weeks, hard_minimum, proof_required, created_at)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, c.ID, p.userID, c.ClientID, c.ClientName, c.TargetHours, c.WindowType, c.RollingWindowWeeks, c.HardMinimum, c.ProofRequired, c.CreatedAt)
		return err
	})
}

const commitmentCols = `id, client_id, client_name, target_hours, window_type, rolling_window_weeks, hard_minimum, proof_required, created_at`

func scanCommitment(row scannable) (*storage.Commitment, error) {
	var c storage.Commitment
	if err := row.Scan(&c.ID, &c.ClientID, &c.ClientName, &c.TargetHours, &c.WindowType, &c.RollingWindowWeeks, &c.HardMinimum, &c.ProofRequired, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *partition) GetCommitment(ctx context.Context, id string) (*storage.Commitment, error) {
	row := p.pool.QueryRow(ctx, `
		select `+commitmentCols+` from commitments where id = $1 and user_id = $2`, id, p.userID)
	c, err := scanCommitment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (p *partition) ListCommitments(ctx context.Context) ([]*storage.Commitment, error) {
	rows, err := p.pool.Query(ctx, `
		select `+commitmentCols+` from commitments where user_id = $1 order by created_at`, p.userID)
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
	return p.withTx(ctx, func(tx pgx.Tx) error {
		var proofRequired bool
		err := tx.QueryRow(ctx, `select proof_required from commitments where id = $1 and user_id = $2`, id, p.userID).
			Scan(&proofRequired)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: commitment %s", storage.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if proofRequired {
			return fmt.Errorf("%w: commitment requires proof retention", storage.ErrInUse)
		}
		_, err = tx.Exec(ctx, `delete from commitments where id = $1`, id)
		return err
	})
}

func (p *partition) deleteByID(ctx context.Context, table, id string) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `delete from `+table+` where id = $1 and user_id = $2`, id, p.userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s %s", storage.ErrNotFound, table, id)
		}
		return nil
	})
}
