package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tempora-io/tempora/internal/storage"
)

const sessionCols = `id, user_id, token, step, accounts, created_at, updated_at, completed_at`

func scanSession(row scannable) (*storage.OnboardingSession, error) {
	var s storage.OnboardingSession
	var accounts []byte
	if err := row.Scan(&s.ID, &s.UserID, &s.Token, &s.Step, &accounts, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(accounts, &s.Accounts); err != nil {
		return nil, fmt.Errorf("decode session accounts: %w", err)
	}
	return &s, nil
}

func (p *partition) CreateOnboardingSession(ctx context.Context, s *storage.OnboardingSession, replace bool) error {
	if s.ID == "" || s.Token == "" {
		return fmt.Errorf("%w: session requires id and token", storage.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	s.UserID = p.userID
	s.Step = storage.StepWelcome
	s.CreatedAt = now
	s.UpdatedAt = now
	if s.Accounts == nil {
		s.Accounts = []storage.SessionAccount{}
	}

	return p.withTx(ctx, func(tx pgx.Tx) error {
		var existingID string
		err := tx.QueryRow(ctx,
			`select id from onboarding_sessions where user_id = $1 and completed_at is null`, p.userID).
			Scan(&existingID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if existingID != "" {
			if !replace {
				return fmt.Errorf("%w: unfinished session %s", storage.ErrSessionExists, existingID)
			}
			if _, err := tx.Exec(ctx, `delete from onboarding_sessions where id = $1`, existingID); err != nil {
				return err
			}
		}
		accounts, err := json.Marshal(s.Accounts)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			insert into onboarding_sessions (id, user_id, token, step, accounts, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7)
		`, s.ID, s.UserID, s.Token, s.Step, accounts, s.CreatedAt, s.UpdatedAt)
		return err
	})
}

func (p *partition) GetOnboardingSession(ctx context.Context) (*storage.OnboardingSession, error) {
	row := p.pool.QueryRow(ctx, `
		select `+sessionCols+` from onboarding_sessions
		where user_id = $1 order by created_at desc limit 1`, p.userID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (p *partition) GetOnboardingSessionByToken(ctx context.Context, token string) (*storage.OnboardingSession, error) {
	row := p.pool.QueryRow(ctx, `
		select `+sessionCols+` from onboarding_sessions where token = $1 and user_id = $2`, token, p.userID)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (p *partition) UpdateOnboardingSession(ctx context.Context, fn func(*storage.OnboardingSession) error) (*storage.OnboardingSession, error) {
	var out *storage.OnboardingSession
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			select `+sessionCols+` from onboarding_sessions
			where user_id = $1 order by created_at desc limit 1 for update`, p.userID)
		s, err := scanSession(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: no onboarding session", storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		s.UpdatedAt = time.Now().UTC()
		accounts, err := json.Marshal(s.Accounts)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			update onboarding_sessions set step = $1, accounts = $2, updated_at = $3, completed_at = $4
			where id = $5
		`, s.Step, accounts, s.UpdatedAt, s.CompletedAt, s.ID)
		if err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
