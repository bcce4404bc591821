package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

const sessionCols = `id, user_id, token, step, accounts, created_at, updated_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*storage.OnboardingSession, error) {
	var s storage.OnboardingSession
	var accounts string
	var completed sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &s.Token, &s.Step, &accounts, &s.CreatedAt, &s.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(accounts), &s.Accounts); err != nil {
		return nil, fmt.Errorf("decode session accounts: %w", err)
	}
	if completed.Valid {
		t := completed.Time
		s.CompletedAt = &t
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

	return p.withTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM onboarding_sessions WHERE user_id = ? AND completed_at IS NULL`, p.userID).
			Scan(&existingID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if existingID != "" {
			if !replace {
				return fmt.Errorf("%w: unfinished session %s", storage.ErrSessionExists, existingID)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM onboarding_sessions WHERE id = ?`, existingID); err != nil {
				return err
			}
		}
		accounts, err := json.Marshal(s.Accounts)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO onboarding_sessions (id, user_id, token, step, accounts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.UserID, s.Token, s.Step, string(accounts), s.CreatedAt, s.UpdatedAt)
		return err
	})
}

func (p *partition) GetOnboardingSession(ctx context.Context) (*storage.OnboardingSession, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM onboarding_sessions
		WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, p.userID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (p *partition) GetOnboardingSessionByToken(ctx context.Context, token string) (*storage.OnboardingSession, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionCols+` FROM onboarding_sessions WHERE token = ?`, token)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (p *partition) UpdateOnboardingSession(ctx context.Context, fn func(*storage.OnboardingSession) error) (*storage.OnboardingSession, error) {
	var out *storage.OnboardingSession
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+sessionCols+` FROM onboarding_sessions
			WHERE user_id = ? ORDER BY created_at DESC LIMIT 1`, p.userID)
		s, err := scanSession(row)
		if errors.Is(err, sql.ErrNoRows) {
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
		_, err = tx.ExecContext(ctx, `
			UPDATE onboarding_sessions SET step = ?, accounts = ?, updated_at = ?, completed_at = ?
			WHERE id = ?
		`, s.Step, string(accounts), s.UpdatedAt, nullTime(s.CompletedAt), s.ID)
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
