// Package onboarding drives the resumable account-attach session: welcome,
// connecting, complete. At most one unfinished session exists per user.
package onboarding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
)

type Service struct {
	store     storage.Store
	retention time.Duration
	logger    zerolog.Logger
}

func NewService(store storage.Store, retention time.Duration, logger zerolog.Logger) *Service {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return &Service{
		store:     store,
		retention: retention,
		logger:    logger.With().Str("component", "onboarding").Logger(),
	}
}

// CreateSession starts a fresh session in the welcome step. With replace set,
// an unfinished session is discarded first; otherwise it fails SessionExists.
// The token is an opaque UUID carrying no PII.
func (s *Service) CreateSession(ctx context.Context, userID string, replace bool) (*storage.OnboardingSession, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	session := &storage.OnboardingSession{
		ID:       ids.New(ids.PrefixSession),
		Token:    uuid.NewString(),
		Accounts: []storage.SessionAccount{},
	}
	if err := part.CreateOnboardingSession(ctx, session, replace); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", userID).Str("session_id", session.ID).Msg("onboarding session created")
	return session, nil
}

func (s *Service) GetSession(ctx context.Context, userID string) (*storage.OnboardingSession, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	session, err := part.GetOnboardingSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("%w: no onboarding session", storage.ErrNotFound)
	}
	return session, nil
}

// ResumeByToken returns the session matching the opaque token, provided it is
// inside the retention window.
func (s *Service) ResumeByToken(ctx context.Context, userID, token string, now time.Time) (*storage.OnboardingSession, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	session, err := part.GetOnboardingSessionByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if session == nil || now.Sub(session.CreatedAt) > s.retention {
		return nil, fmt.Errorf("%w: session token", storage.ErrNotFound)
	}
	return session, nil
}

// AddAccount records an account in the session and moves it to connecting.
// Re-submitting the same account_id updates in place; account IDs stay
// unique no matter how many tabs race.
func (s *Service) AddAccount(ctx context.Context, userID string, account storage.SessionAccount) (*storage.OnboardingSession, error) {
	if account.AccountID == "" {
		return nil, fmt.Errorf("%w: account_id required", storage.ErrInvalidArgument)
	}
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	return part.UpdateOnboardingSession(ctx, func(session *storage.OnboardingSession) error {
		if session.CompletedAt != nil {
			return fmt.Errorf("%w: session already complete", storage.ErrSessionComplete)
		}
		if account.Status == "" {
			account.Status = storage.SessionAccountConnecting
		}
		replaced := false
		for i := range session.Accounts {
			if session.Accounts[i].AccountID == account.AccountID {
				session.Accounts[i] = account
				replaced = true
				break
			}
		}
		if !replaced {
			session.Accounts = append(session.Accounts, account)
		}
		session.Step = storage.StepConnecting
		return nil
	})
}

// UpdateAccountStatus adjusts one session account. An unknown account_id is
// a silent no-op.
func (s *Service) UpdateAccountStatus(ctx context.Context, userID, accountID string, status storage.SessionAccountStatus, calendarCount *int) (*storage.OnboardingSession, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	return part.UpdateOnboardingSession(ctx, func(session *storage.OnboardingSession) error {
		if session.CompletedAt != nil {
			return fmt.Errorf("%w: session already complete", storage.ErrSessionComplete)
		}
		for i := range session.Accounts {
			if session.Accounts[i].AccountID != accountID {
				continue
			}
			session.Accounts[i].Status = status
			if calendarCount != nil {
				session.Accounts[i].CalendarCount = *calendarCount
			}
			return nil
		}
		return nil
	})
}

// Complete finishes the session. Calling it again returns the existing
// state unchanged.
func (s *Service) Complete(ctx context.Context, userID string, now time.Time) (*storage.OnboardingSession, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	return part.UpdateOnboardingSession(ctx, func(session *storage.OnboardingSession) error {
		if session.CompletedAt != nil {
			return nil
		}
		t := now.UTC()
		session.Step = storage.StepComplete
		session.CompletedAt = &t
		return nil
	})
}
