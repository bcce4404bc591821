package onboarding

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempora-io/tempora/internal/storage"
)

// memPartition keeps one session in memory, mimicking the single-writer
// partition semantics.
type memPartition struct {
	storage.Partition
	session *storage.OnboardingSession
}

func (m *memPartition) CreateOnboardingSession(ctx context.Context, s *storage.OnboardingSession, replace bool) error {
	if m.session != nil && m.session.CompletedAt == nil {
		if !replace {
			return storage.ErrSessionExists
		}
		m.session = nil
	}
	s.Step = storage.StepWelcome
	s.CreatedAt = time.Now().UTC()
	m.session = s
	return nil
}

func (m *memPartition) GetOnboardingSession(ctx context.Context) (*storage.OnboardingSession, error) {
	return m.session, nil
}

func (m *memPartition) GetOnboardingSessionByToken(ctx context.Context, token string) (*storage.OnboardingSession, error) {
	if m.session != nil && m.session.Token == token {
		return m.session, nil
	}
	return nil, nil
}

func (m *memPartition) UpdateOnboardingSession(ctx context.Context, fn func(*storage.OnboardingSession) error) (*storage.OnboardingSession, error) {
	if m.session == nil {
		return nil, storage.ErrNotFound
	}
	if err := fn(m.session); err != nil {
		return nil, err
	}
	return m.session, nil
}

type memStore struct {
	part *memPartition
}

func (m *memStore) Partition(ctx context.Context, userID string) (storage.Partition, error) {
	return m.part, nil
}

func (m *memStore) Close() {}

func newService() (*Service, *memStore) {
	store := &memStore{part: &memPartition{}}
	return NewService(store, 30*24*time.Hour, zerolog.Nop()), store
}

func TestCreateSession(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	session, err := svc.CreateSession(ctx, "usr-1", false)
	require.NoError(t, err)
	assert.Equal(t, storage.StepWelcome, session.Step)
	assert.NotEmpty(t, session.Token)

	_, err = svc.CreateSession(ctx, "usr-1", false)
	assert.ErrorIs(t, err, storage.ErrSessionExists)

	replaced, err := svc.CreateSession(ctx, "usr-1", true)
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, replaced.ID)
}

func TestAddAccountIdempotent(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	_, err := svc.CreateSession(ctx, "usr-1", false)
	require.NoError(t, err)

	acc := storage.SessionAccount{AccountID: "acc_01", Provider: storage.ProviderGoogle, Email: "a@example.com"}
	session, err := svc.AddAccount(ctx, "usr-1", acc)
	require.NoError(t, err)
	assert.Equal(t, storage.StepConnecting, session.Step)
	require.Len(t, session.Accounts, 1)
	assert.Equal(t, storage.SessionAccountConnecting, session.Accounts[0].Status)

	// Re-submission from another tab updates in place.
	acc.Status = storage.SessionAccountConnected
	session, err = svc.AddAccount(ctx, "usr-1", acc)
	require.NoError(t, err)
	require.Len(t, session.Accounts, 1)
	assert.Equal(t, storage.SessionAccountConnected, session.Accounts[0].Status)

	session, err = svc.AddAccount(ctx, "usr-1", storage.SessionAccount{AccountID: "acc_02"})
	require.NoError(t, err)
	assert.Len(t, session.Accounts, 2)
}

func TestUpdateAccountStatus(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	_, err := svc.CreateSession(ctx, "usr-1", false)
	require.NoError(t, err)
	_, err = svc.AddAccount(ctx, "usr-1", storage.SessionAccount{AccountID: "acc_01"})
	require.NoError(t, err)

	count := 3
	session, err := svc.UpdateAccountStatus(ctx, "usr-1", "acc_01", storage.SessionAccountSynced, &count)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionAccountSynced, session.Accounts[0].Status)
	assert.Equal(t, 3, session.Accounts[0].CalendarCount)

	// Unknown accounts are a silent no-op.
	session, err = svc.UpdateAccountStatus(ctx, "usr-1", "acc_ghost", storage.SessionAccountError, nil)
	require.NoError(t, err)
	assert.Len(t, session.Accounts, 1)
}

func TestCompleteIdempotent(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	_, err := svc.CreateSession(ctx, "usr-1", false)
	require.NoError(t, err)

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	session, err := svc.Complete(ctx, "usr-1", now)
	require.NoError(t, err)
	assert.Equal(t, storage.StepComplete, session.Step)
	require.NotNil(t, session.CompletedAt)
	first := *session.CompletedAt

	again, err := svc.Complete(ctx, "usr-1", now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, first, *again.CompletedAt, "re-completion keeps the original timestamp")

	// A completed session rejects further account work.
	_, err = svc.AddAccount(ctx, "usr-1", storage.SessionAccount{AccountID: "acc_01"})
	assert.ErrorIs(t, err, storage.ErrSessionComplete)
}

func TestResumeByToken(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	session, err := svc.CreateSession(ctx, "usr-1", false)
	require.NoError(t, err)

	now := time.Now().UTC()
	resumed, err := svc.ResumeByToken(ctx, "usr-1", session.Token, now)
	require.NoError(t, err)
	assert.Equal(t, session.ID, resumed.ID)

	_, err = svc.ResumeByToken(ctx, "usr-1", "bogus-token", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Past the retention TTL the token is gone.
	_, err = svc.ResumeByToken(ctx, "usr-1", session.Token, now.Add(31*24*time.Hour))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
