package ics

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/config"
)

// Scheduler refreshes registered feeds in the background. Feeds register at
// attach time (and on process start from the API layer); each poll cycle
// refreshes the ones whose interval has elapsed. RefreshFeed's own rate
// limit makes double-scheduling harmless.
type Scheduler struct {
	svc    *Service
	cfg    config.FeedConfig
	logger zerolog.Logger

	mu    sync.Mutex
	feeds map[string]feedRef // account ID -> owner

	stopCh chan struct{}
	doneCh chan struct{}
}

type feedRef struct {
	userID      string
	lastAttempt time.Time
}

func NewScheduler(svc *Service, cfg config.FeedConfig, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		svc:    svc,
		cfg:    cfg,
		logger: logger.With().Str("component", "feed-scheduler").Logger(),
		feeds:  make(map[string]feedRef),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Register adds a feed to the refresh rotation.
func (s *Scheduler) Register(userID, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.feeds[accountID]; !ok {
		s.feeds[accountID] = feedRef{userID: userID}
	}
}

// Unregister drops a feed, e.g. after an upgrade or account removal.
func (s *Scheduler) Unregister(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.feeds, accountID)
}

func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("poll", s.cfg.SchedulerPoll).Msg("feed scheduler started")
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.cfg.SchedulerPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runDue(ctx, time.Now().UTC())
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
	s.logger.Info().Msg("feed scheduler stopped")
}

func (s *Scheduler) runDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make(map[string]feedRef)
	for id, ref := range s.feeds {
		if now.Sub(ref.lastAttempt) >= s.cfg.RefreshInterval {
			due[id] = ref
			ref.lastAttempt = now
			s.feeds[id] = ref
		}
	}
	s.mu.Unlock()

	for accountID, ref := range due {
		result, err := s.svc.RefreshFeed(ctx, ref.userID, accountID, now)
		if err != nil {
			s.logger.Warn().Err(err).Str("account_id", accountID).Msg("scheduled refresh failed")
			continue
		}
		if result.Outcome == OutcomeUpdated {
			s.logger.Debug().
				Str("account_id", accountID).
				Int("added", result.Added).
				Int("modified", result.Modified).
				Int("deleted", result.Deleted).
				Msg("scheduled refresh applied changes")
		}
	}
}
