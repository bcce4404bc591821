// Package ics manages subscribed calendar feeds: attach, conditional
// refresh, health, and the upgrade/downgrade paths between feed and OAuth
// accounts.
package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/config"
	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/internal/telemetry"
	"github.com/tempora-io/tempora/pkg/ical"
)

// IntentSink receives the mirror intents a committed delta produced. The
// mirror writer satisfies it.
type IntentSink interface {
	Enqueue(intents []storage.MirrorIntent) int
}

type Service struct {
	store   storage.Store
	fetcher *Fetcher
	cfg     config.FeedConfig
	logger  zerolog.Logger

	mirror  IntentSink
	metrics *telemetry.Metrics
}

func NewService(store storage.Store, fetcher *Fetcher, cfg config.FeedConfig, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With().Str("component", "ics").Logger(),
	}
}

// SetIntentSink attaches the mirror writer. Intents from every committed
// delta are handed over after the commit; a nil sink drops them.
func (s *Service) SetIntentSink(sink IntentSink) { s.mirror = sink }

// SetMetrics attaches the shared instruments. Nil metrics are a no-op.
func (s *Service) SetMetrics(m *telemetry.Metrics) { s.metrics = m }

// observeDelta runs after a delta commit: mirror fan-out and counters.
func (s *Service) observeDelta(result *storage.DeltaResult, took time.Duration) {
	if result == nil {
		return
	}
	if s.metrics != nil {
		s.metrics.DeltasApplied.WithLabelValues("created").Add(float64(result.Created))
		s.metrics.DeltasApplied.WithLabelValues("updated").Add(float64(result.Updated))
		s.metrics.DeltasApplied.WithLabelValues("deleted").Add(float64(result.Deleted))
		s.metrics.DeltasApplied.WithLabelValues("error").Add(float64(len(result.Errors)))
		s.metrics.DeltaDuration.Observe(took.Seconds())
	}
	if s.mirror != nil && len(result.Intents) > 0 {
		s.mirror.Enqueue(result.Intents)
	}
}

// countRefresh records one refresh attempt by outcome.
func (s *Service) countRefresh(outcome RefreshOutcome, category ErrorCategory) {
	if s.metrics != nil {
		s.metrics.FeedRefreshes.WithLabelValues(string(outcome), string(category)).Inc()
	}
}

// ValidateFeedURL enforces the attach rules: https only, bounded length,
// well-formed with a host.
func (s *Service) ValidateFeedURL(raw string) error {
	if raw == "" || len(raw) > s.cfg.MaxURLLength {
		return fmt.Errorf("%w: feed url empty or too long", storage.ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return fmt.Errorf("%w: feed url must be a well-formed https url", storage.ErrInvalidArgument)
	}
	return nil
}

type AddFeedResult struct {
	AccountID      string `json:"account_id"`
	EventsImported int    `json:"events_imported"`
}

// AddFeed attaches a public feed: creates the ics_feed account, performs the
// initial fetch, and imports every event. No credentials are involved.
func (s *Service) AddFeed(ctx context.Context, userID, feedURL string, now time.Time) (*AddFeedResult, error) {
	if err := s.ValidateFeedURL(feedURL); err != nil {
		return nil, err
	}
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}

	account := &storage.Account{
		ID:              ids.New(ids.PrefixAccount),
		Provider:        storage.ProviderICSFeed,
		ProviderSubject: feedURL,
		Status:          storage.AccountActive,
		WriteCapable:    false,
		Feed:            storage.FeedState{RefreshInterval: s.cfg.RefreshInterval},
	}
	if err := part.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	result, err := s.fetchAndApply(ctx, part, account, now)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("user_id", userID).
		Str("account_id", account.ID).
		Int("events_imported", result.Created).
		Msg("feed attached")
	return &AddFeedResult{AccountID: account.ID, EventsImported: result.Created}, nil
}

// RefreshOutcome summarizes one refresh attempt.
type RefreshOutcome string

const (
	OutcomeUnchanged   RefreshOutcome = "unchanged"
	OutcomeUpdated     RefreshOutcome = "updated"
	OutcomeRateLimited RefreshOutcome = "rate_limited"
	OutcomeError       RefreshOutcome = "error"
)

type RefreshResult struct {
	Outcome  RefreshOutcome `json:"outcome"`
	Added    int            `json:"added"`
	Modified int            `json:"modified"`
	Deleted  int            `json:"deleted"`
	Category ErrorCategory  `json:"error_category,omitempty"`
}

// RefreshFeed runs one conditional refresh cycle for a feed account.
func (s *Service) RefreshFeed(ctx context.Context, userID, accountID string, now time.Time) (*RefreshResult, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	account, err := part.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account == nil || account.Provider != storage.ProviderICSFeed {
		return nil, fmt.Errorf("%w: feed account %s", storage.ErrNotFound, accountID)
	}

	// A refresh inside the minimum interval is silently skipped.
	if account.Feed.LastRefreshAt != nil && now.Sub(*account.Feed.LastRefreshAt) < s.cfg.MinRefreshInterval {
		s.countRefresh(OutcomeRateLimited, "")
		return &RefreshResult{Outcome: OutcomeRateLimited}, nil
	}

	fetched, err := s.fetcher.Fetch(ctx, account.ProviderSubject, account.Feed.ETag, account.Feed.LastModified)
	if err != nil {
		feed := account.Feed
		feed.LastRefreshAt = &now
		feed.ConsecutiveFailures++
		if uerr := part.UpdateFeedState(ctx, accountID, feed); uerr != nil {
			return nil, uerr
		}
		var fe *FetchError
		if errors.As(err, &fe) {
			s.logger.Warn().
				Str("account_id", accountID).
				Int("status", fe.Status).
				Str("category", string(fe.Category)).
				Int("consecutive_failures", feed.ConsecutiveFailures).
				Msg("feed refresh failed")
			s.countRefresh(OutcomeError, fe.Category)
			return &RefreshResult{Outcome: OutcomeError, Category: fe.Category}, nil
		}
		return nil, err
	}

	feed := account.Feed
	feed.LastRefreshAt = &now
	feed.LastSuccessAt = &now
	feed.ConsecutiveFailures = 0

	if fetched.NotModified {
		if err := part.UpdateFeedState(ctx, accountID, feed); err != nil {
			return nil, err
		}
		s.countRefresh(OutcomeUnchanged, "")
		return &RefreshResult{Outcome: OutcomeUnchanged}, nil
	}

	hash := contentHash(fetched.Body)
	if hash == feed.ContentHash {
		feed.ETag = fetched.ETag
		feed.LastModified = fetched.LastModified
		if err := part.UpdateFeedState(ctx, accountID, feed); err != nil {
			return nil, err
		}
		s.countRefresh(OutcomeUnchanged, "")
		return &RefreshResult{Outcome: OutcomeUnchanged}, nil
	}

	events, err := ical.ParseCalendar(fetched.Body)
	if err != nil {
		feed.ConsecutiveFailures = account.Feed.ConsecutiveFailures + 1
		feed.LastSuccessAt = account.Feed.LastSuccessAt
		if uerr := part.UpdateFeedState(ctx, accountID, feed); uerr != nil {
			return nil, uerr
		}
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	existing, err := part.GetAccountEvents(ctx, accountID)
	if err != nil {
		return nil, err
	}
	diff := DiffEvents(existing, events)

	if !diff.Empty() {
		upserts := make([]storage.EventUpsert, 0, len(diff.Added)+len(diff.Modified))
		for _, ev := range diff.Added {
			upserts = append(upserts, Upsert(ev))
		}
		for _, ev := range diff.Modified {
			upserts = append(upserts, Upsert(ev))
		}
		applyStart := time.Now()
		result, err := part.ApplyDelta(ctx, accountID, upserts, diff.Deleted)
		if err != nil {
			return nil, err
		}
		s.observeDelta(result, time.Since(applyStart))
	}

	feed.ContentHash = hash
	feed.ETag = fetched.ETag
	feed.LastModified = fetched.LastModified
	if err := part.UpdateFeedState(ctx, accountID, feed); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("account_id", accountID).
		Int("added", len(diff.Added)).
		Int("modified", len(diff.Modified)).
		Int("deleted", len(diff.Deleted)).
		Msg("feed refreshed")
	s.countRefresh(OutcomeUpdated, "")
	return &RefreshResult{
		Outcome:  OutcomeUpdated,
		Added:    len(diff.Added),
		Modified: len(diff.Modified),
		Deleted:  len(diff.Deleted),
	}, nil
}

// fetchAndApply performs the initial import for a freshly attached feed.
func (s *Service) fetchAndApply(ctx context.Context, part storage.Partition, account *storage.Account, now time.Time) (*storage.DeltaResult, error) {
	fetched, err := s.fetcher.Fetch(ctx, account.ProviderSubject, "", "")
	if err != nil {
		return nil, err
	}
	events, err := ical.ParseCalendar(fetched.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	upserts := make([]storage.EventUpsert, 0, len(events))
	for _, ev := range events {
		upserts = append(upserts, Upsert(ev))
	}
	applyStart := time.Now()
	result, err := part.ApplyDelta(ctx, account.ID, upserts, nil)
	if err != nil {
		return nil, err
	}
	s.observeDelta(result, time.Since(applyStart))
	feed := account.Feed
	feed.LastRefreshAt = &now
	feed.LastSuccessAt = &now
	feed.ContentHash = contentHash(fetched.Body)
	feed.ETag = fetched.ETag
	feed.LastModified = fetched.LastModified
	if err := part.UpdateFeedState(ctx, account.ID, feed); err != nil {
		return nil, err
	}
	return result, nil
}

func contentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
