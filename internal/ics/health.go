package ics

import (
	"context"
	"fmt"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

type Staleness string

const (
	StalenessFresh Staleness = "fresh"
	StalenessStale Staleness = "stale"
	StalenessDead  Staleness = "dead"
)

const deadAfter = 24 * time.Hour

// ClassifyStaleness buckets a feed by the age of its last successful
// refresh: fresh under one interval, stale up to 24 hours, dead beyond that
// or when the feed never succeeded.
func ClassifyStaleness(feed storage.FeedState, now time.Time) Staleness {
	if feed.LastSuccessAt == nil {
		return StalenessDead
	}
	age := now.Sub(*feed.LastSuccessAt)
	interval := feed.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	switch {
	case age < interval:
		return StalenessFresh
	case age < deadAfter:
		return StalenessStale
	default:
		return StalenessDead
	}
}

type FeedHealth struct {
	AccountID           string     `json:"account_id"`
	Staleness           Staleness  `json:"staleness"`
	IsDead              bool       `json:"is_dead"`
	LastRefreshAt       *time.Time `json:"last_refresh_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RefreshIntervalMS   int64      `json:"refresh_interval_ms"`
}

func (s *Service) Health(ctx context.Context, userID, accountID string, now time.Time) (*FeedHealth, error) {
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
	staleness := ClassifyStaleness(account.Feed, now)
	interval := account.Feed.RefreshInterval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &FeedHealth{
		AccountID:           accountID,
		Staleness:           staleness,
		IsDead:              staleness == StalenessDead,
		LastRefreshAt:       account.Feed.LastRefreshAt,
		ConsecutiveFailures: account.Feed.ConsecutiveFailures,
		RefreshIntervalMS:   interval.Milliseconds(),
	}, nil
}

// ListFeeds returns the user's active feed accounts.
func (s *Service) ListFeeds(ctx context.Context, userID string) ([]*storage.Account, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	accounts, err := part.ListAccounts(ctx, storage.ProviderICSFeed)
	if err != nil {
		return nil, err
	}
	var active []*storage.Account
	for _, a := range accounts {
		if a.Status == storage.AccountActive {
			active = append(active, a)
		}
	}
	return active, nil
}
