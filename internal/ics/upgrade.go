package ics

import (
	"context"
	"fmt"
	"time"

	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
)

// MergeRecord describes one matched event pair in an upgrade.
type MergeRecord struct {
	CanonicalEventID string   `json:"canonical_event_id"`
	ICalUID          string   `json:"ical_uid"`
	MatchedBy        string   `json:"matched_by"`
	Confidence       float64  `json:"confidence"`
	EnrichedFields   []string `json:"enriched_fields"`
}

type UpgradeResult struct {
	DetectedProvider      storage.Provider `json:"detected_provider"`
	MergedCount           int              `json:"merged_count"`
	NewCount              int              `json:"new_count"`
	OrphanedCount         int              `json:"orphaned_count"`
	ICSAccountRemoved     bool             `json:"ics_account_removed"`
	OAuthAccountActivated bool             `json:"oauth_account_activated"`
	Merges                []MergeRecord    `json:"merges"`
}

// Upgrade merges a feed account into a freshly connected OAuth account for
// the same calendar. Matching is exact iCalUID; canonical IDs survive and no
// feed event is lost.
func (s *Service) Upgrade(ctx context.Context, userID, icsAccountID, oauthAccountID string, upserts []storage.EventUpsert) (*UpgradeResult, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	icsAccount, err := part.GetAccount(ctx, icsAccountID)
	if err != nil {
		return nil, err
	}
	if icsAccount == nil || icsAccount.Provider != storage.ProviderICSFeed {
		return nil, fmt.Errorf("%w: feed account %s", storage.ErrNotFound, icsAccountID)
	}
	oauthAccount, err := part.GetAccount(ctx, oauthAccountID)
	if err != nil {
		return nil, err
	}
	if oauthAccount == nil || oauthAccount.Provider == storage.ProviderICSFeed {
		return nil, fmt.Errorf("%w: oauth account %s", storage.ErrNotFound, oauthAccountID)
	}

	icsEvents, err := part.GetAccountEvents(ctx, icsAccountID)
	if err != nil {
		return nil, err
	}
	byUID := make(map[string]*storage.CanonicalEvent, len(icsEvents))
	for _, e := range icsEvents {
		if e.ICalUID != "" {
			byUID[e.ICalUID] = e
		}
	}

	// Plan the merge before applying: the delta path re-points matched rows
	// by iCalUID, so the records here mirror what ApplyDelta will commit.
	var merges []MergeRecord
	for _, up := range upserts {
		row, ok := byUID[up.Payload.ICalUID]
		if !ok {
			continue
		}
		merges = append(merges, MergeRecord{
			CanonicalEventID: row.ID,
			ICalUID:          up.Payload.ICalUID,
			MatchedBy:        "ical_uid",
			Confidence:       1.0,
			EnrichedFields:   enrichedFields(row, up.Payload),
		})
	}

	applyStart := time.Now()
	result, err := part.ApplyDelta(ctx, oauthAccountID, upserts, nil)
	if err != nil {
		return nil, err
	}
	s.observeDelta(result, time.Since(applyStart))

	// Feed events the provider never produced stay reachable under the
	// OAuth account, source unchanged.
	orphaned, err := part.ReassignAccountEvents(ctx, icsAccountID, oauthAccountID, "")
	if err != nil {
		return nil, err
	}

	if err := part.UpdateAccountStatus(ctx, icsAccountID, storage.AccountUpgraded); err != nil {
		return nil, err
	}
	if oauthAccount.Status != storage.AccountActive {
		if err := part.UpdateAccountStatus(ctx, oauthAccountID, storage.AccountActive); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("ics_account_id", icsAccountID).
		Str("oauth_account_id", oauthAccountID).
		Int("merged", len(merges)).
		Int("new", result.Created).
		Int("orphaned", orphaned).
		Msg("feed upgraded to oauth account")

	return &UpgradeResult{
		DetectedProvider:      oauthAccount.Provider,
		MergedCount:           len(merges),
		NewCount:              result.Created,
		OrphanedCount:         orphaned,
		ICSAccountRemoved:     true,
		OAuthAccountActivated: true,
		Merges:                merges,
	}, nil
}

// enrichedFields lists what the merged record gains over the stored feed
// row: provider wins base fields, feed values fill provider gaps, so a field
// is enriched when the outcome has it and the feed row did not.
func enrichedFields(row *storage.CanonicalEvent, p storage.EventPayload) []string {
	var fields []string
	if len(p.Attendees) > 0 && len(row.Attendees) == 0 {
		fields = append(fields, "attendees")
	}
	if p.Organizer != nil && row.Organizer == nil {
		fields = append(fields, "organizer")
	}
	if p.Conference != nil && row.Conference == nil {
		fields = append(fields, "conference_data")
	}
	if p.MeetingURL != "" && row.MeetingURL == "" {
		fields = append(fields, "meeting_url")
	}
	return fields
}

type DowngradeResult struct {
	NewFeedAccountID    string `json:"new_feed_account_id"`
	FeedURL             string `json:"feed_url,omitempty"`
	PreservedEventCount int    `json:"preserved_event_count"`
	Mode                string `json:"mode"`
	Warning             string `json:"warning,omitempty"`
}

// Downgrade converts a revoked OAuth account back to a read-only feed. The
// event snapshot moves to a new ics_feed account; without a feed URL the
// snapshot is frozen and the response says so.
func (s *Service) Downgrade(ctx context.Context, userID, oauthAccountID, feedURL string) (*DowngradeResult, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	oauthAccount, err := part.GetAccount(ctx, oauthAccountID)
	if err != nil {
		return nil, err
	}
	if oauthAccount == nil || oauthAccount.Provider == storage.ProviderICSFeed {
		return nil, fmt.Errorf("%w: oauth account %s", storage.ErrNotFound, oauthAccountID)
	}
	if feedURL != "" {
		if err := s.ValidateFeedURL(feedURL); err != nil {
			return nil, err
		}
	}

	subject := feedURL
	if subject == "" {
		subject = "offline:" + oauthAccountID
	}
	feedAccount := &storage.Account{
		ID:              ids.New(ids.PrefixAccount),
		Provider:        storage.ProviderICSFeed,
		ProviderSubject: subject,
		Email:           oauthAccount.Email,
		Status:          storage.AccountActive,
		WriteCapable:    false,
		Feed:            storage.FeedState{RefreshInterval: s.cfg.RefreshInterval},
	}
	if err := part.CreateAccount(ctx, feedAccount); err != nil {
		return nil, err
	}

	moved, err := part.ReassignAccountEvents(ctx, oauthAccountID, feedAccount.ID, storage.SourceICSFeed)
	if err != nil {
		return nil, err
	}
	if err := part.UpdateAccountStatus(ctx, oauthAccountID, storage.AccountDowngraded); err != nil {
		return nil, err
	}

	result := &DowngradeResult{
		NewFeedAccountID:    feedAccount.ID,
		FeedURL:             feedURL,
		PreservedEventCount: moved,
		Mode:                "read_only",
	}
	if feedURL == "" {
		result.Warning = "no public feed url available; events are preserved but will not refresh automatically"
	}
	s.logger.Info().
		Str("user_id", userID).
		Str("oauth_account_id", oauthAccountID).
		Str("feed_account_id", feedAccount.ID).
		Int("preserved", moved).
		Msg("oauth account downgraded to feed")
	return result, nil
}
