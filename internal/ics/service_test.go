package ics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempora-io/tempora/internal/config"
	"github.com/tempora-io/tempora/internal/delta"
	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
)

// fakePartition implements enough of storage.Partition to drive the feed
// service, reusing the real merge policy from the delta package.
type fakePartition struct {
	storage.Partition
	accounts map[string]*storage.Account
	events   map[string]*storage.CanonicalEvent // keyed by canonical ID
}

func newFakePartition() *fakePartition {
	return &fakePartition{
		accounts: map[string]*storage.Account{},
		events:   map[string]*storage.CanonicalEvent{},
	}
}

func (f *fakePartition) CreateAccount(ctx context.Context, a *storage.Account) error {
	f.accounts[a.ID] = a
	return nil
}

func (f *fakePartition) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	return f.accounts[id], nil
}

func (f *fakePartition) ListAccounts(ctx context.Context, provider storage.Provider) ([]*storage.Account, error) {
	var out []*storage.Account
	for _, a := range f.accounts {
		if provider == "" || a.Provider == provider {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakePartition) UpdateAccountStatus(ctx context.Context, id string, status storage.AccountStatus) error {
	f.accounts[id].Status = status
	return nil
}

func (f *fakePartition) UpdateFeedState(ctx context.Context, id string, feed storage.FeedState) error {
	f.accounts[id].Feed = feed
	return nil
}

func (f *fakePartition) GetAccountEvents(ctx context.Context, accountID string) ([]*storage.CanonicalEvent, error) {
	var out []*storage.CanonicalEvent
	for _, e := range f.events {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakePartition) ReassignAccountEvents(ctx context.Context, from, to string, newSource storage.Source) (int, error) {
	moved := 0
	for _, e := range f.events {
		if e.AccountID == from {
			e.AccountID = to
			if newSource != "" {
				e.Source = newSource
			}
			moved++
		}
	}
	return moved, nil
}

func (f *fakePartition) ApplyDelta(ctx context.Context, accountID string, upserts []storage.EventUpsert, deletes []string) (*storage.DeltaResult, error) {
	now := time.Now().UTC()
	result := &storage.DeltaResult{}
	for _, up := range upserts {
		existing := f.findByOrigin(accountID, up.OriginEventID)
		if existing == nil && up.Payload.Source == storage.SourceProvider && up.Payload.ICalUID != "" {
			if row := f.findFeedByUID(up.Payload.ICalUID); row != nil {
				delta.Takeover(row, accountID, up, now)
				result.Updated++
				continue
			}
		}
		switch delta.Decide(existing, up) {
		case delta.ActionInsert:
			row := delta.New(ids.New(ids.PrefixEvent), accountID, up, now)
			f.events[row.ID] = row
			result.Created++
		case delta.ActionEnrich:
			delta.Enrich(existing, up.Payload, now)
			result.Updated++
		case delta.ActionOverwrite:
			delta.Overwrite(existing, up, now)
			result.Updated++
		}
	}
	for _, origin := range deletes {
		if row := f.findByOrigin(accountID, origin); row != nil {
			delta.Cancel(row, now)
			result.Deleted++
		}
	}
	return result, nil
}

func (f *fakePartition) findByOrigin(accountID, origin string) *storage.CanonicalEvent {
	for _, e := range f.events {
		if e.AccountID == accountID && e.OriginEventID == origin {
			return e
		}
	}
	return nil
}

func (f *fakePartition) findFeedByUID(uid string) *storage.CanonicalEvent {
	for _, e := range f.events {
		if e.Source == storage.SourceICSFeed && e.ICalUID == uid {
			return e
		}
	}
	return nil
}

type fakeStore struct {
	part *fakePartition
}

func (f *fakeStore) Partition(ctx context.Context, userID string) (storage.Partition, error) {
	return f.part, nil
}

func (f *fakeStore) Close() {}

func testConfig() config.FeedConfig {
	return config.FeedConfig{
		RefreshInterval:    15 * time.Minute,
		MinRefreshInterval: 5 * time.Minute,
		FetchTimeout:       5 * time.Second,
		SchedulerPoll:      time.Minute,
		MaxURLLength:       2048,
	}
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, NewFetcher(5*time.Second), testConfig(), zerolog.Nop())
}

const feedBodyV1 = `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:A
DTSTART:20260302T100000Z
DTEND:20260302T110000Z
SUMMARY:Meeting A
SEQUENCE:0
END:VEVENT
BEGIN:VEVENT
UID:B
DTSTART:20260303T100000Z
DTEND:20260303T110000Z
SUMMARY:Meeting B
END:VEVENT
BEGIN:VEVENT
UID:C
DTSTART:20260304T100000Z
DTEND:20260304T110000Z
SUMMARY:Meeting C
END:VEVENT
END:VCALENDAR
`

const feedBodyV2 = `BEGIN:VCALENDAR
VERSION:2.0
BEGIN:VEVENT
UID:A
DTSTART:20260302T140000Z
DTEND:20260302T150000Z
SUMMARY:Meeting A moved
SEQUENCE:2
END:VEVENT
BEGIN:VEVENT
UID:C
DTSTART:20260304T100000Z
DTEND:20260304T110000Z
SUMMARY:Meeting C
END:VEVENT
BEGIN:VEVENT
UID:D
DTSTART:20260305T100000Z
DTEND:20260305T110000Z
SUMMARY:Meeting D
END:VEVENT
END:VCALENDAR
`

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status     int
		category   ErrorCategory
		retryable  bool
		userAction bool
	}{
		{404, CategoryDead, false, true},
		{410, CategoryDead, false, true},
		{401, CategoryAuthRequired, false, true},
		{403, CategoryAuthRequired, false, true},
		{429, CategoryRateLimited, true, false},
		{500, CategoryServerError, true, false},
		{503, CategoryServerError, true, false},
		{0, CategoryTimeout, true, false},
	}
	for _, tt := range tests {
		fe := ClassifyStatus(tt.status)
		assert.Equal(t, tt.category, fe.Category, "status %d", tt.status)
		assert.Equal(t, tt.retryable, fe.Retryable, "status %d", tt.status)
		assert.Equal(t, tt.userAction, fe.UserActionRequired, "status %d", tt.status)
	}
}

func TestClassifyStaleness(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	interval := 15 * time.Minute

	fresh := now.Add(-10 * time.Minute)
	stale := now.Add(-2 * time.Hour)
	dead := now.Add(-25 * time.Hour)

	assert.Equal(t, StalenessFresh, ClassifyStaleness(storage.FeedState{LastSuccessAt: &fresh, RefreshInterval: interval}, now))
	assert.Equal(t, StalenessStale, ClassifyStaleness(storage.FeedState{LastSuccessAt: &stale, RefreshInterval: interval}, now))
	assert.Equal(t, StalenessDead, ClassifyStaleness(storage.FeedState{LastSuccessAt: &dead, RefreshInterval: interval}, now))
	assert.Equal(t, StalenessDead, ClassifyStaleness(storage.FeedState{RefreshInterval: interval}, now), "never refreshed is dead")
}

func TestValidateFeedURL(t *testing.T) {
	svc := newTestService(&fakeStore{part: newFakePartition()})

	assert.NoError(t, svc.ValidateFeedURL("https://calendar.example.com/basic.ics"))
	assert.Error(t, svc.ValidateFeedURL("http://calendar.example.com/basic.ics"))
	assert.Error(t, svc.ValidateFeedURL(""))
	assert.Error(t, svc.ValidateFeedURL("https://"))

	long := "https://example.com/" + string(make([]byte, 3000))
	assert.Error(t, svc.ValidateFeedURL(long))
}

func TestAddFeedAndRefreshDiff(t *testing.T) {
	body := feedBodyV1
	etag := `"v1"`
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	part := newFakePartition()
	svc := NewService(&fakeStore{part: part}, &Fetcher{client: server.Client(), retries: 1}, testConfig(), zerolog.Nop())

	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	added, err := svc.AddFeed(context.Background(), "usr-1", server.URL+"/cal.ics", now)
	require.NoError(t, err)
	assert.Equal(t, 3, added.EventsImported)

	// Refresh within the minimum interval is rate limited.
	result, err := svc.RefreshFeed(context.Background(), "usr-1", added.AccountID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, result.Outcome)

	// Unchanged content answers 304 via the stored ETag.
	result, err = svc.RefreshFeed(context.Background(), "usr-1", added.AccountID, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, result.Outcome)

	// New body: {A(SEQ=2), C, D} against {A, B, C}.
	body = feedBodyV2
	etag = `"v2"`
	result, err = svc.RefreshFeed(context.Background(), "usr-1", added.AccountID, now.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUpdated, result.Outcome)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.Modified)
	assert.Equal(t, 1, result.Deleted)

	// B is tombstoned, not dropped.
	b := part.findByOrigin(added.AccountID, "B")
	require.NotNil(t, b)
	assert.Equal(t, storage.EventCancelled, b.Status)
	assert.Empty(t, b.Title)
}

func TestRefreshFeedDeadFeed(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	part := newFakePartition()
	svc := NewService(&fakeStore{part: part}, &Fetcher{client: server.Client(), retries: 1}, testConfig(), zerolog.Nop())

	account := &storage.Account{
		ID:              "acc_feed",
		Provider:        storage.ProviderICSFeed,
		ProviderSubject: server.URL,
		Status:          storage.AccountActive,
	}
	require.NoError(t, part.CreateAccount(context.Background(), account))

	result, err := svc.RefreshFeed(context.Background(), "usr-1", "acc_feed", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, CategoryDead, result.Category)
	assert.Equal(t, 1, part.accounts["acc_feed"].Feed.ConsecutiveFailures)
}

func TestUpgradePreservesIdentity(t *testing.T) {
	part := newFakePartition()
	store := &fakeStore{part: part}
	svc := newTestService(store)
	ctx := context.Background()

	icsAccount := &storage.Account{ID: "acc_ics", Provider: storage.ProviderICSFeed, Status: storage.AccountActive}
	oauthAccount := &storage.Account{ID: "acc_oauth", Provider: storage.ProviderGoogle, Status: storage.AccountPending, WriteCapable: true}
	require.NoError(t, part.CreateAccount(ctx, icsAccount))
	require.NoError(t, part.CreateAccount(ctx, oauthAccount))

	// Feed event: UID shared@g, SEQ=0, no attendees.
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	feedRow := &storage.CanonicalEvent{
		ID:            "evt_feed",
		AccountID:     "acc_ics",
		OriginEventID: "shared@g",
		ICalUID:       "shared@g",
		Title:         "Shared meeting",
		Start:         start,
		End:           start.Add(time.Hour),
		Status:        storage.EventConfirmed,
		Source:        storage.SourceICSFeed,
		Version:       1,
	}
	part.events[feedRow.ID] = feedRow
	orphanRow := &storage.CanonicalEvent{
		ID:            "evt_orphan",
		AccountID:     "acc_ics",
		OriginEventID: "only-in-feed@g",
		ICalUID:       "only-in-feed@g",
		Title:         "Feed only",
		Start:         start.Add(24 * time.Hour),
		End:           start.Add(25 * time.Hour),
		Status:        storage.EventConfirmed,
		Source:        storage.SourceICSFeed,
		Version:       1,
	}
	part.events[orphanRow.ID] = orphanRow

	// Provider side: same UID, SEQ=1, two attendees and a hangout link.
	upserts := []storage.EventUpsert{{
		OriginEventID: "google-1",
		Version:       2,
		Payload: storage.EventPayload{
			ICalUID: "shared@g",
			Title:   "Shared meeting",
			Start:   start,
			End:     start.Add(time.Hour),
			Status:  storage.EventConfirmed,
			Source:  storage.SourceProvider,
			Attendees: []storage.Attendee{
				{Email: "lee@example.com"},
				{Email: "kim@example.com"},
			},
			Conference: &storage.ConferenceData{URL: "https://meet.google.com/abc", Provider: "hangouts"},
		},
	}}

	result, err := svc.Upgrade(ctx, "usr-1", "acc_ics", "acc_oauth", upserts)
	require.NoError(t, err)

	assert.Equal(t, storage.ProviderGoogle, result.DetectedProvider)
	assert.Equal(t, 1, result.MergedCount)
	assert.Equal(t, 0, result.NewCount)
	assert.Equal(t, 1, result.OrphanedCount)
	assert.True(t, result.ICSAccountRemoved)
	assert.True(t, result.OAuthAccountActivated)

	require.Len(t, result.Merges, 1)
	merge := result.Merges[0]
	assert.Equal(t, "evt_feed", merge.CanonicalEventID, "canonical id survives")
	assert.Equal(t, "ical_uid", merge.MatchedBy)
	assert.Equal(t, 1.0, merge.Confidence)
	assert.Subset(t, merge.EnrichedFields, []string{"attendees", "conference_data"})

	merged := part.events["evt_feed"]
	assert.Equal(t, "acc_oauth", merged.AccountID)
	assert.Len(t, merged.Attendees, 2)
	require.NotNil(t, merged.Conference)
	assert.Equal(t, "https://meet.google.com/abc", merged.Conference.URL)
	assert.Equal(t, storage.SourceProvider, merged.Source)

	// Orphan preserved under the OAuth account with its feed source intact.
	orphan := part.events["evt_orphan"]
	assert.Equal(t, "acc_oauth", orphan.AccountID)
	assert.Equal(t, storage.SourceICSFeed, orphan.Source)

	assert.Equal(t, storage.AccountUpgraded, part.accounts["acc_ics"].Status)
	assert.Equal(t, storage.AccountActive, part.accounts["acc_oauth"].Status)
}

func TestDowngrade(t *testing.T) {
	part := newFakePartition()
	svc := newTestService(&fakeStore{part: part})
	ctx := context.Background()

	oauth := &storage.Account{ID: "acc_oauth", Provider: storage.ProviderGoogle, Status: storage.AccountActive, WriteCapable: true}
	require.NoError(t, part.CreateAccount(ctx, oauth))
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		id := ids.New(ids.PrefixEvent)
		part.events[id] = &storage.CanonicalEvent{
			ID:        id,
			AccountID: "acc_oauth",
			Start:     start,
			End:       start.Add(time.Hour),
			Source:    storage.SourceProvider,
			Status:    storage.EventConfirmed,
		}
	}

	result, err := svc.Downgrade(ctx, "usr-1", "acc_oauth", "https://calendar.google.com/basic.ics")
	require.NoError(t, err)
	assert.Equal(t, 50, result.PreservedEventCount)
	assert.Equal(t, "read_only", result.Mode)
	assert.Empty(t, result.Warning)
	assert.Equal(t, storage.AccountDowngraded, part.accounts["acc_oauth"].Status)

	for _, e := range part.events {
		assert.Equal(t, result.NewFeedAccountID, e.AccountID)
		assert.Equal(t, storage.SourceICSFeed, e.Source)
	}

	// Without a feed URL the snapshot is preserved but carries a warning.
	part2 := newFakePartition()
	svc2 := newTestService(&fakeStore{part: part2})
	require.NoError(t, part2.CreateAccount(ctx, &storage.Account{ID: "acc_o2", Provider: storage.ProviderGoogle, Status: storage.AccountActive}))
	res2, err := svc2.Downgrade(ctx, "usr-1", "acc_o2", "")
	require.NoError(t, err)
	assert.Contains(t, res2.Warning, "refresh")
}
