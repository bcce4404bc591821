package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tempora-io/tempora/internal/auth"
	"github.com/tempora-io/tempora/internal/config"
	"github.com/tempora-io/tempora/internal/governance"
	"github.com/tempora-io/tempora/internal/ics"
	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/objstore"
	"github.com/tempora-io/tempora/internal/onboarding"
	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/internal/storage/sqlite"
)

const testUser = "usr_api"

func testHandler(t *testing.T, tier auth.Tier) (http.Handler, storage.Store) {
	t.Helper()

	store, err := sqlite.New(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	objects, err := objstore.NewFS(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	cfg := &config.Config{
		HTTP: config.HTTPConfig{BasePath: "/v1"},
		Feed: config.FeedConfig{
			RefreshInterval:    15 * time.Minute,
			MinRefreshInterval: 5 * time.Minute,
			FetchTimeout:       5 * time.Second,
			MaxURLLength:       2048,
		},
	}

	srv := &Server{
		cfg:        cfg,
		store:      store,
		onboarding: onboarding.NewService(store, 0, zerolog.Nop()),
		feeds:      ics.NewService(store, ics.NewFetcher(cfg.Feed.FetchTimeout), cfg.Feed, zerolog.Nop()),
		governance: governance.NewService(store, objects, zerolog.Nop()),
		logger:     zerolog.Nop(),
		authMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				p := &auth.Principal{UserID: testUser, Tier: tier}
				next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
			})
		},
	}
	return srv.Routes(), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthz(t *testing.T) {
	h, _ := testHandler(t, auth.TierFree)
	rec, _ := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestOnboardingFlow(t *testing.T) {
	h, _ := testHandler(t, auth.TierFree)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/onboarding/session", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, out["ok"])
	session := out["data"].(map[string]any)
	assert.Equal(t, "welcome", session["step"])

	// A second unfinished session conflicts unless replaced.
	rec, out = doJSON(t, h, http.MethodPost, "/v1/onboarding/session", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "session_exists", out["error_code"])

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/onboarding/session?replace=true", nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	account := map[string]any{
		"account_id": "acc_1",
		"provider":   "google",
		"email":      "a@example.com",
		"status":     "connected",
	}
	rec, out = doJSON(t, h, http.MethodPost, "/v1/onboarding/session/account", account)
	require.Equal(t, http.StatusOK, rec.Code)
	session = out["data"].(map[string]any)
	assert.Equal(t, "connecting", session["step"])
	assert.Len(t, session["accounts"], 1)

	// Idempotent: same account_id updates in place.
	account["status"] = "synced"
	rec, out = doJSON(t, h, http.MethodPost, "/v1/onboarding/session/account", account)
	require.Equal(t, http.StatusOK, rec.Code)
	session = out["data"].(map[string]any)
	require.Len(t, session["accounts"], 1)
	got := session["accounts"].([]any)[0].(map[string]any)
	assert.Equal(t, "synced", got["status"])

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/onboarding/session/complete", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out = doJSON(t, h, http.MethodGet, "/v1/onboarding/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := out["data"].(map[string]any)
	assert.Equal(t, false, status["active"])
	assert.Equal(t, float64(1), status["account_count"])

	// Completed sessions reject further accounts.
	rec, out = doJSON(t, h, http.MethodPost, "/v1/onboarding/session/account", account)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "session_complete", out["error_code"])
}

func TestAddFeedRejectsPlainHTTP(t *testing.T) {
	h, _ := testHandler(t, auth.TierFree)
	rec, out := doJSON(t, h, http.MethodPost, "/v1/feeds", map[string]any{
		"url": "http://example.com/cal.ics",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", out["error_code"])
}

func TestTierGating(t *testing.T) {
	free, _ := testHandler(t, auth.TierFree)
	rec, out := doJSON(t, free, http.MethodGet, "/v1/vip-policies", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", out["error_code"])

	premium, _ := testHandler(t, auth.TierPremium)
	rec, out = doJSON(t, premium, http.MethodGet, "/v1/vip-policies", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])

	// Enterprise sits above premium and passes the same gate.
	enterprise, _ := testHandler(t, auth.TierEnterprise)
	rec, out = doJSON(t, enterprise, http.MethodGet, "/v1/vip-policies", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
}

func TestVipPolicyStoresHashNotEmail(t *testing.T) {
	h, _ := testHandler(t, auth.TierPremium)
	rec, out := doJSON(t, h, http.MethodPost, "/v1/vip-policies", map[string]any{
		"email":           " Boss@Example.COM ",
		"display_name":    "Boss",
		"priority_weight": 9.5,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	policy := out["data"].(map[string]any)
	assert.Equal(t, participantHash("boss@example.com"), policy["participant_hash"])
	assert.NotContains(t, rec.Body.String(), "Example.COM")
}

func TestAllocationLifecycle(t *testing.T) {
	h, store := testHandler(t, auth.TierFree)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	part, err := store.Partition(ctx, testUser)
	require.NoError(t, err)
	accountID := ids.New(ids.PrefixAccount)
	require.NoError(t, part.CreateAccount(ctx, &storage.Account{
		ID:              accountID,
		Provider:        storage.ProviderGoogle,
		ProviderSubject: "subject-1",
		Status:          storage.AccountActive,
	}))
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	result, err := part.ApplyDelta(ctx, accountID, []storage.EventUpsert{{
		OriginEventID: "orig-1",
		Version:       1,
		Payload: storage.EventPayload{
			Title:        "Client workshop",
			Start:        start,
			End:          start.Add(2 * time.Hour),
			Status:       storage.EventConfirmed,
			Transparency: storage.TransparencyOpaque,
			Source:       storage.SourceProvider,
		},
	}}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, result.Created)

	events, err := part.GetAccountEvents(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	eventID := events[0].ID

	rec, out := doJSON(t, h, http.MethodPost, "/v1/events/"+eventID+"/allocation", map[string]any{
		"category":  "BILLABLE",
		"client_id": "client-acme",
		"rate":      250.0,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	allocation := out["data"].(map[string]any)
	assert.Equal(t, "BILLABLE", allocation["category"])
	assert.Equal(t, float64(1), allocation["confidence"])

	rec, out = doJSON(t, h, http.MethodGet, "/v1/events/"+eventID+"/allocation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "client-acme", out["data"].(map[string]any)["client_id"])

	// Billable without a client is rejected.
	rec, out = doJSON(t, h, http.MethodPost, "/v1/events/"+eventID+"/allocation", map[string]any{
		"category": "BILLABLE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", out["error_code"])

	rec, out = doJSON(t, h, http.MethodPost, "/v1/events/evt_missing/allocation", map[string]any{
		"category": "INTERNAL",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", out["error_code"])
}

func TestListEventsEnvelope(t *testing.T) {
	h, store := testHandler(t, auth.TierFree)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	part, err := store.Partition(ctx, testUser)
	require.NoError(t, err)
	accountID := ids.New(ids.PrefixAccount)
	require.NoError(t, part.CreateAccount(ctx, &storage.Account{
		ID:              accountID,
		Provider:        storage.ProviderGoogle,
		ProviderSubject: "subject-2",
		Status:          storage.AccountActive,
	}))
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	var upserts []storage.EventUpsert
	for i := 0; i < 3; i++ {
		upserts = append(upserts, storage.EventUpsert{
			OriginEventID: ids.New(ids.PrefixEvent),
			Version:       1,
			Payload: storage.EventPayload{
				Title:        "Standup",
				Start:        day.Add(time.Duration(9+i) * time.Hour),
				End:          day.Add(time.Duration(10+i) * time.Hour),
				Status:       storage.EventConfirmed,
				Transparency: storage.TransparencyOpaque,
				Source:       storage.SourceProvider,
			},
		})
	}
	_, err = part.ApplyDelta(ctx, accountID, upserts, nil)
	require.NoError(t, err)

	rec, out := doJSON(t, h, http.MethodGet,
		"/v1/events?start=2026-03-02T00:00:00Z&end=2026-03-03T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, out["ok"])
	assert.Len(t, out["data"], 3)
	meta := out["meta"].(map[string]any)
	assert.Equal(t, false, meta["has_more"])

	// Missing range parameters are a client error.
	rec, out = doJSON(t, h, http.MethodGet, "/v1/events", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", out["error_code"])
}

func TestCommitmentStatusEndpoint(t *testing.T) {
	h, _ := testHandler(t, auth.TierPremium)

	rec, out := doJSON(t, h, http.MethodPost, "/v1/commitments", map[string]any{
		"client_id":    "client-acme",
		"client_name":  "Acme",
		"target_hours": 20,
		"window_type":  "WEEKLY",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	commitment := out["data"].(map[string]any)
	id := commitment["commitment_id"].(string)
	assert.Equal(t, float64(1), commitment["rolling_window_weeks"])

	rec, out = doJSON(t, h, http.MethodGet, "/v1/commitments/"+id+"/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := out["data"].(map[string]any)
	// Nothing billed yet: 0 of 20 hours reads as under.
	assert.Equal(t, "under", status["status"])

	rec, out = doJSON(t, h, http.MethodGet, "/v1/commitments/cmt_missing/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", out["error_code"])
}

func TestAnalyticsEndpoints(t *testing.T) {
	h, _ := testHandler(t, auth.TierFree)

	rec, out := doJSON(t, h, http.MethodGet, "/v1/cognitive-load?date=2026-03-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	days := out["data"].([]any)
	require.Len(t, days, 1)
	load := days[0].(map[string]any)
	assert.Equal(t, "2026-03-02", load["date"])
	assert.Equal(t, float64(0), load["score"])

	rec, out = doJSON(t, h, http.MethodGet,
		"/v1/probabilistic-availability?start=2026-03-02T09:00:00Z&end=2026-03-02T10:00:00Z&granularity_minutes=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := out["data"].([]any)
	require.Len(t, slots, 2)
	assert.Equal(t, float64(1), slots[0].(map[string]any)["p_free"])

	rec, out = doJSON(t, h, http.MethodGet, "/v1/risk-scores?weeks=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scores := out["data"].(map[string]any)
	assert.Equal(t, "LOW", scores["risk_level"])

	rec, out = doJSON(t, h, http.MethodGet, "/v1/cognitive-load?date=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", out["error_code"])
}

func TestAnalyticsExpandRecurringEvents(t *testing.T) {
	h, store := testHandler(t, auth.TierFree)

	ctx := httptest.NewRequest(http.MethodGet, "/", nil).Context()
	part, err := store.Partition(ctx, testUser)
	require.NoError(t, err)
	accountID := ids.New(ids.PrefixAccount)
	require.NoError(t, part.CreateAccount(ctx, &storage.Account{
		ID:              accountID,
		Provider:        storage.ProviderGoogle,
		ProviderSubject: "subject-3",
		Status:          storage.AccountActive,
	}))

	// Weekly series whose base instance sits two months before the window
	// the analytics endpoints query.
	seriesStart := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) // a Monday
	_, err = part.ApplyDelta(ctx, accountID, []storage.EventUpsert{{
		OriginEventID: "orig-weekly",
		Version:       1,
		Payload: storage.EventPayload{
			Title:          "Weekly sync",
			Start:          seriesStart,
			End:            seriesStart.Add(time.Hour),
			Status:         storage.EventConfirmed,
			Transparency:   storage.TransparencyOpaque,
			RecurrenceRule: "FREQ=WEEKLY;COUNT=52",
			Source:         storage.SourceProvider,
		},
	}}, nil)
	require.NoError(t, err)

	// 2026-03-02 is the ninth Monday of the series.
	rec, out := doJSON(t, h, http.MethodGet,
		"/v1/probabilistic-availability?start=2026-03-02T09:00:00Z&end=2026-03-02T10:00:00Z&granularity_minutes=60", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slots := out["data"].([]any)
	require.Len(t, slots, 1)
	assert.InDelta(t, 0.05, slots[0].(map[string]any)["p_free"].(float64), 1e-9)

	rec, out = doJSON(t, h, http.MethodGet, "/v1/cognitive-load?date=2026-03-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	days := out["data"].([]any)
	require.Len(t, days, 1)
	assert.Greater(t, days[0].(map[string]any)["score"].(float64), float64(0))

	// The canonical listing keeps stored rows unexpanded.
	rec, out = doJSON(t, h, http.MethodGet,
		"/v1/events?start=2026-03-02T00:00:00Z&end=2026-03-03T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, out["data"], 0)
}

func TestDeepWorkWorkingDaysParam(t *testing.T) {
	h, _ := testHandler(t, auth.TierFree)

	rec, out := doJSON(t, h, http.MethodGet, "/v1/deep-work?date=2026-03-02&working_days=3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(12), out["data"].(map[string]any)["protected_hours_target"])

	// Default stays a five-day week.
	rec, out = doJSON(t, h, http.MethodGet, "/v1/deep-work?date=2026-03-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(20), out["data"].(map[string]any)["protected_hours_target"])

	rec, out = doJSON(t, h, http.MethodGet, "/v1/deep-work?date=2026-03-02&working_days=8", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_argument", out["error_code"])
}
