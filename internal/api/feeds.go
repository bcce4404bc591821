package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/tempora-io/tempora/internal/ics"
	"github.com/tempora-io/tempora/internal/storage"
)

func (s *Server) handleAddFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	var body struct {
		URL string `json:"url"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	result, err := s.feeds.AddFeed(r.Context(), userID, body.URL, time.Now().UTC())
	if err != nil {
		respondErr(w, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Register(userID, result.AccountID)
	}
	respond(w, http.StatusCreated, result)
}

func (s *Server) handleListFeeds(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	accounts, err := s.feeds.ListFeeds(r.Context(), userID)
	if err != nil {
		respondErr(w, err)
		return
	}
	views := lo.Map(accounts, func(a *storage.Account, _ int) *feedView {
		return feedViewOf(a)
	})
	respond(w, http.StatusOK, views)
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	result, err := s.feeds.RefreshFeed(r.Context(), userID, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		respondErr(w, err)
		return
	}
	if result.Outcome == ics.OutcomeRateLimited {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "feed refreshed too recently")
		return
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleFeedHealth(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	health, err := s.feeds.Health(r.Context(), userID, chi.URLParam(r, "id"), time.Now().UTC())
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, health)
}

// upsertBody is the wire shape of one provider event supplied to an upgrade.
// The provider sync runtime that would normally produce these lives outside
// this service, so the caller hands over the snapshot.
type upsertBody struct {
	OriginEventID string                  `json:"origin_event_id"`
	ICalUID       string                  `json:"ical_uid"`
	Title         string                  `json:"title"`
	Description   string                  `json:"description"`
	Location      string                  `json:"location"`
	Start         time.Time               `json:"start"`
	End           time.Time               `json:"end"`
	AllDay        bool                    `json:"all_day"`
	Timezone      string                  `json:"timezone"`
	Status        storage.EventStatus     `json:"status"`
	Transparency  storage.Transparency    `json:"transparency"`
	Version       int64                   `json:"version"`
	Attendees     []storage.Attendee      `json:"attendees"`
	Organizer     *storage.Organizer      `json:"organizer"`
	Conference    *storage.ConferenceData `json:"conference_data"`
	MeetingURL    string                  `json:"meeting_url"`
}

func (b upsertBody) toUpsert() storage.EventUpsert {
	status := b.Status
	if status == "" {
		status = storage.EventConfirmed
	}
	transparency := b.Transparency
	if transparency == "" {
		transparency = storage.TransparencyOpaque
	}
	return storage.EventUpsert{
		OriginEventID: b.OriginEventID,
		Version:       b.Version,
		Payload: storage.EventPayload{
			ICalUID:      b.ICalUID,
			Title:        b.Title,
			Description:  b.Description,
			Location:     b.Location,
			Start:        b.Start,
			End:          b.End,
			AllDay:       b.AllDay,
			Timezone:     b.Timezone,
			Status:       status,
			Transparency: transparency,
			Source:       storage.SourceProvider,
			Attendees:    b.Attendees,
			Organizer:    b.Organizer,
			Conference:   b.Conference,
			MeetingURL:   b.MeetingURL,
		},
	}
}

func (s *Server) handleUpgradeFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	var body struct {
		OAuthAccountID string       `json:"oauth_account_id"`
		Events         []upsertBody `json:"events"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.OAuthAccountID == "" {
		respondErr(w, fmt.Errorf("%w: oauth_account_id required", storage.ErrInvalidArgument))
		return
	}

	icsAccountID := chi.URLParam(r, "id")
	upserts := lo.Map(body.Events, func(b upsertBody, _ int) storage.EventUpsert {
		return b.toUpsert()
	})
	result, err := s.feeds.Upgrade(r.Context(), userID, icsAccountID, body.OAuthAccountID, upserts)
	if err != nil {
		respondErr(w, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Unregister(icsAccountID)
	}
	respond(w, http.StatusOK, result)
}

func (s *Server) handleDowngradeFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "auth_required", "missing principal")
		return
	}
	var body struct {
		OAuthAccountID string `json:"oauth_account_id"`
		FeedURL        string `json:"feed_url"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if body.OAuthAccountID == "" {
		respondErr(w, fmt.Errorf("%w: oauth_account_id required", storage.ErrInvalidArgument))
		return
	}
	result, err := s.feeds.Downgrade(r.Context(), userID, body.OAuthAccountID, body.FeedURL)
	if err != nil {
		respondErr(w, err)
		return
	}
	if s.scheduler != nil && result.FeedURL != "" {
		s.scheduler.Register(userID, result.NewFeedAccountID)
	}
	respond(w, http.StatusOK, result)
}
