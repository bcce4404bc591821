package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
	"github.com/tempora-io/tempora/pkg/ical"
)

const (
	defaultPageSize = 250
	maxPageSize     = 1000
)

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	start, err := parseTimeParam(r, "start")
	if err != nil {
		respondErr(w, err)
		return
	}
	end, err := parseTimeParam(r, "end")
	if err != nil {
		respondErr(w, err)
		return
	}
	if !end.After(start) {
		respondErr(w, fmt.Errorf("%w: end must be after start", storage.ErrInvalidArgument))
		return
	}

	limit := defaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			respondErr(w, fmt.Errorf("%w: limit must be a positive integer", storage.ErrInvalidArgument))
			return
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
	}

	page, err := part.ListEvents(r.Context(), start, end, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		respondErr(w, err)
		return
	}
	views := lo.Map(page.Items, func(e *storage.CanonicalEvent, _ int) *eventView {
		return eventViewOf(e)
	})
	respondMeta(w, http.StatusOK, views, map[string]any{
		"next_cursor": page.NextCursor,
		"has_more":    page.HasMore,
	})
}

func (s *Server) handleCreateAllocation(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	eventID := chi.URLParam(r, "id")

	var body struct {
		Category   storage.BillingCategory `json:"category"`
		ClientID   string                  `json:"client_id"`
		Rate       float64                 `json:"rate"`
		Confidence *float64                `json:"confidence"`
		Locked     bool                    `json:"locked"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	if !storage.ValidBillingCategory(body.Category) {
		respondErr(w, fmt.Errorf("%w: billing category %q", storage.ErrInvalidArgument, body.Category))
		return
	}
	if body.Category == storage.CategoryBillable && body.ClientID == "" {
		respondErr(w, fmt.Errorf("%w: billable allocation requires client_id", storage.ErrInvalidArgument))
		return
	}

	event, err := part.GetEvent(r.Context(), eventID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if event == nil {
		respondErr(w, fmt.Errorf("%w: event %s", storage.ErrNotFound, eventID))
		return
	}

	confidence := 1.0
	if body.Confidence != nil {
		if *body.Confidence < 0 || *body.Confidence > 1 {
			respondErr(w, fmt.Errorf("%w: confidence must be in [0, 1]", storage.ErrInvalidArgument))
			return
		}
		confidence = *body.Confidence
	}
	allocation := &storage.TimeAllocation{
		ID:         ids.New(ids.PrefixAllocation),
		EventID:    eventID,
		Category:   body.Category,
		ClientID:   body.ClientID,
		Rate:       body.Rate,
		Confidence: confidence,
		Locked:     body.Locked,
	}
	if err := part.CreateAllocation(r.Context(), allocation); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, allocationViewOf(allocation))
}

func (s *Server) handleGetAllocation(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	eventID := chi.URLParam(r, "id")
	allocation, err := part.GetAllocationByEvent(r.Context(), eventID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if allocation == nil {
		respondErr(w, fmt.Errorf("%w: no allocation for event %s", storage.ErrNotFound, eventID))
		return
	}
	respond(w, http.StatusOK, allocationViewOf(allocation))
}

func (s *Server) handleAddConstraint(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	var body struct {
		Kind       storage.ConstraintKind `json:"kind"`
		Config     json.RawMessage        `json:"config"`
		ActiveFrom time.Time              `json:"active_from"`
		ActiveTo   time.Time              `json:"active_to"`
	}
	if err := decode(r, &body); err != nil {
		respondErr(w, err)
		return
	}
	switch body.Kind {
	case storage.ConstraintWorkingHours, storage.ConstraintTrip, storage.ConstraintOverride, storage.ConstraintBlock:
	default:
		respondErr(w, fmt.Errorf("%w: constraint kind %q", storage.ErrInvalidArgument, body.Kind))
		return
	}
	if !body.ActiveTo.After(body.ActiveFrom) {
		respondErr(w, fmt.Errorf("%w: active_to must be after active_from", storage.ErrInvalidArgument))
		return
	}
	constraint := &storage.Constraint{
		ID:         ids.New(ids.PrefixConstraint),
		Kind:       body.Kind,
		Config:     body.Config,
		ActiveFrom: body.ActiveFrom.UTC(),
		ActiveTo:   body.ActiveTo.UTC(),
	}
	if err := part.AddConstraint(r.Context(), constraint); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusCreated, constraintViewOf(constraint))
}

func (s *Server) handleListConstraints(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	constraints, err := part.ListConstraints(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	views := lo.Map(constraints, func(c *storage.Constraint, _ int) *constraintView {
		return constraintViewOf(c)
	})
	respond(w, http.StatusOK, views)
}

func (s *Server) handleDeleteConstraint(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	if err := part.DeleteConstraint(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, nil)
}

func (s *Server) handleSyncHealth(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	rows, err := part.GetSyncHealth(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	now := time.Now().UTC()
	views := lo.Map(rows, func(h storage.AccountHealth, _ int) *syncHealthView {
		return syncHealthViewOf(h, now)
	})
	respond(w, http.StatusOK, views)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s required", storage.ErrInvalidArgument, name)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be RFC 3339", storage.ErrInvalidArgument, name)
	}
	return t.UTC(), nil
}

// collectEvents pages through every canonical event in the range.
func collectEvents(ctx context.Context, part storage.Partition, start, end time.Time) ([]*storage.CanonicalEvent, error) {
	var out []*storage.CanonicalEvent
	cursor := ""
	for {
		page, err := part.ListEvents(ctx, start, end, cursor, maxPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if !page.HasMore {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// collectOccurrences is collectEvents plus recurrence: recurring series are
// materialized into concrete instances inside the range so per-day math sees
// every occurrence, not just the base row.
func collectOccurrences(ctx context.Context, part storage.Partition, start, end time.Time) ([]*storage.CanonicalEvent, error) {
	events, err := collectEvents(ctx, part, start, end)
	if err != nil {
		return nil, err
	}
	recurring, err := part.ListRecurringEvents(ctx)
	if err != nil {
		return nil, err
	}

	// Recurring base rows found by the range query are dropped here; their
	// expanded instances below cover them.
	out := make([]*storage.CanonicalEvent, 0, len(events))
	for _, e := range events {
		if e.RecurrenceRule == "" {
			out = append(out, e)
		}
	}

	for _, e := range recurring {
		duration := e.End.Sub(e.Start)
		starts, err := ical.ExpandWindow(e.RecurrenceRule, e.Start, duration, start, end)
		if err != nil {
			// unparseable rule: fall back to the stored instance
			if e.Start.Before(end) && e.End.After(start) {
				out = append(out, e)
			}
			continue
		}
		for _, at := range starts {
			inst := *e
			inst.Start = at
			inst.End = at.Add(duration)
			out = append(out, &inst)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out, nil
}
