package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/tempora-io/tempora/internal/analytics"
	"github.com/tempora-io/tempora/internal/storage"
)

func parseDayParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	day, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", storage.ErrInvalidArgument, name)
	}
	return day.UTC(), nil
}

func parseIntParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%w: %s must be an integer in [%d, %d]", storage.ErrInvalidArgument, name, lo, hi)
	}
	return n, nil
}

func workingHoursParams(r *http.Request) (analytics.WorkingHours, error) {
	startHour, err := parseIntParam(r, "start_hour", 9, 0, 23)
	if err != nil {
		return analytics.WorkingHours{}, err
	}
	endHour, err := parseIntParam(r, "end_hour", 17, 1, 24)
	if err != nil {
		return analytics.WorkingHours{}, err
	}
	if endHour <= startHour {
		return analytics.WorkingHours{}, fmt.Errorf("%w: end_hour must be after start_hour", storage.ErrInvalidArgument)
	}
	return analytics.WorkingHours{StartHour: startHour, EndHour: endHour}, nil
}

func today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}

func (s *Server) handleCognitiveLoad(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	day, err := parseDayParam(r, "date", today())
	if err != nil {
		respondErr(w, err)
		return
	}
	days, err := parseIntParam(r, "range", 1, 1, 31)
	if err != nil {
		respondErr(w, err)
		return
	}
	wh, err := workingHoursParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	events, err := collectOccurrences(r.Context(), part, day, day.AddDate(0, 0, days))
	if err != nil {
		respondErr(w, err)
		return
	}

	type dailyLoad struct {
		Date string `json:"date"`
		analytics.CognitiveLoad
	}
	out := make([]dailyLoad, 0, days)
	for i := 0; i < days; i++ {
		d := day.AddDate(0, 0, i)
		out = append(out, dailyLoad{
			Date:          d.Format("2006-01-02"),
			CognitiveLoad: analytics.ComputeCognitiveLoad(events, d, wh),
		})
	}
	respond(w, http.StatusOK, out)
}

func (s *Server) handleContextSwitches(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	day, err := parseDayParam(r, "date", today())
	if err != nil {
		respondErr(w, err)
		return
	}
	wh, err := workingHoursParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	events, err := collectOccurrences(r.Context(), part, day, day.AddDate(0, 0, 1))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, analytics.AnalyzeContextSwitches(events, day, wh))
}

func (s *Server) handleDeepWork(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	day, err := parseDayParam(r, "date", today())
	if err != nil {
		respondErr(w, err)
		return
	}
	wh, err := workingHoursParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	workingDays, err := parseIntParam(r, "working_days", 5, 1, 7)
	if err != nil {
		respondErr(w, err)
		return
	}
	events, err := collectOccurrences(r.Context(), part, day, day.AddDate(0, 0, 1))
	if err != nil {
		respondErr(w, err)
		return
	}
	respond(w, http.StatusOK, analytics.AnalyzeDeepWork(events, day, wh, workingDays))
}

func (s *Server) handleRiskScores(w http.ResponseWriter, r *http.Request) {
	part, _, err := s.partition(r)
	if err != nil {
		respondErr(w, err)
		return
	}
	weeks, err := parseIntParam(r, "weeks", 4, 1, 12)
	if err != nil {
		respondErr(w, err)
		return
	}
	wh, err := workingHoursParams(r)
	if err != nil {
		respondErr(w, err)
		return
	}

	now := today()
	currentStart := now.AddDate(0, 0, -weeks*7)
	historicalStart := now.AddDate(0, 0, -2*weeks*7)

	events, err := collectOccurrences(r.Context(), part, historicalStart, now)
	if err != nil {
		respondErr(w, err)
		return
	}

	var dailyScores []int
	for d := currentStart; d.Before(now); d = d.AddDate(0, 0, 1) {
		dailyScores = append(dailyScores, analytics.ComputeCognitiveLoad(events, d, wh).Score)
	}

	constraints, err := part.ListConstraints(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	tripDays := countTripDays(constraints, currentStart, now)

	scores := analytics.ComputeTemporalRisk(
		dailyScores,
		tripDays,
		weeks*5,
		categoryMix(events, currentStart, now),
		categoryMix(events, historicalStart, currentStart),
	)
	respond(w, http.StatusOK, scores)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
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
	if !end.After(start) || end.Sub(start) > 31*24*time.Hour {
		respondErr(w, fmt.Errorf("%w: range must be positive and at most 31 days", storage.ErrInvalidArgument))
		return
	}
	granularity, err := parseIntParam(r, "granularity_minutes", 30, 5, 240)
	if err != nil {
		respondErr(w, err)
		return
	}

	events, err := collectOccurrences(r.Context(), part, start, end)
	if err != nil {
		respondErr(w, err)
		return
	}
	slots := analytics.AvailabilityGrid(events, start, end, time.Duration(granularity)*time.Minute, nil)
	respond(w, http.StatusOK, slots)
}

// countTripDays sums whole days of trip constraints overlapping the window.
func countTripDays(constraints []*storage.Constraint, start, end time.Time) int {
	days := 0
	for _, c := range constraints {
		if c.Kind != storage.ConstraintTrip {
			continue
		}
		from, to := c.ActiveFrom, c.ActiveTo
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		if overlap := to.Sub(from); overlap > 0 {
			days += int((overlap + 24*time.Hour - 1) / (24 * time.Hour))
		}
	}
	return days
}

// categoryMix splits busy minutes across categories as percentage shares of
// the window's total.
func categoryMix(events []*storage.CanonicalEvent, start, end time.Time) map[analytics.Category]float64 {
	minutes := make(map[analytics.Category]float64)
	var total float64
	for _, e := range events {
		if e.Status == storage.EventCancelled || e.Transparency == storage.TransparencyTransparent {
			continue
		}
		if !e.Start.Before(end) || !e.End.After(start) {
			continue
		}
		m := e.End.Sub(e.Start).Minutes()
		minutes[analytics.Classify(e.Title)] += m
		total += m
	}
	if total == 0 {
		return minutes
	}
	for c := range minutes {
		minutes[c] = minutes[c] / total * 100
	}
	return minutes
}
