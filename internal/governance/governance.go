// Package governance evaluates commitment compliance and assembles
// deterministic proof documents for billable-time attestation.
package governance

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/objstore"
	"github.com/tempora-io/tempora/internal/storage"
)

type Status string

const (
	StatusCompliant Status = "compliant"
	StatusUnder     Status = "under"
	StatusOver      Status = "over"
)

type Service struct {
	store   storage.Store
	objects objstore.ObjectStore
	logger  zerolog.Logger
}

func NewService(store storage.Store, objects objstore.ObjectStore, logger zerolog.Logger) *Service {
	return &Service{
		store:   store,
		objects: objects,
		logger:  logger.With().Str("component", "governance").Logger(),
	}
}

// Window derives the rolling evaluation window ending at now. MONTHLY uses
// the same seven-day units as WEEKLY; there is no calendar-month arithmetic.
func Window(wt storage.WindowType, weeks int, now time.Time) (time.Time, time.Time) {
	if weeks <= 0 {
		weeks = 1
	}
	end := now.UTC()
	return end.Add(-time.Duration(weeks) * 7 * 24 * time.Hour), end
}

// EvaluateStatus bands actual hours against the target with 10% tolerance.
// Exactly 90% of target still reads as under. A zero target is compliant
// only when nothing was billed.
func EvaluateStatus(target, actual float64) Status {
	if target == 0 {
		if actual > 0 {
			return StatusOver
		}
		return StatusCompliant
	}
	switch {
	case actual <= 0.9*target:
		return StatusUnder
	case actual > 1.1*target:
		return StatusOver
	default:
		return StatusCompliant
	}
}

// CommitmentStatus is the compliance view for one commitment window.
type CommitmentStatus struct {
	CommitmentID string    `json:"commitment_id"`
	ClientID     string    `json:"client_id"`
	ClientName   string    `json:"client_name"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	TargetHours  float64   `json:"target_hours"`
	ActualHours  float64   `json:"actual_hours"`
	Status       Status    `json:"status"`
	HardMinimum  bool      `json:"hard_minimum"`
}

func (s *Service) CommitmentStatus(ctx context.Context, userID, commitmentID string, now time.Time) (*CommitmentStatus, error) {
	data, err := s.proofData(ctx, userID, commitmentID, now)
	if err != nil {
		return nil, err
	}
	return &CommitmentStatus{
		CommitmentID: data.CommitmentID,
		ClientID:     data.ClientID,
		ClientName:   data.ClientName,
		WindowStart:  data.WindowStart,
		WindowEnd:    data.WindowEnd,
		TargetHours:  data.TargetHours,
		ActualHours:  data.ActualHours,
		Status:       data.Status,
		HardMinimum:  data.HardMinimum,
	}, nil
}

// proofData sums billable allocation hours for the client whose events
// overlap the window, ordered by event start.
func (s *Service) proofData(ctx context.Context, userID, commitmentID string, now time.Time) (*ProofData, error) {
	part, err := s.store.Partition(ctx, userID)
	if err != nil {
		return nil, err
	}
	c, err := part.GetCommitment(ctx, commitmentID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: commitment %s", storage.ErrNotFound, commitmentID)
	}

	windowStart, windowEnd := Window(c.WindowType, c.RollingWindowWeeks, now)
	allocations, err := part.ListAllocationsByClient(ctx, c.ClientID)
	if err != nil {
		return nil, err
	}

	var events []ProofEvent
	var actual float64
	for _, a := range allocations {
		if a.Category != storage.CategoryBillable {
			continue
		}
		ev, err := part.GetEvent(ctx, a.EventID)
		if err != nil {
			return nil, err
		}
		if ev == nil || ev.Status == storage.EventCancelled {
			continue
		}
		if !ev.Start.Before(windowEnd) || !ev.End.After(windowStart) {
			continue
		}
		hours := ev.End.Sub(ev.Start).Hours()
		actual += hours
		events = append(events, ProofEvent{
			EventID: ev.ID,
			Title:   ev.Title,
			Start:   ev.Start.UTC(),
			End:     ev.End.UTC(),
			Hours:   round2(hours),
		})
	}
	sort.Slice(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].EventID < events[j].EventID
		}
		return events[i].Start.Before(events[j].Start)
	})
	actual = round2(actual)

	return &ProofData{
		CommitmentID: c.ID,
		ClientID:     c.ClientID,
		ClientName:   c.ClientName,
		WindowType:   c.WindowType,
		WindowStart:  windowStart,
		WindowEnd:    windowEnd,
		TargetHours:  c.TargetHours,
		ActualHours:  actual,
		Status:       EvaluateStatus(c.TargetHours, actual),
		HardMinimum:  c.HardMinimum,
		Events:       events,
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
