package api

import (
	"time"

	"github.com/tempora-io/tempora/internal/ics"
	"github.com/tempora-io/tempora/internal/storage"
)

type sessionView struct {
	SessionID   string                   `json:"session_id"`
	Step        storage.SessionStep      `json:"step"`
	Token       string                   `json:"token"`
	Accounts    []storage.SessionAccount `json:"accounts"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

func sessionViewOf(s *storage.OnboardingSession) *sessionView {
	accounts := s.Accounts
	if accounts == nil {
		accounts = []storage.SessionAccount{}
	}
	return &sessionView{
		SessionID:   s.ID,
		Step:        s.Step,
		Token:       s.Token,
		Accounts:    accounts,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		CompletedAt: s.CompletedAt,
	}
}

type feedView struct {
	AccountID           string                `json:"account_id"`
	Provider            storage.Provider      `json:"provider"`
	URL                 string                `json:"url"`
	Status              storage.AccountStatus `json:"status"`
	LastRefreshAt       *time.Time            `json:"last_refresh_at"`
	LastSuccessAt       *time.Time            `json:"last_success_at"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	RefreshIntervalMS   int64                 `json:"refresh_interval_ms"`
	CreatedAt           time.Time             `json:"created_at"`
}

func feedViewOf(a *storage.Account) *feedView {
	return &feedView{
		AccountID:           a.ID,
		Provider:            a.Provider,
		URL:                 a.ProviderSubject,
		Status:              a.Status,
		LastRefreshAt:       a.Feed.LastRefreshAt,
		LastSuccessAt:       a.Feed.LastSuccessAt,
		ConsecutiveFailures: a.Feed.ConsecutiveFailures,
		RefreshIntervalMS:   a.Feed.RefreshInterval.Milliseconds(),
		CreatedAt:           a.CreatedAt,
	}
}

// eventTime renders either a timestamp or, for all-day events, a bare date.
type eventTime struct {
	DateTime *time.Time `json:"date_time,omitempty"`
	Date     string     `json:"date,omitempty"`
}

func eventTimeOf(t time.Time, allDay bool) eventTime {
	if allDay {
		return eventTime{Date: t.UTC().Format("2006-01-02")}
	}
	utc := t.UTC()
	return eventTime{DateTime: &utc}
}

type eventView struct {
	ID             string                  `json:"id"`
	AccountID      string                  `json:"account_id"`
	OriginEventID  string                  `json:"origin_event_id"`
	ICalUID        string                  `json:"ical_uid,omitempty"`
	Title          string                  `json:"title"`
	Description    string                  `json:"description,omitempty"`
	Location       string                  `json:"location,omitempty"`
	Start          eventTime               `json:"start"`
	End            eventTime               `json:"end"`
	AllDay         bool                    `json:"all_day"`
	Status         storage.EventStatus     `json:"status"`
	Transparency   storage.Transparency    `json:"transparency"`
	RecurrenceRule string                  `json:"recurrence_rule,omitempty"`
	Source         storage.Source          `json:"source"`
	Version        int64                   `json:"version"`
	Attendees      []storage.Attendee      `json:"attendees,omitempty"`
	Organizer      *storage.Organizer      `json:"organizer,omitempty"`
	Conference     *storage.ConferenceData `json:"conference_data,omitempty"`
	MeetingURL     string                  `json:"meeting_url,omitempty"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func eventViewOf(e *storage.CanonicalEvent) *eventView {
	return &eventView{
		ID:             e.ID,
		AccountID:      e.AccountID,
		OriginEventID:  e.OriginEventID,
		ICalUID:        e.ICalUID,
		Title:          e.Title,
		Description:    e.Description,
		Location:       e.Location,
		Start:          eventTimeOf(e.Start, e.AllDay),
		End:            eventTimeOf(e.End, e.AllDay),
		AllDay:         e.AllDay,
		Status:         e.Status,
		Transparency:   e.Transparency,
		RecurrenceRule: e.RecurrenceRule,
		Source:         e.Source,
		Version:        e.Version,
		Attendees:      e.Attendees,
		Organizer:      e.Organizer,
		Conference:     e.Conference,
		MeetingURL:     e.MeetingURL,
		UpdatedAt:      e.UpdatedAt,
	}
}

type allocationView struct {
	AllocationID string                  `json:"allocation_id"`
	EventID      string                  `json:"event_id"`
	Category     storage.BillingCategory `json:"category"`
	ClientID     string                  `json:"client_id,omitempty"`
	Rate         float64                 `json:"rate,omitempty"`
	Confidence   float64                 `json:"confidence"`
	Locked       bool                    `json:"locked"`
	CreatedAt    time.Time               `json:"created_at"`
}

func allocationViewOf(a *storage.TimeAllocation) *allocationView {
	return &allocationView{
		AllocationID: a.ID,
		EventID:      a.EventID,
		Category:     a.Category,
		ClientID:     a.ClientID,
		Rate:         a.Rate,
		Confidence:   a.Confidence,
		Locked:       a.Locked,
		CreatedAt:    a.CreatedAt,
	}
}

type vipPolicyView struct {
	PolicyID        string    `json:"policy_id"`
	ParticipantHash string    `json:"participant_hash"`
	DisplayName     string    `json:"display_name,omitempty"`
	PriorityWeight  float64   `json:"priority_weight"`
	AllowAfterHours bool      `json:"allow_after_hours"`
	MinNoticeHours  int       `json:"min_notice_hours"`
	CreatedAt       time.Time `json:"created_at"`
}

func vipPolicyViewOf(v *storage.VipPolicy) *vipPolicyView {
	return &vipPolicyView{
		PolicyID:        v.ID,
		ParticipantHash: v.ParticipantHash,
		DisplayName:     v.DisplayName,
		PriorityWeight:  v.PriorityWeight,
		AllowAfterHours: v.AllowAfterHours,
		MinNoticeHours:  v.MinNoticeHours,
		CreatedAt:       v.CreatedAt,
	}
}

type commitmentView struct {
	CommitmentID       string             `json:"commitment_id"`
	ClientID           string             `json:"client_id"`
	ClientName         string             `json:"client_name"`
	TargetHours        float64            `json:"target_hours"`
	WindowType         storage.WindowType `json:"window_type"`
	RollingWindowWeeks int                `json:"rolling_window_weeks"`
	HardMinimum        bool               `json:"hard_minimum"`
	ProofRequired      bool               `json:"proof_required"`
	CreatedAt          time.Time          `json:"created_at"`
}

func commitmentViewOf(c *storage.Commitment) *commitmentView {
	return &commitmentView{
		CommitmentID:       c.ID,
		ClientID:           c.ClientID,
		ClientName:         c.ClientName,
		TargetHours:        c.TargetHours,
		WindowType:         c.WindowType,
		RollingWindowWeeks: c.RollingWindowWeeks,
		HardMinimum:        c.HardMinimum,
		ProofRequired:      c.ProofRequired,
		CreatedAt:          c.CreatedAt,
	}
}

type constraintView struct {
	ConstraintID string                 `json:"constraint_id"`
	Kind         storage.ConstraintKind `json:"kind"`
	Config       any                    `json:"config,omitempty"`
	ActiveFrom   time.Time              `json:"active_from"`
	ActiveTo     time.Time              `json:"active_to"`
	CreatedAt    time.Time              `json:"created_at"`
}

func constraintViewOf(c *storage.Constraint) *constraintView {
	v := &constraintView{
		ConstraintID: c.ID,
		Kind:         c.Kind,
		ActiveFrom:   c.ActiveFrom,
		ActiveTo:     c.ActiveTo,
		CreatedAt:    c.CreatedAt,
	}
	if len(c.Config) > 0 {
		v.Config = c.Config
	}
	return v
}

type syncHealthView struct {
	AccountID           string                `json:"account_id"`
	Provider            storage.Provider      `json:"provider"`
	Status              storage.AccountStatus `json:"status"`
	EventCount          int                   `json:"event_count"`
	Staleness           ics.Staleness         `json:"staleness,omitempty"`
	ConsecutiveFailures int                   `json:"consecutive_failures"`
	LastRefreshAt       *time.Time            `json:"last_refresh_at,omitempty"`
}

func syncHealthViewOf(h storage.AccountHealth, now time.Time) *syncHealthView {
	v := &syncHealthView{
		AccountID:           h.AccountID,
		Provider:            h.Provider,
		Status:              h.Status,
		EventCount:          h.EventCount,
		ConsecutiveFailures: h.Feed.ConsecutiveFailures,
		LastRefreshAt:       h.Feed.LastRefreshAt,
	}
	if h.Provider == storage.ProviderICSFeed {
		v.Staleness = ics.ClassifyStaleness(h.Feed, now)
	}
	return v
}
