// Package storage defines the canonical event store: entities, error kinds,
// and the partition interface every backend implements. A partition owns one
// user's state and serializes all state-changing operations.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

type Transparency string

const (
	TransparencyOpaque      Transparency = "opaque"
	TransparencyTransparent Transparency = "transparent"
)

type Source string

const (
	SourceProvider Source = "provider"
	SourceICSFeed  Source = "ics_feed"
)

type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderCalDAV    Provider = "caldav"
	ProviderICSFeed   Provider = "ics_feed"
)

type AccountStatus string

const (
	AccountActive     AccountStatus = "active"
	AccountPending    AccountStatus = "pending"
	AccountError      AccountStatus = "error"
	AccountRevoked    AccountStatus = "revoked"
	AccountUpgraded   AccountStatus = "upgraded"
	AccountDowngraded AccountStatus = "downgraded"
)

type Attendee struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Response    string `json:"response,omitempty"`
}

type Organizer struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

type ConferenceData struct {
	URL      string `json:"url"`
	Provider string `json:"provider,omitempty"`
}

// CanonicalEvent is the authoritative representation of a calendar item.
// External identity is (AccountID, OriginEventID); ID is a stable ULID that
// survives account upgrades.
type CanonicalEvent struct {
	ID             string
	AccountID      string
	OriginEventID  string
	ICalUID        string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Timezone       string
	Status         EventStatus
	Visibility     string
	Transparency   Transparency
	RecurrenceRule string
	Source         Source
	Version        int64
	Attendees      []Attendee
	Organizer      *Organizer
	Conference     *ConferenceData
	MeetingURL     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (e *CanonicalEvent) Duration() time.Duration { return e.End.Sub(e.Start) }

// FeedState holds the refresh bookkeeping for provider=ics_feed accounts.
// ConsecutiveFailures resets to 0 on any successful refresh.
type FeedState struct {
	LastRefreshAt       *time.Time
	LastSuccessAt       *time.Time
	ContentHash         string
	ETag                string
	LastModified        string
	ConsecutiveFailures int
	RefreshInterval     time.Duration
}

type Account struct {
	ID              string
	UserID          string
	Provider        Provider
	ProviderSubject string // external subject, or the feed URL for ics_feed
	Email           string
	Status          AccountStatus
	WriteCapable    bool
	Feed            FeedState
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type ConstraintKind string

const (
	ConstraintWorkingHours ConstraintKind = "working_hours"
	ConstraintTrip         ConstraintKind = "trip"
	ConstraintOverride     ConstraintKind = "override"
	ConstraintBlock        ConstraintKind = "block"
)

// Constraint activity is half-open: [ActiveFrom, ActiveTo).
type Constraint struct {
	ID         string
	Kind       ConstraintKind
	Config     json.RawMessage
	ActiveFrom time.Time
	ActiveTo   time.Time
	CreatedAt  time.Time
}

type VipPolicy struct {
	ID              string
	ParticipantHash string // SHA-256 of the normalized email; no raw PII stored
	DisplayName     string
	PriorityWeight  float64 // [0.0, 10.0]
	AllowAfterHours bool
	MinNoticeHours  int
	CreatedAt       time.Time
}

type BillingCategory string

const (
	CategoryBillable  BillingCategory = "BILLABLE"
	CategoryStrategic BillingCategory = "STRATEGIC"
	CategoryInternal  BillingCategory = "INTERNAL"
	CategoryPersonal  BillingCategory = "PERSONAL"
)

func ValidBillingCategory(c BillingCategory) bool {
	switch c {
	case CategoryBillable, CategoryStrategic, CategoryInternal, CategoryPersonal:
		return true
	}
	return false
}

type TimeAllocation struct {
	ID         string
	EventID    string
	Category   BillingCategory
	ClientID   string
	Rate       float64
	Confidence float64
	Locked     bool
	CreatedAt  time.Time
}

type WindowType string

const (
	WindowWeekly  WindowType = "WEEKLY"
	WindowMonthly WindowType = "MONTHLY"
)

type Commitment struct {
	ID                 string
	ClientID           string
	ClientName         string
	TargetHours        float64
	WindowType         WindowType
	RollingWindowWeeks int
	HardMinimum        bool
	ProofRequired      bool
	CreatedAt          time.Time
}

type SessionStep string

const (
	StepWelcome    SessionStep = "welcome"
	StepConnecting SessionStep = "connecting"
	StepComplete   SessionStep = "complete"
)

type SessionAccountStatus string

const (
	SessionAccountConnecting   SessionAccountStatus = "connecting"
	SessionAccountConnected    SessionAccountStatus = "connected"
	SessionAccountSynced       SessionAccountStatus = "synced"
	SessionAccountError        SessionAccountStatus = "error"
	SessionAccountDisconnected SessionAccountStatus = "disconnected"
)

type SessionAccount struct {
	AccountID     string               `json:"account_id"`
	Provider      Provider             `json:"provider"`
	Email         string               `json:"email"`
	Status        SessionAccountStatus `json:"status"`
	CalendarCount int                  `json:"calendar_count"`
}

// OnboardingSession is the resumable account-attach state machine. At most
// one unfinished session exists per user; Accounts holds unique AccountIDs.
type OnboardingSession struct {
	ID          string
	UserID      string
	Token       string
	Step        SessionStep
	Accounts    []SessionAccount
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// EventUpsert carries one provider or feed change into ApplyDelta.
type EventUpsert struct {
	OriginEventID string
	Version       int64
	Payload       EventPayload
}

// EventPayload is the body of an upsert: everything but identity and version.
type EventPayload struct {
	ICalUID        string
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	AllDay         bool
	Timezone       string
	Status         EventStatus
	Visibility     string
	Transparency   Transparency
	RecurrenceRule string
	Source         Source
	Attendees      []Attendee
	Organizer      *Organizer
	Conference     *ConferenceData
	MeetingURL     string
}

type MirrorOperation string

const (
	MirrorUpsert MirrorOperation = "upsert"
	MirrorDelete MirrorOperation = "delete"
)

// MirrorIntent is an outbound write for one write-capable account. Consumers
// deduplicate by (EventID, Version, Operation).
type MirrorIntent struct {
	TargetAccountID string
	Operation       MirrorOperation
	EventID         string
	Version         int64
	Payload         *EventPayload
}

type DeltaResult struct {
	Created int
	Updated int
	Deleted int
	Intents []MirrorIntent
	Errors  []string
}

type EventPage struct {
	Items      []*CanonicalEvent
	NextCursor string
	HasMore    bool
}

type AccountHealth struct {
	AccountID  string
	Provider   Provider
	Status     AccountStatus
	EventCount int
	Feed       FeedState
}

// Error kinds. Backends wrap these so callers can classify with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
	ErrInUse           = errors.New("in use")
	ErrSessionExists   = errors.New("session exists")
	ErrUnknownAccount  = errors.New("unknown account")
	ErrSessionComplete = errors.New("session already complete")
)

// Store hands out per-user partitions. Opening a partition runs any pending
// schema migrations; migration failure fails the operation.
type Store interface {
	Close()
	Partition(ctx context.Context, userID string) (Partition, error)
}

// Partition is the single-writer view over one user's state. Implementations
// serialize all mutating calls; readers in the same partition observe every
// prior committed write.
type Partition interface {
	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccounts(ctx context.Context, provider Provider) ([]*Account, error)
	UpdateAccountStatus(ctx context.Context, id string, status AccountStatus) error
	UpdateFeedState(ctx context.Context, id string, feed FeedState) error
	DeleteAccount(ctx context.Context, id string) error

	// Events
	ApplyDelta(ctx context.Context, accountID string, upserts []EventUpsert, deletes []string) (*DeltaResult, error)
	ListEvents(ctx context.Context, start, end time.Time, cursor string, limit int) (*EventPage, error)
	GetEvent(ctx context.Context, id string) (*CanonicalEvent, error)
	GetAccountEvents(ctx context.Context, accountID string) ([]*CanonicalEvent, error)
	ListRecurringEvents(ctx context.Context) ([]*CanonicalEvent, error)
	ReassignAccountEvents(ctx context.Context, fromAccountID, toAccountID string, newSource Source) (int, error)

	// Constraints
	AddConstraint(ctx context.Context, c *Constraint) error
	ListConstraints(ctx context.Context) ([]*Constraint, error)
	DeleteConstraint(ctx context.Context, id string) error

	// VIP policies
	CreateVipPolicy(ctx context.Context, v *VipPolicy) error
	ListVipPolicies(ctx context.Context) ([]*VipPolicy, error)
	DeleteVipPolicy(ctx context.Context, id string) error

	// Allocations
	CreateAllocation(ctx context.Context, a *TimeAllocation) error
	GetAllocationByEvent(ctx context.Context, eventID string) (*TimeAllocation, error)
	ListAllocations(ctx context.Context) ([]*TimeAllocation, error)
	ListAllocationsByClient(ctx context.Context, clientID string) ([]*TimeAllocation, error)

	// Commitments
	CreateCommitment(ctx context.Context, c *Commitment) error
	GetCommitment(ctx context.Context, id string) (*Commitment, error)
	ListCommitments(ctx context.Context) ([]*Commitment, error)
	DeleteCommitment(ctx context.Context, id string) error

	// Onboarding sessions
	CreateOnboardingSession(ctx context.Context, s *OnboardingSession, replace bool) error
	GetOnboardingSession(ctx context.Context) (*OnboardingSession, error)
	GetOnboardingSessionByToken(ctx context.Context, token string) (*OnboardingSession, error)
	// UpdateOnboardingSession runs fn on the current unfinished session under
	// partition serialization and persists the result. fn returning an error
	// aborts without persisting.
	UpdateOnboardingSession(ctx context.Context, fn func(*OnboardingSession) error) (*OnboardingSession, error)

	// Health
	GetSyncHealth(ctx context.Context) ([]AccountHealth, error)
}
