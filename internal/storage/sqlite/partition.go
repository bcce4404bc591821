package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/storage"
)

// partition wraps one user's database file. The mutex serializes mutating
// operations; reads that need a consistent snapshot take it too.
type partition struct {
	db     *sql.DB
	userID string
	logger zerolog.Logger
	mu     sync.Mutex
}

func (p *partition) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalAttendees(s sql.NullString) []storage.Attendee {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	var out []storage.Attendee
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}

func unmarshalOrganizer(s sql.NullString) *storage.Organizer {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	var out storage.Organizer
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return &out
}

func unmarshalConference(s sql.NullString) *storage.ConferenceData {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	var out storage.ConferenceData
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return &out
}
