package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/storage"
)

type partition struct {
	pool   *pgxpool.Pool
	userID string
	lock   *sync.Mutex
	logger zerolog.Logger
}

func (p *partition) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func unmarshalAttendees(b []byte) []storage.Attendee {
	if len(b) == 0 {
		return nil
	}
	var out []storage.Attendee
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func unmarshalOrganizer(b []byte) *storage.Organizer {
	if len(b) == 0 {
		return nil
	}
	var out storage.Organizer
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}

func unmarshalConference(b []byte) *storage.ConferenceData {
	if len(b) == 0 {
		return nil
	}
	var out storage.ConferenceData
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return &out
}
