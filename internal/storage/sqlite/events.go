package sqlite

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tempora-io/tempora/internal/delta"
	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
)

const maxDeltaErrors = 32

const eventCols = `id, account_id, origin_event_id, ical_uid, title, description, location,
	start_at, end_at, all_day, timezone, status, visibility, transparency, rrule, source, version,
	attendees, organizer, conference, meeting_url, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*storage.CanonicalEvent, error) {
	var e storage.CanonicalEvent
	var attendees, organizer, conference sql.NullString
	if err := row.Scan(
		&e.ID, &e.AccountID, &e.OriginEventID, &e.ICalUID, &e.Title, &e.Description, &e.Location,
		&e.Start, &e.End, &e.AllDay, &e.Timezone, &e.Status, &e.Visibility, &e.Transparency,
		&e.RecurrenceRule, &e.Source, &e.Version,
		&attendees, &organizer, &conference, &e.MeetingURL, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	e.Attendees = unmarshalAttendees(attendees)
	e.Organizer = unmarshalOrganizer(organizer)
	e.Conference = unmarshalConference(conference)
	return &e, nil
}

func (p *partition) ApplyDelta(ctx context.Context, accountID string, upserts []storage.EventUpsert, deletes []string) (*storage.DeltaResult, error) {
	res := &storage.DeltaResult{}
	now := time.Now().UTC()

	err := p.withTx(ctx, func(tx *sql.Tx) error {
		account, err := getAccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("%w: %s", storage.ErrUnknownAccount, accountID)
		}

		for _, up := range upserts {
			if up.OriginEventID == "" {
				appendError(res, "upsert missing origin_event_id")
				continue
			}
			existing, err := getByOriginTx(ctx, tx, accountID, up.OriginEventID)
			if err != nil {
				return err
			}

			// A provider upsert whose iCalUID collides with a feed row takes
			// the row over in place; the canonical ID survives.
			if existing == nil && up.Payload.Source == storage.SourceProvider && up.Payload.ICalUID != "" {
				feedRow, err := getFeedRowByUIDTx(ctx, tx, up.Payload.ICalUID)
				if err != nil {
					return err
				}
				if feedRow != nil {
					delta.Takeover(feedRow, accountID, up, now)
					if err := updateEventTx(ctx, tx, feedRow); err != nil {
						return err
					}
					res.Updated++
					if account.WriteCapable {
						res.Intents = append(res.Intents, upsertIntent(account.ID, feedRow))
					}
					continue
				}
			}

			switch delta.Decide(existing, up) {
			case delta.ActionInsert:
				row := delta.New(ids.New(ids.PrefixEvent), accountID, up, now)
				if err := insertEventTx(ctx, tx, row); err != nil {
					return err
				}
				res.Created++
				if account.WriteCapable {
					res.Intents = append(res.Intents, upsertIntent(account.ID, row))
				}
			case delta.ActionSkip:
				// provider replayed an older version
			case delta.ActionEnrich:
				delta.Enrich(existing, up.Payload, now)
				if err := updateEventTx(ctx, tx, existing); err != nil {
					return err
				}
				res.Updated++
			case delta.ActionOverwrite:
				delta.Overwrite(existing, up, now)
				if err := updateEventTx(ctx, tx, existing); err != nil {
					return err
				}
				res.Updated++
				if account.WriteCapable {
					res.Intents = append(res.Intents, upsertIntent(account.ID, existing))
				}
			}
		}

		for _, originID := range deletes {
			existing, err := getByOriginTx(ctx, tx, accountID, originID)
			if err != nil {
				return err
			}
			if existing == nil || existing.Status == storage.EventCancelled {
				continue
			}
			delta.Cancel(existing, now)
			if err := updateEventTx(ctx, tx, existing); err != nil {
				return err
			}
			res.Deleted++
			if account.WriteCapable {
				res.Intents = append(res.Intents, storage.MirrorIntent{
					TargetAccountID: account.ID,
					Operation:       storage.MirrorDelete,
					EventID:         existing.ID,
					Version:         existing.Version,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func appendError(res *storage.DeltaResult, msg string) {
	if len(res.Errors) < maxDeltaErrors {
		res.Errors = append(res.Errors, msg)
	}
}

func upsertIntent(accountID string, e *storage.CanonicalEvent) storage.MirrorIntent {
	payload := storage.EventPayload{
		ICalUID: e.ICalUID, Title: e.Title, Description: e.Description, Location: e.Location,
		Start: e.Start, End: e.End, AllDay: e.AllDay, Timezone: e.Timezone,
		Status: e.Status, Visibility: e.Visibility, Transparency: e.Transparency,
		RecurrenceRule: e.RecurrenceRule, Source: e.Source,
		Attendees: e.Attendees, Organizer: e.Organizer, Conference: e.Conference, MeetingURL: e.MeetingURL,
	}
	return storage.MirrorIntent{
		TargetAccountID: accountID,
		Operation:       storage.MirrorUpsert,
		EventID:         e.ID,
		Version:         e.Version,
		Payload:         &payload,
	}
}

func getAccountTx(ctx context.Context, tx *sql.Tx, id string) (*storage.Account, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func getByOriginTx(ctx context.Context, tx *sql.Tx, accountID, originID string) (*storage.CanonicalEvent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE account_id = ? AND origin_event_id = ?`,
		accountID, originID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func getFeedRowByUIDTx(ctx context.Context, tx *sql.Tx, icalUID string) (*storage.CanonicalEvent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE ical_uid = ? AND source = ? LIMIT 1`,
		icalUID, storage.SourceICSFeed)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func insertEventTx(ctx context.Context, tx *sql.Tx, e *storage.CanonicalEvent) error {
	attendees, err := marshalJSON(e.Attendees)
	if err != nil {
		return err
	}
	organizer, err := marshalJSON(e.Organizer)
	if err != nil {
		return err
	}
	conference, err := marshalJSON(e.Conference)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, account_id, origin_event_id, ical_uid, title, description, location,
			start_at, end_at, all_day, timezone, status, visibility, transparency, rrule, source, version,
			attendees, organizer, conference, meeting_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.OriginEventID, e.ICalUID, e.Title, e.Description, e.Location,
		e.Start, e.End, e.AllDay, e.Timezone, e.Status, e.Visibility, e.Transparency,
		e.RecurrenceRule, e.Source, e.Version,
		attendees, organizer, conference, e.MeetingURL, e.CreatedAt, e.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: duplicate origin event %s", storage.ErrConflict, e.OriginEventID)
	}
	return err
}

func updateEventTx(ctx context.Context, tx *sql.Tx, e *storage.CanonicalEvent) error {
	attendees, err := marshalJSON(e.Attendees)
	if err != nil {
		return err
	}
	organizer, err := marshalJSON(e.Organizer)
	if err != nil {
		return err
	}
	conference, err := marshalJSON(e.Conference)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE events SET account_id = ?, origin_event_id = ?, ical_uid = ?, title = ?, description = ?,
			location = ?, start_at = ?, end_at = ?, all_day = ?, timezone = ?, status = ?, visibility = ?,
			transparency = ?, rrule = ?, source = ?, version = ?, attendees = ?, organizer = ?,
			conference = ?, meeting_url = ?, updated_at = ?
		WHERE id = ?
	`, e.AccountID, e.OriginEventID, e.ICalUID, e.Title, e.Description, e.Location,
		e.Start, e.End, e.AllDay, e.Timezone, e.Status, e.Visibility, e.Transparency,
		e.RecurrenceRule, e.Source, e.Version, attendees, organizer, conference, e.MeetingURL,
		e.UpdatedAt, e.ID)
	return err
}

func (p *partition) ListEvents(ctx context.Context, start, end time.Time, cursor string, limit int) (*storage.EventPage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT ` + eventCols + ` FROM events
		WHERE start_at <= ? AND end_at >= ?
		AND NOT (status = 'cancelled' AND title = '')`
	args := []any{end, start}
	if cursor != "" {
		curStart, curID, err := decodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: cursor", storage.ErrInvalidArgument)
		}
		q += ` AND (start_at > ? OR (start_at = ? AND id > ?))`
		args = append(args, curStart, curStart, curID)
	}
	q += ` ORDER BY start_at, id LIMIT ?`
	args = append(args, limit+1)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*storage.CanonicalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	page := &storage.EventPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(last.Start, last.ID)
		page.HasMore = true
	}
	return page, nil
}

func encodeCursor(start time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(start.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return t, parts[1], nil
}

func (p *partition) GetEvent(ctx context.Context, id string) (*storage.CanonicalEvent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *partition) GetAccountEvents(ctx context.Context, accountID string) ([]*storage.CanonicalEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE account_id = ? ORDER BY start_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.CanonicalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListRecurringEvents returns every live event carrying an RRULE. The base
// row's window says nothing about where its occurrences fall, so range
// queries cannot find these; callers expand them separately.
func (p *partition) ListRecurringEvents(ctx context.Context) ([]*storage.CanonicalEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+eventCols+` FROM events
		WHERE rrule != '' AND NOT (status = 'cancelled' AND title = '')
		ORDER BY start_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.CanonicalEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *partition) ReassignAccountEvents(ctx context.Context, fromAccountID, toAccountID string, newSource storage.Source) (int, error) {
	var moved int
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		to, err := getAccountTx(ctx, tx, toAccountID)
		if err != nil {
			return err
		}
		if to == nil {
			return fmt.Errorf("%w: %s", storage.ErrUnknownAccount, toAccountID)
		}
		q := `UPDATE events SET account_id = ?, updated_at = ?`
		args := []any{toAccountID, time.Now().UTC()}
		if newSource != "" {
			q += `, source = ?`
			args = append(args, newSource)
		}
		q += ` WHERE account_id = ?`
		args = append(args, fromAccountID)
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		moved = int(n)
		return nil
	})
	return moved, err
}

func (p *partition) GetSyncHealth(ctx context.Context) ([]storage.AccountHealth, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.provider, a.status, COUNT(e.id),
			a.feed_last_refresh_at, a.feed_last_success_at, a.feed_consecutive_failures, a.feed_refresh_interval_ms
		FROM accounts a LEFT JOIN events e ON e.account_id = a.id
		GROUP BY a.id ORDER BY a.created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.AccountHealth
	for rows.Next() {
		var h storage.AccountHealth
		var lastRefresh, lastSuccess sql.NullTime
		var intervalMS int64
		if err := rows.Scan(&h.AccountID, &h.Provider, &h.Status, &h.EventCount,
			&lastRefresh, &lastSuccess, &h.Feed.ConsecutiveFailures, &intervalMS); err != nil {
			return nil, err
		}
		if lastRefresh.Valid {
			t := lastRefresh.Time
			h.Feed.LastRefreshAt = &t
		}
		if lastSuccess.Valid {
			t := lastSuccess.Time
			h.Feed.LastSuccessAt = &t
		}
		h.Feed.RefreshInterval = time.Duration(intervalMS) * time.Millisecond
		out = append(out, h)
	}
	return out, rows.Err()
}
