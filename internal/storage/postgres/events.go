package postgres

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tempora-io/tempora/internal/delta"
	"github.com/tempora-io/tempora/internal/ids"
	"github.com/tempora-io/tempora/internal/storage"
)

const maxDeltaErrors = 32

const eventCols = `id, account_id, origin_event_id, ical_uid, title, description, location,
	start_at, end_at, all_day, timezone, status, visibility, transparency, rrule, source, version,
	attendees, organizer, conference, meeting_url, created_at, updated_at`

func scanEvent(row scannable) (*storage.CanonicalEvent, error) {
	var e storage.CanonicalEvent
	var attendees, organizer, conference []byte
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

	err := p.withTx(ctx, func(tx pgx.Tx) error {
		account, err := p.getAccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if account == nil {
			return fmt.Errorf("%w: %s", storage.ErrUnknownAccount, accountID)
		}

		for _, up := range upserts {
			if up.OriginEventID == "" {
				if len(res.Errors) < maxDeltaErrors {
					res.Errors = append(res.Errors, "upsert missing origin_event_id")
				}
				continue
			}
			existing, err := p.getByOriginTx(ctx, tx, accountID, up.OriginEventID)
			if err != nil {
				return err
			}

			if existing == nil && up.Payload.Source == storage.SourceProvider && up.Payload.ICalUID != "" {
				feedRow, err := p.getFeedRowByUIDTx(ctx, tx, up.Payload.ICalUID)
				if err != nil {
					return err
				}
				if feedRow != nil {
					delta.Takeover(feedRow, accountID, up, now)
					if err := p.updateEventTx(ctx, tx, feedRow); err != nil {
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
				if err := p.insertEventTx(ctx, tx, row); err != nil {
					return err
				}
				res.Created++
				if account.WriteCapable {
					res.Intents = append(res.Intents, upsertIntent(account.ID, row))
				}
			case delta.ActionSkip:
			case delta.ActionEnrich:
				delta.Enrich(existing, up.Payload, now)
				if err := p.updateEventTx(ctx, tx, existing); err != nil {
					return err
				}
				res.Updated++
			case delta.ActionOverwrite:
				delta.Overwrite(existing, up, now)
				if err := p.updateEventTx(ctx, tx, existing); err != nil {
					return err
				}
				res.Updated++
				if account.WriteCapable {
					res.Intents = append(res.Intents, upsertIntent(account.ID, existing))
				}
			}
		}

		for _, originID := range deletes {
			existing, err := p.getByOriginTx(ctx, tx, accountID, originID)
			if err != nil {
				return err
			}
			if existing == nil || existing.Status == storage.EventCancelled {
				continue
			}
			delta.Cancel(existing, now)
			if err := p.updateEventTx(ctx, tx, existing); err != nil {
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

func (p *partition) getAccountTx(ctx context.Context, tx pgx.Tx, id string) (*storage.Account, error) {
	row := tx.QueryRow(ctx, `select `+accountCols+` from accounts where id = $1 and user_id = $2`, id, p.userID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *partition) getByOriginTx(ctx context.Context, tx pgx.Tx, accountID, originID string) (*storage.CanonicalEvent, error) {
	row := tx.QueryRow(ctx, `select `+eventCols+` from events where account_id = $1 and origin_event_id = $2`,
		accountID, originID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *partition) getFeedRowByUIDTx(ctx context.Context, tx pgx.Tx, icalUID string) (*storage.CanonicalEvent, error) {
	row := tx.QueryRow(ctx, `
		select `+eventCols+` from events
		where user_id = $1 and ical_uid = $2 and source = $3 limit 1`,
		p.userID, icalUID, storage.SourceICSFeed)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *partition) insertEventTx(ctx context.Context, tx pgx.Tx, e *storage.CanonicalEvent) error {
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
	_, err = tx.Exec(ctx, `
		insert into events (id, user_id, account_id, origin_event_id, ical_uid, title, description, location,
			start_at, end_at, all_day, timezone, status, visibility, transparency, rrule, source, version,
			attendees, organizer, conference, meeting_url, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, e.ID, p.userID, e.AccountID, e.OriginEventID, e.ICalUID, e.Title, e.Description, e.Location,
		e.Start, e.End, e.AllDay, e.Timezone, e.Status, e.Visibility, e.Transparency,
		e.RecurrenceRule, e.Source, e.Version,
		attendees, organizer, conference, e.MeetingURL, e.CreatedAt, e.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: duplicate origin event %s", storage.ErrConflict, e.OriginEventID)
	}
	return err
}

func (p *partition) updateEventTx(ctx context.Context, tx pgx.Tx, e *storage.CanonicalEvent) error {
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
	_, err = tx.Exec(ctx, `
		update events set account_id = $1, origin_event_id = $2, ical_uid = $3, title = $4, description = $5,
			location = $6, start_at = $7, end_at = $8, all_day = $9, timezone = $10, status = $11,
			visibility = $12, transparency = $13, rrule = $14, source = $15, version = $16,
			attendees = $17, organizer = $18, conference = $19, meeting_url = $20, updated_at = $21
		where id = $22
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
	q := `select ` + eventCols + ` from events
		where user_id = $1 and start_at <= $2 and end_at >= $3
		and not (status = 'cancelled' and title = '')`
	args := []any{p.userID, end, start}
	if cursor != "" {
		curStart, curID, err := decodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: cursor", storage.ErrInvalidArgument)
		}
		q += ` and (start_at > $4 or (start_at = $4 and id > $5))`
		args = append(args, curStart, curID)
	}
	q += fmt.Sprintf(` order by start_at, id limit $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := p.pool.Query(ctx, q, args...)
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
	row := p.pool.QueryRow(ctx, `select `+eventCols+` from events where id = $1 and user_id = $2`, id, p.userID)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (p *partition) GetAccountEvents(ctx context.Context, accountID string) ([]*storage.CanonicalEvent, error) {
	rows, err := p.pool.Query(ctx, `
		select `+eventCols+` from events
		where user_id = $1 and account_id = $2 order by start_at, id`, p.userID, accountID)
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
	rows, err := p.pool.Query(ctx, `
		select `+eventCols+` from events
		where user_id = $1 and rrule != ''
		and not (status = 'cancelled' and title = '')
		order by start_at, id`, p.userID)
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
	err := p.withTx(ctx, func(tx pgx.Tx) error {
		to, err := p.getAccountTx(ctx, tx, toAccountID)
		if err != nil {
			return err
		}
		if to == nil {
			return fmt.Errorf("%w: %s", storage.ErrUnknownAccount, toAccountID)
		}
		q := `update events set account_id = $1, updated_at = now()`
		args := []any{toAccountID}
		if newSource != "" {
			q += `, source = $2`
			args = append(args, newSource)
		}
		q += fmt.Sprintf(` where account_id = $%d and user_id = $%d`, len(args)+1, len(args)+2)
		args = append(args, fromAccountID, p.userID)
		tag, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return err
		}
		moved = int(tag.RowsAffected())
		return nil
	})
	return moved, err
}

func (p *partition) GetSyncHealth(ctx context.Context) ([]storage.AccountHealth, error) {
	rows, err := p.pool.Query(ctx, `
		select a.id, a.provider, a.status, count(e.id),
			a.feed_last_refresh_at, a.feed_last_success_at, a.feed_consecutive_failures, a.feed_refresh_interval_ms
		from accounts a left join events e on e.account_id = a.id
		where a.user_id = $1
		group by a.id order by a.created_at
	`, p.userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []storage.AccountHealth
	for rows.Next() {
		var h storage.AccountHealth
		var intervalMS int64
		if err := rows.Scan(&h.AccountID, &h.Provider, &h.Status, &h.EventCount,
			&h.Feed.LastRefreshAt, &h.Feed.LastSuccessAt, &h.Feed.ConsecutiveFailures, &intervalMS); err != nil {
			return nil, err
		}
		h.Feed.RefreshInterval = time.Duration(intervalMS) * time.Millisecond
		out = append(out, h)
	}
	return out, rows.Err()
}
