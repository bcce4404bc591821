package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tempora-io/tempora/internal/storage"
)

const accountCols = `id, user_id, provider, provider_subject, email, status, write_capable,
	feed_last_refresh_at, feed_last_success_at, feed_content_hash, feed_etag, feed_last_modified,
	feed_consecutive_failures, feed_refresh_interval_ms, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*storage.Account, error) {
	var a storage.Account
	var lastRefresh, lastSuccess sql.NullTime
	var intervalMS int64
	if err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.ProviderSubject, &a.Email, &a.Status, &a.WriteCapable,
		&lastRefresh, &lastSuccess, &a.Feed.ContentHash, &a.Feed.ETag, &a.Feed.LastModified,
		&a.Feed.ConsecutiveFailures, &intervalMS, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastRefresh.Valid {
		t := lastRefresh.Time
		a.Feed.LastRefreshAt = &t
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		a.Feed.LastSuccessAt = &t
	}
	a.Feed.RefreshInterval = time.Duration(intervalMS) * time.Millisecond
	return &a, nil
}

func (p *partition) CreateAccount(ctx context.Context, a *storage.Account) error {
	if a.ID == "" || a.Provider == "" || a.ProviderSubject == "" {
		return fmt.Errorf("%w: account requires id, provider, subject", storage.ErrInvalidArgument)
	}
	if a.Status == "" {
		a.Status = storage.AccountPending
	}
	if a.Feed.RefreshInterval <= 0 {
		a.Feed.RefreshInterval = 15 * time.Minute
	}
	now := time.Now().UTC()
	a.UserID = p.userID
	a.CreatedAt = now
	a.UpdatedAt = now

	return p.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, user_id, provider, provider_subject, email, status, write_capable,
				feed_consecutive_failures, feed_refresh_interval_ms, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		`, a.ID, a.UserID, a.Provider, a.ProviderSubject, a.Email, a.Status, a.WriteCapable,
			a.Feed.RefreshInterval.Milliseconds(), now, now)
		if err != nil && strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: account for %s already attached", storage.ErrConflict, a.Provider)
		}
		return err
	})
}

func (p *partition) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *partition) ListAccounts(ctx context.Context, provider storage.Provider) ([]*storage.Account, error) {
	q := `SELECT ` + accountCols + ` FROM accounts`
	args := []any{}
	if provider != "" {
		q += ` WHERE provider = ?`
		args = append(args, provider)
	}
	q += ` ORDER BY created_at`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*storage.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Allowed status transitions. Terminal states have no exits.
var accountTransitions = map[storage.AccountStatus][]storage.AccountStatus{
	storage.AccountPending: {storage.AccountActive, storage.AccountError, storage.AccountRevoked},
	storage.AccountActive:  {storage.AccountError, storage.AccountRevoked, storage.AccountUpgraded, storage.AccountDowngraded},
	storage.AccountError:   {storage.AccountActive, storage.AccountRevoked, storage.AccountDowngraded},
}

func transitionAllowed(from, to storage.AccountStatus) bool {
	if from == to {
		return true
	}
	for _, s := range accountTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (p *partition) UpdateAccountStatus(ctx context.Context, id string, status storage.AccountStatus) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var current storage.AccountStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM accounts WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: account %s", storage.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if !transitionAllowed(current, status) {
			return fmt.Errorf("%w: account transition %s -> %s", storage.ErrInvalidArgument, current, status)
		}
		_, err = tx.ExecContext(ctx, `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`,
			status, time.Now().UTC(), id)
		return err
	})
}

func (p *partition) UpdateFeedState(ctx context.Context, id string, feed storage.FeedState) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET
				feed_last_refresh_at = ?, feed_last_success_at = ?, feed_content_hash = ?,
				feed_etag = ?, feed_last_modified = ?, feed_consecutive_failures = ?,
				feed_refresh_interval_ms = ?, updated_at = ?
			WHERE id = ?
		`, nullTime(feed.LastRefreshAt), nullTime(feed.LastSuccessAt), feed.ContentHash,
			feed.ETag, feed.LastModified, feed.ConsecutiveFailures,
			feed.RefreshInterval.Milliseconds(), time.Now().UTC(), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: account %s", storage.ErrNotFound, id)
		}
		return nil
	})
}

func (p *partition) DeleteAccount(ctx context.Context, id string) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		var locked int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM allocations a JOIN events e ON e.id = a.event_id
			WHERE e.account_id = ? AND a.locked = 1
		`, id).Scan(&locked)
		if err != nil {
			return err
		}
		if locked > 0 {
			return fmt.Errorf("%w: account has locked allocations", storage.ErrInUse)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: account %s", storage.ErrNotFound, id)
		}
		return nil
	})
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
