package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tempora-io/tempora/internal/storage"
)

const accountCols = `id, user_id, provider, provider_subject, email, status, write_capable,
	feed_last_refresh_at, feed_last_success_at, feed_content_hash, feed_etag, feed_last_modified,
	feed_consecutive_failures, feed_refresh_interval_ms, created_at, updated_at`

type scannable interface{ Scan(...any) error }

func scanAccount(row scannable) (*storage.Account, error) {
	var a storage.Account
	var intervalMS int64
	if err := row.Scan(
		&a.ID, &a.UserID, &a.Provider, &a.ProviderSubject, &a.Email, &a.Status, &a.WriteCapable,
		&a.Feed.LastRefreshAt, &a.Feed.LastSuccessAt, &a.Feed.ContentHash, &a.Feed.ETag, &a.Feed.LastModified,
		&a.Feed.ConsecutiveFailures, &intervalMS, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
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

	return p.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			insert into accounts (id, user_id, provider, provider_subject, email, status, write_capable,
				feed_consecutive_failures, feed_refresh_interval_ms, created_at, updated_at)
			values ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
		`, a.ID, a.UserID, a.Provider, a.ProviderSubject, a.Email, a.Status, a.WriteCapable,
			a.Feed.RefreshInterval.Milliseconds(), now, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: account for %s already attached", storage.ErrConflict, a.Provider)
		}
		return err
	})
}

func (p *partition) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	row := p.pool.QueryRow(ctx, `select `+accountCols+` from accounts where id = $1 and user_id = $2`, id, p.userID)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *partition) ListAccounts(ctx context.Context, provider storage.Provider) ([]*storage.Account, error) {
	q := `select ` + accountCols + ` from accounts where user_id = $1`
	args := []any{p.userID}
	if provider != "" {
		q += ` and provider = $2`
		args = append(args, provider)
	}
	q += ` order by created_at`
	rows, err := p.pool.Query(ctx, q, args...)
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
	return p.withTx(ctx, func(tx pgx.Tx) error {
		var current storage.AccountStatus
		err := tx.QueryRow(ctx, `select status from accounts where id = $1 and user_id = $2`, id, p.userID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: account %s", storage.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		if !transitionAllowed(current, status) {
			return fmt.Errorf("%w: account transition %s -> %s", storage.ErrInvalidArgument, current, status)
		}
		_, err = tx.Exec(ctx, `update accounts set status = $1, updated_at = now() where id = $2`, status, id)
		return err
	})
}

func (p *partition) UpdateFeedState(ctx context.Context, id string, feed storage.FeedState) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			update accounts set
				feed_last_refresh_at = $1, feed_last_success_at = $2, feed_content_hash = $3,
				feed_etag = $4, feed_last_modified = $5, feed_consecutive_failures = $6,
				feed_refresh_interval_ms = $7, updated_at = now()
			where id = $8 and user_id = $9
		`, feed.LastRefreshAt, feed.LastSuccessAt, feed.ContentHash,
			feed.ETag, feed.LastModified, feed.ConsecutiveFailures,
			feed.RefreshInterval.Milliseconds(), id, p.userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: account %s", storage.ErrNotFound, id)
		}
		return nil
	})
}

func (p *partition) DeleteAccount(ctx context.Context, id string) error {
	return p.withTx(ctx, func(tx pgx.Tx) error {
		var locked int
		err := tx.QueryRow(ctx, `
			select count(*) from allocations a join events e on e.id = a.event_id
			where e.account_id = $1 and a.locked
		`, id).Scan(&locked)
		if err != nil {
			return err
		}
		if locked > 0 {
			return fmt.Errorf("%w: account has locked allocations", storage.ErrInUse)
		}
		tag, err := tx.Exec(ctx, `delete from accounts where id = $1 and user_id = $2`, id, p.userID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: account %s", storage.ErrNotFound, id)
		}
		return nil
	})
}
