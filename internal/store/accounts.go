package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const accountColumns = `id, user_id, google_id, email, access_token, refresh_token, token_expires_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var expires string

	err := row.Scan(&a.ID, &a.UserID, &a.GoogleID, &a.Email,
		&a.AccessToken, &a.RefreshToken, &expires)
	if err != nil {
		return nil, err
	}

	a.TokenExpiresAt, err = parseTime(expires)
	if err != nil {
		return nil, err
	}

	return &a, nil
}

// CreateUser inserts a local user. Used by the account linking flow.
func (s *Store) CreateUser(ctx context.Context, email, name string) (*User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, name) VALUES (?, ?)`, email, nullString(name))
	if err != nil {
		return nil, fmt.Errorf("store: inserting user: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: user insert id: %w", err)
	}

	return &User{ID: id, Email: email, Name: name}, nil
}

// GetUserByEmail fetches a user by email, for reuse when linking a
// second account to the same owner.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(name, '') FROM users WHERE email = ?`, email)

	var u User

	err := row.Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: fetching user %s: %w", email, err)
	}

	return &u, nil
}

// CreateAccount links a Google identity to a local user.
func (s *Store) CreateAccount(ctx context.Context, a *Account) (*Account, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, google_id, email, access_token, refresh_token, token_expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.UserID, a.GoogleID, a.Email, a.AccessToken, a.RefreshToken, fmtTime(a.TokenExpiresAt))
	if err != nil {
		return nil, fmt.Errorf("store: inserting account: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: account insert id: %w", err)
	}

	created := *a
	created.ID = id

	return &created, nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)

	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("store: fetching account %d: %w", id, err)
	}

	return a, nil
}

// UpdateAccountTokens persists refreshed credentials. The access token
// and expiry are written unconditionally; the refresh token only when
// non-empty, so a stored value is never silently dropped.
func (s *Store) UpdateAccountTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	var err error
	if refreshToken != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE accounts
			 SET access_token = ?, refresh_token = ?, token_expires_at = ?,
			     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			 WHERE id = ?`,
			accessToken, refreshToken, fmtTime(expiresAt), id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE accounts
			 SET access_token = ?, token_expires_at = ?,
			     updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')
			 WHERE id = ?`,
			accessToken, fmtTime(expiresAt), id)
	}

	if err != nil {
		return fmt.Errorf("store: updating tokens for account %d: %w", id, err)
	}

	return nil
}

// ListAccountsExpiringBefore returns accounts whose access token
// expires before the given instant, for the batch refresh sweep.
func (s *Store) ListAccountsExpiringBefore(ctx context.Context, deadline time.Time) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE token_expires_at < ? ORDER BY id`,
		fmtTime(deadline))
	if err != nil {
		return nil, fmt.Errorf("store: listing expiring accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account

	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning account: %w", err)
		}

		accounts = append(accounts, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: listing expiring accounts: %w", err)
	}

	return accounts, nil
}
