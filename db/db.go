// Package db provides database connection helpers, schema migration, and the
// persistence used by channel workers, the credential store and the control API.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "github.com/mattn/go-sqlite3"    // sqlite driver registered as 'sqlite3'

	"github.com/O-Tiger/WebServiceTwitchBot/bot"
	"github.com/O-Tiger/WebServiceTwitchBot/crypto"
)

// Connect opens a database handle for driver ("pgx" or "sqlite3").
func Connect(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		// sqlite serialises writers; one connection also keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// Store implements bot.Store plus token, raid and saved-channel persistence.
// When Sealer is nil tokens are stored in plaintext.
type Store struct {
	DB     *sql.DB
	Sealer crypto.Sealer
}

var _ bot.Store = (*Store)(nil)

// NewStore wraps db. sealer may be nil.
func NewStore(db *sql.DB, sealer crypto.Sealer) *Store {
	if sealer == nil {
		slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
	}
	return &Store{DB: db, Sealer: sealer}
}

// LoadChannelState reads a channel's per-user counters and channel-scoped
// auto-responses. Unknown channels yield empty maps.
func (s *Store) LoadChannelState(ctx context.Context, channel string) (bot.ChannelState, error) {
	st := bot.ChannelState{Points: map[string]int{}, Messages: map[string]int{}}
	rows, err := s.DB.QueryContext(ctx, `SELECT username, points, messages FROM channel_users WHERE channel = $1`, channel)
	if err != nil {
		return st, err
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var user string
		var points, messages int
		if err := rows.Scan(&user, &points, &messages); err != nil {
			return st, err
		}
		st.Points[user] = points
		st.Messages[user] = messages
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	st.Responses, err = s.autoResponses(ctx, channel)
	return st, err
}

// SaveChannelState writes every user in st for channel in one transaction.
func (s *Store) SaveChannelState(ctx context.Context, channel string, st bot.ChannelState) error {
	users := make(map[string]struct{}, len(st.Points))
	for u := range st.Points {
		users[u] = struct{}{}
	}
	for u := range st.Messages {
		users[u] = struct{}{}
	}
	if len(users) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO channel_users(channel, username, points, messages, updated_at)
		VALUES($1,$2,$3,$4,CURRENT_TIMESTAMP)
		ON CONFLICT(channel, username) DO UPDATE SET
			points=excluded.points,
			messages=excluded.messages,
			updated_at=CURRENT_TIMESTAMP`)
	if err != nil {
		return err
	}
	defer stmt.Close() //nolint:errcheck
	for u := range users {
		if _, err := stmt.ExecContext(ctx, channel, u, st.Points[u], st.Messages[u]); err != nil {
			return fmt.Errorf("save %s/%s: %w", channel, u, err)
		}
	}
	return tx.Commit()
}

// LoadGlobalAutoResponses returns the global registry in insertion order.
func (s *Store) LoadGlobalAutoResponses(ctx context.Context) ([]bot.AutoResponse, error) {
	return s.autoResponses(ctx, "")
}

func (s *Store) autoResponses(ctx context.Context, channel string) ([]bot.AutoResponse, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT trigger_phrase, response FROM auto_responses WHERE channel = $1 ORDER BY seq, created_at`, channel)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []bot.AutoResponse
	for rows.Next() {
		var r bot.AutoResponse
		if err := rows.Scan(&r.Trigger, &r.Response); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertAutoResponse adds or replaces a trigger. A replaced trigger keeps its position.
func (s *Store) UpsertAutoResponse(ctx context.Context, channel, trigger, response string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO auto_responses(channel, trigger_phrase, response, seq, created_at, updated_at)
		VALUES($1,$2,$3,(SELECT COALESCE(MAX(seq),0)+1 FROM auto_responses),CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
		ON CONFLICT(channel, trigger_phrase) DO UPDATE SET
			response=excluded.response,
			updated_at=CURRENT_TIMESTAMP`, channel, trigger, response)
	return err
}

// DeleteAutoResponse removes a trigger. Deleting a missing trigger is not an error.
func (s *Store) DeleteAutoResponse(ctx context.Context, channel, trigger string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM auto_responses WHERE channel = $1 AND trigger_phrase = $2`, channel, trigger)
	return err
}

// Raid is one recorded incoming raid.
type Raid struct {
	Channel    string    `json:"channel"`
	Raider     string    `json:"raider"`
	Viewers    int       `json:"viewers"`
	ReceivedAt time.Time `json:"received_at"`
}

// RecordRaid appends a raid to the channel's history.
func (s *Store) RecordRaid(ctx context.Context, channel, raider string, viewers int) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO raids(channel, raider, viewers, received_at) VALUES($1,$2,$3,$4)`,
		channel, raider, viewers, time.Now().UTC())
	return err
}

// RecentRaids lists the latest raids for channel, newest first.
func (s *Store) RecentRaids(ctx context.Context, channel string, limit int) ([]Raid, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT channel, raider, viewers, received_at FROM raids WHERE channel = $1 ORDER BY received_at DESC LIMIT $2`, channel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []Raid
	for rows.Next() {
		var r Raid
		if err := rows.Scan(&r.Channel, &r.Raider, &r.Viewers, &r.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SavedChannel is a streamer the operator keeps in the auto-connect list.
type SavedChannel struct {
	Channel     string    `json:"channel"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// SaveChannel adds a saved channel and reports whether it was new. An
// existing entry is left untouched.
func (s *Store) SaveChannel(ctx context.Context, channel, displayName string) (bool, error) {
	if displayName == "" {
		displayName = channel
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO saved_channels(channel, display_name, created_at) VALUES($1,$2,$3)
		ON CONFLICT(channel) DO NOTHING`, channel, displayName, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RemoveSavedChannel deletes a saved channel and reports whether it existed.
func (s *Store) RemoveSavedChannel(ctx context.Context, channel string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM saved_channels WHERE channel = $1`, channel)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListSavedChannels returns saved channels in the order they were added.
func (s *Store) ListSavedChannels(ctx context.Context) ([]SavedChannel, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT channel, display_name, created_at FROM saved_channels ORDER BY created_at, channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var out []SavedChannel
	for rows.Next() {
		var c SavedChannel
		if err := rows.Scan(&c.Channel, &c.DisplayName, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TokenRecord is a stored OAuth credential. A zero ExpiresAt means the expiry is unknown.
type TokenRecord struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	Login        string
}

// ErrSealerMissing is returned when a sealed row is read without a configured key.
var ErrSealerMissing = errors.New("token is encrypted but ENCRYPTION_KEY not configured")

// UpsertOAuthToken stores a token row, sealing both secrets when a Sealer is set.
func (s *Store) UpsertOAuthToken(ctx context.Context, provider string, rec TokenRecord) error {
	access, refresh := rec.AccessToken, rec.RefreshToken
	encVersion, keyID := 0, ""
	if s.Sealer != nil {
		var err error
		if access, err = s.Sealer.Seal(provider, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = s.Sealer.Seal(provider, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		encVersion, keyID = 1, s.Sealer.KeyID()
	}
	var expires sql.NullTime
	if !rec.ExpiresAt.IsZero() {
		expires = sql.NullTime{Time: rec.ExpiresAt.UTC(), Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, login, encryption_version, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,CURRENT_TIMESTAMP)
		ON CONFLICT(provider) DO UPDATE SET
			access_token=excluded.access_token,
			refresh_token=excluded.refresh_token,
			expires_at=excluded.expires_at,
			scope=excluded.scope,
			login=excluded.login,
			encryption_version=excluded.encryption_version,
			encryption_key_id=excluded.encryption_key_id,
			updated_at=CURRENT_TIMESTAMP`,
		provider, access, refresh, expires, rec.Scope, rec.Login, encVersion, keyID)
	return err
}

// GetOAuthToken returns the stored token for provider. found is false when no row exists.
// Plaintext rows (encryption_version 0) are returned as-is.
func (s *Store) GetOAuthToken(ctx context.Context, provider string) (rec TokenRecord, found bool, err error) {
	var expires sql.NullTime
	var encVersion int
	row := s.DB.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, scope, login, encryption_version
		FROM oauth_tokens WHERE provider = $1`, provider)
	if err := row.Scan(&rec.AccessToken, &rec.RefreshToken, &expires, &rec.Scope, &rec.Login, &encVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenRecord{}, false, nil
		}
		return TokenRecord{}, false, err
	}
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	if encVersion == 1 {
		if s.Sealer == nil {
			return TokenRecord{}, true, ErrSealerMissing
		}
		if rec.AccessToken, err = s.Sealer.Open(provider, rec.AccessToken); err != nil {
			return TokenRecord{}, true, fmt.Errorf("decrypt access token: %w", err)
		}
		if rec.RefreshToken, err = s.Sealer.Open(provider, rec.RefreshToken); err != nil {
			return TokenRecord{}, true, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return rec, true, nil
}

// PlaintextProviders lists providers whose tokens are still stored unsealed.
func (s *Store) PlaintextProviders(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE encryption_version = 0 ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// SealToken re-writes provider's token row through the Sealer.
func (s *Store) SealToken(ctx context.Context, provider string) error {
	if s.Sealer == nil {
		return ErrSealerMissing
	}
	rec, found, err := s.GetOAuthToken(ctx, provider)
	if err != nil {
		return fmt.Errorf("read %s: %w", provider, err)
	}
	if !found {
		return fmt.Errorf("read %s: %w", provider, sql.ErrNoRows)
	}
	if err := s.UpsertOAuthToken(ctx, provider, rec); err != nil {
		return fmt.Errorf("seal %s: %w", provider, err)
	}
	slog.Info("sealed plaintext token", slog.String("provider", provider), slog.String("component", "db_encryption"))
	return nil
}

// SealPlaintextTokens seals every plaintext token row and returns how many
// rows were converted.
func (s *Store) SealPlaintextTokens(ctx context.Context) (int, error) {
	if s.Sealer == nil {
		return 0, ErrSealerMissing
	}
	providers, err := s.PlaintextProviders(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, p := range providers {
		if err := s.SealToken(ctx, p); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
