package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sink "fhem-bridge/internal/sink/domain"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Store persists reading values, device snapshots, active keys and the
// downstream sync state.
type Store struct {
	db  DBTX
	now func() time.Time
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore constructs a store.
func NewStore(db DBTX, opts ...Option) *Store {
	store := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// OnDecodedEvent stores the latest value of the update's key.
func (s *Store) OnDecodedEvent(ctx context.Context, update sink.Update) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil db")
	}
	if update.Key == "" {
		return errors.New("store: empty key")
	}
	at := update.At
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reading_values (base_url, key, device, reading, value, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (base_url, key) DO UPDATE
SET device = EXCLUDED.device,
    reading = EXCLUDED.reading,
    value = EXCLUDED.value,
    updated_at = EXCLUDED.updated_at`,
		update.BaseURL, update.Key, update.Device, update.Reading, update.Value, at.UTC())
	return err
}

// ListReadings returns every stored value ordered by connection and key.
func (s *Store) ListReadings(ctx context.Context) ([]sink.Reading, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT base_url, key, device, value, updated_at
FROM reading_values
ORDER BY base_url ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []sink.Reading
	for rows.Next() {
		var reading sink.Reading
		if err := rows.Scan(&reading.BaseURL, &reading.Key, &reading.Device, &reading.Value, &reading.UpdatedAt); err != nil {
			return nil, err
		}
		reading.UpdatedAt = reading.UpdatedAt.UTC()
		result = append(result, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// EnumerateActiveKeys lists the keys the downstream side subscribed to.
func (s *Store) EnumerateActiveKeys(ctx context.Context) ([]sink.ActiveKey, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT key, device, connection
FROM active_keys
ORDER BY connection ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []sink.ActiveKey
	for rows.Next() {
		var key sink.ActiveKey
		if err := rows.Scan(&key.Key, &key.Device, &key.Connection); err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertActiveKeys registers keys for forwarding and marks the sync state as
// rewritten so watchers rebuild their filters.
func (s *Store) UpsertActiveKeys(ctx context.Context, keys []sink.ActiveKey) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil db")
	}
	return s.inTx(ctx, func(db DBTX) error {
		for _, key := range keys {
			if key.Key == "" {
				return errors.New("store: empty active key")
			}
			if _, err := db.ExecContext(ctx, `
INSERT INTO active_keys (connection, key, device)
VALUES ($1, $2, $3)
ON CONFLICT (connection, key) DO UPDATE
SET device = EXCLUDED.device`, key.Connection, key.Key, key.Device); err != nil {
				return err
			}
		}
		return s.touchSyncState(ctx, db)
	})
}

func (s *Store) touchSyncState(ctx context.Context, db DBTX) error {
	_, err := db.ExecContext(ctx, `UPDATE sync_state SET updated_at = $1 WHERE id = 1`, s.now().UTC())
	if err != nil {
		return fmt.Errorf("store: touch sync state: %w", err)
	}
	return nil
}

// ReplaceDevices swaps the device snapshot of baseURL and drops the active
// keys of devices that disappeared from it.
func (s *Store) ReplaceDevices(ctx context.Context, baseURL string, devices []sink.Device) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil db")
	}
	if baseURL == "" {
		return errors.New("store: empty base url")
	}
	return s.inTx(ctx, func(db DBTX) error {
		if _, err := db.ExecContext(ctx, `DELETE FROM fhem_devices WHERE base_url = $1`, baseURL); err != nil {
			return fmt.Errorf("store: clear devices: %w", err)
		}
		if err := s.upsertDevices(ctx, db, baseURL, devices); err != nil {
			return err
		}
		res, err := db.ExecContext(ctx, `
DELETE FROM active_keys
WHERE connection = $1
  AND device NOT IN (SELECT name FROM fhem_devices WHERE base_url = $1)`, baseURL)
		if err != nil {
			return err
		}
		if pruned, err := res.RowsAffected(); err == nil && pruned > 0 {
			return s.touchSyncState(ctx, db)
		}
		return nil
	})
}

// UpsertDevices updates the given devices and keeps the rest.
func (s *Store) UpsertDevices(ctx context.Context, baseURL string, devices []sink.Device) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil db")
	}
	if baseURL == "" {
		return errors.New("store: empty base url")
	}
	return s.inTx(ctx, func(db DBTX) error {
		return s.upsertDevices(ctx, db, baseURL, devices)
	})
}

func (s *Store) upsertDevices(ctx context.Context, db DBTX, baseURL string, devices []sink.Device) error {
	now := s.now().UTC()
	for _, device := range devices {
		if device.Name == "" {
			return errors.New("store: empty device name")
		}
		document := []byte(device.Document)
		if len(document) == 0 {
			document = []byte("{}")
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO fhem_devices (base_url, name, room, document, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (base_url, name) DO UPDATE
SET room = EXCLUDED.room,
    document = EXCLUDED.document,
    updated_at = EXCLUDED.updated_at`, baseURL, device.Name, device.Room, string(document), now); err != nil {
			return fmt.Errorf("store: upsert device %s: %w", device.Name, err)
		}
	}
	return nil
}

// SyncState returns the stored downstream readiness; no row means not ready.
func (s *Store) SyncState(ctx context.Context) (sink.SyncState, error) {
	if s == nil || s.db == nil {
		return sink.SyncState{}, errors.New("store: nil db")
	}
	var state sink.SyncState
	err := s.db.QueryRowContext(ctx, `
SELECT active, connected, updated_at
FROM sync_state
WHERE id = 1`).Scan(&state.Active, &state.Connected, &state.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return sink.SyncState{}, nil
	}
	if err != nil {
		return sink.SyncState{}, err
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return state, nil
}

// SetSyncState records the downstream readiness.
func (s *Store) SetSyncState(ctx context.Context, active, connected bool) error {
	if s == nil || s.db == nil {
		return errors.New("store: nil db")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_state (id, active, connected, updated_at)
VALUES (1, $1, $2, $3)
ON CONFLICT (id) DO UPDATE
SET active = EXCLUDED.active,
    connected = EXCLUDED.connected,
    updated_at = EXCLUDED.updated_at`, active, connected, s.now().UTC())
	return err
}

func (s *Store) inTx(ctx context.Context, fn func(DBTX) error) error {
	beginner, ok := s.db.(txBeginner)
	if !ok {
		return fn(s.db)
	}
	tx, err := beginner.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
