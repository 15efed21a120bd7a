package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	sink "fhem-bridge/internal/sink/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return db
}

func TestStore_Postgres(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	baseURL := "http://it-store:8083/fhem"

	_, _ = db.ExecContext(ctx, "DELETE FROM reading_values WHERE base_url = $1", baseURL)
	_, _ = db.ExecContext(ctx, "DELETE FROM fhem_devices WHERE base_url = $1", baseURL)
	_, _ = db.ExecContext(ctx, "DELETE FROM active_keys WHERE connection = $1", baseURL)

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(db, WithClock(func() time.Time { return now }))

	for _, value := range []string{"on", "off"} {
		if err := store.OnDecodedEvent(ctx, sink.Update{
			BaseURL: baseURL, Key: "Lamp1-state", Device: "Lamp1", Reading: "state", Value: value, At: now,
		}); err != nil {
			t.Fatalf("store update: %v", err)
		}
	}
	readings, err := store.ListReadings(ctx)
	if err != nil {
		t.Fatalf("list readings: %v", err)
	}
	var found *sink.Reading
	for i := range readings {
		if readings[i].BaseURL == baseURL && readings[i].Key == "Lamp1-state" {
			found = &readings[i]
		}
	}
	if found == nil || found.Value != "off" {
		t.Fatalf("expected latest value off, got %+v", found)
	}

	if err := store.UpsertActiveKeys(ctx, []sink.ActiveKey{
		{Key: "Lamp1-state", Device: "Lamp1", Connection: baseURL},
		{Key: "Blind1-pct", Device: "Blind1", Connection: baseURL},
	}); err != nil {
		t.Fatalf("upsert keys: %v", err)
	}

	doc := json.RawMessage(`{"Name":"Lamp1"}`)
	if err := store.ReplaceDevices(ctx, baseURL, []sink.Device{
		{BaseURL: baseURL, Name: "Lamp1", Room: "GoogleAssistant", Document: doc},
	}); err != nil {
		t.Fatalf("replace devices: %v", err)
	}
	keys, err := store.EnumerateActiveKeys(ctx)
	if err != nil {
		t.Fatalf("enumerate keys: %v", err)
	}
	scoped := 0
	for _, key := range keys {
		if key.Connection == baseURL {
			scoped++
			if key.Device != "Lamp1" {
				t.Fatalf("expected keys of removed devices to be pruned, found %+v", key)
			}
		}
	}
	if scoped != 1 {
		t.Fatalf("expected 1 scoped key, got %d", scoped)
	}

	if err := store.UpsertDevices(ctx, baseURL, []sink.Device{{BaseURL: baseURL, Name: "Blind1"}}); err != nil {
		t.Fatalf("upsert devices: %v", err)
	}
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fhem_devices WHERE base_url = $1", baseURL).Scan(&count); err != nil {
		t.Fatalf("count devices: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 devices after upsert, got %d", count)
	}

	if err := store.SetSyncState(ctx, true, true); err != nil {
		t.Fatalf("set sync state: %v", err)
	}
	state, err := store.SyncState(ctx)
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if !state.Ready() {
		t.Fatalf("expected ready state, got %+v", state)
	}

	time.Sleep(5 * time.Millisecond)
	if err := store.UpsertActiveKeys(ctx, []sink.ActiveKey{{Key: "Blind1-pct", Device: "Blind1", Connection: baseURL}}); err != nil {
		t.Fatalf("upsert keys: %v", err)
	}
	touched, err := store.SyncState(ctx)
	if err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if !touched.UpdatedAt.After(state.UpdatedAt) || !touched.Ready() {
		t.Fatalf("expected key upsert to advance sync state, before %v after %+v", state.UpdatedAt, touched)
	}
}

func TestStoreRejectsNilDB(t *testing.T) {
	store := NewStore(nil)
	if err := store.OnDecodedEvent(context.Background(), sink.Update{Key: "a-b"}); err == nil {
		t.Fatalf("expected error for nil db")
	}
	if _, err := store.SyncState(context.Background()); err == nil {
		t.Fatalf("expected error for nil db")
	}
}
