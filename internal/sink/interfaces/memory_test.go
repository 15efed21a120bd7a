package interfaces

import (
	"context"
	"testing"
	"time"

	sink "fhem-bridge/internal/sink/domain"
)

func TestMemoryStoreStartsReady(t *testing.T) {
	store := NewMemoryStore([]sink.ActiveKey{{Key: "lamp1-state", Device: "Lamp1"}})
	state, err := store.SyncState(context.Background())
	if err != nil || !state.Ready() {
		t.Fatalf("expected ready state, got %+v (%v)", state, err)
	}
	keys, _ := store.EnumerateActiveKeys(context.Background())
	if len(keys) != 1 || keys[0].Key != "lamp1-state" {
		t.Fatalf("unexpected keys %+v", keys)
	}
	if err := store.SetSyncState(context.Background(), true, false); err != nil {
		t.Fatalf("set state: %v", err)
	}
	state, _ = store.SyncState(context.Background())
	if state.Ready() {
		t.Fatalf("expected not ready after disconnect")
	}
}

func TestMemoryStoreDevices(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	base := "http://fhem:8083/fhem"
	_ = store.ReplaceDevices(ctx, base, []sink.Device{{Name: "Lamp2"}, {Name: "Lamp1"}})
	_ = store.UpsertDevices(ctx, base, []sink.Device{{Name: "Lamp1", Room: "Kitchen"}})
	devices := store.Devices(base)
	if len(devices) != 2 || devices[0].Name != "Lamp1" || devices[0].Room != "Kitchen" {
		t.Fatalf("unexpected devices %+v", devices)
	}
	_ = store.ReplaceDevices(ctx, base, []sink.Device{{Name: "Lamp3"}})
	if devices := store.Devices(base); len(devices) != 1 || devices[0].Name != "Lamp3" {
		t.Fatalf("expected replaced snapshot, got %+v", devices)
	}
}

func TestMemoryStoreReadings(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = store.OnDecodedEvent(ctx, sink.Update{BaseURL: "b", Key: "lamp1-state", Value: "on", At: at})
	_ = store.OnDecodedEvent(ctx, sink.Update{BaseURL: "a", Key: "lamp1-state", Value: "off", At: at})
	_ = store.OnDecodedEvent(ctx, sink.Update{BaseURL: "a", Key: "lamp1-state", Value: "on", At: at})
	readings, err := store.ListReadings(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(readings) != 2 || readings[0].BaseURL != "a" || readings[0].Value != "on" {
		t.Fatalf("unexpected readings %+v", readings)
	}
}

func TestMemoryStoreUpsertActiveKeys(t *testing.T) {
	store := NewMemoryStore([]sink.ActiveKey{{Key: "lamp1-state", Device: "Lamp1"}})
	ctx := context.Background()
	err := store.UpsertActiveKeys(ctx, []sink.ActiveKey{
		{Key: "lamp1-state", Device: "Lamp1b"},
		{Key: "lamp1-state", Device: "Lamp1", Connection: "http://fhem:8083/fhem"},
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	keys, _ := store.EnumerateActiveKeys(ctx)
	if len(keys) != 2 || keys[0].Device != "Lamp1b" || keys[1].Connection == "" {
		t.Fatalf("unexpected keys %+v", keys)
	}
}

func TestMemoryStoreKeyUpsertAdvancesSyncState(t *testing.T) {
	store := NewMemoryStore(nil)
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ticks := 0
	store.now = func() time.Time {
		ticks++
		return base.Add(time.Duration(ticks) * time.Second)
	}
	ctx := context.Background()
	if err := store.SetSyncState(ctx, true, true); err != nil {
		t.Fatalf("set: %v", err)
	}
	before, _ := store.SyncState(ctx)
	if err := store.UpsertActiveKeys(ctx, []sink.ActiveKey{{Key: "blind1-pct", Device: "Blind1"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	after, _ := store.SyncState(ctx)
	if !after.UpdatedAt.After(before.UpdatedAt) || !after.Ready() {
		t.Fatalf("expected upsert to advance sync state, before %+v after %+v", before, after)
	}
}
