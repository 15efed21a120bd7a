package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	longpoll "fhem-bridge/internal/longpoll/domain"
	sink "fhem-bridge/internal/sink/domain"
	sinkinterfaces "fhem-bridge/internal/sink/interfaces"
)

type mutableKeys struct {
	mu   sync.Mutex
	keys []sink.ActiveKey
}

func (k *mutableKeys) EnumerateActiveKeys(context.Context) ([]sink.ActiveKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]sink.ActiveKey(nil), k.keys...), nil
}

func (k *mutableKeys) set(keys ...sink.ActiveKey) {
	k.mu.Lock()
	k.keys = keys
	k.mu.Unlock()
}

func waitForFilter(conn *longpoll.Connection, key string, present bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if conn.Filters().Contains(key) == present {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func newTestBridge(t *testing.T, keys sink.KeySource, notifier *stubNotifier) *Bridge {
	t.Helper()
	b, err := NewBridge(longpoll.NewRegistry(longpoll.DefaultDebounceConfig(), nil), Dependencies{
		Updates:          newStubUpdates(),
		Devices:          newStubStore(),
		Notifier:         notifier,
		ReportState:      notifier,
		Keys:             keys,
		Restart:          func(string) {},
		ReportStateDelay: 10 * time.Millisecond,
		CSRFWait:         100 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	return b
}

func TestBridgeSyncStateRebuildsPerConnection(t *testing.T) {
	keys := stubKeys{keys: []sink.ActiveKey{
		{Key: "Lamp1-state", Device: "Lamp1"},
		{Key: "Blind1-pct", Device: "Blind1", Connection: "http://a/fhem"},
		{Key: "Heater-temp", Device: "Heater", Connection: "http://b/fhem"},
	}}
	b := newTestBridge(t, keys, newStubNotifier())
	a, err := b.AddConnection(ConnectionSpec{Name: "a", Client: newStubClient("http://a/fhem")})
	if err != nil {
		t.Fatalf("add a: %v", err)
	}
	c, _ := b.AddConnection(ConnectionSpec{Name: "b", Client: newStubClient("http://b/fhem")})

	if err := b.OnSyncStateChanged(context.Background(), true, true); err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if !a.Conn.Filters().Contains("Lamp1-state") || !a.Conn.Filters().Contains("Blind1-pct") {
		t.Fatalf("expected shared and scoped keys on a")
	}
	if a.Conn.Filters().Contains("Heater-temp") {
		t.Fatalf("key of b leaked into a")
	}
	if !c.Conn.Filters().Contains("Heater-temp") || c.Conn.Filters().Contains("Blind1-pct") {
		t.Fatalf("unexpected filters on b")
	}

	if err := b.OnSyncStateChanged(context.Background(), true, false); err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if a.Conn.Filters().Len() != 0 || c.Conn.Filters().Len() != 0 {
		t.Fatalf("expected cleared filters when not connected")
	}
}

func TestBridgeResyncWithUnchangedFlags(t *testing.T) {
	store := sinkinterfaces.NewMemoryStore([]sink.ActiveKey{{Key: "Lamp1-state", Device: "Lamp1"}})
	b := newTestBridge(t, store, newStubNotifier())
	ep, _ := b.AddConnection(ConnectionSpec{Name: "home", Client: newStubClient("http://fhem/fhem")})
	w, err := NewSyncWatcher(store, b, 0, nil)
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	ctx := context.Background()

	if !w.Poll(ctx) || !ep.Conn.Filters().Contains("Lamp1-state") {
		t.Fatalf("expected initial filter build")
	}

	time.Sleep(time.Millisecond)
	if err := store.UpsertActiveKeys(ctx, []sink.ActiveKey{{Key: "Blind1-pct", Device: "Blind1"}}); err != nil {
		t.Fatalf("upsert keys: %v", err)
	}
	if !w.Poll(ctx) || !ep.Conn.Filters().Contains("Blind1-pct") {
		t.Fatalf("expected new key to reach the filter")
	}

	time.Sleep(time.Millisecond)
	if err := store.SetSyncState(ctx, true, true); err != nil {
		t.Fatalf("set sync state: %v", err)
	}
	if !w.Poll(ctx) {
		t.Fatalf("expected re-asserted state to resync")
	}
	if w.Poll(ctx) {
		t.Fatalf("expected no resync without a write")
	}
}

func TestBridgeReloadRefreshesFilter(t *testing.T) {
	keys := &mutableKeys{}
	keys.set(sink.ActiveKey{Key: "Lamp1-state", Device: "Lamp1"}, sink.ActiveKey{Key: "Gone-state", Device: "Gone"})
	notifier := newStubNotifier()
	b := newTestBridge(t, keys, notifier)
	defer b.Stop()
	client := newStubClient("http://fhem/fhem")
	client.list = decodeDeviceList(t, twoDevices)
	ep, _ := b.AddConnection(ConnectionSpec{Name: "home", Filter: "room=GoogleAssistant", Client: client})
	ep.Conn.SetCSRFToken("")

	if err := b.OnSyncStateChanged(context.Background(), true, true); err != nil {
		t.Fatalf("sync state: %v", err)
	}
	if !ep.Conn.Filters().Contains("Gone-state") {
		t.Fatalf("expected initial filter")
	}

	keys.set(sink.ActiveKey{Key: "Lamp1-state", Device: "Lamp1"})
	if err := b.ReloadConnection(context.Background(), "home", ""); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !waitForFilter(ep.Conn, "Gone-state", false) {
		t.Fatalf("expected pruned key to leave the filter after reload")
	}
	if !ep.Conn.Filters().Contains("Lamp1-state") {
		t.Fatalf("expected remaining key to stay")
	}
}

func TestBridgeReloadKeepsFilterClearedWhenNotReady(t *testing.T) {
	keys := &mutableKeys{}
	keys.set(sink.ActiveKey{Key: "Lamp1-state", Device: "Lamp1"})
	b := newTestBridge(t, keys, newStubNotifier())
	client := newStubClient("http://fhem/fhem")
	client.list = decodeDeviceList(t, twoDevices)
	ep, _ := b.AddConnection(ConnectionSpec{Name: "home", Filter: "room=GoogleAssistant", Client: client})
	ep.Conn.SetCSRFToken("")

	if err := ep.Reloader.Reload(context.Background(), ""); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if ep.Conn.Filters().Len() != 0 {
		t.Fatalf("expected empty filter before the remote side is ready")
	}
}

func TestBridgeSyncStateKeySourceError(t *testing.T) {
	b := newTestBridge(t, stubKeys{err: errors.New("db down")}, newStubNotifier())
	if err := b.OnSyncStateChanged(context.Background(), true, true); err == nil {
		t.Fatalf("expected key source error")
	}
}

func TestBridgeExecuteCommand(t *testing.T) {
	b := newTestBridge(t, stubKeys{}, newStubNotifier())
	client := newStubClient("http://fhem:8083/fhem")
	if _, err := b.AddConnection(ConnectionSpec{Name: "home", Client: client}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := b.AddConnection(ConnectionSpec{Name: "again", Client: client}); err == nil {
		t.Fatalf("expected duplicate error")
	}

	if _, err := b.ExecuteCommand(context.Background(), "nope", "set x on"); !errors.Is(err, longpoll.ErrUnknownConnection) {
		t.Fatalf("expected unknown connection, got %v", err)
	}
	if _, err := b.ExecuteCommand(context.Background(), "home", ""); !errors.Is(err, ErrEmptyCommand) {
		t.Fatalf("expected empty command error, got %v", err)
	}

	id, err := b.ExecuteCommand(context.Background(), "home", "set Lamp1 on")
	if err != nil || id == "" {
		t.Fatalf("execute by name: %q %v", id, err)
	}
	if _, err := b.ExecuteCommand(context.Background(), "http://fhem:8083/fhem", "set Lamp1 off"); err != nil {
		t.Fatalf("execute by base url: %v", err)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-client.done:
		case <-time.After(time.Second):
			t.Fatalf("command %d not issued", i)
		}
	}
}

func TestBridgeReloadSchedulesReportState(t *testing.T) {
	notifier := newStubNotifier()
	b := newTestBridge(t, stubKeys{}, notifier)
	defer b.Stop()
	client := newStubClient("http://fhem/fhem")
	client.list = decodeDeviceList(t, twoDevices)
	ep, _ := b.AddConnection(ConnectionSpec{Name: "home", Filter: "room=GoogleAssistant", Client: client})
	ep.Conn.SetCSRFToken("")

	if err := b.ReloadConnection(context.Background(), "home", ""); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !waitFor(notifier.finished, time.Second) {
		t.Fatalf("expected sync finished")
	}
	if !waitFor(notifier.report, time.Second) {
		t.Fatalf("expected report state request")
	}
	if err := b.ReloadConnection(context.Background(), "missing", ""); !errors.Is(err, longpoll.ErrUnknownConnection) {
		t.Fatalf("expected unknown connection, got %v", err)
	}
}

func TestBridgeStats(t *testing.T) {
	b := newTestBridge(t, stubKeys{}, newStubNotifier())
	b.AddConnection(ConnectionSpec{Client: newStubClient("http://b")})
	b.AddConnection(ConnectionSpec{Client: newStubClient("http://a")})
	stats := b.Stats()
	if len(stats) != 2 || stats[0].BaseURL != "http://a" {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats[0].State != "disconnected" {
		t.Fatalf("unexpected state %q", stats[0].State)
	}
}
