package interfaces

import (
	"context"
	"sort"
	"sync"
	"time"

	sink "fhem-bridge/internal/sink/domain"
)

// MemoryStore keeps keys, devices, readings and the sync state in process.
// It replaces the Postgres store when no database is configured; the sync
// state starts out ready so static keys forward immediately.
type MemoryStore struct {
	mu       sync.RWMutex
	keys     []sink.ActiveKey
	devices  map[string]map[string]sink.Device
	readings map[string]sink.Reading
	state    sink.SyncState
	now      func() time.Time
}

// NewMemoryStore constructs a store serving the given keys.
func NewMemoryStore(keys []sink.ActiveKey) *MemoryStore {
	s := &MemoryStore{
		keys:     append([]sink.ActiveKey(nil), keys...),
		devices:  make(map[string]map[string]sink.Device),
		readings: make(map[string]sink.Reading),
		now:      time.Now,
	}
	s.state = sink.SyncState{Active: true, Connected: true, UpdatedAt: s.now()}
	return s
}

// EnumerateActiveKeys returns the configured keys.
func (s *MemoryStore) EnumerateActiveKeys(context.Context) ([]sink.ActiveKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]sink.ActiveKey(nil), s.keys...), nil
}

// UpsertActiveKeys adds keys, replacing entries with the same key and
// connection, and marks the sync state as rewritten.
func (s *MemoryStore) UpsertActiveKeys(_ context.Context, keys []sink.ActiveKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		replaced := false
		for i, existing := range s.keys {
			if existing.Key == k.Key && existing.Connection == k.Connection {
				s.keys[i] = k
				replaced = true
				break
			}
		}
		if !replaced {
			s.keys = append(s.keys, k)
		}
	}
	s.state.UpdatedAt = s.now()
	return nil
}

// SyncState returns the current state.
func (s *MemoryStore) SyncState(context.Context) (sink.SyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, nil
}

// SetSyncState overrides the state.
func (s *MemoryStore) SetSyncState(_ context.Context, active, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sink.SyncState{Active: active, Connected: connected, UpdatedAt: s.now()}
	return nil
}

// ReplaceDevices swaps the snapshot of one controller.
func (s *MemoryStore) ReplaceDevices(_ context.Context, baseURL string, devices []sink.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(map[string]sink.Device, len(devices))
	for _, d := range devices {
		snapshot[d.Name] = d
	}
	s.devices[baseURL] = snapshot
	return nil
}

// UpsertDevices merges devices into the snapshot of one controller.
func (s *MemoryStore) UpsertDevices(_ context.Context, baseURL string, devices []sink.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot, ok := s.devices[baseURL]
	if !ok {
		snapshot = make(map[string]sink.Device, len(devices))
		s.devices[baseURL] = snapshot
	}
	for _, d := range devices {
		snapshot[d.Name] = d
	}
	return nil
}

// Devices returns the snapshot of one controller sorted by name.
func (s *MemoryStore) Devices(baseURL string) []sink.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sink.Device, 0, len(s.devices[baseURL]))
	for _, d := range s.devices[baseURL] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnDecodedEvent records the last value of the key.
func (s *MemoryStore) OnDecodedEvent(_ context.Context, update sink.Update) error {
	at := update.At
	if at.IsZero() {
		at = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings[update.BaseURL+"\x00"+update.Key] = sink.Reading{
		BaseURL:   update.BaseURL,
		Key:       update.Key,
		Device:    update.Device,
		Value:     update.Value,
		UpdatedAt: at,
	}
	return nil
}

// ListReadings returns the last values ordered by controller and key.
func (s *MemoryStore) ListReadings(context.Context) ([]sink.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]sink.Reading, 0, len(s.readings))
	for _, r := range s.readings {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BaseURL != out[j].BaseURL {
			return out[i].BaseURL < out[j].BaseURL
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}
