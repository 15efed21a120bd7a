package longpoll

import "sync"

// FilterEntry is one key of interest and the device it belongs to.
type FilterEntry struct {
	Key    string
	Device string
}

// FilterRegistry holds the keys currently forwarded downstream.
// An empty registry drops every event.
type FilterRegistry struct {
	mu      sync.RWMutex
	keys    map[string]struct{}
	devices map[string]struct{}
}

// NewFilterRegistry constructs an empty (cleared) registry.
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{
		keys:    map[string]struct{}{},
		devices: map[string]struct{}{},
	}
}

// Rebuild replaces the whole membership set in one step.
func (f *FilterRegistry) Rebuild(entries []FilterEntry) {
	keys := make(map[string]struct{}, len(entries))
	devices := make(map[string]struct{})
	for _, entry := range entries {
		if entry.Key == "" {
			continue
		}
		keys[entry.Key] = struct{}{}
		if entry.Device != "" {
			devices[entry.Device] = struct{}{}
		}
	}

	f.mu.Lock()
	f.keys = keys
	f.devices = devices
	f.mu.Unlock()
}

// Clear empties the registry.
func (f *FilterRegistry) Clear() {
	f.mu.Lock()
	f.keys = map[string]struct{}{}
	f.devices = map[string]struct{}{}
	f.mu.Unlock()
}

// Contains reports whether key is of interest.
func (f *FilterRegistry) Contains(key string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.keys[key]
	return ok
}

// HasDevice reports whether any registered key belongs to device.
func (f *FilterRegistry) HasDevice(device string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.devices[device]
	return ok
}

// ActiveDevices returns a copy of the devices with registered keys.
func (f *FilterRegistry) ActiveDevices() map[string]struct{} {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]struct{}, len(f.devices))
	for device := range f.devices {
		out[device] = struct{}{}
	}
	return out
}

// Len returns the number of registered keys.
func (f *FilterRegistry) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.keys)
}
