package sink

import (
	"context"
	"encoding/json"
	"time"
)

// Update is one forwarded reading change.
type Update struct {
	BaseURL  string
	Key      string
	Device   string
	Reading  string
	Value    string
	Decision string
	At       time.Time
}

// ActiveKey is a key the downstream side wants to receive.
// An empty Connection applies to every controller.
type ActiveKey struct {
	Key        string
	Device     string
	Connection string
}

// AppliesTo reports whether the key belongs to the controller at baseURL.
func (k ActiveKey) AppliesTo(baseURL string) bool {
	return k.Connection == "" || k.Connection == baseURL
}

// Device is one controller device snapshot as returned by jsonlist2.
type Device struct {
	BaseURL  string
	Name     string
	Room     string
	Document json.RawMessage
}

// SyncState is the downstream readiness reported by the remote side.
type SyncState struct {
	Active    bool
	Connected bool
	UpdatedAt time.Time
}

// Ready reports whether ingestion should run.
func (s SyncState) Ready() bool {
	return s.Active && s.Connected
}

// Reading is the last stored value of a key.
type Reading struct {
	BaseURL   string
	Key       string
	Device    string
	Value     string
	UpdatedAt time.Time
}

// UpdateSink receives forwarded updates.
type UpdateSink interface {
	OnDecodedEvent(ctx context.Context, update Update) error
}

// KeySource enumerates the keys of interest.
type KeySource interface {
	EnumerateActiveKeys(ctx context.Context) ([]ActiveKey, error)
}

// DeviceStore persists device snapshots.
type DeviceStore interface {
	// ReplaceDevices swaps the full snapshot of one controller.
	ReplaceDevices(ctx context.Context, baseURL string, devices []Device) error
	// UpsertDevices updates the given devices and keeps the rest.
	UpsertDevices(ctx context.Context, baseURL string, devices []Device) error
}

// SyncNotifier tells the remote side about device list changes.
type SyncNotifier interface {
	SyncFinished(ctx context.Context) error
	InitiateSync(ctx context.Context) error
}

// ReportStateRequester asks the remote side to re-report every device state.
type ReportStateRequester interface {
	RequestReportStateAll(ctx context.Context) error
}

// SyncStateSource reads the current downstream readiness.
type SyncStateSource interface {
	SyncState(ctx context.Context) (SyncState, error)
}

// ReadingLister lists the last stored values.
type ReadingLister interface {
	ListReadings(ctx context.Context) ([]Reading, error)
}
