package application

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	longpoll "fhem-bridge/internal/longpoll/domain"
	"fhem-bridge/internal/observability/metrics"
	sink "fhem-bridge/internal/sink/domain"
)

const defaultReportStateDelay = 50 * time.Second

// ErrEmptyCommand is returned for a blank command.
var ErrEmptyCommand = errors.New("bridge: empty command")

// ControllerClient is everything the bridge needs from one controller.
type ControllerClient interface {
	LongpollOpener
	CommandRunner
	DeviceLister
	BaseURL() string
}

// ConnectionSpec describes one configured controller.
type ConnectionSpec struct {
	Name   string
	Filter string
	Client ControllerClient
}

// Dependencies are the collaborators shared by every connection.
type Dependencies struct {
	Updates     sink.UpdateSink
	Devices     sink.DeviceStore
	Notifier    sink.SyncNotifier
	ReportState sink.ReportStateRequester
	Keys        sink.KeySource
	// Restart ends the process after a structural attribute change.
	Restart          func(msg string)
	ReportStateDelay time.Duration
	CSRFWait         time.Duration
	Now              func() time.Time
}

// Endpoint groups the per-controller components.
type Endpoint struct {
	Name      string
	Filter    string
	Conn      *longpoll.Connection
	Stream    *StreamConnection
	Executor  *CommandExecutor
	Reloader  *Reloader
	Bootstrap *DeviceTypeBootstrapper
}

// Bridge owns every controller connection and is the entry point for
// command sources and sync state changes.
type Bridge struct {
	registry *longpoll.Registry
	deps     Dependencies
	logger   *zap.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	names     map[string]string
	timers    []*time.Timer
	ready     bool
}

// NewBridge constructs a bridge.
func NewBridge(registry *longpoll.Registry, deps Dependencies, logger *zap.Logger) (*Bridge, error) {
	if registry == nil {
		return nil, errors.New("bridge: nil registry")
	}
	if deps.Updates == nil {
		return nil, errors.New("bridge: nil update sink")
	}
	if deps.Devices == nil {
		return nil, errors.New("bridge: nil device store")
	}
	if deps.ReportStateDelay <= 0 {
		deps.ReportStateDelay = defaultReportStateDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		registry:  registry,
		deps:      deps,
		logger:    logger,
		endpoints: make(map[string]*Endpoint),
		names:     make(map[string]string),
	}, nil
}

// AddConnection wires the components of one controller.
func (b *Bridge) AddConnection(spec ConnectionSpec) (*Endpoint, error) {
	if spec.Client == nil {
		return nil, errors.New("bridge: nil client")
	}
	baseURL := spec.Client.BaseURL()

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.endpoints[baseURL]; exists {
		return nil, errors.New("bridge: duplicate connection " + baseURL)
	}

	conn := b.registry.Get(baseURL)
	executor, err := NewCommandExecutor(conn, spec.Client, b.logger)
	if err != nil {
		return nil, err
	}
	bootstrap, err := NewDeviceTypeBootstrapper(executor, b.deps.Restart, b.logger.With(zap.String("base_url", baseURL)))
	if err != nil {
		return nil, err
	}
	reloader, err := NewReloader(conn, spec.Client, b.deps.Devices, b.deps.Notifier, ReloaderOptions{
		Filter:   spec.Filter,
		CSRFWait: b.deps.CSRFWait,
		OnReloaded: func(ctx context.Context) {
			b.refreshFilter(ctx, conn)
		},
	}, b.logger)
	if err != nil {
		return nil, err
	}
	stream, err := NewStreamConnection(conn, spec.Client, b.deps.Updates, StreamOptions{
		Bootstrap: bootstrap,
		Rooms:     reloader,
		Now:       b.deps.Now,
	}, b.logger)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		Name:      spec.Name,
		Filter:    spec.Filter,
		Conn:      conn,
		Stream:    stream,
		Executor:  executor,
		Reloader:  reloader,
		Bootstrap: bootstrap,
	}
	b.endpoints[baseURL] = ep
	if spec.Name != "" {
		b.names[spec.Name] = baseURL
	}
	return ep, nil
}

// Resolve finds an endpoint by base URL or connection name.
func (b *Bridge) Resolve(ref string) (*Endpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if ep, ok := b.endpoints[ref]; ok {
		return ep, nil
	}
	if baseURL, ok := b.names[ref]; ok {
		return b.endpoints[baseURL], nil
	}
	return nil, longpoll.ErrUnknownConnection
}

// Endpoints returns every endpoint ordered by base URL.
func (b *Bridge) Endpoints() []*Endpoint {
	conns := b.registry.All()
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Endpoint, 0, len(b.endpoints))
	for _, conn := range conns {
		if ep, ok := b.endpoints[conn.BaseURL()]; ok {
			out = append(out, ep)
		}
	}
	return out
}

// Start opens every stream and loads the initial device lists.
func (b *Bridge) Start(ctx context.Context) {
	for _, ep := range b.Endpoints() {
		ep.Stream.Start(ctx)
		go func(ep *Endpoint) {
			if err := ep.Reloader.Reload(ctx, ""); err != nil && ctx.Err() == nil {
				b.logger.Warn("initial reload failed", zap.String("base_url", ep.Conn.BaseURL()), zap.Error(err))
			}
		}(ep)
	}
}

// ExecuteCommand sends cmd to the referenced controller without waiting for
// the result and returns the request id.
func (b *Bridge) ExecuteCommand(ctx context.Context, ref, cmd string) (string, error) {
	if cmd == "" {
		return "", ErrEmptyCommand
	}
	ep, err := b.Resolve(ref)
	if err != nil {
		return "", err
	}
	return ep.Executor.Execute(ctx, cmd, nil), nil
}

// ReloadConnection reloads the referenced controller in the background, or
// only device when set, and asks the remote side to re-report every state
// after the configured delay.
func (b *Bridge) ReloadConnection(ctx context.Context, ref, device string) error {
	ep, err := b.Resolve(ref)
	if err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := ep.Reloader.Reload(ctx, device); err != nil {
			b.logger.Warn("reload failed", zap.String("base_url", ep.Conn.BaseURL()), zap.Error(err))
			return
		}
		b.scheduleReportState(ctx)
	}()
	return nil
}

func (b *Bridge) scheduleReportState(ctx context.Context) {
	if b.deps.ReportState == nil {
		return
	}
	timer := time.AfterFunc(b.deps.ReportStateDelay, func() {
		if err := b.deps.ReportState.RequestReportStateAll(ctx); err != nil {
			metrics.IncSinkError("report_state")
			b.logger.Warn("report state request failed", zap.Error(err))
		}
	})
	b.mu.Lock()
	b.timers = append(b.timers, timer)
	b.mu.Unlock()
}

// OnSyncStateChanged rebuilds every filter from the key source when the
// remote side is ready, and clears them otherwise. It runs on every resync,
// including ones that leave the flags unchanged.
func (b *Bridge) OnSyncStateChanged(ctx context.Context, active, connected bool) error {
	ready := sink.SyncState{Active: active, Connected: connected}.Ready()
	metrics.SetSyncActive(ready)
	b.mu.Lock()
	b.ready = ready
	b.mu.Unlock()
	endpoints := b.Endpoints()

	if !ready || b.deps.Keys == nil {
		for _, ep := range endpoints {
			ep.Conn.Filters().Clear()
		}
		b.logger.Info("forwarding paused", zap.Bool("active", active), zap.Bool("connected", connected))
		return nil
	}

	keys, err := b.deps.Keys.EnumerateActiveKeys(ctx)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		rebuildFilter(ep.Conn, keys)
		b.logger.Info("filters rebuilt", zap.String("base_url", ep.Conn.BaseURL()), zap.Int("keys", ep.Conn.Filters().Len()))
	}
	return nil
}

// refreshFilter rebuilds the filter of conn after its device snapshot changed,
// since the store may have pruned keys of devices that are gone.
func (b *Bridge) refreshFilter(ctx context.Context, conn *longpoll.Connection) {
	b.mu.RLock()
	ready := b.ready
	b.mu.RUnlock()
	if !ready || b.deps.Keys == nil {
		return
	}
	keys, err := b.deps.Keys.EnumerateActiveKeys(ctx)
	if err != nil {
		b.logger.Warn("filter refresh failed", zap.String("base_url", conn.BaseURL()), zap.Error(err))
		return
	}
	rebuildFilter(conn, keys)
}

func rebuildFilter(conn *longpoll.Connection, keys []sink.ActiveKey) {
	entries := make([]longpoll.FilterEntry, 0, len(keys))
	for _, key := range keys {
		if key.AppliesTo(conn.BaseURL()) {
			entries = append(entries, longpoll.FilterEntry{Key: key.Key, Device: key.Device})
		}
	}
	conn.Filters().Rebuild(entries)
}

// Stats returns the counters of every connection.
func (b *Bridge) Stats() []longpoll.Stats {
	conns := b.registry.All()
	out := make([]longpoll.Stats, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Stats())
	}
	return out
}

// Stop cancels pending report-state requests.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, timer := range b.timers {
		timer.Stop()
	}
	b.timers = nil
}
