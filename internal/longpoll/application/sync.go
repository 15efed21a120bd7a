package application

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	sink "fhem-bridge/internal/sink/domain"
)

const defaultSyncPollInterval = 5 * time.Second

// SyncHandler reacts to downstream readiness changes.
type SyncHandler interface {
	OnSyncStateChanged(ctx context.Context, active, connected bool) error
}

// SyncWatcher polls the downstream sync state and notifies the handler when
// the flags change or the state was rewritten since the last notification.
type SyncWatcher struct {
	source   sink.SyncStateSource
	handler  SyncHandler
	interval time.Duration
	logger   *zap.Logger

	known bool
	last  sink.SyncState
}

// NewSyncWatcher constructs a watcher.
func NewSyncWatcher(source sink.SyncStateSource, handler SyncHandler, interval time.Duration, logger *zap.Logger) (*SyncWatcher, error) {
	if source == nil {
		return nil, errors.New("sync watcher: nil source")
	}
	if handler == nil {
		return nil, errors.New("sync watcher: nil handler")
	}
	if interval <= 0 {
		interval = defaultSyncPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncWatcher{source: source, handler: handler, interval: interval, logger: logger}, nil
}

// Start polls until ctx ends.
func (w *SyncWatcher) Start(ctx context.Context) {
	w.Poll(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll reads the state once and notifies on change. It reports whether the
// handler was called.
func (w *SyncWatcher) Poll(ctx context.Context) bool {
	state, err := w.source.SyncState(ctx)
	if err != nil {
		w.logger.Warn("sync state read failed", zap.Error(err))
		return false
	}
	if w.known && !w.changed(state) {
		return false
	}
	if err := w.handler.OnSyncStateChanged(ctx, state.Active, state.Connected); err != nil {
		w.logger.Warn("sync state change failed", zap.Error(err))
		return false
	}
	w.known = true
	w.last = state
	return true
}

func (w *SyncWatcher) changed(state sink.SyncState) bool {
	if state.Active != w.last.Active || state.Connected != w.last.Connected {
		return true
	}
	return state.UpdatedAt.After(w.last.UpdatedAt)
}
