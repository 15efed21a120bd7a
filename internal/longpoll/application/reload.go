package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"fhem-bridge/internal/fhem"
	longpoll "fhem-bridge/internal/longpoll/domain"
	"fhem-bridge/internal/observability/metrics"
	sink "fhem-bridge/internal/sink/domain"
)

const defaultCSRFWait = 30 * time.Second

// DeviceLister runs jsonlist2 against one controller.
type DeviceLister interface {
	ListDevices(ctx context.Context, filter, csrfToken string) (fhem.DeviceList, error)
}

// Reloader refreshes the device snapshot of one controller. Reloads of the
// same connection never overlap.
type Reloader struct {
	conn     *longpoll.Connection
	lister   DeviceLister
	store    sink.DeviceStore
	notifier sink.SyncNotifier
	filter   string
	csrfWait time.Duration
	reloaded func(ctx context.Context)
	logger   *zap.Logger

	mu sync.Mutex
}

// ReloaderOptions configures a Reloader.
type ReloaderOptions struct {
	// Filter is the jsonlist2 device specification, e.g. "room=GoogleAssistant".
	Filter string
	// CSRFWait bounds how long a reload waits for the first stream response.
	CSRFWait time.Duration
	// OnReloaded runs after every successful reload.
	OnReloaded func(ctx context.Context)
}

// NewReloader constructs a reloader.
func NewReloader(conn *longpoll.Connection, lister DeviceLister, store sink.DeviceStore, notifier sink.SyncNotifier, opts ReloaderOptions, logger *zap.Logger) (*Reloader, error) {
	if conn == nil {
		return nil, errors.New("reload: nil connection")
	}
	if lister == nil {
		return nil, errors.New("reload: nil lister")
	}
	if store == nil {
		return nil, errors.New("reload: nil device store")
	}
	if opts.CSRFWait <= 0 {
		opts.CSRFWait = defaultCSRFWait
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reloader{
		conn:     conn,
		lister:   lister,
		store:    store,
		notifier: notifier,
		filter:   opts.Filter,
		csrfWait: opts.CSRFWait,
		reloaded: opts.OnReloaded,
		logger:   logger,
	}, nil
}

// Reload fetches the devices matching the connection filter, or only device
// when it is set, and stores them.
func (r *Reloader) Reload(ctx context.Context, device string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.reload(ctx, device)
	if err != nil {
		metrics.IncReload(metrics.ResultError)
		return err
	}
	metrics.IncReload(metrics.ResultSuccess)
	if r.reloaded != nil {
		r.reloaded(ctx)
	}
	return nil
}

func (r *Reloader) reload(ctx context.Context, device string) error {
	waitCtx, cancel := context.WithTimeout(ctx, r.csrfWait)
	token, err := r.conn.WaitCSRF(waitCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("reload: waiting for csrf token: %w", err)
	}

	filter := r.filter
	if device != "" {
		filter = "NAME=" + device
		r.logger.Info("reloading device", zap.String("base_url", r.conn.BaseURL()), zap.String("device", device))
	} else {
		r.logger.Info("reloading", zap.String("base_url", r.conn.BaseURL()))
	}

	list, err := r.lister.ListDevices(ctx, filter, token)
	if err != nil {
		return fmt.Errorf("reload: list devices: %w", err)
	}
	r.logger.Info("fetched devices", zap.String("base_url", r.conn.BaseURL()), zap.Int("results", list.TotalResultsReturned))
	if list.TotalResultsReturned == 0 {
		return nil
	}

	devices := make([]sink.Device, 0, len(list.Results))
	for _, d := range list.Results {
		if d.Name == "" {
			continue
		}
		devices = append(devices, sink.Device{
			BaseURL:  r.conn.BaseURL(),
			Name:     d.Name,
			Room:     d.Room(),
			Document: d.Raw,
		})
	}

	if device != "" {
		err = r.store.UpsertDevices(ctx, r.conn.BaseURL(), devices)
	} else {
		err = r.store.ReplaceDevices(ctx, r.conn.BaseURL(), devices)
	}
	if err != nil {
		return fmt.Errorf("reload: store devices: %w", err)
	}

	if r.notifier != nil {
		if err := r.notifier.SyncFinished(ctx); err != nil {
			metrics.IncSinkError("sync_finished")
			r.logger.Warn("sync finished notification failed", zap.Error(err))
		}
	}
	return nil
}

// RoomOfInterest extracts the room name from a "room=<name>" filter.
func RoomOfInterest(filter string) (string, bool) {
	_, room, ok := strings.Cut(filter, "room=")
	if !ok || room == "" {
		return "", false
	}
	return room, true
}

// HandleRoomChange reloads and requests a sync when a device entered the room
// of interest or an active device left it. It reports whether a reload was
// started; the reload itself runs in the background.
func (r *Reloader) HandleRoomChange(ctx context.Context, change longpoll.RoomChange) bool {
	room, ok := RoomOfInterest(r.filter)
	if !ok {
		return false
	}

	switch {
	case change.HasRoom(room):
		r.logger.Info("device moved to room", zap.String("device", change.Device), zap.String("room", room))
	case r.conn.Filters().HasDevice(change.Device):
		r.logger.Info("device removed from room", zap.String("device", change.Device), zap.String("room", room))
	default:
		return false
	}

	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := r.Reload(ctx, ""); err != nil {
			r.logger.Warn("reload after room change failed", zap.String("base_url", r.conn.BaseURL()), zap.Error(err))
			return
		}
		if r.notifier == nil {
			return
		}
		if err := r.notifier.InitiateSync(ctx); err != nil {
			metrics.IncSinkError("initiate_sync")
			r.logger.Warn("initiate sync failed", zap.Error(err))
		}
	}()
	return true
}
