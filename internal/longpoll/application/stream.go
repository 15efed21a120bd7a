package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"fhem-bridge/internal/fhem"
	longpoll "fhem-bridge/internal/longpoll/domain"
	"fhem-bridge/internal/observability/metrics"
	sink "fhem-bridge/internal/sink/domain"
)

const readBufferSize = 32 * 1024

// LongpollOpener opens the controller status stream.
type LongpollOpener interface {
	OpenLongpoll(ctx context.Context, since time.Time) (*fhem.Stream, error)
}

// Bootstrapper runs once after every established session.
type Bootstrapper interface {
	EnsureAttributes(ctx context.Context)
}

// RoomChangeHandler reacts to room membership signals.
type RoomChangeHandler interface {
	HandleRoomChange(ctx context.Context, change longpoll.RoomChange) bool
}

// StreamOptions holds the optional collaborators of a stream.
type StreamOptions struct {
	Bootstrap Bootstrapper
	Rooms     RoomChangeHandler
	Now       func() time.Time
}

// StreamConnection keeps one longpoll session to a controller alive and feeds
// its lines through decode, filter and debounce into the sink.
type StreamConnection struct {
	conn      *longpoll.Connection
	opener    LongpollOpener
	sink      sink.UpdateSink
	decoder   *longpoll.Decoder
	bootstrap Bootstrapper
	rooms     RoomChangeHandler
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewStreamConnection constructs a stream for conn.
func NewStreamConnection(conn *longpoll.Connection, opener LongpollOpener, updates sink.UpdateSink, opts StreamOptions, logger *zap.Logger) (*StreamConnection, error) {
	if conn == nil {
		return nil, errors.New("stream: nil connection")
	}
	if opener == nil {
		return nil, errors.New("stream: nil opener")
	}
	if updates == nil {
		return nil, errors.New("stream: nil sink")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamConnection{
		conn:      conn,
		opener:    opener,
		sink:      updates,
		decoder:   longpoll.NewDecoder(opts.Now),
		bootstrap: opts.Bootstrap,
		rooms:     opts.Rooms,
		logger:    logger.With(zap.String("base_url", conn.BaseURL())),
	}, nil
}

// Start launches the reconnect loop. It is a no-op while the loop runs and
// reports whether a new loop was started. The loop ends with ctx.
func (s *StreamConnection) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	return true
}

// Done is closed when the current loop has stopped.
func (s *StreamConnection) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

func (s *StreamConnection) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.conn.MarkDisconnected()
		metrics.SetConnected(s.conn.BaseURL(), false)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(done)
	}()

	for {
		if !s.conn.BeginConnect() {
			return
		}
		metrics.IncConnect(s.conn.BaseURL())

		transportErr := s.session(ctx)
		if ctx.Err() != nil {
			return
		}
		metrics.SetConnected(s.conn.BaseURL(), false)

		disconnects := s.conn.EndSession()
		var delay time.Duration
		if transportErr != nil {
			delay = longpoll.ErrorBackoff(disconnects)
			s.logger.Warn("longpoll error", zap.Error(transportErr), zap.Duration("delay", delay))
		} else {
			delay = longpoll.EndBackoff(disconnects)
			s.logger.Info("longpoll ended", zap.Duration("delay", delay))
		}
		metrics.ObserveDisconnect(s.conn.BaseURL(), transportErr != nil, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one longpoll request; nil means the controller ended it.
func (s *StreamConnection) session(ctx context.Context) error {
	since := s.conn.LastEventTime()
	s.logger.Info("starting longpoll", zap.Time("since", since))

	stream, err := s.opener.OpenLongpoll(ctx, since)
	if err != nil {
		return err
	}
	defer stream.Body.Close()

	s.conn.SetCSRFToken(stream.CSRFToken)
	s.conn.MarkStreaming()
	metrics.SetConnected(s.conn.BaseURL(), true)
	if s.bootstrap != nil {
		go s.bootstrap.EnsureAttributes(context.WithoutCancel(ctx))
	}

	framer := longpoll.NewLineFramer()
	buf := make([]byte, readBufferSize)
	for {
		n, err := stream.Body.Read(buf)
		if n > 0 {
			s.processChunk(ctx, framer, buf[:n])
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (s *StreamConnection) processChunk(ctx context.Context, framer *longpoll.LineFramer, chunk []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("chunk processing panicked", zap.Error(fmt.Errorf("%v", r)))
		}
	}()

	s.conn.AddReceived(len(chunk))
	metrics.AddBytes(s.conn.BaseURL(), len(chunk))
	for _, line := range framer.Feed(chunk) {
		s.handleLine(ctx, line)
	}
	s.conn.ResetDisconnects()
}

func (s *StreamConnection) handleLine(ctx context.Context, line string) {
	result := s.decoder.Decode(line)
	switch result.Kind {
	case longpoll.ResultRejected:
		metrics.IncDecode(string(result.Reason))
		if result.Reason == longpoll.ReasonMalformed {
			s.logger.Warn("malformed line", zap.String("line", line), zap.Error(result.Err))
		} else if result.Reason != longpoll.ReasonEmpty {
			s.logger.Debug("line ignored", zap.String("reason", string(result.Reason)))
		}
	case longpoll.ResultRoomChange:
		metrics.IncDecode(result.Kind.String())
		if s.rooms != nil {
			s.rooms.HandleRoomChange(ctx, result.Room)
		}
	case longpoll.ResultEvent:
		metrics.IncDecode(result.Kind.String())
		s.forward(ctx, result.Event)
	}
}

func (s *StreamConnection) forward(ctx context.Context, event longpoll.DecodedEvent) {
	if !s.conn.Filters().Contains(event.Key) {
		return
	}
	s.conn.SetLastEventTime(event.Timestamp)

	decision := s.conn.Debouncer().Observe(event.Key, event.Value)
	metrics.IncDebounce(decision.String())
	if !decision.Propagates() {
		s.logger.Debug("suppressed", zap.String("key", event.Key), zap.String("value", event.Value))
		return
	}
	if decision == longpoll.DecisionForward {
		s.logger.Info("forwarded", zap.String("key", event.Key), zap.String("value", event.Value))
	} else {
		s.logger.Info("caching", zap.String("key", event.Key), zap.String("value", event.Value))
	}

	err := s.sink.OnDecodedEvent(ctx, sink.Update{
		BaseURL:  s.conn.BaseURL(),
		Key:      event.Key,
		Device:   event.Device,
		Reading:  event.Reading,
		Value:    event.Value,
		Decision: decision.String(),
		At:       event.Timestamp,
	})
	if err != nil {
		metrics.IncSinkError("update")
		s.logger.Warn("sink update failed", zap.String("key", event.Key), zap.Error(err))
	}
}
