package longpoll

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrUnknownConnection is returned for a base URL with no registered connection.
var ErrUnknownConnection = errors.New("longpoll: unknown connection")

// State is the stream connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateBackoff:
		return "backoff"
	default:
		return "disconnected"
	}
}

// Stats is a point-in-time copy of a connection's counters.
type Stats struct {
	BaseURL       string    `json:"base_url"`
	State         string    `json:"state"`
	Connected     bool      `json:"connected"`
	Connects      int       `json:"connects"`
	Disconnects   int       `json:"disconnects"`
	ReceivedTotal int64     `json:"received_total"`
	Received      int64     `json:"received"`
	LastEventTime time.Time `json:"last_event_time,omitempty"`
	CSRFKnown     bool      `json:"csrf_known"`
	FilterKeys    int       `json:"filter_keys"`
	CachedKeys    int       `json:"cached_keys"`
}

// Connection owns all mutable state kept for one controller base URL.
// Counters survive reconnects.
type Connection struct {
	baseURL string

	mu            sync.Mutex
	state         State
	connects      int
	disconnects   int
	receivedTotal int64
	received      int64
	lastEventTime time.Time
	csrf          string
	csrfKnown     bool
	csrfReady     chan struct{}

	filters   *FilterRegistry
	debouncer *Debouncer
}

func newConnection(baseURL string, cfg DebounceConfig, now func() time.Time) *Connection {
	return &Connection{
		baseURL:   baseURL,
		csrfReady: make(chan struct{}),
		filters:   NewFilterRegistry(),
		debouncer: NewDebouncer(cfg, now),
	}
}

// BaseURL returns the controller base URL.
func (c *Connection) BaseURL() string { return c.baseURL }

// Filters returns the connection's filter registry.
func (c *Connection) Filters() *FilterRegistry { return c.filters }

// Debouncer returns the connection's debouncer.
func (c *Connection) Debouncer() *Debouncer { return c.debouncer }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginConnect moves to Connecting. It returns false when a stream is
// already being established or running.
func (c *Connection) BeginConnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting || c.state == StateStreaming {
		return false
	}
	c.state = StateConnecting
	c.connects++
	c.received = 0
	return true
}

// MarkStreaming records an established session.
func (c *Connection) MarkStreaming() {
	c.mu.Lock()
	c.state = StateStreaming
	c.mu.Unlock()
}

// EndSession records a lost session, moves to Backoff and returns the
// running disconnect count.
func (c *Connection) EndSession() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateBackoff
	c.disconnects++
	return c.disconnects
}

// MarkDisconnected leaves the connection idle.
func (c *Connection) MarkDisconnected() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
}

// AddReceived accounts n bytes to both session and total counters.
func (c *Connection) AddReceived(n int) {
	c.mu.Lock()
	c.received += int64(n)
	c.receivedTotal += int64(n)
	c.mu.Unlock()
}

// ResetDisconnects clears backoff pressure after a healthy read.
func (c *Connection) ResetDisconnects() {
	c.mu.Lock()
	c.disconnects = 0
	c.mu.Unlock()
}

// SetLastEventTime advances the resume cursor.
func (c *Connection) SetLastEventTime(t time.Time) {
	c.mu.Lock()
	if t.After(c.lastEventTime) {
		c.lastEventTime = t
	}
	c.mu.Unlock()
}

// LastEventTime returns the resume cursor; zero before any event.
func (c *Connection) LastEventTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventTime
}

// SetCSRFToken stores the session token. An empty token still marks it known.
func (c *Connection) SetCSRFToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.csrf = token
	if !c.csrfKnown {
		c.csrfKnown = true
		close(c.csrfReady)
	}
}

// CSRFToken returns the current token and whether one was ever observed.
func (c *Connection) CSRFToken() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.csrf, c.csrfKnown
}

// WaitCSRF blocks until the first streaming response set the token.
func (c *Connection) WaitCSRF(ctx context.Context) (string, error) {
	select {
	case <-c.csrfReady:
		token, _ := c.CSRFToken()
		return token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stats returns a copy of the counters.
func (c *Connection) Stats() Stats {
	c.mu.Lock()
	stats := Stats{
		BaseURL:       c.baseURL,
		State:         c.state.String(),
		Connected:     c.state == StateConnecting || c.state == StateStreaming,
		Connects:      c.connects,
		Disconnects:   c.disconnects,
		ReceivedTotal: c.receivedTotal,
		Received:      c.received,
		LastEventTime: c.lastEventTime,
		CSRFKnown:     c.csrfKnown,
	}
	c.mu.Unlock()
	stats.FilterKeys = c.filters.Len()
	stats.CachedKeys = c.debouncer.Len()
	return stats
}

// Registry owns one Connection per base URL.
type Registry struct {
	mu       sync.Mutex
	conns    map[string]*Connection
	debounce DebounceConfig
	now      func() time.Time
}

// NewRegistry constructs a registry whose connections use cfg for debouncing.
func NewRegistry(cfg DebounceConfig, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{conns: make(map[string]*Connection), debounce: cfg, now: now}
}

// Get returns the connection for baseURL, creating it on first use.
func (r *Registry) Get(baseURL string) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[baseURL]
	if !ok {
		conn = newConnection(baseURL, r.debounce, r.now)
		r.conns[baseURL] = conn
	}
	return conn
}

// Lookup returns an existing connection.
func (r *Registry) Lookup(baseURL string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[baseURL]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return conn, nil
}

// All returns every connection ordered by base URL.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].baseURL < out[j].baseURL })
	return out
}
