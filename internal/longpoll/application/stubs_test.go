package application

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"fhem-bridge/internal/fhem"
	sink "fhem-bridge/internal/sink/domain"
)

type stubRunner struct {
	mu       sync.Mutex
	calls    []string
	tokens   []string
	results  map[string]string
	failures map[string]bool
	done     chan string
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		results:  make(map[string]string),
		failures: make(map[string]bool),
		done:     make(chan string, 16),
	}
}

func (r *stubRunner) Execute(_ context.Context, cmd, csrfToken string) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, cmd)
	r.tokens = append(r.tokens, csrfToken)
	result, fail := r.results[cmd], r.failures[cmd]
	r.mu.Unlock()
	defer func() { r.done <- cmd }()
	if fail {
		return "", errors.New("boom")
	}
	return result, nil
}

func (r *stubRunner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type stubLister struct {
	mu      sync.Mutex
	filters []string
	tokens  []string
	list    fhem.DeviceList
	err     error
}

func (l *stubLister) ListDevices(_ context.Context, filter, csrfToken string) (fhem.DeviceList, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters = append(l.filters, filter)
	l.tokens = append(l.tokens, csrfToken)
	return l.list, l.err
}

type stubStore struct {
	mu       sync.Mutex
	replaced map[string][]sink.Device
	upserted map[string][]sink.Device
}

func newStubStore() *stubStore {
	return &stubStore{replaced: make(map[string][]sink.Device), upserted: make(map[string][]sink.Device)}
}

func (s *stubStore) ReplaceDevices(_ context.Context, baseURL string, devices []sink.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced[baseURL] = devices
	return nil
}

func (s *stubStore) UpsertDevices(_ context.Context, baseURL string, devices []sink.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted[baseURL] = append(s.upserted[baseURL], devices...)
	return nil
}

type stubNotifier struct {
	finished chan struct{}
	initiate chan struct{}
	report   chan struct{}
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{
		finished: make(chan struct{}, 8),
		initiate: make(chan struct{}, 8),
		report:   make(chan struct{}, 8),
	}
}

func (n *stubNotifier) SyncFinished(context.Context) error {
	n.finished <- struct{}{}
	return nil
}

func (n *stubNotifier) InitiateSync(context.Context) error {
	n.initiate <- struct{}{}
	return nil
}

func (n *stubNotifier) RequestReportStateAll(context.Context) error {
	n.report <- struct{}{}
	return nil
}

type stubUpdates struct {
	mu      sync.Mutex
	updates []sink.Update
	ch      chan sink.Update
}

func newStubUpdates() *stubUpdates {
	return &stubUpdates{ch: make(chan sink.Update, 64)}
}

func (s *stubUpdates) OnDecodedEvent(_ context.Context, update sink.Update) error {
	s.mu.Lock()
	s.updates = append(s.updates, update)
	s.mu.Unlock()
	s.ch <- update
	return nil
}

type stubKeys struct {
	keys []sink.ActiveKey
	err  error
}

func (k stubKeys) EnumerateActiveKeys(context.Context) ([]sink.ActiveKey, error) {
	return k.keys, k.err
}

type stubClient struct {
	*stubRunner
	*stubLister
	baseURL string
	body    string
	csrf    string
}

func (c *stubClient) BaseURL() string { return c.baseURL }

func (c *stubClient) OpenLongpoll(ctx context.Context, _ time.Time) (*fhem.Stream, error) {
	if c.body == "" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &fhem.Stream{Body: io.NopCloser(strings.NewReader(c.body)), CSRFToken: c.csrf}, nil
}

func newStubClient(baseURL string) *stubClient {
	return &stubClient{stubRunner: newStubRunner(), stubLister: &stubLister{}, baseURL: baseURL}
}

func waitFor(ch <-chan struct{}, d time.Duration) bool {
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}
