package application

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type scriptedExec struct {
	userattr string
	fail     map[string]bool
	calls    []string
}

func (s *scriptedExec) ExecuteSync(_ context.Context, cmd string) (string, bool) {
	s.calls = append(s.calls, cmd)
	if s.fail[cmd] {
		return "", false
	}
	if cmd == userAttrQuery {
		return s.userattr, true
	}
	return "", true
}

const fullUserAttr = "homebridgeMapping:textField-long realRoom:textField ghomeName:textField assistantName:textField " +
	deviceTypeAttr + ":" + deviceTypeValues

func TestEnsureAttributesNoop(t *testing.T) {
	exec := &scriptedExec{userattr: fullUserAttr}
	fatal := 0
	b, err := NewDeviceTypeBootstrapper(exec, func(string) { fatal++ }, nil)
	if err != nil {
		t.Fatalf("new bootstrapper: %v", err)
	}
	b.EnsureAttributes(context.Background())
	if len(exec.calls) != 1 {
		t.Fatalf("expected only the query, got %v", exec.calls)
	}
	if fatal != 0 {
		t.Fatalf("unexpected fatal")
	}
}

func TestEnsureAttributesDeclaresMissing(t *testing.T) {
	exec := &scriptedExec{userattr: "realRoom:textField webCmd"}
	fatal := 0
	b, _ := NewDeviceTypeBootstrapper(exec, func(string) { fatal++ }, nil)
	b.EnsureAttributes(context.Background())

	want := []string{
		userAttrQuery,
		`{ addToAttrList( "homebridgeMapping:textField-long" ) }`,
		`{ addToAttrList( "ghomeName:textField" ) }`,
		`{ addToAttrList( "assistantName:textField" ) }`,
		`{ addToAttrList( "genericDeviceType:` + deviceTypeValues + `" ) }`,
	}
	if strings.Join(exec.calls, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected commands:\n%s", strings.Join(exec.calls, "\n"))
	}
	if fatal != 0 {
		t.Fatalf("absent device type must not be fatal")
	}
}

func TestEnsureAttributesReplacesStaleDeviceType(t *testing.T) {
	exec := &scriptedExec{userattr: fullUserAttr[:strings.Index(fullUserAttr, deviceTypeAttr)] + "genericDeviceType:switch,light"}
	var message string
	b, _ := NewDeviceTypeBootstrapper(exec, func(msg string) { message = msg }, nil)
	b.EnsureAttributes(context.Background())

	if len(exec.calls) != 3 {
		t.Fatalf("expected query, delete, add; got %v", exec.calls)
	}
	if exec.calls[1] != `{ delFromAttrList( "genericDeviceType:switch,light") }` {
		t.Fatalf("unexpected delete %q", exec.calls[1])
	}
	if !strings.Contains(exec.calls[2], deviceTypeValues) {
		t.Fatalf("unexpected add %q", exec.calls[2])
	}
	if message != RestartRequiredMessage {
		t.Fatalf("expected fatal with restart message, got %q", message)
	}
}

func TestEnsureAttributesDeviceTypeValueMatching(t *testing.T) {
	exec := &scriptedExec{userattr: fullUserAttr + ",toaster"}
	fatal := 0
	b, _ := NewDeviceTypeBootstrapper(exec, func(string) { fatal++ }, nil)
	b.EnsureAttributes(context.Background())
	if fatal != 0 {
		t.Fatalf("a trailing value after a word boundary still matches the declaration")
	}

	exec = &scriptedExec{userattr: strings.Replace(fullUserAttr, "washer", "washerdryer", 1)}
	b, _ = NewDeviceTypeBootstrapper(exec, func(string) { fatal++ }, nil)
	b.EnsureAttributes(context.Background())
	if fatal != 1 {
		t.Fatalf("expected fatal for changed value list")
	}
}

func TestEnsureAttributesStopsWhenQueryFails(t *testing.T) {
	exec := &scriptedExec{fail: map[string]bool{userAttrQuery: true}}
	b, _ := NewDeviceTypeBootstrapper(exec, func(string) { t.Fatalf("unexpected fatal") }, nil)
	b.EnsureAttributes(context.Background())
	if len(exec.calls) != 1 {
		t.Fatalf("expected no declarations after failed query, got %v", exec.calls)
	}
}

type blockingExec struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   []string
}

func (e *blockingExec) ExecuteSync(_ context.Context, cmd string) (string, bool) {
	e.mu.Lock()
	e.calls = append(e.calls, cmd)
	first := len(e.calls) == 1
	e.mu.Unlock()
	if first {
		close(e.started)
		<-e.release
	}
	return fullUserAttr, true
}

func TestEnsureAttributesSkipsOverlappingRun(t *testing.T) {
	exec := &blockingExec{started: make(chan struct{}), release: make(chan struct{})}
	b, _ := NewDeviceTypeBootstrapper(exec, func(string) {}, nil)

	done := make(chan struct{})
	go func() {
		b.EnsureAttributes(context.Background())
		close(done)
	}()
	<-exec.started

	b.EnsureAttributes(context.Background())
	close(exec.release)
	<-done

	exec.mu.Lock()
	calls := len(exec.calls)
	exec.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected the overlapping run to be skipped, got %d commands", calls)
	}

	b.EnsureAttributes(context.Background())
	exec.mu.Lock()
	defer exec.mu.Unlock()
	if len(exec.calls) != 2 {
		t.Fatalf("expected a later run to proceed, got %v", exec.calls)
	}
}
