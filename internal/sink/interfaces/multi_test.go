package interfaces

import (
	"context"
	"errors"
	"testing"

	sink "fhem-bridge/internal/sink/domain"
)

type recordingSink struct {
	updates []sink.Update
	err     error
}

func (r *recordingSink) OnDecodedEvent(_ context.Context, update sink.Update) error {
	r.updates = append(r.updates, update)
	return r.err
}

func TestMultiSink_DeliversToAll(t *testing.T) {
	failing := &recordingSink{err: errors.New("boom")}
	healthy := &recordingSink{}
	multi := NewMultiSink(failing, nil, healthy)
	if multi.Len() != 2 {
		t.Fatalf("expected nil sink skipped, got %d sinks", multi.Len())
	}

	err := multi.OnDecodedEvent(context.Background(), sink.Update{Key: "Lamp1-state", Value: "on"})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(healthy.updates) != 1 || healthy.updates[0].Value != "on" {
		t.Fatalf("expected healthy sink to receive update despite failure")
	}
}

func TestMultiSink_Nil(t *testing.T) {
	var multi *MultiSink
	if err := multi.OnDecodedEvent(context.Background(), sink.Update{}); err != nil {
		t.Fatalf("expected nil multi sink to be a no-op, got %v", err)
	}
}

func TestLoggingSink(t *testing.T) {
	s := NewLoggingSink(nil)
	if err := s.OnDecodedEvent(context.Background(), sink.Update{Key: "a-b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SyncFinished(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
