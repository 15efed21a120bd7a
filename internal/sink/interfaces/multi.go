package interfaces

import (
	"context"
	"errors"

	sink "fhem-bridge/internal/sink/domain"
)

// MultiSink forwards updates to several sinks.
type MultiSink struct {
	sinks []sink.UpdateSink
}

// NewMultiSink constructs a MultiSink. Nil sinks are skipped.
func NewMultiSink(sinks ...sink.UpdateSink) *MultiSink {
	filtered := make([]sink.UpdateSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// OnDecodedEvent delivers the update to every sink and joins their errors.
// A failing sink does not stop delivery to the others.
func (m *MultiSink) OnDecodedEvent(ctx context.Context, update sink.Update) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, s := range m.sinks {
		if err := s.OnDecodedEvent(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	if m == nil {
		return 0
	}
	return len(m.sinks)
}
