package interfaces

import (
	"context"
	"errors"

	"go.uber.org/zap"

	sink "fhem-bridge/internal/sink/domain"
)

// LoggingSink logs updates and sync notifications. It stands in for the
// cloud when none is configured.
type LoggingSink struct {
	logger *zap.Logger
}

// NewLoggingSink constructs a logging sink.
func NewLoggingSink(logger *zap.Logger) *LoggingSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingSink{logger: logger}
}

// OnDecodedEvent logs the update.
func (s *LoggingSink) OnDecodedEvent(_ context.Context, update sink.Update) error {
	if s == nil {
		return errors.New("logging sink: nil sink")
	}
	s.logger.Info("reading update",
		zap.String("base_url", update.BaseURL),
		zap.String("key", update.Key),
		zap.String("value", update.Value),
		zap.String("decision", update.Decision))
	return nil
}

// SyncFinished logs the notification.
func (s *LoggingSink) SyncFinished(_ context.Context) error {
	s.logger.Info("sync finished")
	return nil
}

// InitiateSync logs the notification.
func (s *LoggingSink) InitiateSync(_ context.Context) error {
	s.logger.Info("sync requested")
	return nil
}

// RequestReportStateAll logs the request.
func (s *LoggingSink) RequestReportStateAll(_ context.Context) error {
	s.logger.Info("report state requested")
	return nil
}
