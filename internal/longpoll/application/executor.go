package application

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	longpoll "fhem-bridge/internal/longpoll/domain"
	"fhem-bridge/internal/observability/metrics"
)

// CommandRunner issues one controller command.
type CommandRunner interface {
	Execute(ctx context.Context, cmd, csrfToken string) (string, error)
}

// CommandExecutor sends best-effort commands to one controller using the
// connection's current CSRF token.
type CommandExecutor struct {
	conn   *longpoll.Connection
	runner CommandRunner
	logger *zap.Logger
}

// NewCommandExecutor constructs an executor.
func NewCommandExecutor(conn *longpoll.Connection, runner CommandRunner, logger *zap.Logger) (*CommandExecutor, error) {
	if conn == nil {
		return nil, errors.New("executor: nil connection")
	}
	if runner == nil {
		return nil, errors.New("executor: nil runner")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandExecutor{conn: conn, runner: runner, logger: logger}, nil
}

// Execute runs cmd in the background and returns its request id. callback,
// when set, receives the textual result of a successful command.
func (e *CommandExecutor) Execute(ctx context.Context, cmd string, callback func(result string)) string {
	requestID := uuid.NewString()
	ctx = context.WithoutCancel(ctx)
	go func() {
		result, ok := e.run(ctx, requestID, cmd)
		if ok && callback != nil {
			callback(result)
		}
	}()
	return requestID
}

// ExecuteSync runs cmd and reports whether it succeeded. Failures are
// logged, never returned.
func (e *CommandExecutor) ExecuteSync(ctx context.Context, cmd string) (string, bool) {
	return e.run(ctx, uuid.NewString(), cmd)
}

func (e *CommandExecutor) run(ctx context.Context, requestID, cmd string) (string, bool) {
	token, _ := e.conn.CSRFToken()
	start := time.Now()
	e.logger.Info("executing command",
		zap.String("base_url", e.conn.BaseURL()),
		zap.String("request_id", requestID),
		zap.String("cmd", cmd))

	result, err := e.runner.Execute(ctx, cmd, token)
	if err != nil {
		metrics.ObserveCommand(metrics.ResultError, time.Since(start))
		e.logger.Warn("command failed",
			zap.String("base_url", e.conn.BaseURL()),
			zap.String("request_id", requestID),
			zap.String("cmd", cmd),
			zap.Error(err))
		return "", false
	}
	metrics.ObserveCommand(metrics.ResultSuccess, time.Since(start))
	return result, true
}
