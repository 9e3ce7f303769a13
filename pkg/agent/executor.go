package agent

import (
	"context"

	"github.com/rs/zerolog"
)

// ActionExecutor performs a confirmed action against the upstream system.
// The orchestrator never calls it; only Runner.ConfirmAction does.
type ActionExecutor interface {
	Execute(ctx context.Context, userID string, action PendingAction) (*ActionResult, error)
}

// ExecutorFunc adapts a function to ActionExecutor.
type ExecutorFunc func(ctx context.Context, userID string, action PendingAction) (*ActionResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, userID string, action PendingAction) (*ActionResult, error) {
	return f(ctx, userID, action)
}

// LogExecutor is a dry-run executor: it logs the action and reports success
// without contacting anything.
type LogExecutor struct {
	logger zerolog.Logger
}

// NewLogExecutor creates a LogExecutor. A nil logger discards output.
func NewLogExecutor(logger *zerolog.Logger) *LogExecutor {
	e := &LogExecutor{logger: zerolog.Nop()}
	if logger != nil {
		e.logger = *logger
	}
	return e
}

// Execute implements ActionExecutor.
func (e *LogExecutor) Execute(ctx context.Context, userID string, action PendingAction) (*ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("user_id", userID).
		Str("action_id", action.ID).
		Str("kind", string(action.Kind)).
		Str("summary", action.Summary).
		Interface("params", action.Params).
		Msg("dry-run action")

	return &ActionResult{
		ActionID: action.ID,
		Kind:     action.Kind,
		Success:  true,
		Result:   map[string]interface{}{"dry_run": true},
	}, nil
}
