package common

import (
	"context"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
)

type ctxKey string

const RunIDKey string = "run_id"
const runIDKeyCtx ctxKey = ctxKey(RunIDKey)

// GenerateRunID returns a time-sortable unique identifier for one
// invocation of the installer.
func GenerateRunID() string {
	return ksuid.New().String()
}

// WithRunID stores the run ID in ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKeyCtx, id)
}

// RunIDFromContext returns the run ID stored in ctx, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKeyCtx).(string)
	return id
}

// RunIDHook adds the run ID to every log entry.
type RunIDHook struct {
	RunID string
}

func (h *RunIDHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *RunIDHook) Fire(e *logrus.Entry) error {
	e.Data[RunIDKey] = h.RunID
	return nil
}
