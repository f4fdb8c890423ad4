package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

// runStep returns the checkpointed output of step if the run already has
// one. Otherwise it executes fn and persists its JSON-encoded output before
// returning it. A failed save fails the step.
func runStep[T any](ctx context.Context, st store.Store, runID string, step model.Step, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	log := zap.L().With(zap.String("run_id", runID), zap.String("step", string(step)))

	cp, err := st.LoadCheckpoint(ctx, runID, step)
	if err != nil {
		return out, eris.Wrapf(err, "pipeline: load %s checkpoint", step)
	}
	if cp != nil {
		if err := json.Unmarshal(cp.Data, &out); err != nil {
			return out, eris.Wrapf(err, "pipeline: decode %s checkpoint", step)
		}
		log.Info("pipeline: step restored from checkpoint")
		return out, nil
	}

	start := time.Now()
	out, err = fn(ctx)
	if err != nil {
		return out, eris.Wrapf(err, "pipeline: %s", step)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return out, eris.Wrapf(err, "pipeline: encode %s checkpoint", step)
	}
	if err := st.SaveCheckpoint(ctx, runID, step, data); err != nil {
		return out, eris.Wrapf(err, "pipeline: save %s checkpoint", step)
	}

	log.Info("pipeline: step complete", zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	return out, nil
}
