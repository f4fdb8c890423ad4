package resilience

import (
	"time"

	"github.com/sells-group/feedback-cli/internal/model"
)

const (
	ErrorTypeTransient = "transient"
	ErrorTypePermanent = "permanent"
)

// ClassifyError labels err as transient or permanent.
func ClassifyError(err error) string {
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

// NewUnitFailure records an isolated failure of one unit of a step. unitKey
// is the feedback ID for classification and the source tag for summaries.
func NewUnitFailure(runID string, step model.Step, unitKey string, err error) *model.UnitFailure {
	return &model.UnitFailure{
		RunID:     runID,
		Step:      step,
		UnitKey:   unitKey,
		Error:     err.Error(),
		ErrorType: ClassifyError(err),
		CreatedAt: time.Now().UTC(),
	}
}
