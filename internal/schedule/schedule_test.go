package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/pipeline"
)

type countingRunner struct {
	calls  atomic.Int32
	source atomic.Value
	err    error
}

func (r *countingRunner) Run(_ context.Context, sourceFilter string) (*model.RunResult, error) {
	r.calls.Add(1)
	r.source.Store(sourceFilter)
	if r.err != nil {
		return nil, r.err
	}
	return &model.RunResult{RunID: "r1", Status: model.OutcomeSuccess}, nil
}

func TestNew_Invalid(t *testing.T) {
	_, err := New("", &countingRunner{}, "")
	assert.ErrorContains(t, err, "empty cron expression")

	_, err = New("not a cron", &countingRunner{}, "")
	assert.Error(t, err)

	_, err = New("* * * * * *", &countingRunner{}, "")
	assert.Error(t, err, "seconds field is not accepted")
}

func TestNext(t *testing.T) {
	s, err := New("0 9 * * 1-5", &countingRunner{}, "")
	require.NoError(t, err)

	// Saturday 2026-03-07 -> Monday 09:00.
	from := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), s.Next(from))

	hourly, err := New("@hourly", &countingRunner{}, "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 7, 13, 0, 0, 0, time.UTC), hourly.Next(from))
}

func TestRunOnce(t *testing.T) {
	r := &countingRunner{}
	s, err := New("@daily", r, "app_store")
	require.NoError(t, err)

	s.RunOnce(context.Background())
	assert.Equal(t, int32(1), r.calls.Load())
	assert.Equal(t, "app_store", r.source.Load())

	r.err = pipeline.ErrRunInProgress
	s.RunOnce(context.Background())
	r.err = errors.New("boom")
	s.RunOnce(context.Background())
	assert.Equal(t, int32(3), r.calls.Load())
}

func TestRun_FiresAndStops(t *testing.T) {
	r := &countingRunner{}
	s, err := New("@every 1s", r, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2500*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))

	assert.GreaterOrEqual(t, r.calls.Load(), int32(1))
}
