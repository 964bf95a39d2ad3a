package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"gridkv/internal/common"
	"gridkv/internal/future"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	ready := future.New[struct{}]()

	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"conflict", common.RollbackConflict("version moved"), Retry},
		{"topology", common.TopologyMismatch(3, ready, "moved"), WaitAndRetry},
		{"topology without future", common.TopologyMismatch(3, nil, "moved"), Retry},
		{"disconnected", common.ClientDisconnected(ready, errors.New("gone")), WaitAndRetry},
		{"processor", common.ProcessorFailure(errors.New("bad item")), Fail},
		{"partial", common.PartialFailure([]string{"b"}, errors.New("gone")), Fail},
		{"unclassified", common.Unclassified(errors.New("boom")), Fail},
		{"plain", errors.New("boom"), Fail},
		{"wrapped conflict", errors.Join(errors.New("commit"), common.RollbackConflict("x")), Retry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.err)
			assert.Equal(t, tt.want, d.Action)
			if tt.want == WaitAndRetry {
				assert.Equal(t, future.Barrier(ready), d.Wait)
			}
		})
	}
}

func TestDoWaitsForTopologyAndRetriesOnce(t *testing.T) {
	stable := future.New[struct{}]()
	go func() {
		time.Sleep(20 * time.Millisecond)
		stable.Complete(struct{}{})
	}()

	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		if calls == 1 {
			return common.TopologyMismatch(2, stable, "partition moved")
		}
		assert.True(t, stable.IsDone(), "retried before the topology stabilized")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoRetriesConflictsUpToMaxAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return common.RollbackConflict("attempt %d", calls)
	}, WithMaxAttempts(3))
	require.ErrorIs(t, err, common.ErrRollbackConflict)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryFatalErrors(t *testing.T) {
	errBusiness := errors.New("item not found")
	calls := 0
	err := Do(context.Background(), func(context.Context) error {
		calls++
		return common.ProcessorFailure(errBusiness)
	})
	require.ErrorIs(t, err, errBusiness)
	assert.Equal(t, 1, calls)
}

func TestDoStopsWaitingOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	never := future.New[struct{}]()
	calls := 0
	err := Do(ctx, func(context.Context) error {
		calls++
		return common.ClientDisconnected(never, errors.New("node gone"))
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestValue(t *testing.T) {
	calls := 0
	n, err := Value(context.Background(), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, common.RollbackConflict("busy")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}
