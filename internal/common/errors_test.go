package common

import (
	"errors"
	"fmt"
	"testing"

	"gridkv/internal/future"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errItemNotFound = errors.New("item not found")

func TestSentinelsMatchByCode(t *testing.T) {
	err := fmt.Errorf("commit: %w", RollbackConflict("version of %q advanced", "k"))

	assert.ErrorIs(t, err, ErrRollbackConflict)
	assert.NotErrorIs(t, err, ErrTopologyMismatch)
	assert.Equal(t, CodeRollbackConflict, CodeOf(err))
	assert.Equal(t, CodeUnclassified, CodeOf(errors.New("plain")))
}

func TestProcessorFailureKeepsCause(t *testing.T) {
	err := ProcessorFailure(errItemNotFound)

	assert.ErrorIs(t, err, errItemNotFound)
	assert.ErrorIs(t, err, ErrProcessor)
	assert.Contains(t, err.Error(), "item not found")

	// Wrapping twice does not nest.
	assert.Same(t, err, ProcessorFailure(err))
}

func TestTopologyMismatchCarriesBarrier(t *testing.T) {
	ready := future.New[struct{}]()
	err := TopologyMismatch(7, ready, "partition %d moved", 3)

	ge, ok := AsError(fmt.Errorf("get: %w", err))
	require.True(t, ok)
	assert.Equal(t, uint64(7), ge.TopologyVersion)
	assert.Equal(t, ready, ge.RetryReady())
	assert.Contains(t, ge.Error(), "topology version 7")

	rebound := ge.WithRetryReady(future.Completed(struct{}{}))
	assert.NotEqual(t, ge.RetryReady(), rebound.RetryReady())
	assert.Equal(t, ge.TopologyVersion, rebound.TopologyVersion)
}

func TestPartialFailureNamesNodes(t *testing.T) {
	err := PartialFailure([]string{"node-b"}, errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrPartialFailure)
	assert.Contains(t, err.Error(), "node-b")
}
