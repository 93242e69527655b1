package failure_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"arctic-table/failure"
)

func TestClassesSurviveWrapping(t *testing.T) {
	err := failure.ConcurrentModification.New("table %s: base moved", "db.events")
	wrapped := fmt.Errorf("committing: %w", err)

	require.True(t, failure.ConcurrentModification.Has(wrapped))
	require.False(t, failure.NotFound.Has(wrapped))
	require.Contains(t, wrapped.Error(), "db.events")
}

func TestRetryable(t *testing.T) {
	require.True(t, failure.Retryable(failure.IO.New("timeout")))
	require.True(t, failure.Retryable(failure.ConcurrentModification.New("race")))
	require.False(t, failure.Retryable(failure.NotFound.New("snapshot 3")))
	require.False(t, failure.Retryable(failure.CorruptMetadata.New("bad json")))
	require.False(t, failure.Retryable(errors.New("plain")))
	require.False(t, failure.Retryable(nil))
}
