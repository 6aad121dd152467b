package catalog

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestComputeBackoff_deterministicWithSeededRNG(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 2 * time.Second

	rngA := rand.New(rand.NewSource(42))
	rngB := rand.New(rand.NewSource(42))

	for attempt := 0; attempt < 5; attempt++ {
		a := ComputeBackoff(attempt, base, maxDelay, rngA)
		b := ComputeBackoff(attempt, base, maxDelay, rngB)
		require.Equal(t, a, b, "attempt %d", attempt)
	}
}

func TestComputeBackoff_respectsCeiling(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 250 * time.Millisecond
	rng := rand.New(rand.NewSource(1))

	delay := ComputeBackoff(10, base, maxDelay, rng)
	require.LessOrEqual(t, delay, maxDelay+base)
}

func TestComputeBackoff_zeroBaseIsZeroDelay(t *testing.T) {
	require.Equal(t, time.Duration(0), ComputeBackoff(3, 0, time.Second, nil))
}

func TestIsRetryable_stageErrorVsPlainError(t *testing.T) {
	retryable := NewStageError(ErrCodeTransientRemote, StageSearch, "bc1", "timeout", nil)
	require.True(t, IsRetryable(retryable))

	nonRetryable := NewStageError(ErrCodeParseError, StageSelect, "bc1", "bad json", nil)
	require.False(t, IsRetryable(nonRetryable))

	require.False(t, IsRetryable(errors.New("plain error")))
}

func TestRetryPolicy_validate(t *testing.T) {
	valid := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
	require.NoError(t, valid.Validate())

	invalid := RetryPolicy{MaxAttempts: 0}
	require.Error(t, invalid.Validate())
}
