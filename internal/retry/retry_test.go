package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func fastPolicy(retries uint64) Policy {
	return Policy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	var notified []int
	err := Do(context.Background(), fastPolicy(5), isTransient,
		func(_ error, _ time.Duration, attempt int) { notified = append(notified, attempt) },
		func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_StopsAfterMaxRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(2), isTransient, nil, func() error {
		calls++
		return errTransient
	})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls, "one attempt plus two retries")
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(5), isTransient, nil, func() error {
		calls++
		return errFatal
	})

	require.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ZeroRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(0), isTransient, nil, func() error {
		calls++
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{MaxRetries: 10, InitialInterval: time.Hour, MaxInterval: time.Hour}, isTransient, nil, func() error {
		calls++
		cancel()
		return errTransient
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewPolicy(t *testing.T) {
	p := NewPolicy(-3)
	assert.Equal(t, uint64(0), p.MaxRetries)
	assert.Equal(t, DefaultInitialInterval, p.InitialInterval)
	assert.Equal(t, DefaultMaxInterval, NewPolicy(4).MaxInterval)
}
