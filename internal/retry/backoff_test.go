package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy(retries int) Policy {
	return Policy{
		MaxRetries:   retries,
		InitialDelay: 5 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryer_Success(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls, "应该只调用一次")
}

func TestRetryer_RetryAndSuccess(t *testing.T) {
	r := New(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryer_MaxRetriesExceeded(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())
	cause := errors.New("persistent")

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "failed after 2 retries")
	assert.Equal(t, 3, calls, "初始调用加两次重试")
}

func TestRetryer_PermanentStops(t *testing.T) {
	r := New(fastPolicy(5), zap.NewNop())
	cause := errors.New("bad request")

	calls := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Permanent(cause)
	})

	assert.Equal(t, cause, err)
	assert.Equal(t, 1, calls)
}

func TestRetryer_ContextCanceled(t *testing.T) {
	policy := fastPolicy(5)
	policy.InitialDelay = 200 * time.Millisecond
	policy.MaxDelay = time.Second
	r := New(policy, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := r.Do(ctx, func(ctx context.Context) error {
		return errors.New("error")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryer_OnRetryCallback(t *testing.T) {
	policy := fastPolicy(2)
	var attempts []int
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		attempts = append(attempts, attempt)
	}
	r := New(policy, nil)

	_ = r.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("x")
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestDoWithResult(t *testing.T) {
	r := New(fastPolicy(2), zap.NewNop())

	calls := 0
	val, err := DoWithResult(context.Background(), r, func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("first fails")
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, val)
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(1))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(10))
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
}

func TestPolicy_DelayJitterBounds(t *testing.T) {
	p := Policy{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: true}

	for i := 0; i < 100; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.LessOrEqual(t, d, 500*time.Millisecond)
	}
}

func TestPolicy_NormalizesInvalidValues(t *testing.T) {
	p := Policy{MaxRetries: -1, Multiplier: 0.5}.normalize()

	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 40 * time.Millisecond, Multiplier: 2})

	assert.Equal(t, 10*time.Millisecond, b.Next())
	assert.Equal(t, 20*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 40*time.Millisecond, b.Next())
	assert.Equal(t, 4, b.Attempt())

	b.Reset()
	assert.Equal(t, 0, b.Attempt())
	assert.Equal(t, 10*time.Millisecond, b.Next())
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
