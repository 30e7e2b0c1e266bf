package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pavelanni/speakexam/internal/clock"
)

var errTransient = errors.New("transient")

func testPolicy(clk clock.Clock) Policy {
	p := Default("test", func(err error) bool { return errors.Is(err, errTransient) })
	p.Clock = clk
	return p
}

func TestLinearBackoff(t *testing.T) {
	b := Linear(time.Second)
	require.Equal(t, time.Second, b(1))
	require.Equal(t, 2*time.Second, b(2))
	require.Equal(t, 3*time.Second, b(3))
}

func TestDoSucceedsOnThirdAttempt(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0

	got, err := Do(context.Background(), testPolicy(clk), func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errTransient
		}
		return "third", nil
	})
	require.NoError(t, err)
	require.Equal(t, "third", got)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clk.Waits())
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	permanent := errors.New("rejected")
	calls := 0

	_, err := Do(context.Background(), testPolicy(clk), func(context.Context, int) (int, error) {
		calls++
		return 0, permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
	require.Empty(t, clk.Waits())
}

func TestDoExhaustsBudget(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0

	_, err := Do(context.Background(), testPolicy(clk), func(context.Context, int) (int, error) {
		calls++
		return 0, fmt.Errorf("wrapped: %w", errTransient)
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 3, calls)
	require.Len(t, clk.Waits(), 2)
}

func TestDoHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	_, err := Do(ctx, testPolicy(clock.NewFake(time.Unix(0, 0))), func(context.Context, int) (int, error) {
		calls++
		return 0, errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	require.False(t, IsTransient(nil))
	require.False(t, IsTransient(errors.New("plain")))
	require.True(t, IsTransient(context.DeadlineExceeded))
	require.True(t, IsTransient(&net.OpError{Op: "dial", Err: errors.New("refused")}))
	require.False(t, IsTransient(context.Canceled))
}
