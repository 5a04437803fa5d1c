package sequencer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteRunsFnAndReturnsResult(t *testing.T) {
	s := New()
	got, err := Execute(context.Background(), s, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)
}

func TestExecuteSerializesConcurrentCalls(t *testing.T) {
	s := New()
	var active int32
	var maxActive int32

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			_, _ = Execute(context.Background(), s, func() (struct{}, error) {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return struct{}{}, nil
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&maxActive), "at most one call should be admitted at a time")
}

func TestExecuteRespectsContextCancellation(t *testing.T) {
	s := New()
	// Occupy the slot.
	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Execute(context.Background(), s, func() (struct{}, error) {
			close(occupied)
			<-release
			return struct{}{}, nil
		})
	}()
	<-occupied
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := Execute(ctx, s, func() (int, error) { return 1, nil })
	require.Error(t, err)
}
