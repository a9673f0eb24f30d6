package barrier_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rmaxwell/tinyhv/internal/barrier"
)

// TestBarrierReleasesExactlyAtArity covers invariant 6: the barrier
// releases exactly when n parties have arrived, not before.
func TestBarrierReleasesExactlyAtArity(t *testing.T) {
	const n = 4

	b := barrier.New(n)

	var arrivedBeforeRelease atomic.Int32

	done := make(chan struct{})

	for i := 0; i < n-1; i++ {
		go func() {
			b.Wait()
			done <- struct{}{}
		}()
	}

	select {
	case <-done:
		t.Fatal("barrier released before all parties arrived")
	case <-time.After(50 * time.Millisecond):
	}

	arrivedBeforeRelease.Store(int32(n - 1))

	go func() {
		b.Wait()
		done <- struct{}{}
	}()

	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("barrier never released all parties")
		}
	}
}
