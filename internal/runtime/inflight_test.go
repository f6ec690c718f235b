package runtime

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInflightTableSingleOwner(t *testing.T) {
	table := newInflightTable()

	release, wait, ok := table.tryAcquire("k")
	require.True(t, ok)

	_, waitOther, ok := table.tryAcquire("k")
	require.False(t, ok)
	require.Equal(t, wait, waitOther)

	_, _, ok = table.tryAcquire("other")
	require.True(t, ok)

	release()
	release()
	select {
	case <-waitOther:
	default:
		t.Fatal("waiters not released")
	}

	_, _, ok = table.tryAcquire("k")
	require.True(t, ok)
}

func TestInflightTableConcurrentAcquire(t *testing.T) {
	table := newInflightTable()
	var owners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, _, ok := table.tryAcquire("shared"); ok {
				owners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	require.Equal(t, int32(1), owners.Load())
	require.Equal(t, 1, table.len())
}
