package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	c := NewVersion(5)
	require.Equal(t, uint64(5), c.Current())
	require.Equal(t, uint64(6), c.Tick())
	require.Equal(t, uint64(10), c.Advance(4))
	require.Equal(t, uint64(10), c.Advance(0))
	c.Reset(1)
	require.Equal(t, uint64(1), c.Current())
}

func TestVersionTicksAreDistinct(t *testing.T) {
	c := NewVersion(0)

	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]uint64, 0, 500)
			for range 500 {
				local = append(local, c.Tick())
			}
			mu.Lock()
			for _, v := range local {
				seen[v] = true
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, seen, 4000)
	require.Equal(t, uint64(4000), c.Current())
}
