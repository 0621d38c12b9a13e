package dedup

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestService_ReserveLifecycle(t *testing.T) {
	t.Parallel()

	s := New([]string{"https://cdn.example.com/old.jpg"})

	require.Equal(t, Existing, s.Reserve("https://cdn.example.com/old.jpg"))
	require.Equal(t, Existing, s.Reserve("https://cdn.example.com/old.jpg"))
	require.Equal(t, 1, s.UniqueSkipped())

	require.Equal(t, Reserved, s.Reserve("https://cdn.example.com/new.jpg"))
	require.Equal(t, InProgress, s.Reserve("https://cdn.example.com/new.jpg"))
	s.Commit("https://cdn.example.com/new.jpg")
	require.Equal(t, Uploaded, s.Reserve("https://cdn.example.com/new.jpg"))
	require.Equal(t, 1, s.UploadedCount())
	require.Zero(t, s.InFlight())
}

func TestService_ReleaseAllowsRetry(t *testing.T) {
	t.Parallel()

	s := New(nil)
	require.Equal(t, Reserved, s.Reserve("k"))
	s.Release("k")
	require.Equal(t, Reserved, s.Reserve("k"))
}

func TestService_ConcurrentReserveHasSingleOwner(t *testing.T) {
	t.Parallel()

	s := New(nil)
	var owners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Reserve("https://cdn.example.com/shared.png") == Reserved {
				owners.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), owners.Load())
}

func TestServicesAreIndependent(t *testing.T) {
	t.Parallel()

	a := New(nil)
	b := New(nil)
	require.Equal(t, Reserved, a.Reserve("k"))
	require.Equal(t, Reserved, b.Reserve("k"))
}
