package ports

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireUniqueUnderConcurrency(t *testing.T) {
	a := NewAllocator()

	const workers = 16
	got := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Acquire()
			assert.NoError(t, err)
			got <- p
		}()
	}
	wg.Wait()
	close(got)

	seen := make(map[int]bool)
	for p := range got {
		assert.False(t, seen[p], "port %d handed out twice", p)
		seen[p] = true
		assert.True(t, a.Held(p))
	}
}

func TestAcquireSkipsHeldPorts(t *testing.T) {
	a := NewAllocator()
	seq := []int{5000, 5000, 5001}
	a.free = func() (int, error) {
		p := seq[0]
		seq = seq[1:]
		return p, nil
	}

	p1, err := a.Acquire()
	require.NoError(t, err)
	p2, err := a.Acquire()
	require.NoError(t, err)

	assert.Equal(t, 5000, p1)
	assert.Equal(t, 5001, p2)
}

func TestAcquireExhausted(t *testing.T) {
	a := NewAllocator()
	a.inUse[7000] = struct{}{}
	a.free = func() (int, error) { return 7000, nil }

	_, err := a.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReleaseAllowsReuse(t *testing.T) {
	a := NewAllocator()
	a.free = func() (int, error) { return 6000, nil }

	p, err := a.Acquire()
	require.NoError(t, err)
	a.Release(p)
	assert.False(t, a.Held(p))

	p, err = a.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 6000, p)
}

func TestClaimRejectsBoundPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	a := NewAllocator()
	assert.Error(t, a.Claim(port))
	assert.False(t, Available(port))
}
