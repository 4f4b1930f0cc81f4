package barrier

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarrier_WaitOnSetReturnsImmediately(t *testing.T) {
	var b Barrier
	b.Wake()

	assert.Equal(t, Success, b.Wait(Forever))
	// Wait does not consume the flag
	assert.True(t, b.IsSet())
}

func TestBarrier_WaitTimesOut(t *testing.T) {
	var b Barrier

	start := time.Now()
	status := b.Wait(After(5 * time.Millisecond))
	elapsed := time.Since(start)

	assert.Equal(t, Timeout, status)
	assert.GreaterOrEqual(t, elapsed, 4*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestBarrier_WaitPastDeadline(t *testing.T) {
	var b Barrier
	assert.Equal(t, Timeout, b.Wait(Now()-1))
}

func TestBarrier_WaitAndClear(t *testing.T) {
	var b Barrier
	b.Wake()

	assert.Equal(t, Success, b.WaitAndClear(Forever))
	assert.Equal(t, uint32(0), b.Value())

	assert.Equal(t, Timeout, b.WaitAndClear(After(time.Millisecond)))
	assert.Equal(t, uint32(0), b.Value())
}

func TestBarrier_WakeUnblocksWaiter(t *testing.T) {
	var b Barrier
	result := make(chan Status, 1)

	go func() {
		result <- b.Wait(After(5 * time.Second))
	}()

	time.Sleep(2 * time.Millisecond)
	b.Wake()

	select {
	case s := <-result:
		assert.Equal(t, Success, s)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestBarrier_WakeReachesAllWaiters(t *testing.T) {
	var b Barrier
	var wg sync.WaitGroup
	results := make([]Status, 8)

	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Wait(After(5 * time.Second))
		}(i)
	}

	time.Sleep(2 * time.Millisecond)
	b.Wake()
	wg.Wait()

	for i, s := range results {
		assert.Equal(t, Success, s, "waiter %d", i)
	}
}

func TestBarrier_WakeIsIdempotent(t *testing.T) {
	var b Barrier
	b.Wake()
	b.Wake()
	assert.Equal(t, uint32(1), b.Value())
}

func TestBarrier_Tampered(t *testing.T) {
	var b Barrier
	b.Corrupt(0xdeadbeef)

	assert.Equal(t, Tampered, b.Wait(Forever))
	assert.Equal(t, Tampered, b.WaitAndClear(Forever))

	// Wake refuses to touch a tampered word
	b.Wake()
	assert.Equal(t, uint32(0xdeadbeef), b.Value())

	b.Clobber()
	assert.Equal(t, uint32(0), b.Value())
}

func TestBarrier_At(t *testing.T) {
	mem := make([]byte, 64)

	b, err := At(mem, 3)
	require.NoError(t, err)
	b.Wake()
	assert.Equal(t, byte(1), mem[12])

	_, err = At(mem, 16)
	assert.Error(t, err)
	_, err = At(mem, -1)
	assert.Error(t, err)
}

// Repeated handoffs never lose a wakeup: every Wake is observed by exactly
// one WaitAndClear on the other side.
func TestBarrier_PingPong(t *testing.T) {
	var ping, pong Barrier
	const rounds = 2000

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			if ping.WaitAndClear(After(5*time.Second)) != Success {
				return
			}
			pong.Wake()
		}
	}()

	for i := 0; i < rounds; i++ {
		ping.Wake()
		require.Equal(t, Success, pong.WaitAndClear(After(5*time.Second)), "round %d", i)
	}
	<-done
}

func TestDeadline(t *testing.T) {
	d := After(time.Hour)
	assert.False(t, d.Passed())
	assert.Greater(t, d.Remaining(), 59*time.Minute)

	assert.True(t, (Now() - 1).Passed())
	assert.Equal(t, time.Duration(0), (Now() - 1).Remaining())

	assert.Equal(t, Forever, Forever.Add(time.Second))
	assert.False(t, Forever.Passed())
	assert.Equal(t, "timeout", Timeout.String())
}

func BenchmarkBarrier_WakeWaitAndClear(b *testing.B) {
	var bar Barrier
	for i := 0; i < b.N; i++ {
		bar.Wake()
		bar.WaitAndClear(Forever)
	}
}
