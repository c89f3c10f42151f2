package reconnect

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type firings struct {
	mu   sync.Mutex
	gens []uint64
}

func (f *firings) record(gen uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gens = append(f.gens, gen)
}

func (f *firings) get() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.gens))
	copy(out, f.gens)
	return out
}

func TestScheduler_FiresAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	var got firings

	gen := s.Schedule(3*time.Second, got.record)

	due, delay, ok := s.Due()
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(3*time.Second), due)
	assert.Equal(t, 3*time.Second, delay)

	mock.Add(2 * time.Second)
	assert.Empty(t, got.get())

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, gen, got.get()[0])

	assert.True(t, s.Accept(gen))
	_, _, ok = s.Due()
	assert.False(t, ok)
	// A generation is only accepted once.
	assert.False(t, s.Accept(gen))
}

func TestScheduler_ScheduleSupersedesPending(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	var got firings

	first := s.Schedule(time.Second, got.record)
	second := s.Schedule(5*time.Second, got.record)
	assert.NotEqual(t, first, second)

	_, delay, ok := s.Due()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, delay)

	// The superseded timer never fires.
	mock.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.get())

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, second, got.get()[0])
	assert.False(t, s.Accept(first))
	assert.True(t, s.Accept(second))
}

func TestScheduler_Cancel(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	var got firings

	gen := s.Schedule(time.Second, got.record)
	assert.True(t, s.Cancel())
	_, _, ok := s.Due()
	assert.False(t, ok)
	assert.False(t, s.Cancel())

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, got.get())

	// Even if the callback had already been dispatched, it is rejected.
	assert.False(t, s.Accept(gen))

	_, _, ok = s.Due()
	assert.False(t, ok)
}

func TestScheduler_CancelRejectsInFlightCallback(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	var got firings

	gen := s.Schedule(time.Second, got.record)
	mock.Add(time.Second)
	require.Eventually(t, func() bool { return len(got.get()) == 1 }, time.Second, 5*time.Millisecond)

	// The callback ran but was not yet consumed when the owner cancelled.
	s.Cancel()
	assert.False(t, s.Accept(gen))
}

func TestNewScheduler_DefaultsToWallClock(t *testing.T) {
	s := NewScheduler(nil)
	done := make(chan uint64, 1)

	gen := s.Schedule(time.Millisecond, func(g uint64) { done <- g })
	select {
	case g := <-done:
		assert.Equal(t, gen, g)
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}
