package tp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceQueue_RejectsOversizedService(t *testing.T) {
	q := NewServiceQueue(4)
	err := q.Push(Service{Data: make([]byte, MaxServiceSize+1)})
	require.ErrorIs(t, err, ErrOutOfRange)
	require.NoError(t, q.Push(Service{Data: make([]byte, MaxServiceSize)}))
}

func TestServiceQueue_Full(t *testing.T) {
	q := NewServiceQueue(3)
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Push(Service{Data: []byte{byte(i)}}))
	}
	require.ErrorIs(t, q.Push(Service{Data: []byte{3}}), ErrQueueFull)
	assert.Equal(t, 3, q.Len())
}

func TestServiceQueue_FIFOAndClear(t *testing.T) {
	q := NewServiceQueue(0)
	assert.Equal(t, DefaultQueueCapacity, q.Cap())

	require.NoError(t, q.Push(Service{Data: []byte{1}}))
	require.NoError(t, q.Push(Service{Data: []byte{2}, CanTransferWithoutFlowControl: true}))

	s, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, s.Data)

	q.Clear()
	_, err = q.Pop()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestServiceQueue_CopiesPayload(t *testing.T) {
	q := NewServiceQueue(1)
	data := []byte{1, 2, 3}
	require.NoError(t, q.Push(Service{Data: data}))
	data[0] = 0xFF

	s, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, byte(1), s.Data[0])
}

func TestTimer_ManualClock(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	timer := NewTimer(clock, 100*time.Millisecond)
	assert.False(t, timer.IsTimedOut(), "stopped timer never times out")

	timer.Start()
	clock.Advance(99 * time.Millisecond)
	assert.False(t, timer.IsTimedOut())
	assert.Equal(t, time.Millisecond, timer.Remaining())

	clock.Advance(time.Millisecond)
	assert.True(t, timer.IsTimedOut())

	timer.Stop()
	assert.True(t, timer.IsStopped())
	assert.Zero(t, timer.Elapsed())
}

func TestManualClock_SleepAndAfter(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewManualClock(start)
	clock.Sleep(time.Second)
	got := <-clock.After(500 * time.Millisecond)
	assert.Equal(t, start.Add(1500*time.Millisecond), got)
}
