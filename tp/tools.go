package tp

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Clock is the time source used by every polling loop. Tests swap in a
// ManualClock so timeouts elapse without wall-clock delay.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	// After matches the timer interface used by retry loops.
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) Sleep(d time.Duration)                  { time.Sleep(d) }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// ManualClock is a Clock that only moves when told to. Sleep and After
// advance it immediately.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *ManualClock) Sleep(d time.Duration) { c.Advance(d) }

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

// Timer tracks elapsed time against a timeout on a Clock.
type Timer struct {
	clock   Clock
	start   time.Time
	timeout time.Duration
	running bool
}

func NewTimer(clock Clock, timeout time.Duration) *Timer {
	if clock == nil {
		clock = SystemClock()
	}
	return &Timer{clock: clock, timeout: timeout}
}

func (t *Timer) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

func (t *Timer) Start() {
	t.start = t.clock.Now()
	t.running = true
}

func (t *Timer) Stop() {
	t.running = false
	t.start = time.Time{}
}

func (t *Timer) Elapsed() time.Duration {
	if !t.running {
		return 0
	}
	return t.clock.Now().Sub(t.start)
}

func (t *Timer) Remaining() time.Duration {
	if !t.running {
		return 0
	}
	remaining := t.timeout - t.Elapsed()
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (t *Timer) IsTimedOut() bool {
	if !t.running {
		return false
	}
	return t.Elapsed() >= t.timeout
}

func (t *Timer) IsStopped() bool {
	return !t.running
}

// DefaultQueueCapacity is the number of services a queue holds by default.
const DefaultQueueCapacity = 64

// ServiceQueue is a bounded, thread-safe FIFO of services. It is the only
// state a transport shares with the goroutine feeding its dispatcher.
type ServiceQueue struct {
	mu       sync.Mutex
	items    []Service
	capacity int
}

func NewServiceQueue(capacity int) *ServiceQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &ServiceQueue{
		items:    make([]Service, 0, capacity),
		capacity: capacity,
	}
}

func (q *ServiceQueue) Push(s Service) error {
	if err := s.Validate(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return errors.Wrapf(ErrQueueFull, "capacity %d", q.capacity)
	}
	q.items = append(q.items, Service{
		Data:                          append([]byte{}, s.Data...),
		CanTransferWithoutFlowControl: s.CanTransferWithoutFlowControl,
	})
	return nil
}

func (q *ServiceQueue) Pop() (Service, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Service{}, ErrNoData
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

func (q *ServiceQueue) Peek() (Service, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Service{}, false
	}
	return q.items[0], true
}

func (q *ServiceQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ServiceQueue) Cap() int { return q.capacity }

func (q *ServiceQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make([]Service, 0, q.capacity)
}
