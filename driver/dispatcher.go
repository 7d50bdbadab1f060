package driver

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/tp"
)

type client struct {
	filter    Filter
	hasFilter bool
	frames    []can.Frame
}

// Dispatcher fans frames from one Bus out to registered clients. Each client
// owns a bounded queue that it drains without blocking; the Run goroutine is
// the only writer.
type Dispatcher struct {
	mu         sync.Mutex
	bus        Bus
	clients    map[int]*client
	nextHandle int
	queueSize  int
	logger     *zap.Logger
}

func NewDispatcher(bus Bus, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		bus:       bus,
		clients:   make(map[int]*client),
		queueSize: ClientQueueSize,
		logger:    logger,
	}
}

// Run pumps received frames into client queues until ctx is done or the bus
// stops delivering.
func (d *Dispatcher) Run(ctx context.Context) error {
	frames := d.bus.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return errors.Wrap(tp.ErrNotConnected, "CAN bus closed")
			}
			d.dispatch(f)
		}
	}
}

func (d *Dispatcher) dispatch(f can.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for h, c := range d.clients {
		if c.hasFilter && !c.filter.Match(f) {
			continue
		}
		if len(c.frames) >= d.queueSize {
			d.logger.Warn("dispatcher queue overflow, dropping frame",
				zap.Int("handle", h), zap.Uint32("id", f.ID))
			continue
		}
		c.frames = append(c.frames, f)
	}
}

func (d *Dispatcher) RegisterClient() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	d.clients[h] = &client{}
	return h, nil
}

func (d *Dispatcher) RemoveClient(handle int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.clients[handle]; !ok {
		return errors.Wrapf(tp.ErrOutOfRange, "unknown handle %d", handle)
	}
	delete(d.clients, handle)
	return nil
}

func (d *Dispatcher) SetRxFilter(handle int, f Filter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[handle]
	if !ok {
		return errors.Wrapf(tp.ErrOutOfRange, "unknown handle %d", handle)
	}
	c.filter = f
	c.hasFilter = true
	return nil
}

// ReadFromQueue pops the oldest frame of a client, or tp.ErrNoData.
func (d *Dispatcher) ReadFromQueue(handle int) (can.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[handle]
	if !ok {
		return can.Frame{}, errors.Wrapf(tp.ErrOutOfRange, "unknown handle %d", handle)
	}
	if len(c.frames) == 0 {
		return can.Frame{}, tp.ErrNoData
	}
	f := c.frames[0]
	c.frames = c.frames[1:]
	return f, nil
}

func (d *Dispatcher) ClearQueue(handle int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.clients[handle]
	if !ok {
		return errors.Wrapf(tp.ErrOutOfRange, "unknown handle %d", handle)
	}
	c.frames = nil
	return nil
}

func (d *Dispatcher) Send(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return errors.Wrap(tp.ErrOutOfRange, err.Error())
	}
	if err := d.bus.TransmitFrame(context.Background(), f); err != nil {
		return errors.Wrap(err, "transmit CAN frame")
	}
	return nil
}

func (d *Dispatcher) Close() error {
	return d.bus.Close()
}
