package driver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
	"go.uber.org/zap/zaptest"

	"github.com/LoveWonYoung/osycomm/tp"
)

func frame(id uint32, data ...byte) can.Frame {
	f := can.Frame{ID: id, Length: uint8(len(data)), IsExtended: true}
	copy(f.Data[:], data)
	return f
}

func TestFilter_Match(t *testing.T) {
	f := Filter{ID: 0x18000000, Mask: 0x1F000000, Extended: true}
	assert.True(t, f.Match(frame(0x18ABCDEF)))
	assert.False(t, f.Match(frame(0x10ABCDEF)))

	std := can.Frame{ID: 0x18000000}
	assert.False(t, f.Match(std), "standard frame never matches extended filter")
}

func TestDispatcher_FiltersAndQueues(t *testing.T) {
	bus := NewVirtualBus(zaptest.NewLogger(t))
	clientPort := bus.Attach("client")
	serverPort := bus.Attach("server")

	d := NewDispatcher(clientPort, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	all, err := d.RegisterClient()
	require.NoError(t, err)
	filtered, err := d.RegisterClient()
	require.NoError(t, err)
	require.NoError(t, d.SetRxFilter(filtered, Filter{ID: 0x100, Mask: 0xF00, Extended: true}))

	require.NoError(t, serverPort.TransmitFrame(ctx, frame(0x123, 1, 2)))
	require.NoError(t, serverPort.TransmitFrame(ctx, frame(0x223, 3)))

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.clients[all].frames) == 2
	}, time.Second, time.Millisecond)

	got, err := d.ReadFromQueue(filtered)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x123), got.ID)
	_, err = d.ReadFromQueue(filtered)
	assert.ErrorIs(t, err, tp.ErrNoData)

	require.NoError(t, d.ClearQueue(all))
	_, err = d.ReadFromQueue(all)
	assert.ErrorIs(t, err, tp.ErrNoData)

	require.NoError(t, d.RemoveClient(all))
	_, err = d.ReadFromQueue(all)
	assert.ErrorIs(t, err, tp.ErrOutOfRange)
}

func TestDispatcher_SendReachesOtherPorts(t *testing.T) {
	bus := NewVirtualBus(nil)
	clientPort := bus.Attach("client")
	serverPort := bus.Attach("server")
	d := NewDispatcher(clientPort, nil)

	require.NoError(t, d.Send(frame(0x18DA0102, 0x02, 0x10, 0x01)))

	select {
	case f := <-serverPort.Frames():
		assert.Equal(t, uint32(0x18DA0102), f.ID)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
	require.Len(t, clientPort.WriteLog(), 1)
}

func TestVirtualPort_AutoResponse(t *testing.T) {
	bus := NewVirtualBus(nil)
	port := bus.Attach("client")
	port.AddResponse(VirtualResponse{
		TriggerID:   0x700,
		TriggerData: []byte{0x02, 0x3E},
		Response:    frame(0x708, 0x02, 0x7E, 0x00),
	})

	require.NoError(t, port.TransmitFrame(context.Background(), frame(0x700, 0x02, 0x3E, 0x00)))
	select {
	case f := <-port.Frames():
		assert.Equal(t, uint32(0x708), f.ID)
	case <-time.After(time.Second):
		t.Fatal("auto response missing")
	}
	require.NoError(t, port.Close())
	assert.ErrorIs(t, port.TransmitFrame(context.Background(), frame(0x700)), tp.ErrNotConnected)
}
