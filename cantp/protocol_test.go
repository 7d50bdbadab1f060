package cantp

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
	"go.uber.org/zap/zaptest"

	"github.com/LoveWonYoung/osycomm/driver"
	"github.com/LoveWonYoung/osycomm/tp"
)

var (
	clientID = tp.NodeID{Bus: 0, Node: 126}
	serverID = tp.NodeID{Bus: 0, Node: 1}
	epoch    = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

// endpoint is an in-memory dispatcher. Frames sent on one endpoint land in
// the queue of its peer; onSend can inject replies into its own queue.
type endpoint struct {
	peer    *endpoint
	queue   []can.Frame
	sent    []can.Frame
	filter  driver.Filter
	removed bool
	onSend  func(f can.Frame) []can.Frame
}

func (e *endpoint) RegisterClient() (int, error) { return 7, nil }
func (e *endpoint) RemoveClient(int) error       { e.removed = true; return nil }

func (e *endpoint) SetRxFilter(_ int, f driver.Filter) error {
	e.filter = f
	return nil
}

func (e *endpoint) ReadFromQueue(int) (can.Frame, error) {
	if len(e.queue) == 0 {
		return can.Frame{}, tp.ErrNoData
	}
	f := e.queue[0]
	e.queue = e.queue[1:]
	return f, nil
}

func (e *endpoint) ClearQueue(int) error {
	e.queue = nil
	return nil
}

func (e *endpoint) Send(f can.Frame) error {
	e.sent = append(e.sent, f)
	if e.peer != nil {
		e.peer.queue = append(e.peer.queue, f)
	}
	if e.onSend != nil {
		e.queue = append(e.queue, e.onSend(f)...)
	}
	return nil
}

func osyFrame(source, target tp.NodeID, data ...byte) can.Frame {
	f := can.Frame{ID: ArbitrationID(source, target), IsExtended: true, Length: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func newProtocol(t *testing.T, cfg Config, clock tp.Clock, d Dispatcher, client, server tp.NodeID) *Protocol {
	t.Helper()
	p, err := New(cfg, clock, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.SetNodeIdentifiers(client, server))
	if d != nil {
		require.NoError(t, p.SetDispatcher(d))
	}
	return p
}

func newPair(t *testing.T, clientCfg, serverCfg Config) (*Protocol, *Protocol, *endpoint, *endpoint) {
	t.Helper()
	a, b := &endpoint{}, &endpoint{}
	a.peer, b.peer = b, a
	clock := tp.NewManualClock(epoch)
	client := newProtocol(t, clientCfg, clock, a, clientID, serverID)
	server := newProtocol(t, serverCfg, clock, b, serverID, clientID)
	return client, server, a, b
}

func payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 7)
	}
	return data
}

func transfer(t *testing.T, from, to *Protocol, s tp.Service) tp.Service {
	t.Helper()
	require.NoError(t, from.SendRequest(s))
	for i := 0; i < 100; i++ {
		require.NoError(t, from.Cycle())
		require.NoError(t, to.Cycle())
		if got, err := to.ReadResponse(); err == nil {
			return got
		}
	}
	t.Fatal("service not delivered")
	return tp.Service{}
}

func TestArbitrationID(t *testing.T) {
	id := ArbitrationID(tp.NodeID{Bus: 3, Node: 126}, tp.NodeID{Bus: 15, Node: 5})
	assert.Equal(t, uint32(0x18000000|15<<18|5<<11|3<<7|126), id)

	source, target, ok := ParseArbitrationID(id)
	require.True(t, ok)
	assert.Equal(t, tp.NodeID{Bus: 3, Node: 126}, source)
	assert.Equal(t, tp.NodeID{Bus: 15, Node: 5}, target)

	_, _, ok = ParseArbitrationID(0x7E0)
	assert.False(t, ok)

	f := RxFilter(tp.NodeID{Bus: 15, Node: 5})
	assert.True(t, f.Match(osyFrame(tp.NodeID{Bus: 1, Node: 1}, tp.NodeID{Bus: 15, Node: 5})))
	assert.False(t, f.Match(osyFrame(tp.NodeID{Bus: 1, Node: 1}, tp.NodeID{Bus: 15, Node: 6})))
}

func TestRoundTrip(t *testing.T) {
	withBlocks := DefaultConfig()
	withBlocks.BlockSize = 2

	tests := []struct {
		name      string
		serverCfg Config
		size      int
		noFC      bool
	}{
		{"single frame", DefaultConfig(), 7, false},
		{"first frame only", DefaultConfig(), 8, false},
		{"segmented", DefaultConfig(), 100, false},
		{"block size", withBlocks, 300, false},
		{"maximum", DefaultConfig(), tp.MaxServiceSize, false},
		{"without flow control", DefaultConfig(), 40, true},
		{"without flow control maximum", DefaultConfig(), tp.MaxServiceSize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server, _, _ := newPair(t, DefaultConfig(), tt.serverCfg)
			data := payload(tt.size)
			got := transfer(t, client, server, tp.Service{Data: data, CanTransferWithoutFlowControl: tt.noFC})
			assert.True(t, bytes.Equal(data, got.Data), "payload changed in transit")
			assert.Equal(t, StatusIdle, client.TxStatus())
			assert.Equal(t, StatusIdle, server.RxStatus())
		})
	}
}

func TestSingleFrameLayout(t *testing.T) {
	d := &endpoint{}
	p := newProtocol(t, DefaultConfig(), tp.NewManualClock(epoch), d, clientID, serverID)

	require.NoError(t, p.SendRequest(tp.Service{Data: []byte{0x10, 0x03}}))
	require.NoError(t, p.Cycle())

	require.Len(t, d.sent, 1)
	f := d.sent[0]
	assert.True(t, f.IsExtended)
	assert.Equal(t, ArbitrationID(clientID, serverID), f.ID)
	assert.Equal(t, []byte{0x02, 0x10, 0x03}, f.Data[:f.Length])
}

func TestPadding(t *testing.T) {
	cfg := DefaultConfig()
	pad := byte(0xCC)
	cfg.PaddingByte = &pad
	d := &endpoint{}
	p := newProtocol(t, cfg, tp.NewManualClock(epoch), d, clientID, serverID)

	require.NoError(t, p.SendRequest(tp.Service{Data: []byte{0x3E, 0x00}}))
	require.NoError(t, p.Cycle())
	require.Len(t, d.sent, 1)
	assert.Equal(t, can.Data{0x02, 0x3E, 0x00, 0xCC, 0xCC, 0xCC, 0xCC, 0xCC}, d.sent[0].Data)
}

func TestSequenceNumbersWrapToOne(t *testing.T) {
	client, server, a, _ := newPair(t, DefaultConfig(), DefaultConfig())
	transfer(t, client, server, tp.Service{Data: payload(200)})

	require.Greater(t, len(a.sent), 17)
	assert.Equal(t, byte(0x10), a.sent[0].Data[0]&0xF0)
	assert.Equal(t, byte(0x2F), a.sent[15].Data[0])
	assert.Equal(t, byte(0x21), a.sent[16].Data[0])

	client, server, a, _ = newPair(t, DefaultConfig(), DefaultConfig())
	transfer(t, client, server, tp.Service{Data: payload(200), CanTransferWithoutFlowControl: true})
	assert.Equal(t, []byte{0xE0, 0x00, 200}, a.sent[0].Data[:3])
	assert.Equal(t, byte(0xEF), a.sent[15].Data[0])
	assert.Equal(t, byte(0xE1), a.sent[16].Data[0])
}

func TestFlowControlTimeout(t *testing.T) {
	d := &endpoint{}
	clock := tp.NewManualClock(epoch)
	p := newProtocol(t, DefaultConfig(), clock, d, clientID, serverID)

	require.NoError(t, p.SendRequest(tp.Service{Data: payload(20)}))
	require.NoError(t, p.SendRequest(tp.Service{Data: []byte{0x3E, 0x00}}))
	require.NoError(t, p.Cycle())
	assert.Equal(t, StatusWaitingForFlowControl, p.TxStatus())

	clock.Advance(99 * time.Millisecond)
	require.NoError(t, p.Cycle())
	assert.Equal(t, StatusWaitingForFlowControl, p.TxStatus())

	clock.Advance(time.Millisecond)
	require.NoError(t, p.Cycle())
	assert.Equal(t, StatusIdle, p.TxStatus())

	require.NoError(t, p.Cycle())
	require.Len(t, d.sent, 2)
	assert.Equal(t, []byte{0x02, 0x3E, 0x00}, d.sent[1].Data[:d.sent[1].Length])
}

func TestFlowControlWaitAndOverflow(t *testing.T) {
	d := &endpoint{}
	clock := tp.NewManualClock(epoch)
	p := newProtocol(t, DefaultConfig(), clock, d, clientID, serverID)

	require.NoError(t, p.SendRequest(tp.Service{Data: payload(20)}))
	require.NoError(t, p.Cycle())

	clock.Advance(90 * time.Millisecond)
	d.queue = append(d.queue, osyFrame(serverID, clientID, 0x31, 0x00, 0x00))
	require.NoError(t, p.Cycle())
	clock.Advance(90 * time.Millisecond)
	require.NoError(t, p.Cycle())
	assert.Equal(t, StatusWaitingForFlowControl, p.TxStatus(), "wait re-arms the deadline")

	d.queue = append(d.queue, osyFrame(serverID, clientID, 0x32, 0x00, 0x00))
	require.NoError(t, p.Cycle())
	assert.Equal(t, StatusIdle, p.TxStatus())
	assert.Len(t, d.sent, 1)
}

func TestStMinSpacing(t *testing.T) {
	d := &endpoint{}
	clock := tp.NewManualClock(epoch)
	p := newProtocol(t, DefaultConfig(), clock, d, clientID, serverID)

	require.NoError(t, p.SendRequest(tp.Service{Data: payload(20)}))
	require.NoError(t, p.Cycle())
	d.queue = append(d.queue, osyFrame(serverID, clientID, 0x30, 0x00, 0x05))
	require.NoError(t, p.Cycle())
	assert.Len(t, d.sent, 2, "one consecutive frame per STmin window")

	clock.Advance(4 * time.Millisecond)
	require.NoError(t, p.Cycle())
	assert.Len(t, d.sent, 2)

	clock.Advance(time.Millisecond)
	require.NoError(t, p.Cycle())
	assert.Len(t, d.sent, 3)
	assert.Equal(t, StatusIdle, p.TxStatus())
}

func TestReceiveSequenceError(t *testing.T) {
	d := &endpoint{}
	p := newProtocol(t, DefaultConfig(), tp.NewManualClock(epoch), d, clientID, serverID)

	d.queue = append(d.queue,
		osyFrame(serverID, clientID, 0x10, 0x0A, 1, 2, 3, 4, 5, 6),
		osyFrame(serverID, clientID, 0x22, 7, 8, 9, 10),
	)
	require.NoError(t, p.Cycle())

	require.Len(t, d.sent, 1)
	assert.Equal(t, []byte{0x30, 0x00, 0x00}, d.sent[0].Data[:d.sent[0].Length])
	_, err := p.ReadResponse()
	assert.ErrorIs(t, err, tp.ErrNoData)
	assert.Equal(t, StatusIdle, p.RxStatus())
}

func TestReceiveTimeout(t *testing.T) {
	d := &endpoint{}
	clock := tp.NewManualClock(epoch)
	p := newProtocol(t, DefaultConfig(), clock, d, clientID, serverID)

	d.queue = append(d.queue, osyFrame(serverID, clientID, 0x10, 0x0A, 1, 2, 3, 4, 5, 6))
	require.NoError(t, p.Cycle())
	assert.Equal(t, StatusWaitingForConsecutiveFrame, p.RxStatus())

	clock.Advance(time.Second)
	require.NoError(t, p.Cycle())
	assert.Equal(t, StatusIdle, p.RxStatus())

	d.queue = append(d.queue, osyFrame(serverID, clientID, 0x21, 7, 8, 9, 10))
	require.NoError(t, p.Cycle())
	_, err := p.ReadResponse()
	assert.ErrorIs(t, err, tp.ErrNoData, "late consecutive frame must not complete a dropped service")
}

func TestReceiveFiltersForeignFrames(t *testing.T) {
	d := &endpoint{}
	p := newProtocol(t, DefaultConfig(), tp.NewManualClock(epoch), d, clientID, serverID)

	d.queue = append(d.queue,
		osyFrame(tp.NodeID{Bus: 0, Node: 2}, clientID, 0x02, 0x50, 0x01),
		osyFrame(serverID, tp.NodeID{Bus: 0, Node: 100}, 0x02, 0x50, 0x01),
		osyFrame(serverID, clientID, 0xF1, 0xAA, 0xBB),
		osyFrame(serverID, clientID, 0xF2, 0xCC),
	)
	require.NoError(t, p.Cycle())

	got, err := p.ReadResponse()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xBB}, got.Data)
	_, err = p.ReadResponse()
	assert.ErrorIs(t, err, tp.ErrNoData)
}

func TestContract(t *testing.T) {
	p, err := New(DefaultConfig(), nil, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, p.Cycle(), tp.ErrNotConfigured)
	assert.ErrorIs(t, p.ClearDispatcherQueue(), tp.ErrNotConfigured)
	assert.ErrorIs(t, p.SendRequest(tp.Service{Data: payload(tp.MaxServiceSize + 1)}), tp.ErrOutOfRange)
	assert.ErrorIs(t, p.SetNodeIdentifiers(tp.NodeID{Bus: 16, Node: 1}, serverID), tp.ErrOutOfRange)

	d := &endpoint{}
	require.NoError(t, p.SetNodeIdentifiers(clientID, serverID))
	require.NoError(t, p.SetDispatcher(d))
	assert.Equal(t, RxFilter(clientID), d.filter)

	require.NoError(t, p.SendRequest(tp.Service{Data: []byte{1}}))
	p.ClearServiceQueues()
	require.NoError(t, p.Cycle())
	assert.Empty(t, d.sent)

	require.NoError(t, p.SetDispatcher(nil))
	assert.True(t, d.removed)
	assert.ErrorIs(t, p.Cycle(), tp.ErrNotConfigured)

	cfg := DefaultConfig()
	cfg.StMin = 0x80
	_, err = New(cfg, nil, nil)
	assert.ErrorIs(t, err, tp.ErrOutOfRange)
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"flow control timeout":   func(c *Config) { c.FlowControlTimeout = 0 },
		"block size":             func(c *Config) { c.BlockSize = 0x100 },
		"broadcast timeout":      func(c *Config) { c.BroadcastTimeout = -1 },
		"zero poll interval":     func(c *Config) { c.BroadcastPollInterval = 0 },
		"negative poll interval": func(c *Config) { c.BroadcastPollInterval = -time.Millisecond },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.ErrorIs(t, cfg.Validate(), tp.ErrOutOfRange, name)
	}
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}
