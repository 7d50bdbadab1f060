package uds

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/LoveWonYoung/osycomm/tp"
)

// ============================================================================
// Mock 实现
// ============================================================================

// mockProtocol 是 tp.Protocol 的 Mock 实现。每次 Cycle 把待发请求交给
// respond，并把返回的响应放入接收队列。
type mockProtocol struct {
	client, server tp.NodeID
	pending        [][]byte
	rx             [][]byte
	writeLog       [][]byte
	respond        func(req []byte) [][]byte
	cycleErr       error
	connected      bool
	reconnects     int
	// buffered 模拟调度器里尚未被读取的数据, 下次 Cycle 时才到达
	buffered [][]byte
	clears   int
}

func (m *mockProtocol) SendRequest(s tp.Service) error {
	m.pending = append(m.pending, append([]byte{}, s.Data...))
	return nil
}

func (m *mockProtocol) ReadResponse() (tp.Service, error) {
	if len(m.rx) == 0 {
		return tp.Service{}, tp.ErrNoData
	}
	data := m.rx[0]
	m.rx = m.rx[1:]
	return tp.Service{Data: data}, nil
}

func (m *mockProtocol) Cycle() error {
	if m.cycleErr != nil {
		return m.cycleErr
	}
	m.rx = append(m.rx, m.buffered...)
	m.buffered = nil
	for _, req := range m.pending {
		m.writeLog = append(m.writeLog, req)
		if m.respond != nil {
			m.rx = append(m.rx, m.respond(req)...)
		}
	}
	m.pending = nil
	return nil
}

func (m *mockProtocol) ClearServiceQueues() { m.pending, m.rx = nil, nil }

func (m *mockProtocol) ClearDispatcherQueue() error {
	m.clears++
	m.buffered = nil
	return nil
}

func (m *mockProtocol) SetNodeIdentifiers(client, server tp.NodeID) error {
	m.client, m.server = client, server
	return nil
}

func (m *mockProtocol) NodeIdentifiers() (tp.NodeID, tp.NodeID) { return m.client, m.server }

// mockConnProtocol 额外实现 Connector
type mockConnProtocol struct {
	mockProtocol
}

func (m *mockConnProtocol) IsConnected() bool { return m.connected }
func (m *mockConnProtocol) Reconnect() error  { m.reconnects++; m.connected = true; return nil }
func (m *mockConnProtocol) Disconnect() error { m.connected = false; return nil }

func newClient(t *testing.T, p tp.Protocol) (*Client, *tp.ManualClock) {
	clock := tp.NewManualClock(time.Unix(0, 0))
	return New(p, DefaultRequestOptions(), clock, zaptest.NewLogger(t)), clock
}

// ============================================================================
// 请求/响应
// ============================================================================

func TestRequest_Positive(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		return [][]byte{{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}}
	}}
	c, _ := newClient(t, p)

	resp, err := c.Request([]byte{0x10, 0x03})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}, resp)
	assert.Equal(t, [][]byte{{0x10, 0x03}}, p.writeLog)
}

func TestRequest_DropsLeftoverDispatcherData(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		return [][]byte{{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}}
	}}
	// 同一连接上另一个节点留下的旧否定响应
	p.buffered = [][]byte{{0x7F, 0x10, NRCConditionsNotCorrect}}
	c, _ := newClient(t, p)

	resp, err := c.Request([]byte{0x10, 0x03})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x50, 0x03, 0x00, 0x32, 0x01, 0xF4}, resp)
	assert.Equal(t, 1, p.clears)
}

func TestRequest_NegativeResponse(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		return [][]byte{{0x7F, 0x10, NRCSubFunctionNotSupported}}
	}}
	c, _ := newClient(t, p)

	_, err := c.Request([]byte{0x10, 0x05})
	var er *tp.ErrorResponse
	require.ErrorAs(t, err, &er)
	assert.Equal(t, byte(0x10), er.Service)
	assert.Equal(t, byte(NRCSubFunctionNotSupported), er.Code)
	assert.Len(t, p.writeLog, 1, "non retryable NRC must not be repeated")
}

func TestRequest_ResponsePendingExtendsTimeout(t *testing.T) {
	calls := 0
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		calls++
		return [][]byte{{0x7F, 0x31, NRCResponsePending}}
	}}
	c, clock := newClient(t, p)
	start := clock.Now()

	_, err := c.Request([]byte{0x31, 0x01, 0x02, 0x05})
	require.ErrorIs(t, err, tp.ErrTimeout)
	assert.GreaterOrEqual(t, clock.Now().Sub(start), c.opts.PendingTimeout)
	assert.Equal(t, 1, calls)
}

func TestRequest_PendingThenPositive(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		return [][]byte{{0x7F, 0x31, NRCResponsePending}}
	}}
	c, clock := newClient(t, p)
	c.opts.PollInterval = 100 * time.Millisecond

	// The final answer arrives after the normal timeout but before the pending one.
	start := clock.Now()
	wrapped := &lateProtocol{mockProtocol: p, clock: clock, at: start.Add(3 * time.Second),
		late: []byte{0x71, 0x01, 0x02, 0x05}}
	c.protocol = wrapped

	resp, err := c.Request([]byte{0x31, 0x01, 0x02, 0x05})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x71, 0x01, 0x02, 0x05}, resp)
}

// lateProtocol 在指定时间之后投递一条响应
type lateProtocol struct {
	*mockProtocol
	clock *tp.ManualClock
	at    time.Time
	late  []byte
}

func (l *lateProtocol) Cycle() error {
	if err := l.mockProtocol.Cycle(); err != nil {
		return err
	}
	if l.late != nil && !l.clock.Now().Before(l.at) {
		l.rx = append(l.rx, l.late)
		l.late = nil
	}
	return nil
}

func TestRequest_Timeout(t *testing.T) {
	p := &mockProtocol{}
	c, clock := newClient(t, p)
	start := clock.Now()

	_, err := c.Request([]byte{0x22, 0xF1, 0x86})
	require.ErrorIs(t, err, tp.ErrTimeout)
	assert.GreaterOrEqual(t, clock.Now().Sub(start), c.opts.Timeout)
}

func TestRequest_BusyRetry(t *testing.T) {
	attempts := 0
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		attempts++
		if attempts < 3 {
			return [][]byte{{0x7F, 0x22, NRCBusyRepeatRequest}}
		}
		return [][]byte{{0x62, 0xF1, 0x86, 0x03}}
	}}
	c, _ := newClient(t, p)

	session, err := c.ReadActiveDiagnosticSession()
	require.NoError(t, err)
	assert.Equal(t, uint8(SessionExtendedDiagnostic), session)
	assert.Equal(t, 3, attempts)
}

func TestRequest_BusyExhaustsRetries(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		return [][]byte{{0x7F, 0x22, NRCBusyRepeatRequest}}
	}}
	c, _ := newClient(t, p)

	_, err := c.Request([]byte{0x22, 0xF1, 0x86})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Len(t, p.writeLog, c.opts.MaxRetries+1)
}

func TestRequest_IgnoresUnrelatedAndStale(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		return [][]byte{
			{0x7E, 0x00},
			{0x7F, 0x3E, NRCGeneralReject},
			{0x50, 0x01},
		}
	}}
	p.rx = [][]byte{{0x62, 0xAA}}
	c, _ := newClient(t, p)

	require.NoError(t, c.DiagnosticSessionControl(SessionDefault))
}

func TestRequest_Errors(t *testing.T) {
	p := &mockProtocol{cycleErr: tp.ErrNotConfigured}
	c, _ := newClient(t, p)

	_, err := c.Request(nil)
	assert.ErrorIs(t, err, tp.ErrOutOfRange)
	_, err = c.Request([]byte{0x3E, 0x00})
	assert.ErrorIs(t, err, tp.ErrNotConfigured)
}

// ============================================================================
// 服务
// ============================================================================

func TestTesterPresent_NoWait(t *testing.T) {
	p := &mockProtocol{}
	c, clock := newClient(t, p)
	start := clock.Now()

	require.NoError(t, c.TesterPresent())
	assert.Equal(t, [][]byte{{0x3E, 0x80}}, p.writeLog)
	assert.Equal(t, start, clock.Now())
}

func TestSecurityAccessRequestSeed(t *testing.T) {
	tests := []struct {
		name   string
		resp   []byte
		seed   uint64
		secure bool
		err    error
	}{
		{"non secure", []byte{0x67, 0x05, 0, 0, 0, 42}, 42, false, nil},
		{"secure", []byte{0x67, 0x05, 1, 2, 3, 4, 5, 6, 7, 8}, 0x0102030405060708, true, nil},
		{"bad size", []byte{0x67, 0x05, 1, 2}, 0, false, tp.ErrMalformed},
		{"wrong level", []byte{0x67, 0x07, 0, 0, 0, 1}, 0, false, tp.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProtocol{respond: func([]byte) [][]byte { return [][]byte{tt.resp} }}
			c, _ := newClient(t, p)
			seed, secure, err := c.SecurityAccessRequestSeed(5)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.seed, seed)
			assert.Equal(t, tt.secure, secure)
		})
	}

	c, _ := newClient(t, &mockProtocol{})
	_, _, err := c.SecurityAccessRequestSeed(4)
	assert.ErrorIs(t, err, tp.ErrOutOfRange)
}

func TestSecurityAccessSendKey(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte { return [][]byte{{0x67, req[1]}} }}
	c, _ := newClient(t, p)

	require.NoError(t, c.SecurityAccessSendKey(5, []byte{0, 0, 0, 23}))
	assert.Equal(t, []byte{0x27, 0x06, 0, 0, 0, 23}, p.writeLog[0])
}

func TestReadListOfFeatures(t *testing.T) {
	p := &mockProtocol{respond: func([]byte) [][]byte {
		return [][]byte{{0x62, 0xA8, 0x02, 0x00, 0x00, 0x00, 0x05}}
	}}
	c, _ := newClient(t, p)

	f, err := c.ReadListOfFeatures()
	require.NoError(t, err)
	assert.True(t, f.Has(FeatureFlashloaderCanWriteToNVM))
	assert.True(t, f.Has(FeatureEthernetToEthernetRouting))
	assert.False(t, f.Has(FeatureMaxBlockLength))
}

func TestReadCertificateSerialNumber(t *testing.T) {
	p := &mockProtocol{respond: func([]byte) [][]byte {
		return [][]byte{{0x62, 0xA8, 0x11, 0x0A, 0x0B}}
	}}
	c, _ := newClient(t, p)

	sn, err := c.ReadCertificateSerialNumber()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0A, 0x0B}, sn)
}

func TestRoutingRoutines(t *testing.T) {
	p := &mockProtocol{respond: func(req []byte) [][]byte {
		resp := []byte{0x71, req[1], req[2], req[3]}
		if req[1] == routineResults {
			resp = append(resp, byte(RouteConnected))
		}
		return [][]byte{resp}
	}}
	c, _ := newClient(t, p)

	require.NoError(t, c.SetRouteIP2IPCommunication(1, tp.NodeID{Bus: 2, Node: 5}, netip.MustParseAddr("192.168.0.5")))
	assert.Equal(t, []byte{0x31, 0x01, 0x02, 0x11, 1, 2, 5, 192, 168, 0, 5}, p.writeLog[0])

	state, err := c.CheckRouteIP2IPCommunication(1)
	require.NoError(t, err)
	assert.Equal(t, RouteConnected, state)

	require.NoError(t, c.SetRouteDiagnosisCommunication(DiagnosisRoute{InMedium: 1, InChannel: 0, OutMedium: 0, OutChannel: 2}))
	assert.Equal(t, []byte{0x31, 0x01, 0x02, 0x05, 1, 0, 0, 2}, p.writeLog[2])
	require.NoError(t, c.StopRouteDiagnosisCommunication())
	assert.Equal(t, []byte{0x31, 0x02, 0x02, 0x05}, p.writeLog[3])

	require.NoError(t, c.StartLegacyRouting(3))
	require.NoError(t, c.StopLegacyRouting(3))

	err = c.SetRouteIP2IPCommunication(1, tp.NodeID{Bus: 2, Node: 5}, netip.MustParseAddr("::1"))
	assert.ErrorIs(t, err, tp.ErrOutOfRange)
}

func TestConnector(t *testing.T) {
	plain, _ := newClient(t, &mockProtocol{})
	assert.True(t, plain.IsConnected())
	assert.NoError(t, plain.Reconnect())

	p := &mockConnProtocol{}
	c, _ := newClient(t, p)
	assert.False(t, c.IsConnected())
	require.NoError(t, c.Reconnect())
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, p.reconnects)
	require.NoError(t, c.Disconnect())
	assert.False(t, c.IsConnected())
}
