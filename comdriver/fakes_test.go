package comdriver

import (
	"crypto/rsa"
	"fmt"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	"go.einride.tech/can"

	"github.com/LoveWonYoung/osycomm/driver"
	"github.com/LoveWonYoung/osycomm/iptp"
	"github.com/LoveWonYoung/osycomm/tp"
	"github.com/LoveWonYoung/osycomm/uds"
)

// ============================================================================
// Mock 调度器
// ============================================================================

type fakeCAN struct {
	next    int
	clients map[int]driver.Filter
	removed []int
}

func newFakeCAN() *fakeCAN { return &fakeCAN{clients: map[int]driver.Filter{}} }

func (f *fakeCAN) RegisterClient() (int, error) {
	f.next++
	f.clients[f.next] = driver.Filter{}
	return f.next, nil
}

func (f *fakeCAN) RemoveClient(h int) error {
	delete(f.clients, h)
	f.removed = append(f.removed, h)
	return nil
}

func (f *fakeCAN) SetRxFilter(h int, filter driver.Filter) error {
	f.clients[h] = filter
	return nil
}

func (f *fakeCAN) ReadFromQueue(int) (can.Frame, error) { return can.Frame{}, tp.ErrNoData }
func (f *fakeCAN) ClearQueue(int) error                 { return nil }
func (f *fakeCAN) Send(can.Frame) error                 { return nil }

type fakeIP struct {
	dials      []netip.Addr
	connected  map[int]bool
	closed     []int
	reconnects int
	failDial   bool
	// unreachable 中的地址拨号失败
	unreachable map[netip.Addr]bool
}

func newFakeIP() *fakeIP {
	return &fakeIP{connected: map[int]bool{}, unreachable: map[netip.Addr]bool{}}
}

func (f *fakeIP) InitTCP(ip netip.Addr) (int, error) {
	if f.failDial || f.unreachable[ip] {
		return -1, errors.Wrapf(tp.ErrConnectFailed, "dial %s", ip)
	}
	f.dials = append(f.dials, ip)
	h := len(f.dials) - 1
	f.connected[h] = true
	return h, nil
}

func (f *fakeIP) IsTCPConnected(h int) bool { return f.connected[h] }

func (f *fakeIP) ReconnectTCP(h int) error {
	f.reconnects++
	f.connected[h] = true
	return nil
}

func (f *fakeIP) CloseTCP(h int) error {
	f.connected[h] = false
	f.closed = append(f.closed, h)
	return nil
}

func (f *fakeIP) SendTCP(int, []byte) error       { return nil }
func (f *fakeIP) ReadTCP(int, []byte) error       { return tp.ErrNoData }
func (f *fakeIP) ClearTCPQueue(int) error         { return nil }
func (f *fakeIP) InitUDP() error                  { return nil }
func (f *fakeIP) CloseUDP() error                 { return nil }
func (f *fakeIP) SendUDP([]byte) error            { return nil }
func (f *fakeIP) ReadUDP() (iptp.Datagram, error) { return iptp.Datagram{}, tp.ErrNoData }

// ============================================================================
// Mock 服务
// ============================================================================

type seed struct {
	value  uint64
	secure bool
}

// world 是所有 fakeService 共享的服务器行为脚本，并记录每次调用
type world struct {
	log      []string
	sessions map[tp.NodeID]uint8
	refuse   map[tp.NodeID]map[uint8]bool
	timeout  map[tp.NodeID]bool
	seeds    map[tp.NodeID]seed
	keyErrs  map[tp.NodeID][]error
	features map[tp.NodeID]uds.Features
	states   map[tp.NodeID][]uds.RouteState
	tester   map[tp.NodeID]error
	cert     []byte
}

func newWorld() *world {
	return &world{
		sessions: map[tp.NodeID]uint8{},
		refuse:   map[tp.NodeID]map[uint8]bool{},
		timeout:  map[tp.NodeID]bool{},
		seeds:    map[tp.NodeID]seed{},
		keyErrs:  map[tp.NodeID][]error{},
		features: map[tp.NodeID]uds.Features{},
		states:   map[tp.NodeID][]uds.RouteState{},
		tester:   map[tp.NodeID]error{},
		cert:     []byte{0x12, 0x34},
	}
}

// ops returns the logged calls containing substr.
func (w *world) ops(substr string) []string {
	var out []string
	for _, l := range w.log {
		if strings.Contains(l, substr) {
			out = append(out, l)
		}
	}
	return out
}

func (w *world) newService(p tp.Protocol) ProtocolService {
	_, server := p.NodeIdentifiers()
	return &fakeService{w: w, p: p, server: server}
}

type fakeService struct {
	w      *world
	p      tp.Protocol
	server tp.NodeID
}

func (s *fakeService) record(format string, args ...any) error {
	s.w.log = append(s.w.log, s.server.String()+" "+fmt.Sprintf(format, args...))
	if s.w.timeout[s.server] {
		return errors.Wrapf(tp.ErrTimeout, "no response from %s", s.server)
	}
	return nil
}

func (s *fakeService) SetNodeIdentifiers(client, server tp.NodeID) error {
	s.server = server
	return s.p.SetNodeIdentifiers(client, server)
}

func (s *fakeService) IsConnected() bool {
	if c, ok := s.p.(uds.Connector); ok {
		return c.IsConnected()
	}
	return true
}

func (s *fakeService) Reconnect() error {
	if c, ok := s.p.(uds.Connector); ok {
		return c.Reconnect()
	}
	return nil
}

func (s *fakeService) Disconnect() error { return nil }

func (s *fakeService) TesterPresent() error {
	if err := s.record("tester present"); err != nil {
		return err
	}
	return s.w.tester[s.server]
}

func (s *fakeService) DiagnosticSessionControl(session uint8) error {
	if err := s.record("session %02X", session); err != nil {
		return err
	}
	if s.w.refuse[s.server][session] {
		return tp.NewErrorResponse(uds.SIDDiagnosticSessionControl, uds.NRCConditionsNotCorrect)
	}
	s.w.sessions[s.server] = session
	return nil
}

func (s *fakeService) ReadActiveDiagnosticSession() (uint8, error) {
	if err := s.record("read session"); err != nil {
		return 0, err
	}
	if cur, ok := s.w.sessions[s.server]; ok {
		return cur, nil
	}
	return uds.SessionDefault, nil
}

func (s *fakeService) SecurityAccessRequestSeed(level uint8) (uint64, bool, error) {
	if err := s.record("seed %d", level); err != nil {
		return 0, false, err
	}
	sd, ok := s.w.seeds[s.server]
	if !ok {
		return nonSecureSeed, false, nil
	}
	return sd.value, sd.secure, nil
}

func (s *fakeService) SecurityAccessSendKey(level uint8, key []byte) error {
	if len(key) > 8 {
		if err := s.record("key %d (%d bytes)", level, len(key)); err != nil {
			return err
		}
	} else if err := s.record("key %d %X", level, key); err != nil {
		return err
	}
	if errs := s.w.keyErrs[s.server]; len(errs) > 0 {
		s.w.keyErrs[s.server] = errs[1:]
		return errs[0]
	}
	return nil
}

func (s *fakeService) ReadCertificateSerialNumber() ([]byte, error) {
	if err := s.record("read cert"); err != nil {
		return nil, err
	}
	return s.w.cert, nil
}

func (s *fakeService) ReadListOfFeatures() (uds.Features, error) {
	if err := s.record("read features"); err != nil {
		return 0, err
	}
	return s.w.features[s.server], nil
}

func (s *fakeService) SetRouteIP2IPCommunication(channel uint8, target tp.NodeID, ip netip.Addr) error {
	return s.record("route ip2ip %d -> %s %s", channel, target, ip)
}

func (s *fakeService) CheckRouteIP2IPCommunication(channel uint8) (uds.RouteState, error) {
	if err := s.record("check ip2ip %d", channel); err != nil {
		return uds.RouteError, err
	}
	states := s.w.states[s.server]
	if len(states) == 0 {
		return uds.RouteConnected, nil
	}
	st := states[0]
	if len(states) > 1 {
		s.w.states[s.server] = states[1:]
	}
	return st, nil
}

func (s *fakeService) SetRouteDiagnosisCommunication(r uds.DiagnosisRoute) error {
	return s.record("route diag %d.%d>%d.%d", r.InMedium, r.InChannel, r.OutMedium, r.OutChannel)
}

func (s *fakeService) StopRouteDiagnosisCommunication() error {
	return s.record("stop diag")
}

func (s *fakeService) StartLegacyRouting(channel uint8) error {
	return s.record("legacy start %d", channel)
}

func (s *fakeService) StopLegacyRouting(channel uint8) error {
	return s.record("legacy stop %d", channel)
}

type fakeKeys struct {
	serials [][]byte
	err     error
}

func (k *fakeKeys) PrivateKey(serial []byte) (*rsa.PrivateKey, error) {
	k.serials = append(k.serials, serial)
	if k.err != nil {
		return nil, k.err
	}
	return &rsa.PrivateKey{}, nil
}

type fakeSigner struct {
	messages [][]byte
	size     int
}

func (s *fakeSigner) Sign(_ *rsa.PrivateKey, message []byte) ([]byte, error) {
	s.messages = append(s.messages, message)
	return make([]byte, s.size), nil
}
