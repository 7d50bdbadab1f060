// Package comdriver drives communication with the active nodes of a system:
// it computes the route to every node at Init, owns one transport and one
// service client per node, and performs routing activation, session
// elevation, security access and tester present across all hops.
//
// A Driver is not safe for concurrent use.
package comdriver

import (
	"crypto/rsa"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/cantp"
	"github.com/LoveWonYoung/osycomm/iptp"
	"github.com/LoveWonYoung/osycomm/routing"
	"github.com/LoveWonYoung/osycomm/tp"
	"github.com/LoveWonYoung/osycomm/uds"
)

// ProtocolService is the request/response service layer the driver talks to
// each server through. *uds.Client implements it.
type ProtocolService interface {
	SetNodeIdentifiers(client, server tp.NodeID) error
	IsConnected() bool
	Reconnect() error
	Disconnect() error

	TesterPresent() error
	DiagnosticSessionControl(session uint8) error
	ReadActiveDiagnosticSession() (uint8, error)
	SecurityAccessRequestSeed(level uint8) (seed uint64, secure bool, err error)
	SecurityAccessSendKey(level uint8, key []byte) error
	ReadCertificateSerialNumber() ([]byte, error)
	ReadListOfFeatures() (uds.Features, error)

	SetRouteIP2IPCommunication(channel uint8, target tp.NodeID, ip netip.Addr) error
	CheckRouteIP2IPCommunication(channel uint8) (uds.RouteState, error)
	SetRouteDiagnosisCommunication(r uds.DiagnosisRoute) error
	StopRouteDiagnosisCommunication() error
	StartLegacyRouting(channel uint8) error
	StopLegacyRouting(channel uint8) error
}

var _ ProtocolService = (*uds.Client)(nil)

// KeyStore looks up the private key belonging to a certificate serial number.
type KeyStore interface {
	PrivateKey(certSerial []byte) (*rsa.PrivateKey, error)
}

// Signer signs a security access seed.
type Signer interface {
	Sign(key *rsa.PrivateKey, message []byte) ([]byte, error)
}

type Config struct {
	Topology *routing.Topology
	Mode     routing.Mode
	// ClientNodeID is the node number the client uses on the start bus.
	ClientNodeID uint8

	CAN    cantp.Dispatcher
	IP     iptp.Dispatcher
	Keys   KeyStore
	Signer Signer

	CANTP   cantp.Config
	IPTP    iptp.Config
	Request uds.RequestOptions
	// NewService builds the service client of a transport. Defaults to uds.New.
	NewService func(p tp.Protocol) ProtocolService

	RoutingSecurityLevel uint8
	IP2IPPollInterval    time.Duration
	IP2IPTimeout         time.Duration
	SecurityRetryDelay   time.Duration

	Clock  tp.Clock
	Logger *zap.Logger
}

func DefaultConfig() Config {
	return Config{
		Mode:                 routing.ModeDiagnostic,
		ClientNodeID:         tp.MaxNodeID,
		CANTP:                cantp.DefaultConfig(),
		IPTP:                 iptp.DefaultConfig(),
		Request:              uds.DefaultRequestOptions(),
		RoutingSecurityLevel: 5,
		IP2IPPollInterval:    20 * time.Millisecond,
		IP2IPTimeout:         1000 * time.Millisecond,
		SecurityRetryDelay:   time.Second,
	}
}

// node is the bookkeeping of one active node.
type node struct {
	index     int
	server    tp.NodeID
	ip        netip.Addr
	route     routing.Route
	transport Transport
	service   ProtocolService
	conn      *connection
	// routed is true while StartRouting holds the node's routers.
	routed bool
}

// connection is one TCP connection shared by every node reached through the
// same endpoint. refs counts the direct nodes and the activated routes using
// it; the connection is closed when it drops to zero.
type connection struct {
	endpoint netip.Addr
	handle   int
	refs     int
}

type Driver struct {
	cfg    Config
	clock  tp.Clock
	logger *zap.Logger

	startBus int
	client   tp.NodeID
	medium   routing.Medium
	nodes    []*node
	// slots maps an absolute node index to its position in nodes.
	slots map[int]int
	conns map[netip.Addr]*connection
	// hops counts the routed nodes per configured router hop.
	hops map[hopKey]*hopUse

	canBroadcast *cantp.Protocol
	ipBroadcast  *iptp.Protocol
}

func New(cfg Config) (*Driver, error) {
	if cfg.Topology == nil {
		return nil, errors.Wrap(tp.ErrNotConfigured, "no topology")
	}
	if cfg.Clock == nil {
		cfg.Clock = tp.SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.NewService == nil {
		opts, clock, logger := cfg.Request, cfg.Clock, cfg.Logger
		cfg.NewService = func(p tp.Protocol) ProtocolService {
			return uds.New(p, opts, clock, logger)
		}
	}
	if err := cfg.CANTP.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.IPTP.Validate(); err != nil {
		return nil, err
	}
	return &Driver{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger.Named("comdriver"),
		slots:  map[int]int{},
		conns:  map[netip.Addr]*connection{},
		hops:   map[hopKey]*hopUse{},
	}, nil
}

// Init calculates the route to every active node and creates its transport.
// Nodes without a usable route or whose TCP connection cannot be opened are
// left inactive; a broken topology or start bus aborts.
func (d *Driver) Init(ownBus int, active []bool) error {
	t := d.cfg.Topology
	if len(d.nodes) > 0 {
		return errors.Wrap(tp.ErrInternal, "driver already initialized")
	}
	if ownBus < 0 || ownBus >= len(t.Buses) {
		return errors.Wrapf(tp.ErrOutOfRange, "start bus %d", ownBus)
	}
	if len(active) > len(t.Nodes) {
		return errors.Wrapf(tp.ErrOutOfRange, "%d active flags for %d nodes", len(active), len(t.Nodes))
	}
	anyActive := false
	for _, a := range active {
		anyActive = anyActive || a
	}
	if !anyActive {
		return errors.Wrap(tp.ErrOutOfRange, "no active node")
	}
	if err := t.Validate(); err != nil {
		return err
	}

	d.startBus = ownBus
	d.medium = t.Buses[ownBus].Medium
	d.client = tp.NodeID{Bus: t.Buses[ownBus].BusID, Node: d.cfg.ClientNodeID}
	switch {
	case d.medium == routing.MediumCAN && d.cfg.CAN == nil:
		return errors.Wrap(tp.ErrNotConfigured, "no CAN dispatcher")
	case d.medium == routing.MediumEthernet && d.cfg.IP == nil:
		return errors.Wrap(tp.ErrNotConfigured, "no IP dispatcher")
	}

	var unconnected error
	for i, a := range active {
		if !a {
			continue
		}
		calc := routing.Calculate(t, active, ownBus, i, d.cfg.Mode)
		switch calc.Status() {
		case routing.StatusFound:
		case routing.StatusTargetOutOfRange, routing.StatusStartBusOutOfRange:
			d.DisconnectAll()
			return errors.Wrapf(tp.ErrOutOfRange, "node %d: %s", i, calc.Status())
		default:
			d.logger.Warn("node not reachable, left inactive",
				zap.Int("node", i), zap.String("name", t.Nodes[i].Name), zap.Stringer("status", calc.Status()))
			continue
		}
		route, _ := calc.BestRoute()
		n, err := d.addNode(i, route)
		if err != nil {
			err = errors.Wrapf(err, "node %d (%s)", i, t.Nodes[i].Name)
			if errors.Is(err, tp.ErrNotConfigured) || errors.Is(err, tp.ErrInternal) {
				d.DisconnectAll()
				return err
			}
			d.logger.Warn("node not connected, left inactive", zap.Int("node", i), zap.Error(err))
			unconnected = multierr.Append(unconnected, err)
			continue
		}
		d.logger.Info("node initialized", zap.Int("node", n.index), zap.Stringer("server", n.server),
			zap.Int("hops", route.Hops()), zap.Stringer("transport", n.transport.Kind()))
	}
	if len(d.nodes) == 0 {
		if unconnected != nil {
			return unconnected
		}
		return errors.Wrap(tp.ErrOutOfRange, "no active node reachable")
	}
	return d.initBroadcast()
}

// serverInterface picks the interface the target is addressed through on
// the bus it is reached on. Interfaces with any function enabled win.
func serverInterface(t *routing.Topology, node, bus int) (routing.Interface, bool) {
	candidates := t.InterfacesOnBus(node, bus)
	if len(candidates) == 0 {
		return routing.Interface{}, false
	}
	for _, itf := range candidates {
		if itf.DiagnosisEnabled || itf.UpdateEnabled || itf.RoutingEnabled {
			return itf, true
		}
	}
	return candidates[0], true
}

func (d *Driver) addNode(index int, route routing.Route) (*node, error) {
	t := d.cfg.Topology
	lastBus := route.LastBus(d.startBus)
	itf, ok := serverInterface(t, index, lastBus)
	if !ok {
		return nil, errors.Wrapf(tp.ErrInternal, "no interface on bus %d", lastBus)
	}
	n := &node{
		index:  index,
		server: tp.NodeID{Bus: t.Buses[lastBus].BusID, Node: itf.NodeID},
		ip:     itf.IP,
		route:  route,
	}

	var err error
	switch d.medium {
	case routing.MediumCAN:
		n.transport, err = d.newCANTransport(n.server)
	case routing.MediumEthernet:
		endpoint := n.ip
		if !route.IsDirect() {
			p := route.Points[0]
			first, found := t.Interface(p.Node, p.InMedium, p.InInterface)
			if !found {
				return nil, errors.Wrapf(tp.ErrInternal, "router %d has no interface %d", p.Node, p.InInterface)
			}
			endpoint = first.IP
		}
		n.conn, err = d.connection(endpoint)
		if err == nil {
			if route.IsDirect() {
				n.conn.refs++
			}
			n.transport, err = d.newIPTransport(n.server, n.conn.handle)
		}
	}
	if err != nil {
		return nil, err
	}
	n.service = d.cfg.NewService(n.transport.Protocol())
	d.slots[index] = len(d.nodes)
	d.nodes = append(d.nodes, n)
	return n, nil
}

func (d *Driver) newCANTransport(server tp.NodeID) (Transport, error) {
	p, err := cantp.New(d.cfg.CANTP, d.clock, d.cfg.Logger)
	if err != nil {
		return Transport{}, err
	}
	if err := p.SetNodeIdentifiers(d.client, server); err != nil {
		return Transport{}, err
	}
	if err := p.SetDispatcher(d.cfg.CAN); err != nil {
		return Transport{}, err
	}
	return CANTransport(p), nil
}

func (d *Driver) newIPTransport(server tp.NodeID, handle int) (Transport, error) {
	p, err := iptp.New(d.cfg.IPTP, d.clock, d.cfg.Logger)
	if err != nil {
		return Transport{}, err
	}
	if err := p.SetNodeIdentifiers(d.client, server); err != nil {
		return Transport{}, err
	}
	p.SetDispatcher(d.cfg.IP, handle)
	return IPTransport(p), nil
}

// connection returns the shared connection to endpoint, opening it on first
// use.
func (d *Driver) connection(endpoint netip.Addr) (*connection, error) {
	if c, ok := d.conns[endpoint]; ok {
		return c, nil
	}
	if !endpoint.IsValid() {
		return nil, errors.Wrap(tp.ErrNotConfigured, "node has no IP address")
	}
	h, err := d.cfg.IP.InitTCP(endpoint)
	if err != nil {
		return nil, err
	}
	c := &connection{endpoint: endpoint, handle: h}
	d.conns[endpoint] = c
	return c, nil
}

func (d *Driver) initBroadcast() error {
	broadcast := tp.NodeID{Bus: d.client.Bus, Node: tp.BroadcastNodeID}
	switch d.medium {
	case routing.MediumCAN:
		p, err := cantp.New(d.cfg.CANTP, d.clock, d.cfg.Logger)
		if err != nil {
			return err
		}
		if err := p.SetNodeIdentifiers(d.client, broadcast); err != nil {
			return err
		}
		if err := p.SetDispatcher(d.cfg.CAN); err != nil {
			return err
		}
		d.canBroadcast = p
	case routing.MediumEthernet:
		p, err := iptp.New(d.cfg.IPTP, d.clock, d.cfg.Logger)
		if err != nil {
			return err
		}
		if err := p.SetNodeIdentifiers(d.client, broadcast); err != nil {
			return err
		}
		p.SetDispatcher(d.cfg.IP, iptp.NoHandle)
		d.ipBroadcast = p
	}
	return nil
}

func (d *Driver) node(index int) (*node, error) {
	slot, ok := d.slots[index]
	if !ok {
		return nil, errors.Wrapf(tp.ErrOutOfRange, "node %d is not active", index)
	}
	return d.nodes[slot], nil
}

// ActiveNodes returns the absolute indices of all initialized nodes.
func (d *Driver) ActiveNodes() []int {
	out := make([]int, len(d.nodes))
	for i, n := range d.nodes {
		out[i] = n.index
	}
	return out
}

func (d *Driver) Transport(index int) (Transport, error) {
	n, err := d.node(index)
	if err != nil {
		return Transport{}, err
	}
	return n.transport, nil
}

func (d *Driver) Service(index int) (ProtocolService, error) {
	n, err := d.node(index)
	if err != nil {
		return nil, err
	}
	return n.service, nil
}

func (d *Driver) ServerID(index int) (tp.NodeID, error) {
	n, err := d.node(index)
	if err != nil {
		return tp.NodeID{}, err
	}
	return n.server, nil
}

func (d *Driver) Route(index int) (routing.Route, error) {
	n, err := d.node(index)
	if err != nil {
		return routing.Route{}, err
	}
	return n.route, nil
}

// CANBroadcast returns the broadcast transport, or nil when the client does
// not sit on a CAN bus.
func (d *Driver) CANBroadcast() *cantp.Protocol { return d.canBroadcast }

// IPBroadcast returns the broadcast transport, or nil when the client does
// not sit on an Ethernet bus.
func (d *Driver) IPBroadcast() *iptp.Protocol { return d.ipBroadcast }

// DisconnectAll detaches every transport from the shared dispatchers and
// closes all TCP connections. Call it before the dispatchers go away.
func (d *Driver) DisconnectAll() {
	for _, n := range d.nodes {
		n.transport.detach(d.logger)
	}
	for _, c := range d.conns {
		if err := d.cfg.IP.CloseTCP(c.handle); err != nil {
			d.logger.Debug("close TCP", zap.Stringer("endpoint", c.endpoint), zap.Error(err))
		}
	}
	if d.canBroadcast != nil {
		if err := d.canBroadcast.SetDispatcher(nil); err != nil {
			d.logger.Warn("detach CAN broadcast", zap.Error(err))
		}
	}
	if d.ipBroadcast != nil {
		d.ipBroadcast.SetDispatcher(nil, iptp.NoHandle)
	}
	d.nodes = nil
	d.slots = map[int]int{}
	d.conns = map[netip.Addr]*connection{}
	d.hops = map[hopKey]*hopUse{}
	d.canBroadcast, d.ipBroadcast = nil, nil
}
