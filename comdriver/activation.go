package comdriver

import (
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/metrics"
	"github.com/LoveWonYoung/osycomm/routing"
	"github.com/LoveWonYoung/osycomm/tp"
	"github.com/LoveWonYoung/osycomm/uds"
)

// RoutingFailure names the node a failed routing activation is blamed on.
type RoutingFailure struct {
	// Node is the absolute index of the router or target that failed.
	Node int
	// Hop indexes the route points; the number of points means the target.
	Hop   int
	Cause error
}

func (f *RoutingFailure) Error() string {
	return fmt.Sprintf("routing failed at node %d (hop %d): %v", f.Node, f.Hop, f.Cause)
}

func (f *RoutingFailure) Unwrap() error { return f.Cause }

func (d *Driver) routerID(p routing.RoutePoint) tp.NodeID {
	return tp.NodeID{Bus: d.cfg.Topology.Buses[p.InBus].BusID, Node: p.InNodeID}
}

// nextHop returns who the router at hop i forwards to.
func (d *Driver) nextHop(n *node, i int) (index int, id tp.NodeID, ip netip.Addr) {
	points := n.route.Points
	if i+1 >= len(points) {
		return n.index, n.server, n.ip
	}
	q := points[i+1]
	itf, _ := d.cfg.Topology.Interface(q.Node, q.InMedium, q.InInterface)
	return q.Node, d.routerID(q), itf.IP
}

// hopKey identifies one forwarding setup of a router. Routes of different
// nodes that pass the same router the same way share it.
type hopKey struct {
	node      int
	inMedium  routing.Medium
	in        uint8
	outMedium routing.Medium
	out       uint8
}

// hopUse counts the routed nodes relying on a hop.
type hopUse struct {
	refs   int
	legacy *legacyRouter
}

func hopKeyOf(p routing.RoutePoint) hopKey {
	return hopKey{node: p.Node, inMedium: p.InMedium, in: p.InInterface, outMedium: p.OutMedium, out: p.OutInterface}
}

// inUse reports whether routed nodes still rely on the hop.
func (d *Driver) inUse(p routing.RoutePoint) bool {
	u, ok := d.hops[hopKeyOf(p)]
	return ok && u.refs > 0
}

func (d *Driver) useHop(p routing.RoutePoint) *hopUse {
	k := hopKeyOf(p)
	u, ok := d.hops[k]
	if !ok {
		u = &hopUse{}
		d.hops[k] = u
	}
	u.refs++
	return u
}

// ip2ipHops counts the leading hops that forward Ethernet to Ethernet.
func ip2ipHops(r routing.Route) int {
	for i, p := range r.Points {
		if p.InMedium != routing.MediumEthernet || p.OutMedium != routing.MediumEthernet {
			return i
		}
	}
	return len(r.Points)
}

// address points the node's transport at server. Anything received for the
// previous address is dropped.
func (d *Driver) address(n *node, server tp.NodeID) error {
	if err := n.service.SetNodeIdentifiers(d.client, server); err != nil {
		return err
	}
	p := n.transport.Protocol()
	p.ClearServiceQueues()
	return p.ClearDispatcherQueue()
}

// acquire takes a reference on the node's connection for an activated route
// and reconnects it when needed. Direct nodes hold theirs from Init on.
func (d *Driver) acquire(n *node) error {
	if n.conn == nil {
		return nil
	}
	n.conn.refs++
	if n.service.IsConnected() {
		return nil
	}
	if err := n.service.Reconnect(); err != nil {
		n.conn.refs--
		return err
	}
	return nil
}

func (d *Driver) release(n *node) {
	if n.conn == nil || n.conn.refs == 0 {
		return
	}
	n.conn.refs--
	if n.conn.refs > 0 {
		return
	}
	if err := d.cfg.IP.CloseTCP(n.conn.handle); err != nil {
		d.logger.Debug("close TCP", zap.Stringer("endpoint", n.conn.endpoint), zap.Error(err))
	}
}

// StartRouting activates every router on the route to the node: first the
// leading Ethernet to Ethernet hops, then diagnosis routing on the rest. On
// failure the hops already configured are stopped again.
func (d *Driver) StartRouting(index int) (*RoutingFailure, error) {
	n, err := d.node(index)
	if err != nil {
		return nil, err
	}
	if n.routed {
		return nil, nil
	}
	points := n.route.Points
	if len(points) == 0 {
		n.routed = true
		return nil, nil
	}
	if err := d.acquire(n); err != nil {
		metrics.RoutingActivations.WithLabelValues(metrics.ResultFailed).Inc()
		f := &RoutingFailure{Node: points[0].Node, Hop: 0, Cause: err}
		return f, f
	}

	ip2ip := ip2ipHops(n.route)
	for i := range points {
		var f *RoutingFailure
		if i < ip2ip {
			f = d.startIP2IP(n, i)
		} else {
			f = d.startDiagnosisRoute(n, i)
		}
		if f != nil {
			return d.routingFailed(n, i, f)
		}
		d.useHop(points[i])
	}
	if err := d.address(n, n.server); err != nil {
		return d.routingFailed(n, len(points), &RoutingFailure{Node: n.index, Hop: len(points), Cause: err})
	}
	n.routed = true
	metrics.RoutingActivations.WithLabelValues(metrics.ResultOK).Inc()
	d.logger.Info("routing active", zap.Stringer("server", n.server), zap.Int("hops", len(points)))
	return nil, nil
}

// routingFailed undoes the hops before configured and reports f.
func (d *Driver) routingFailed(n *node, configured int, f *RoutingFailure) (*RoutingFailure, error) {
	d.logger.Warn("routing activation failed", zap.Stringer("server", n.server),
		zap.Int("blame", f.Node), zap.Int("hop", f.Hop), zap.Error(f.Cause))
	for i := configured - 1; i >= 0; i-- {
		d.stopHop(n, i)
	}
	if err := d.address(n, n.server); err != nil {
		d.logger.Debug("restore address", zap.Error(err))
	}
	d.release(n)
	metrics.RoutingActivations.WithLabelValues(metrics.ResultFailed).Inc()
	return f, f
}

func (d *Driver) startIP2IP(n *node, i int) *RoutingFailure {
	p := n.route.Points[i]
	router := d.routerID(p)
	blameRouter := func(err error) *RoutingFailure {
		return &RoutingFailure{Node: p.Node, Hop: i, Cause: errors.Wrapf(err, "router %s", router)}
	}
	if err := d.address(n, router); err != nil {
		return blameRouter(err)
	}
	features, err := n.service.ReadListOfFeatures()
	if err != nil {
		return blameRouter(err)
	}
	if !features.Has(uds.FeatureEthernetToEthernetRouting) {
		return blameRouter(errors.Wrap(tp.ErrNotCapable, "no Ethernet to Ethernet routing"))
	}
	if err := d.elevate(n.service, router, d.routingSession(), d.cfg.RoutingSecurityLevel); err != nil {
		return blameRouter(err)
	}
	next, nextID, nextIP := d.nextHop(n, i)
	if err := n.service.SetRouteIP2IPCommunication(p.OutInterface, nextID, nextIP); err != nil {
		return blameRouter(err)
	}

	// Once the router reports progress a failure is the next hop's fault.
	progressed := false
	blame := func(err error) *RoutingFailure {
		if progressed {
			return &RoutingFailure{Node: next, Hop: i + 1, Cause: errors.Wrapf(err, "next hop %s", nextID)}
		}
		return blameRouter(err)
	}
	timer := tp.NewTimer(d.clock, d.cfg.IP2IPTimeout)
	timer.Start()
	for {
		state, err := n.service.CheckRouteIP2IPCommunication(p.OutInterface)
		if err != nil {
			return blameRouter(err)
		}
		switch state {
		case uds.RouteConnected:
			d.logger.Debug("IP to IP route connected", zap.Stringer("router", router), zap.Stringer("next", nextID))
			return nil
		case uds.RouteInProgress:
			progressed = true
		case uds.RouteError:
			return blame(errors.Wrapf(tp.ErrConnectFailed, "route to %s", nextIP))
		}
		if timer.IsTimedOut() {
			return blame(errors.Wrapf(tp.ErrTimeout, "route to %s not confirmed within %v", nextIP, d.cfg.IP2IPTimeout))
		}
		d.clock.Sleep(d.cfg.IP2IPPollInterval)
	}
}

func (d *Driver) startDiagnosisRoute(n *node, i int) *RoutingFailure {
	p := n.route.Points[i]
	router := d.routerID(p)
	fail := func(err error) *RoutingFailure {
		return &RoutingFailure{Node: p.Node, Hop: i, Cause: errors.Wrapf(err, "router %s", router)}
	}
	if err := d.address(n, router); err != nil {
		return fail(err)
	}
	if err := d.elevate(n.service, router, d.routingSession(), d.cfg.RoutingSecurityLevel); err != nil {
		return fail(err)
	}
	err := n.service.SetRouteDiagnosisCommunication(uds.DiagnosisRoute{
		InMedium:   uint8(p.InMedium),
		InChannel:  p.InInterface,
		OutMedium:  uint8(p.OutMedium),
		OutChannel: p.OutInterface,
	})
	if err != nil {
		return fail(err)
	}
	if i == len(n.route.Points)-1 && !d.cfg.Topology.Nodes[n.index].OpenSYDE {
		k := hopKeyOf(p)
		u, ok := d.hops[k]
		if ok && u.legacy != nil {
			return nil
		}
		legacy := &legacyRouter{service: n.service, router: router, channel: p.OutInterface}
		if err := legacy.CANInit(); err != nil {
			if !d.inUse(p) {
				_ = n.service.StopRouteDiagnosisCommunication()
			}
			return fail(errors.Wrap(err, "legacy CAN routing"))
		}
		if !ok {
			u = &hopUse{}
			d.hops[k] = u
		}
		u.legacy = legacy
	}
	return nil
}

// stopHop releases hop i of the node. The router is only stopped once no
// other routed node uses the hop. Ethernet to Ethernet hops end with their
// connection.
func (d *Driver) stopHop(n *node, i int) {
	p := n.route.Points[i]
	k := hopKeyOf(p)
	u, ok := d.hops[k]
	if !ok || u.refs == 0 {
		return
	}
	u.refs--
	if u.refs > 0 {
		return
	}
	delete(d.hops, k)
	if i < ip2ipHops(n.route) {
		return
	}
	router := d.routerID(p)
	if err := d.address(n, router); err != nil {
		d.logger.Warn("address router", zap.Stringer("router", router), zap.Error(err))
		return
	}
	if u.legacy != nil {
		// The node that opened the tunnel may already be gone.
		u.legacy.service = n.service
		if err := u.legacy.CANExit(); err != nil {
			d.logger.Warn("stop legacy routing", zap.Stringer("router", router), zap.Error(err))
		}
	}
	if err := n.service.StopRouteDiagnosisCommunication(); err != nil {
		d.logger.Warn("stop diagnosis routing", zap.Stringer("router", router), zap.Error(err))
	}
}

// StopRouting deactivates the routers of one node, farthest first.
func (d *Driver) StopRouting(index int) error {
	n, err := d.node(index)
	if err != nil {
		return err
	}
	if !n.routed {
		return nil
	}
	for i := len(n.route.Points) - 1; i >= 0; i-- {
		d.stopHop(n, i)
	}
	return d.finishStop(n)
}

func (d *Driver) finishStop(n *node) error {
	n.routed = false
	if n.route.IsDirect() {
		return nil
	}
	err := d.address(n, n.server)
	d.release(n)
	return err
}

// StopRoutingOfActiveNodes deactivates all routes hop distance by hop
// distance, starting with the farthest hops of all nodes.
func (d *Driver) StopRoutingOfActiveNodes() error {
	farthest := 0
	for _, n := range d.nodes {
		if n.routed {
			farthest = max(farthest, n.route.Hops())
		}
	}
	for dist := farthest - 1; dist >= 0; dist-- {
		for _, n := range d.nodes {
			if n.routed && dist < n.route.Hops() {
				d.stopHop(n, dist)
			}
		}
	}
	var errs error
	for _, n := range d.nodes {
		if n.routed {
			errs = multierr.Append(errs, d.finishStop(n))
		}
	}
	return errs
}
