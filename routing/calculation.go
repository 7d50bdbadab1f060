package routing

import (
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/LoveWonYoung/osycomm/tp"
)

type Mode int

const (
	ModeUpdate Mode = iota
	ModeDiagnostic
	// ModeRoutingCheck only answers whether any route exists.
	ModeRoutingCheck
)

func (m Mode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeDiagnostic:
		return "diagnostic"
	case ModeRoutingCheck:
		return "check"
	default:
		return "unknown"
	}
}

func (m *Mode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "update":
		*m = ModeUpdate
	case "diagnostic", "diag":
		*m = ModeDiagnostic
	case "check":
		*m = ModeRoutingCheck
	default:
		return errors.Wrapf(tp.ErrOutOfRange, "unknown routing mode %q", text)
	}
	return nil
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

type Status int

const (
	StatusFound Status = iota
	StatusTargetOutOfRange
	StatusStartBusOutOfRange
	StatusNoRoute
	StatusRemovedByLimitation
	StatusNotRequired
	StatusNoUsableBus
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusTargetOutOfRange:
		return "target out of range"
	case StatusStartBusOutOfRange:
		return "start bus out of range"
	case StatusNoRoute:
		return "no route"
	case StatusRemovedByLimitation:
		return "removed by routing limitation"
	case StatusNotRequired:
		return "routing not required"
	case StatusNoUsableBus:
		return "no usable bus"
	default:
		return "unknown"
	}
}

// NoBus is the outbound bus of a point that ends at the target.
const NoBus = -1

// RoutePoint is one routing node on a route.
type RoutePoint struct {
	Node int

	InBus       int
	InMedium    Medium
	InInterface uint8
	InNodeID    uint8

	OutBus       int
	OutMedium    Medium
	OutInterface uint8
	OutNodeID    uint8
}

// CANToEthernet reports the hop openSYDE routers cannot forward.
func (p RoutePoint) CANToEthernet() bool {
	return p.InMedium == MediumCAN && p.OutMedium == MediumEthernet
}

// IsEthernet reports whether the hop forwards onto an Ethernet bus. Only the
// outbound side counts: every routed candidate from an Ethernet start bus
// enters its first router over Ethernet.
func (p RoutePoint) IsEthernet() bool {
	return p.OutMedium == MediumEthernet
}

// Route leads to Target through Points, ordered from the client outward. An
// empty route means the target sits on the start bus.
type Route struct {
	Target int
	Points []RoutePoint
}

func (r Route) Hops() int { return len(r.Points) }

func (r Route) IsDirect() bool { return len(r.Points) == 0 }

func (r Route) HasEthernetHop() bool {
	return slices.ContainsFunc(r.Points, RoutePoint.IsEthernet)
}

// LastBus returns the bus the target is reached on.
func (r Route) LastBus(startBus int) int {
	if len(r.Points) == 0 {
		return startBus
	}
	return r.Points[len(r.Points)-1].OutBus
}

// Calculation is the outcome of one route search.
type Calculation struct {
	routes []Route
	best   int
	status Status
}

func (c *Calculation) Status() Status { return c.status }

// Routes returns every candidate that survived the routing limitation,
// shortest first.
func (c *Calculation) Routes() []Route { return c.routes }

func (c *Calculation) BestRoute() (Route, bool) {
	if c.status != StatusFound {
		return Route{}, false
	}
	return c.routes[c.best], true
}

type search struct {
	topology *Topology
	active   []bool
	start    int
	target   int
	mode     Mode
}

// Calculate searches all routes from startBus to the target node. Nodes whose
// active flag is false never act as routers.
func Calculate(t *Topology, active []bool, startBus, target int, mode Mode) *Calculation {
	s := &search{topology: t, active: active, start: startBus, target: target, mode: mode}
	switch {
	case target < 0 || target >= len(t.Nodes):
		return &Calculation{status: StatusTargetOutOfRange}
	case startBus < 0 || startBus >= len(t.Buses):
		return &Calculation{status: StatusStartBusOutOfRange}
	}
	if st, ok := s.checkTarget(); !ok {
		return &Calculation{status: st}
	}

	candidates := s.chain(s.collectPoints())
	if len(candidates) == 0 {
		return &Calculation{status: StatusNoRoute}
	}
	routes := slices.DeleteFunc(candidates, func(r Route) bool {
		return slices.ContainsFunc(r.Points, RoutePoint.CANToEthernet)
	})
	if len(routes) == 0 {
		return &Calculation{status: StatusRemovedByLimitation}
	}
	slices.SortStableFunc(routes, func(a, b Route) int { return a.Hops() - b.Hops() })

	best := 0
	for i, r := range routes {
		if r.Hops() != routes[0].Hops() {
			break
		}
		if r.HasEthernetHop() {
			best = i
			break
		}
	}
	return &Calculation{routes: routes, best: best, status: StatusFound}
}

func (s *search) isActive(node int) bool {
	return node == s.target || node < len(s.active) && s.active[node]
}

// targetFunction reports whether itf offers the function the mode needs.
func (s *search) targetFunction(itf Interface) bool {
	switch s.mode {
	case ModeDiagnostic:
		return itf.DiagnosisEnabled
	case ModeUpdate:
		return itf.UpdateEnabled
	default:
		return true
	}
}

func (s *search) checkTarget() (Status, bool) {
	configured := false
	for _, itf := range s.topology.Nodes[s.target].Interfaces {
		if !s.targetFunction(itf) {
			continue
		}
		configured = true
		if itf.Connected && itf.Bus >= 0 && itf.Bus < len(s.topology.Buses) {
			return StatusFound, true
		}
	}
	if !configured {
		return StatusNotRequired, false
	}
	return StatusNoUsableBus, false
}

// collectPoints walks the buses breadth first and records every hop a
// routing node offers from the bus being processed to a bus not processed
// yet, plus the points where the target can be reached.
func (s *search) collectPoints() []RoutePoint {
	var (
		points     []RoutePoint
		processed  = map[int]bool{}
		discovered = map[int]bool{s.start: true}
		queue      = []int{s.start}
	)
	for len(queue) > 0 {
		bus := queue[0]
		queue = queue[1:]
		processed[bus] = true

		for ni, node := range s.topology.Nodes {
			if !s.isActive(ni) {
				continue
			}
			for _, in := range node.Interfaces {
				if !in.Connected || in.Bus != bus {
					continue
				}
				if ni == s.target {
					if s.targetFunction(in) {
						points = appendUnique(points, RoutePoint{
							Node: ni, InBus: bus, InMedium: in.Medium, InInterface: in.Number, InNodeID: in.NodeID,
							OutBus: NoBus,
						})
					}
					continue
				}
				if !in.RoutingEnabled {
					continue
				}
				for _, out := range node.Interfaces {
					if !out.Connected || !out.RoutingEnabled || out.Bus == bus || processed[out.Bus] {
						continue
					}
					if out.Medium == in.Medium && out.Number == in.Number {
						continue
					}
					points = appendUnique(points, RoutePoint{
						Node: ni, InBus: bus, InMedium: in.Medium, InInterface: in.Number, InNodeID: in.NodeID,
						OutBus: out.Bus, OutMedium: out.Medium, OutInterface: out.Number, OutNodeID: out.NodeID,
					})
					if !discovered[out.Bus] {
						discovered[out.Bus] = true
						queue = append(queue, out.Bus)
					}
				}
			}
		}
	}
	return points
}

func appendUnique(points []RoutePoint, p RoutePoint) []RoutePoint {
	if slices.Contains(points, p) {
		return points
	}
	return append(points, p)
}

type partialRoute struct {
	bus    int
	points []RoutePoint
}

func (p partialRoute) visits(node int) bool {
	return slices.ContainsFunc(p.points, func(rp RoutePoint) bool { return rp.Node == node })
}

// chain assembles complete routes from the collected points with an explicit
// worklist. The terminal point at the target is not part of a route.
func (s *search) chain(points []RoutePoint) []Route {
	var routes []Route
	open := []partialRoute{{bus: s.start}}
	for len(open) > 0 {
		pr := open[len(open)-1]
		open = open[:len(open)-1]
		for _, pt := range points {
			if pt.InBus != pr.bus || pt.Node == s.target && pt.OutBus != NoBus || pr.visits(pt.Node) {
				continue
			}
			if pt.Node == s.target {
				r := Route{Target: s.target, Points: slices.Clone(pr.points)}
				if !slices.ContainsFunc(routes, func(o Route) bool { return slices.Equal(o.Points, r.Points) }) {
					routes = append(routes, r)
				}
				continue
			}
			next := partialRoute{bus: pt.OutBus, points: append(slices.Clone(pr.points), pt)}
			open = append(open, next)
		}
	}
	return routes
}
