// Package routing calculates the routes from the bus the client sits on to a
// target node through intermediate routing nodes. It is a pure function of a
// read-only topology.
package routing

import (
	"net/netip"
	"strings"

	"github.com/pkg/errors"

	"github.com/LoveWonYoung/osycomm/tp"
)

type Medium int

const (
	MediumCAN Medium = iota
	MediumEthernet
)

func (m Medium) String() string {
	switch m {
	case MediumCAN:
		return "can"
	case MediumEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

func (m *Medium) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "can":
		*m = MediumCAN
	case "ethernet", "eth":
		*m = MediumEthernet
	default:
		return errors.Wrapf(tp.ErrOutOfRange, "unknown medium %q", text)
	}
	return nil
}

func (m Medium) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

type Bus struct {
	Name   string `mapstructure:"name"`
	Medium Medium `mapstructure:"medium"`
	BusID  uint8  `mapstructure:"bus_id"`
}

// Interface is one communication interface of a node.
type Interface struct {
	Medium    Medium `mapstructure:"medium"`
	Number    uint8  `mapstructure:"number"`
	Connected bool   `mapstructure:"connected"`
	// Bus indexes Topology.Buses and is only meaningful when Connected.
	Bus    int        `mapstructure:"bus"`
	NodeID uint8      `mapstructure:"node_id"`
	IP     netip.Addr `mapstructure:"ip"`

	DiagnosisEnabled bool `mapstructure:"diagnosis"`
	UpdateEnabled    bool `mapstructure:"update"`
	RoutingEnabled   bool `mapstructure:"routing"`
}

type Node struct {
	Name       string      `mapstructure:"name"`
	OpenSYDE   bool        `mapstructure:"opensyde"`
	Interfaces []Interface `mapstructure:"interfaces"`
}

// Topology is the system definition as far as routing is concerned.
type Topology struct {
	Buses []Bus  `mapstructure:"buses"`
	Nodes []Node `mapstructure:"nodes"`
}

// Validate checks that every connected interface refers to an existing bus
// of the same medium.
func (t *Topology) Validate() error {
	for ni, n := range t.Nodes {
		for _, itf := range n.Interfaces {
			if !itf.Connected {
				continue
			}
			if itf.Bus < 0 || itf.Bus >= len(t.Buses) {
				return errors.Wrapf(tp.ErrOutOfRange, "node %d (%s) interface %d: bus %d", ni, n.Name, itf.Number, itf.Bus)
			}
			if t.Buses[itf.Bus].Medium != itf.Medium {
				return errors.Wrapf(tp.ErrOutOfRange, "node %d (%s) interface %d: %s interface on %s bus",
					ni, n.Name, itf.Number, itf.Medium, t.Buses[itf.Bus].Medium)
			}
		}
	}
	return nil
}

// InterfacesOnBus returns the connected interfaces of node that sit on bus.
func (t *Topology) InterfacesOnBus(node, bus int) []Interface {
	if node < 0 || node >= len(t.Nodes) {
		return nil
	}
	var out []Interface
	for _, itf := range t.Nodes[node].Interfaces {
		if itf.Connected && itf.Bus == bus {
			out = append(out, itf)
		}
	}
	return out
}

// Interface returns the interface of node with the given medium and number.
func (t *Topology) Interface(node int, medium Medium, number uint8) (Interface, bool) {
	if node < 0 || node >= len(t.Nodes) {
		return Interface{}, false
	}
	for _, itf := range t.Nodes[node].Interfaces {
		if itf.Medium == medium && itf.Number == number {
			return itf, true
		}
	}
	return Interface{}, false
}
