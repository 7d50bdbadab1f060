package comdriver

import (
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/cantp"
	"github.com/LoveWonYoung/osycomm/iptp"
	"github.com/LoveWonYoung/osycomm/tp"
)

type TransportKind int

const (
	TransportNone TransportKind = iota
	TransportCAN
	TransportIP
)

func (k TransportKind) String() string {
	switch k {
	case TransportCAN:
		return "can"
	case TransportIP:
		return "ip"
	default:
		return "none"
	}
}

// Transport is the transport of one node: exactly one of the CAN and IP
// protocols, selected by Kind.
type Transport struct {
	kind TransportKind
	can  *cantp.Protocol
	ip   *iptp.Protocol
}

func CANTransport(p *cantp.Protocol) Transport { return Transport{kind: TransportCAN, can: p} }

func IPTransport(p *iptp.Protocol) Transport { return Transport{kind: TransportIP, ip: p} }

func (t Transport) Kind() TransportKind { return t.kind }

// CAN returns the CAN protocol, or nil for other kinds.
func (t Transport) CAN() *cantp.Protocol { return t.can }

// IP returns the IP protocol, or nil for other kinds.
func (t Transport) IP() *iptp.Protocol { return t.ip }

func (t Transport) Protocol() tp.Protocol {
	switch t.kind {
	case TransportCAN:
		return t.can
	case TransportIP:
		return t.ip
	default:
		return nil
	}
}

func (t Transport) detach(logger *zap.Logger) {
	switch t.kind {
	case TransportCAN:
		if err := t.can.SetDispatcher(nil); err != nil {
			logger.Warn("detach CAN transport", zap.Error(err))
		}
	case TransportIP:
		t.ip.SetDispatcher(nil, iptp.NoHandle)
	}
}
