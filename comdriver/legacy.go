package comdriver

import (
	"github.com/LoveWonYoung/osycomm/tp"
)

// legacyRouter tunnels raw CAN traffic through the last router for a target
// that does not speak the node protocol.
type legacyRouter struct {
	service ProtocolService
	router  tp.NodeID
	channel uint8
	open    bool
}

func (l *legacyRouter) CANInit() error {
	if err := l.service.StartLegacyRouting(l.channel); err != nil {
		return err
	}
	l.open = true
	return nil
}

func (l *legacyRouter) CANExit() error {
	if !l.open {
		return nil
	}
	l.open = false
	return l.service.StopLegacyRouting(l.channel)
}
