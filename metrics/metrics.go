// Package metrics holds the Prometheus collectors of the communication stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "osycomm"

var (
	CANFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "can_frames_total",
		Help:      "CAN transport protocol frames by direction.",
	}, []string{"dir"})

	IPMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ip_messages_total",
		Help:      "IP transport protocol messages by direction.",
	}, []string{"dir"})

	TransferTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_timeouts_total",
		Help:      "Segmented transfers aborted by timeout.",
	}, []string{"transport"})

	RoutingActivations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_activations_total",
		Help:      "Routing activations by result.",
	}, []string{"result"})
)

// Label values.
const (
	DirTx = "tx"
	DirRx = "rx"

	TransportCAN = "can"
	TransportIP  = "ip"

	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Register adds all collectors to reg. Registering twice returns the
// registry's AlreadyRegisteredError.
func Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{CANFrames, IPMessages, TransferTimeouts, RoutingActivations} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
