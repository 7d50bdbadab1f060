// Package iptp implements the IP transport protocol: a DoIP-like generic
// header over TCP for point-to-point services and UDP broadcast services for
// device discovery and network configuration.
package iptp

import (
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/metrics"
	"github.com/LoveWonYoung/osycomm/tp"
)

// NoHandle marks a protocol that only uses the UDP side of its dispatcher.
const NoHandle = -1

// Datagram is one received UDP message.
type Datagram struct {
	Data []byte
	// Remote is the sender, Local the interface address that received it.
	Remote netip.Addr
	Local  netip.Addr
}

// Dispatcher is the IP side a Protocol talks through. All calls are
// non-blocking; reads report tp.ErrNoData when nothing is available.
type Dispatcher interface {
	InitTCP(ip netip.Addr) (int, error)
	IsTCPConnected(handle int) bool
	ReconnectTCP(handle int) error
	CloseTCP(handle int) error
	SendTCP(handle int, data []byte) error
	// ReadTCP fills buf completely or consumes nothing.
	ReadTCP(handle int, buf []byte) error
	ClearTCPQueue(handle int) error

	InitUDP() error
	CloseUDP() error
	SendUDP(data []byte) error
	ReadUDP() (Datagram, error)
}

type Config struct {
	// MaxPayloadSize bounds plausible incoming TCP payloads.
	MaxPayloadSize        uint32
	BroadcastTimeout      time.Duration
	BroadcastPollInterval time.Duration
	QueueCapacity         int
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadSize:        4200,
		BroadcastTimeout:      1000 * time.Millisecond,
		BroadcastPollInterval: time.Millisecond,
		QueueCapacity:         tp.DefaultQueueCapacity,
	}
}

func (c *Config) Validate() error {
	if c.MaxPayloadSize < tp.MaxServiceSize+4 {
		return errors.Wrapf(tp.ErrOutOfRange, "max payload size %d below %d", c.MaxPayloadSize, tp.MaxServiceSize+4)
	}
	if c.BroadcastTimeout < 0 {
		return errors.Wrap(tp.ErrOutOfRange, "broadcast timeout must not be negative")
	}
	if c.BroadcastPollInterval <= 0 {
		return errors.Wrap(tp.ErrOutOfRange, "broadcast poll interval must be positive")
	}
	return nil
}

type rxStatus int

const (
	rxIdle rxStatus = iota
	rxPartial
)

// Protocol is one IP transport protocol instance. It is not safe for
// concurrent use; only its service queues are shared.
type Protocol struct {
	cfg    Config
	clock  tp.Clock
	logger *zap.Logger

	dispatcher Dispatcher
	handle     int

	client tp.NodeID
	server tp.NodeID

	txQueue *tp.ServiceQueue
	rxQueue *tp.ServiceQueue

	rx       rxStatus
	rxHeader Header
}

func New(cfg Config, clock tp.Clock, logger *zap.Logger) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = tp.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Protocol{
		cfg:     cfg,
		clock:   clock,
		logger:  logger.Named("iptp"),
		handle:  NoHandle,
		txQueue: tp.NewServiceQueue(cfg.QueueCapacity),
		rxQueue: tp.NewServiceQueue(cfg.QueueCapacity),
	}, nil
}

// SetDispatcher binds the protocol to d and the TCP handle (NoHandle for a
// broadcast-only instance). A nil d detaches.
func (p *Protocol) SetDispatcher(d Dispatcher, handle int) {
	p.dispatcher = d
	p.handle = handle
	if d == nil {
		p.handle = NoHandle
	}
	p.rx = rxIdle
}

func (p *Protocol) Handle() int { return p.handle }

func (p *Protocol) SetNodeIdentifiers(client, server tp.NodeID) error {
	if !client.Valid() || !server.Valid() {
		return errors.Wrapf(tp.ErrOutOfRange, "node identifiers %s -> %s", client, server)
	}
	p.client = client
	p.server = server
	return nil
}

func (p *Protocol) NodeIdentifiers() (client, server tp.NodeID) {
	return p.client, p.server
}

func (p *Protocol) SendRequest(s tp.Service) error {
	return p.txQueue.Push(s)
}

func (p *Protocol) ReadResponse() (tp.Service, error) {
	return p.rxQueue.Pop()
}

func (p *Protocol) ClearServiceQueues() {
	p.txQueue.Clear()
	p.rxQueue.Clear()
}

func (p *Protocol) tcp() error {
	if p.dispatcher == nil || p.handle == NoHandle {
		return errors.Wrap(tp.ErrNotConfigured, "no TCP dispatcher handle")
	}
	return nil
}

// ClearDispatcherQueue drops all bytes already received on the connection.
func (p *Protocol) ClearDispatcherQueue() error {
	if err := p.tcp(); err != nil {
		return err
	}
	p.rx = rxIdle
	return p.dispatcher.ClearTCPQueue(p.handle)
}

func (p *Protocol) IsConnected() bool {
	return p.tcp() == nil && p.dispatcher.IsTCPConnected(p.handle)
}

func (p *Protocol) Reconnect() error {
	if err := p.tcp(); err != nil {
		return err
	}
	p.rx = rxIdle
	if err := p.dispatcher.ReconnectTCP(p.handle); err != nil {
		return errors.Wrapf(err, "reconnect to %s", p.server)
	}
	return nil
}

func (p *Protocol) Disconnect() error {
	if err := p.tcp(); err != nil {
		return err
	}
	p.rx = rxIdle
	return p.dispatcher.CloseTCP(p.handle)
}

// Cycle reads every complete message available and sends all queued services.
func (p *Protocol) Cycle() error {
	if err := p.tcp(); err != nil {
		return err
	}
	if !p.dispatcher.IsTCPConnected(p.handle) {
		return errors.Wrapf(tp.ErrNotConnected, "connection to %s", p.server)
	}
	if err := p.handleRx(); err != nil {
		return err
	}
	return p.handleTx()
}

func (p *Protocol) handleRx() error {
	for {
		switch p.rx {
		case rxIdle:
			buf := make([]byte, HeaderSize)
			if err := p.read(buf); err != nil {
				return ignoreNoData(err)
			}
			h, err := DecodeHeader(buf)
			if err != nil {
				p.logger.Warn("drop invalid header", zap.Binary("header", buf), zap.Error(err))
				continue
			}
			if h.PayloadSize >= p.cfg.MaxPayloadSize {
				p.logger.Warn("drop implausible payload size", zap.Uint16("type", h.PayloadType), zap.Uint32("size", h.PayloadSize))
				continue
			}
			p.rxHeader = h
			p.rx = rxPartial

		case rxPartial:
			body := make([]byte, p.rxHeader.PayloadSize)
			if len(body) > 0 {
				if err := p.read(body); err != nil {
					return ignoreNoData(err)
				}
			}
			p.rx = rxIdle
			metrics.IPMessages.WithLabelValues(metrics.DirRx).Inc()
			p.handleMessage(p.rxHeader, body)
		}
	}
}

func (p *Protocol) read(buf []byte) error {
	if err := p.dispatcher.ReadTCP(p.handle, buf); err != nil {
		if errors.Is(err, tp.ErrNoData) {
			return err
		}
		return errors.Wrapf(err, "read from %s", p.server)
	}
	return nil
}

func ignoreNoData(err error) error {
	if errors.Is(err, tp.ErrNoData) {
		return nil
	}
	return err
}

func (p *Protocol) handleMessage(h Header, body []byte) {
	if h.PayloadType != PayloadDiagnosticMessage {
		p.logger.Debug("drop message", zap.Uint16("type", h.PayloadType), zap.Int("size", len(body)))
		return
	}
	if len(body) < 4 {
		p.logger.Warn("drop diagnostic message without addresses", zap.Int("size", len(body)))
		return
	}
	source := binary.BigEndian.Uint16(body[0:2])
	if source != Address(p.server) {
		p.logger.Warn("drop diagnostic message from foreign node",
			zap.Stringer("from", NodeIDFromAddress(source)), zap.Stringer("server", p.server))
		return
	}
	if err := p.rxQueue.Push(tp.Service{Data: append([]byte{}, body[4:]...)}); err != nil {
		p.logger.Warn("drop received service", zap.Int("len", len(body)-4), zap.Error(err))
	}
}

func (p *Protocol) handleTx() error {
	for {
		s, err := p.txQueue.Pop()
		if err != nil {
			return nil
		}
		payloadType := PayloadDiagnosticMessage
		if s.CanTransferWithoutFlowControl {
			payloadType = PayloadDiagnosticMessageNoFC
		}
		payload := make([]byte, 4, 4+len(s.Data))
		binary.BigEndian.PutUint16(payload[0:2], Address(p.client))
		binary.BigEndian.PutUint16(payload[2:4], Address(p.server))
		payload = append(payload, s.Data...)
		if err := p.dispatcher.SendTCP(p.handle, ComposeMessage(payloadType, payload)); err != nil {
			return errors.Wrapf(err, "send to %s", p.server)
		}
		metrics.IPMessages.WithLabelValues(metrics.DirTx).Inc()
	}
}
