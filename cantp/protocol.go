// Package cantp implements the openSYDE CAN transport protocol: ISO 15765-2
// segmentation with flow control, extended by transfers without flow control
// (PCI 0xE), event-driven single frames (PCI 0xF1) and broadcast services.
//
// The protocol is polled: Cycle processes received frames first and then
// advances the transmit state machine by at most one service.
package cantp

import (
	"time"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/driver"
	"github.com/LoveWonYoung/osycomm/metrics"
	"github.com/LoveWonYoung/osycomm/tp"
)

// Dispatcher is the CAN side a Protocol talks through; *driver.Dispatcher
// implements it.
type Dispatcher interface {
	RegisterClient() (int, error)
	RemoveClient(handle int) error
	SetRxFilter(handle int, f driver.Filter) error
	ReadFromQueue(handle int) (can.Frame, error)
	ClearQueue(handle int) error
	Send(f can.Frame) error
}

type Status int

const (
	StatusIdle Status = iota
	StatusWaitingForFlowControl
	StatusMoreConsecutiveFramesToSend
	StatusWaitingForConsecutiveFrame
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusWaitingForFlowControl:
		return "waiting for flow control"
	case StatusMoreConsecutiveFramesToSend:
		return "sending consecutive frames"
	case StatusWaitingForConsecutiveFrame:
		return "waiting for consecutive frame"
	default:
		return "unknown"
	}
}

type txState struct {
	status     Status
	data       []byte
	index      int
	seq        int
	blockSize  int
	blockCount int
	stMin      time.Duration
	lastCF     time.Time
	deadline   time.Time
}

// reassembly collects the segments of one incoming service.
type reassembly struct {
	buf        []byte
	index      int
	seq        int
	noFC       bool
	blockCount int
	deadline   time.Time
}

func newReassembly(length int, first []byte, noFC bool, deadline time.Time) *reassembly {
	r := &reassembly{buf: make([]byte, length), seq: 1, noFC: noFC, deadline: deadline}
	r.index = copy(r.buf, first)
	return r
}

// add appends one segment. It returns true once the service is complete.
func (r *reassembly) add(seq int, data []byte) (bool, error) {
	if seq != r.seq {
		return false, errors.Wrapf(tp.ErrMalformed, "sequence number %d, expected %d", seq, r.seq)
	}
	r.index += copy(r.buf[r.index:], data)
	r.seq = nextSeqNum(r.seq)
	return r.index >= len(r.buf), nil
}

// Protocol is one CAN transport protocol instance bound to a (client, server)
// node pair. It is not safe for concurrent use.
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

	tx txState
	rx *reassembly
}

// New returns a protocol instance. A nil clock uses the system clock and a nil
// logger discards output.
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
		logger:  logger.Named("cantp"),
		txQueue: tp.NewServiceQueue(cfg.QueueCapacity),
		rxQueue: tp.NewServiceQueue(cfg.QueueCapacity),
	}, nil
}

// SetDispatcher detaches from the previous dispatcher (if any) and registers
// with d. A nil d only detaches.
func (p *Protocol) SetDispatcher(d Dispatcher) error {
	if p.dispatcher != nil {
		if err := p.dispatcher.RemoveClient(p.handle); err != nil {
			p.logger.Warn("remove dispatcher client", zap.Error(err))
		}
		p.dispatcher = nil
	}
	if d == nil {
		return nil
	}
	h, err := d.RegisterClient()
	if err != nil {
		return errors.Wrap(err, "register CAN dispatcher client")
	}
	p.dispatcher = d
	p.handle = h
	return p.installFilter()
}

func (p *Protocol) installFilter() error {
	if p.dispatcher == nil {
		return nil
	}
	return p.dispatcher.SetRxFilter(p.handle, RxFilter(p.client))
}

func (p *Protocol) SetNodeIdentifiers(client, server tp.NodeID) error {
	if !client.Valid() || client.IsBroadcast() {
		return errors.Wrapf(tp.ErrOutOfRange, "client node %s", client)
	}
	if client.Bus > tp.MaxBusID || server.Bus > tp.MaxBusID || server.Node > tp.BroadcastNodeID {
		return errors.Wrapf(tp.ErrOutOfRange, "server node %s", server)
	}
	p.client = client
	p.server = server
	p.resetTx()
	p.rx = nil
	return p.installFilter()
}

func (p *Protocol) NodeIdentifiers() (client, server tp.NodeID) {
	return p.client, p.server
}

// SendRequest queues a service for transmission.
func (p *Protocol) SendRequest(s tp.Service) error {
	return p.txQueue.Push(s)
}

// ReadResponse returns the oldest completely received service or tp.ErrNoData.
func (p *Protocol) ReadResponse() (tp.Service, error) {
	return p.rxQueue.Pop()
}

func (p *Protocol) ClearServiceQueues() {
	p.txQueue.Clear()
	p.rxQueue.Clear()
	p.resetTx()
	p.rx = nil
}

func (p *Protocol) ClearDispatcherQueue() error {
	if p.dispatcher == nil {
		return errors.Wrap(tp.ErrNotConfigured, "no CAN dispatcher")
	}
	return p.dispatcher.ClearQueue(p.handle)
}

// TxStatus and RxStatus expose the state machines, mostly for tests.
func (p *Protocol) TxStatus() Status { return p.tx.status }

func (p *Protocol) RxStatus() Status {
	if p.rx == nil {
		return StatusIdle
	}
	return StatusWaitingForConsecutiveFrame
}

// Cycle handles all pending received frames and then drives transmission.
func (p *Protocol) Cycle() error {
	if p.dispatcher == nil {
		return errors.Wrap(tp.ErrNotConfigured, "no CAN dispatcher")
	}
	if err := p.handleRx(); err != nil {
		return err
	}
	return p.handleTx()
}

func (p *Protocol) handleRx() error {
	for {
		f, err := p.dispatcher.ReadFromQueue(p.handle)
		if errors.Is(err, tp.ErrNoData) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "read CAN dispatcher queue")
		}
		source, target, ok := ParseArbitrationID(f.ID)
		if !f.IsExtended || !ok || target != p.client || source != p.server {
			continue
		}
		metrics.CANFrames.WithLabelValues(metrics.DirRx).Inc()
		pdu, err := ParsePDU(f)
		if err != nil {
			p.logger.Debug("drop frame", zap.Uint32("id", f.ID), zap.Error(err))
			continue
		}
		if err := p.handlePDU(pdu); err != nil {
			return err
		}
	}

	if p.rx != nil && !p.clock.Now().Before(p.rx.deadline) {
		p.logger.Warn("consecutive frame timeout, dropping partial service",
			zap.Stringer("server", p.server), zap.Int("received", p.rx.index), zap.Int("expected", len(p.rx.buf)))
		metrics.TransferTimeouts.WithLabelValues(metrics.TransportCAN).Inc()
		p.rx = nil
	}
	return nil
}

func (p *Protocol) handlePDU(pdu PDU) error {
	now := p.clock.Now()
	switch pdu.Type {
	case PDUSingleFrame:
		p.abortRx("single frame")
		p.deliver(pdu.Data)

	case PDUOsySingleFrame:
		if pdu.SubType != OsySingleFrameEventDriven {
			p.logger.Debug("drop unsupported event frame", zap.Int("subType", pdu.SubType))
			return nil
		}
		p.deliver(pdu.Data)

	case PDUFirstFrame:
		p.abortRx("first frame")
		p.rx = newReassembly(pdu.Length, pdu.Data, false, now.Add(p.cfg.ConsecutiveFrameTimeout))
		return p.sendFlowControl()

	case PDUMultiFrameNoFC:
		if pdu.SeqNum == 0 {
			p.abortRx("multi frame head")
			p.rx = newReassembly(pdu.Length, pdu.Data, true, now.Add(p.cfg.ConsecutiveFrameTimeout))
			if p.rx.index >= len(p.rx.buf) {
				p.complete()
			}
			return nil
		}
		p.continueRx(pdu, true)

	case PDUConsecutiveFrame:
		p.continueRx(pdu, false)
		if p.rx != nil && p.cfg.BlockSize > 0 {
			p.rx.blockCount++
			if p.rx.blockCount >= p.cfg.BlockSize {
				p.rx.blockCount = 0
				return p.sendFlowControl()
			}
		}

	case PDUFlowControl:
		p.handleFlowControl(pdu)
	}
	return nil
}

func (p *Protocol) continueRx(pdu PDU, noFC bool) {
	if p.rx == nil || p.rx.noFC != noFC {
		p.logger.Debug("unexpected segment", zap.String("type", pdu.Name()), zap.Int("seq", pdu.SeqNum))
		return
	}
	done, err := p.rx.add(pdu.SeqNum, pdu.Data)
	if err != nil {
		p.logger.Warn("abort reception", zap.Stringer("server", p.server), zap.Error(err))
		p.rx = nil
		return
	}
	if done {
		p.complete()
		return
	}
	p.rx.deadline = p.clock.Now().Add(p.cfg.ConsecutiveFrameTimeout)
}

func (p *Protocol) complete() {
	data := p.rx.buf
	p.rx = nil
	p.deliver(data)
}

func (p *Protocol) abortRx(reason string) {
	if p.rx != nil {
		p.logger.Warn("reception interrupted", zap.String("by", reason),
			zap.Int("received", p.rx.index), zap.Int("expected", len(p.rx.buf)))
		p.rx = nil
	}
}

func (p *Protocol) deliver(data []byte) {
	if err := p.rxQueue.Push(tp.Service{Data: data}); err != nil {
		p.logger.Warn("drop received service", zap.Int("len", len(data)), zap.Error(err))
	}
}

func (p *Protocol) sendFlowControl() error {
	return p.sendFrame(craftFlowControlData(FlowStatusContinueToSend, p.cfg.BlockSize, p.cfg.StMin))
}

func (p *Protocol) handleFlowControl(pdu PDU) {
	if p.tx.status != StatusWaitingForFlowControl {
		p.logger.Debug("unexpected flow control", zap.Stringer("tx", p.tx.status))
		return
	}
	switch pdu.FlowStatus {
	case FlowStatusContinueToSend:
		p.tx.status = StatusMoreConsecutiveFramesToSend
		p.tx.blockSize = pdu.BlockSize
		p.tx.blockCount = 0
		p.tx.stMin = pdu.StMin
		p.tx.lastCF = time.Time{}
	case FlowStatusWait:
		p.tx.deadline = p.clock.Now().Add(p.cfg.FlowControlTimeout)
	case FlowStatusOverflow:
		p.logger.Warn("receiver reported overflow, aborting transmission", zap.Int("len", len(p.tx.data)))
		p.resetTx()
	}
}

func (p *Protocol) handleTx() error {
	switch p.tx.status {
	case StatusIdle:
		s, err := p.txQueue.Pop()
		if err != nil {
			return nil
		}
		return p.startTransmission(s)

	case StatusWaitingForFlowControl:
		if !p.clock.Now().Before(p.tx.deadline) {
			p.logger.Warn("flow control timeout, aborting transmission",
				zap.Stringer("server", p.server), zap.Int("sent", p.tx.index), zap.Int("len", len(p.tx.data)))
			metrics.TransferTimeouts.WithLabelValues(metrics.TransportCAN).Inc()
			p.resetTx()
		}

	case StatusMoreConsecutiveFramesToSend:
		if err := p.sendConsecutiveFrames(); err != nil {
			p.resetTx()
			return err
		}
	}
	return nil
}

func (p *Protocol) startTransmission(s tp.Service) error {
	if len(s.Data) <= maxSingleFrameData {
		return p.sendFrame(craftSingleFrameData(s.Data))
	}
	if s.CanTransferWithoutFlowControl {
		for _, frame := range craftMultiFrameNoFC(s.Data) {
			if err := p.sendFrame(frame); err != nil {
				return err
			}
		}
		return nil
	}
	if err := p.sendFrame(craftFirstFrameData(s.Data)); err != nil {
		return err
	}
	p.tx = txState{
		status:   StatusWaitingForFlowControl,
		data:     s.Data,
		index:    firstFrameData,
		seq:      1,
		deadline: p.clock.Now().Add(p.cfg.FlowControlTimeout),
	}
	return nil
}

// sendConsecutiveFrames sends as many frames as STmin and the block size
// permit in this cycle.
func (p *Protocol) sendConsecutiveFrames() error {
	for p.tx.index < len(p.tx.data) {
		now := p.clock.Now()
		if p.tx.stMin > 0 && !p.tx.lastCF.IsZero() && now.Sub(p.tx.lastCF) < p.tx.stMin {
			return nil
		}
		end := min(len(p.tx.data), p.tx.index+consecutiveFrameData)
		if err := p.sendFrame(craftConsecutiveFrameData(p.tx.seq, p.tx.data[p.tx.index:end])); err != nil {
			return err
		}
		p.tx.index = end
		p.tx.seq = nextSeqNum(p.tx.seq)
		p.tx.lastCF = now
		p.tx.blockCount++

		if p.tx.index >= len(p.tx.data) {
			break
		}
		if p.tx.blockSize > 0 && p.tx.blockCount >= p.tx.blockSize {
			p.tx.status = StatusWaitingForFlowControl
			p.tx.blockCount = 0
			p.tx.deadline = now.Add(p.cfg.FlowControlTimeout)
			return nil
		}
		if p.tx.stMin > 0 {
			return nil
		}
	}
	p.resetTx()
	return nil
}

func (p *Protocol) resetTx() {
	p.tx = txState{status: StatusIdle}
}

func (p *Protocol) sendFrame(data []byte) error {
	return p.sendFrameTo(p.server, data)
}

func (p *Protocol) sendFrameTo(target tp.NodeID, data []byte) error {
	f := can.Frame{ID: ArbitrationID(p.client, target), IsExtended: true, Length: uint8(len(data))}
	copy(f.Data[:], data)
	if p.cfg.PaddingByte != nil {
		for i := len(data); i < 8; i++ {
			f.Data[i] = *p.cfg.PaddingByte
		}
		f.Length = 8
	}
	if err := p.dispatcher.Send(f); err != nil {
		return errors.Wrapf(err, "send frame to %s", target)
	}
	metrics.CANFrames.WithLabelValues(metrics.DirTx).Inc()
	return nil
}
