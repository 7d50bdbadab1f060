package cantp

import (
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/metrics"
	"github.com/LoveWonYoung/osycomm/tp"
)

// Broadcast request and response layouts.
const (
	sidReadDataByIdentifier    = 0x22
	sidRoutineControl          = 0x31
	sidEcuReset                = 0x11
	sidDiagnosticSession       = 0x10
	sidNegativeResponse        = 0x7F
	positiveResponseOffset     = 0x40
	suppressPositiveResponse   = 0x80
	routineStart               = 0x01
	didSerialNumber            = 0xF18C
	didSerialNumberExtended    = 0xF18D
	routineRequestProgramming  = 0x0206
	routineSetNodeID           = 0x0207
	routineSetNodeIDExtended   = 0x0208
	sessionDefault             = 0x01
	sessionPreProgramming      = 0x60
	serialNumberExtendedHeader = 4 // sub node, security flag, format, length
)

// ExtendedInfo holds the fields only extended serial number responses carry.
type ExtendedInfo struct {
	SubNodeID         uint8
	SecurityActivated bool
}

// SerialNumberResult is one answer to a serial number broadcast.
type SerialNumberResult struct {
	NodeID       tp.NodeID
	SerialNumber tp.SerialNumber
	Extended     *ExtendedInfo
}

func compareSerialNumberResults(a, b SerialNumberResult) int {
	if c := a.NodeID.Compare(b.NodeID); c != 0 {
		return c
	}
	if c := a.SerialNumber.Compare(b.SerialNumber); c != 0 {
		return c
	}
	var sa, sb uint8
	if a.Extended != nil {
		sa = a.Extended.SubNodeID
	}
	if b.Extended != nil {
		sb = b.Extended.SubNodeID
	}
	return int(sa) - int(sb)
}

// RequestProgrammingResult is one answer to a request programming broadcast.
type RequestProgrammingResult struct {
	NodeID   tp.NodeID
	Accepted bool
	// Code is the negative response code when Accepted is false.
	Code byte
}

func (p *Protocol) SetBroadcastTimeout(d time.Duration) {
	p.cfg.BroadcastTimeout = d
}

func (p *Protocol) broadcastTarget() tp.NodeID {
	return tp.NodeID{Bus: p.client.Bus, Node: tp.BroadcastNodeID}
}

// sendBroadcast transmits a request to all nodes. Multi-frame requests never
// wait for flow control.
func (p *Protocol) sendBroadcast(request []byte) error {
	if p.dispatcher == nil {
		return errors.Wrap(tp.ErrNotConfigured, "no CAN dispatcher")
	}
	if len(request) <= maxSingleFrameData {
		return p.sendFrameTo(p.broadcastTarget(), craftSingleFrameData(request))
	}
	for _, frame := range craftMultiFrameNoFC(request) {
		if err := p.sendFrameTo(p.broadcastTarget(), frame); err != nil {
			return err
		}
	}
	return nil
}

// collect sends request and hands every complete response to handle until
// the broadcast window closes. Responders interleave, so 0xE reassembly is
// kept per source node.
func (p *Protocol) collect(request []byte, handle func(source tp.NodeID, data []byte)) error {
	if p.dispatcher == nil {
		return errors.Wrap(tp.ErrNotConfigured, "no CAN dispatcher")
	}
	if err := p.dispatcher.ClearQueue(p.handle); err != nil {
		return errors.Wrap(err, "clear CAN dispatcher queue")
	}
	if err := p.sendBroadcast(request); err != nil {
		return err
	}

	pending := make(map[tp.NodeID]*reassembly)
	timer := tp.NewTimer(p.clock, p.cfg.BroadcastTimeout)
	timer.Start()
	for {
		for {
			f, err := p.dispatcher.ReadFromQueue(p.handle)
			if errors.Is(err, tp.ErrNoData) {
				break
			}
			if err != nil {
				return errors.Wrap(err, "read CAN dispatcher queue")
			}
			source, target, ok := ParseArbitrationID(f.ID)
			if !f.IsExtended || !ok || target != p.client {
				continue
			}
			metrics.CANFrames.WithLabelValues(metrics.DirRx).Inc()
			pdu, err := ParsePDU(f)
			if err != nil {
				p.logger.Debug("drop broadcast response frame", zap.Stringer("source", source), zap.Error(err))
				continue
			}
			switch pdu.Type {
			case PDUSingleFrame, PDUOsySingleFrame:
				delete(pending, source)
				handle(source, pdu.Data)
			case PDUMultiFrameNoFC:
				if pdu.SeqNum == 0 {
					r := newReassembly(pdu.Length, pdu.Data, true, time.Time{})
					if r.index >= len(r.buf) {
						delete(pending, source)
						handle(source, r.buf)
					} else {
						pending[source] = r
					}
					continue
				}
				r, ok := pending[source]
				if !ok {
					continue
				}
				done, err := r.add(pdu.SeqNum, pdu.Data)
				if err != nil {
					p.logger.Debug("drop broadcast response", zap.Stringer("source", source), zap.Error(err))
					delete(pending, source)
					continue
				}
				if done {
					delete(pending, source)
					handle(source, r.buf)
				}
			default:
				p.logger.Debug("unexpected broadcast response frame", zap.Stringer("source", source), zap.String("type", pdu.Name()))
			}
		}
		if timer.IsTimedOut() {
			break
		}
		p.clock.Sleep(p.cfg.BroadcastPollInterval)
	}
	for source, r := range pending {
		p.logger.Debug("incomplete broadcast response", zap.Stringer("source", source),
			zap.Int("received", r.index), zap.Int("expected", len(r.buf)))
	}
	return nil
}

func isPositive(data []byte, sid byte, prefix ...byte) bool {
	if len(data) < 1+len(prefix) || data[0] != sid+positiveResponseOffset {
		return false
	}
	for i, b := range prefix {
		if data[1+i] != b {
			return false
		}
	}
	return true
}

func negativeCode(data []byte, sid byte) (byte, bool) {
	if len(data) >= 3 && data[0] == sidNegativeResponse && data[1] == sid {
		return data[2], true
	}
	return 0, false
}

func dedupSerialNumberResults(results []SerialNumberResult) []SerialNumberResult {
	slices.SortFunc(results, compareSerialNumberResults)
	return slices.CompactFunc(results, func(a, b SerialNumberResult) bool {
		return compareSerialNumberResults(a, b) == 0
	})
}

// BroadcastReadSerialNumber returns the POS serial number of every responding
// node.
func (p *Protocol) BroadcastReadSerialNumber() ([]SerialNumberResult, error) {
	var results []SerialNumberResult
	request := []byte{sidReadDataByIdentifier, didSerialNumber >> 8, didSerialNumber & 0xFF}
	err := p.collect(request, func(source tp.NodeID, data []byte) {
		if !isPositive(data, sidReadDataByIdentifier, request[1], request[2]) || len(data) != 3+tp.POSSerialNumberSize {
			p.logger.Debug("ignore serial number response", zap.Stringer("source", source), zap.Binary("data", data))
			return
		}
		var raw [tp.POSSerialNumberSize]byte
		copy(raw[:], data[3:])
		results = append(results, SerialNumberResult{NodeID: source, SerialNumber: tp.NewPOSSerialNumber(raw)})
	})
	if err != nil {
		return nil, err
	}
	return dedupSerialNumberResults(results), nil
}

// BroadcastReadSerialNumberExtended also reports sub node ids and the
// security state of every responding node.
func (p *Protocol) BroadcastReadSerialNumberExtended() ([]SerialNumberResult, error) {
	var results []SerialNumberResult
	request := []byte{sidReadDataByIdentifier, didSerialNumberExtended >> 8, didSerialNumberExtended & 0xFF}
	err := p.collect(request, func(source tp.NodeID, data []byte) {
		r, err := parseExtendedSerialNumberResponse(source, data)
		if err != nil {
			p.logger.Debug("ignore extended serial number response", zap.Stringer("source", source), zap.Error(err))
			return
		}
		results = append(results, r)
	})
	if err != nil {
		return nil, err
	}
	return dedupSerialNumberResults(results), nil
}

func parseExtendedSerialNumberResponse(source tp.NodeID, data []byte) (SerialNumberResult, error) {
	if !isPositive(data, sidReadDataByIdentifier, didSerialNumberExtended>>8, didSerialNumberExtended&0xFF) {
		return SerialNumberResult{}, errors.Wrap(tp.ErrMalformed, "not a positive extended serial number response")
	}
	body := data[3:]
	if len(body) < serialNumberExtendedHeader {
		return SerialNumberResult{}, errors.Wrapf(tp.ErrMalformed, "response too short (%d bytes)", len(data))
	}
	n := int(body[3])
	if len(body) != serialNumberExtendedHeader+n {
		return SerialNumberResult{}, errors.Wrapf(tp.ErrMalformed, "serial number length %d with %d bytes left", n, len(body)-serialNumberExtendedHeader)
	}
	sn, err := tp.NewExtendedSerialNumber(body[2], body[serialNumberExtendedHeader:])
	if err != nil {
		return SerialNumberResult{}, err
	}
	return SerialNumberResult{
		NodeID:       source,
		SerialNumber: sn,
		Extended:     &ExtendedInfo{SubNodeID: body[0], SecurityActivated: body[1] != 0},
	}, nil
}

// BroadcastRequestProgramming asks every node to prepare for flashing and
// reports which ones accepted.
func (p *Protocol) BroadcastRequestProgramming() ([]RequestProgrammingResult, error) {
	var results []RequestProgrammingResult
	request := routineRequest(routineRequestProgramming)
	err := p.collect(request, func(source tp.NodeID, data []byte) {
		if isPositive(data, sidRoutineControl, request[1:]...) {
			results = append(results, RequestProgrammingResult{NodeID: source, Accepted: true})
			return
		}
		if code, ok := negativeCode(data, sidRoutineControl); ok {
			results = append(results, RequestProgrammingResult{NodeID: source, Code: code})
			return
		}
		p.logger.Debug("ignore request programming response", zap.Stringer("source", source), zap.Binary("data", data))
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(results, func(a, b RequestProgrammingResult) int { return a.NodeID.Compare(b.NodeID) })
	return slices.CompactFunc(results, func(a, b RequestProgrammingResult) bool { return a.NodeID == b.NodeID }), nil
}

// BroadcastSetNodeIDBySerialNumber assigns newID to the node owning the POS
// serial number sn.
func (p *Protocol) BroadcastSetNodeIDBySerialNumber(sn tp.SerialNumber, newID tp.NodeID) error {
	raw := sn.Bytes()
	if sn.Extended || len(raw) != tp.POSSerialNumberSize {
		return errors.Wrap(tp.ErrOutOfRange, "standard set node id needs a 6 byte POS serial number")
	}
	request := routineRequest(routineSetNodeID)
	request = append(request, raw...)
	request = append(request, newID.Bus, newID.Node)
	return p.setNodeID(request, newID)
}

// BroadcastSetNodeIDBySerialNumberExtended addresses one sub node of the
// device owning sn.
func (p *Protocol) BroadcastSetNodeIDBySerialNumberExtended(sn tp.SerialNumber, subNodeID uint8, newID tp.NodeID) error {
	raw := sn.Bytes()
	if len(raw) == 0 || len(raw) > tp.MaxExtendedSerialNumberSize {
		return errors.Wrapf(tp.ErrOutOfRange, "serial number length %d", len(raw))
	}
	request := routineRequest(routineSetNodeIDExtended)
	request = append(request, subNodeID, sn.ManufacturerFormat, byte(len(raw)))
	request = append(request, raw...)
	request = append(request, newID.Bus, newID.Node)
	return p.setNodeID(request, newID)
}

func (p *Protocol) setNodeID(request []byte, newID tp.NodeID) error {
	if !newID.Valid() || newID.IsBroadcast() {
		return errors.Wrapf(tp.ErrOutOfRange, "node id %s", newID)
	}
	var (
		accepted bool
		refusal  error
	)
	err := p.collect(request, func(source tp.NodeID, data []byte) {
		if isPositive(data, sidRoutineControl, request[1:4]...) {
			accepted = true
			return
		}
		if code, ok := negativeCode(data, sidRoutineControl); ok {
			refusal = tp.NewErrorResponse(sidRoutineControl, code)
			return
		}
		p.logger.Debug("ignore set node id response", zap.Stringer("source", source), zap.Binary("data", data))
	})
	switch {
	case err != nil:
		return err
	case accepted:
		return nil
	case refusal != nil:
		return refusal
	default:
		return errors.Wrapf(tp.ErrTimeout, "no node confirmed node id %s", newID)
	}
}

// BroadcastEcuReset restarts every node. Positive responses are suppressed.
func (p *Protocol) BroadcastEcuReset(resetType byte) error {
	return p.sendBroadcast([]byte{sidEcuReset, resetType | suppressPositiveResponse})
}

// BroadcastEnterPreProgrammingSession returns the nodes that confirmed the
// session change.
func (p *Protocol) BroadcastEnterPreProgrammingSession() ([]tp.NodeID, error) {
	return p.broadcastSession(sessionPreProgramming)
}

func (p *Protocol) BroadcastEnterDefaultSession() ([]tp.NodeID, error) {
	return p.broadcastSession(sessionDefault)
}

func (p *Protocol) broadcastSession(session byte) ([]tp.NodeID, error) {
	var nodes []tp.NodeID
	err := p.collect([]byte{sidDiagnosticSession, session}, func(source tp.NodeID, data []byte) {
		if isPositive(data, sidDiagnosticSession, session) {
			nodes = append(nodes, source)
			return
		}
		p.logger.Debug("session change not confirmed", zap.Stringer("source", source), zap.Binary("data", data))
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(nodes, tp.NodeID.Compare)
	return slices.Compact(nodes), nil
}

func routineRequest(id uint16) []byte {
	return []byte{sidRoutineControl, routineStart, byte(id >> 8), byte(id)}
}
