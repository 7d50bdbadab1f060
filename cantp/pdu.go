package cantp

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.einride.tech/can"

	"github.com/LoveWonYoung/osycomm/tp"
)

// PDU represents a decoded protocol data unit extracted from a CAN frame.
type PDU struct {
	Type       int
	Length     int
	Data       []byte
	SeqNum     int
	FlowStatus int
	BlockSize  int
	StMin      time.Duration
	SubType    int
}

// PCI nibbles. 0x0..0x3 follow ISO 15765-2; 0xE and 0xF are openSYDE
// extensions for transfers without flow control and event-driven frames.
const (
	PDUSingleFrame = iota
	PDUFirstFrame
	PDUConsecutiveFrame
	PDUFlowControl
	PDUMultiFrameNoFC
	PDUOsySingleFrame
)

const (
	FlowStatusContinueToSend = iota
	FlowStatusWait
	FlowStatusOverflow
)

const (
	pciMultiFrameNoFC = 0xE
	pciOsySingleFrame = 0xF

	// OsySingleFrameEventDriven is the only 0xF sub type handled.
	OsySingleFrameEventDriven = 0x1

	maxSingleFrameData     = 7
	firstFrameData         = 6
	consecutiveFrameData   = 7
	multiFrameNoFCHeadData = 5

	maxSeqNum = 15
)

// ParsePDU decodes the payload of one CAN frame.
func ParsePDU(f can.Frame) (PDU, error) {
	data := f.Data[:f.Length]
	if len(data) == 0 {
		return PDU{}, errors.Wrap(tp.ErrMalformed, "empty CAN frame")
	}

	var p PDU
	switch data[0] >> 4 {
	case 0x0:
		p.Type = PDUSingleFrame
		p.Length = int(data[0] & 0x0F)
		if p.Length == 0 || p.Length > len(data)-1 {
			return PDU{}, errors.Wrapf(tp.ErrMalformed, "single frame length %d with %d payload bytes", p.Length, len(data)-1)
		}
		p.Data = data[1 : 1+p.Length]

	case 0x1:
		if len(data) < 8 {
			return PDU{}, errors.Wrapf(tp.ErrMalformed, "first frame with DLC %d", len(data))
		}
		p.Type = PDUFirstFrame
		p.Length = int(data[0]&0x0F)<<8 | int(data[1])
		if p.Length <= maxSingleFrameData {
			return PDU{}, errors.Wrapf(tp.ErrMalformed, "first frame announces only %d bytes", p.Length)
		}
		p.Data = data[2:8]

	case 0x2:
		p.Type = PDUConsecutiveFrame
		p.SeqNum = int(data[0] & 0x0F)
		p.Data = data[1:]

	case 0x3:
		if len(data) < 3 {
			return PDU{}, errors.Wrap(tp.ErrMalformed, "flow control frame must be at least 3 bytes")
		}
		p.Type = PDUFlowControl
		p.FlowStatus = int(data[0] & 0x0F)
		if p.FlowStatus > FlowStatusOverflow {
			return PDU{}, errors.Wrapf(tp.ErrMalformed, "unknown flow status %d", p.FlowStatus)
		}
		p.BlockSize = int(data[1])
		p.StMin = DecodeStMin(data[2])

	case pciMultiFrameNoFC:
		p.Type = PDUMultiFrameNoFC
		p.SeqNum = int(data[0] & 0x0F)
		if p.SeqNum == 0 {
			if len(data) < 3 {
				return PDU{}, errors.Wrap(tp.ErrMalformed, "multi frame head must be at least 3 bytes")
			}
			p.Length = int(data[1])<<8 | int(data[2])
			if p.Length == 0 || p.Length > tp.MaxServiceSize {
				return PDU{}, errors.Wrapf(tp.ErrMalformed, "multi frame head announces %d bytes", p.Length)
			}
			p.Data = data[3:]
		} else {
			p.Data = data[1:]
		}

	case pciOsySingleFrame:
		p.Type = PDUOsySingleFrame
		p.SubType = int(data[0] & 0x0F)
		p.Length = len(data) - 1
		p.Data = data[1:]

	default:
		return PDU{}, errors.Wrapf(tp.ErrMalformed, "unknown frame type 0x%X", data[0]>>4)
	}
	return p, nil
}

func (p PDU) Name() string {
	switch p.Type {
	case PDUSingleFrame:
		return "SINGLE_FRAME"
	case PDUFirstFrame:
		return "FIRST_FRAME"
	case PDUConsecutiveFrame:
		return "CONSECUTIVE_FRAME"
	case PDUFlowControl:
		return "FLOW_CONTROL"
	case PDUMultiFrameNoFC:
		return "MULTI_FRAME_NO_FC"
	case PDUOsySingleFrame:
		return fmt.Sprintf("OSY_SINGLE_FRAME(%d)", p.SubType)
	default:
		return "[None]"
	}
}

// DecodeStMin converts an STmin byte into a duration. Reserved values map to
// the maximum of 127 ms as ISO 15765-2 requires.
func DecodeStMin(v byte) time.Duration {
	switch {
	case v <= 0x7F:
		return time.Duration(v) * time.Millisecond
	case v >= 0xF1 && v <= 0xF9:
		return time.Duration(v-0xF0) * 100 * time.Microsecond
	default:
		return 0x7F * time.Millisecond
	}
}

func craftFlowControlData(flowStatus, blockSize, stMin int) []byte {
	return []byte{byte(0x30 | (flowStatus & 0xF)), byte(blockSize & 0xFF), byte(stMin & 0xFF)}
}

func craftSingleFrameData(payload []byte) []byte {
	return append([]byte{byte(len(payload))}, payload...)
}

func craftFirstFrameData(payload []byte) []byte {
	n := len(payload)
	return append([]byte{0x10 | byte(n>>8&0x0F), byte(n)}, payload[:firstFrameData]...)
}

func craftConsecutiveFrameData(seq int, chunk []byte) []byte {
	return append([]byte{0x20 | byte(seq&0x0F)}, chunk...)
}

// craftMultiFrameNoFC splits a payload into 0xE frames. The head frame carries
// the 16 bit length and 5 data bytes, the following ones 7 data bytes each.
func craftMultiFrameNoFC(payload []byte) [][]byte {
	n := len(payload)
	head := min(n, multiFrameNoFCHeadData)
	frames := [][]byte{append([]byte{pciMultiFrameNoFC << 4, byte(n >> 8), byte(n)}, payload[:head]...)}
	seq := 1
	for i := head; i < n; i += consecutiveFrameData {
		end := min(n, i+consecutiveFrameData)
		frames = append(frames, append([]byte{pciMultiFrameNoFC<<4 | byte(seq)}, payload[i:end]...))
		seq = nextSeqNum(seq)
	}
	return frames
}

// nextSeqNum counts 1..15 and wraps to 1; 0 only ever marks the first frame.
func nextSeqNum(seq int) int {
	if seq >= maxSeqNum {
		return 1
	}
	return seq + 1
}
