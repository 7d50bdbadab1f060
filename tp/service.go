package tp

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// MaxServiceSize is the largest payload a single service may carry. It is
// bounded by the 12-bit length field of the CAN first frame.
const MaxServiceSize = 4095

// Service is one opaque request or response payload.
type Service struct {
	Data []byte
	// CanTransferWithoutFlowControl lets a multi-frame CAN transfer use the
	// openSYDE variant that never waits for flow control.
	CanTransferWithoutFlowControl bool
}

func (s Service) Validate() error {
	if len(s.Data) > MaxServiceSize {
		return errors.Wrapf(ErrOutOfRange, "service size %d exceeds %d bytes", len(s.Data), MaxServiceSize)
	}
	return nil
}

// NodeID limits.
const (
	MaxBusID        = 15
	MaxNodeID       = 126
	BroadcastNodeID = 127
)

// NodeID identifies one participant: the bus it sits on and its node number.
type NodeID struct {
	Bus  uint8
	Node uint8
}

func (n NodeID) Valid() bool {
	return n.Bus <= MaxBusID && n.Node <= BroadcastNodeID
}

func (n NodeID) IsBroadcast() bool {
	return n.Node == BroadcastNodeID
}

// Compare orders node ids by bus, then node.
func (n NodeID) Compare(o NodeID) int {
	switch {
	case n.Bus < o.Bus:
		return -1
	case n.Bus > o.Bus:
		return 1
	case n.Node < o.Node:
		return -1
	case n.Node > o.Node:
		return 1
	}
	return 0
}

func (n NodeID) Less(o NodeID) bool { return n.Compare(o) < 0 }

func (n NodeID) String() string {
	return fmt.Sprintf("%d.%d", n.Bus, n.Node)
}

// Serial number forms.
const (
	POSSerialNumberSize         = 6
	MaxExtendedSerialNumberSize = 29
)

// Manufacturer formats of an extended serial number.
const (
	SerialFormatPOS uint8 = 0
	SerialFormatFSN uint8 = 1
)

// SerialNumber is either the fixed 6 byte POS form or the extended form
// that carries up to 29 raw bytes tagged with a manufacturer format.
type SerialNumber struct {
	Extended           bool
	ManufacturerFormat uint8
	raw                []byte
}

func NewPOSSerialNumber(raw [POSSerialNumberSize]byte) SerialNumber {
	return SerialNumber{raw: append([]byte{}, raw[:]...)}
}

func NewExtendedSerialNumber(format uint8, raw []byte) (SerialNumber, error) {
	if len(raw) == 0 || len(raw) > MaxExtendedSerialNumberSize {
		return SerialNumber{}, errors.Wrapf(ErrOutOfRange, "extended serial number length %d", len(raw))
	}
	return SerialNumber{Extended: true, ManufacturerFormat: format, raw: append([]byte{}, raw...)}, nil
}

// Bytes returns the effective raw bytes.
func (s SerialNumber) Bytes() []byte {
	return append([]byte{}, s.raw...)
}

func (s SerialNumber) IsZero() bool { return len(s.raw) == 0 }

func (s SerialNumber) Equal(o SerialNumber) bool {
	return bytes.Equal(s.raw, o.raw)
}

func (s SerialNumber) Compare(o SerialNumber) int {
	return bytes.Compare(s.raw, o.raw)
}

func (s SerialNumber) String() string {
	if !s.Extended && len(s.raw) == POSSerialNumberSize {
		return fmt.Sprintf("%02X.%02X%02X%02X.%02X%02X",
			s.raw[0], s.raw[1], s.raw[2], s.raw[3], s.raw[4], s.raw[5])
	}
	if s.ManufacturerFormat == SerialFormatFSN && isPrintable(s.raw) {
		return string(s.raw)
	}
	var b strings.Builder
	for i, v := range s.raw {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

func isPrintable(raw []byte) bool {
	for _, c := range raw {
		if c < 0x20 || c > 0x7E {
			return false
		}
	}
	return true
}
