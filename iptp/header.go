package iptp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/LoveWonYoung/osycomm/tp"
)

const (
	ProtocolVersion        uint8 = 0x02
	InverseProtocolVersion uint8 = ^ProtocolVersion

	HeaderSize = 8
)

// Payload types.
const (
	PayloadDiagnosticMessage         uint16 = 0x8001
	PayloadDiagnosticMessageNoFC     uint16 = 0xF100
	PayloadGetDeviceInfoRequest      uint16 = 0xF000
	PayloadDeviceInfoResponse        uint16 = 0xF001
	PayloadDeviceInfoExtendedResp    uint16 = 0xF009
	PayloadSetIPAddressRequest       uint16 = 0xF002
	PayloadSetIPAddressResponse      uint16 = 0xF003
	PayloadSetIPAddressExtRequest    uint16 = 0xF00B
	PayloadSetIPAddressExtResponse   uint16 = 0xF00C
	PayloadNetResetRequest           uint16 = 0xF004
	PayloadRequestProgrammingRequest uint16 = 0xF006
	PayloadRequestProgrammingResp    uint16 = 0xF007
)

// Header is the 8 byte generic header in front of every message.
type Header struct {
	PayloadType uint16
	PayloadSize uint32
}

// ComposeHeader returns the wire form of a header.
func ComposeHeader(payloadType uint16, payloadSize uint32) []byte {
	return Header{PayloadType: payloadType, PayloadSize: payloadSize}.Compose()
}

func (h Header) Compose() []byte {
	b := make([]byte, HeaderSize)
	b[0] = ProtocolVersion
	b[1] = InverseProtocolVersion
	binary.BigEndian.PutUint16(b[2:4], h.PayloadType)
	binary.BigEndian.PutUint32(b[4:8], h.PayloadSize)
	return b
}

// ComposeMessage prepends a header to payload.
func ComposeMessage(payloadType uint16, payload []byte) []byte {
	return append(ComposeHeader(payloadType, uint32(len(payload))), payload...)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errors.Wrapf(tp.ErrOutOfRange, "header needs %d bytes, got %d", HeaderSize, len(b))
	}
	if b[0] != ProtocolVersion || b[1] != InverseProtocolVersion {
		return Header{}, errors.Wrapf(tp.ErrMalformed, "protocol version 0x%02X/0x%02X", b[0], b[1])
	}
	return Header{
		PayloadType: binary.BigEndian.Uint16(b[2:4]),
		PayloadSize: binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// Address maps a node id to its 16 bit logical address.
func Address(id tp.NodeID) uint16 {
	return (uint16(id.Bus)<<7 | uint16(id.Node)) + 1
}

// NodeIDFromAddress inverts Address.
func NodeIDFromAddress(addr uint16) tp.NodeID {
	v := addr - 1
	return tp.NodeID{Bus: uint8(v >> 7 & 0x0F), Node: uint8(v & 0x7F)}
}
