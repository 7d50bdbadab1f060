package cantp

import (
	"github.com/LoveWonYoung/osycomm/driver"
	"github.com/LoveWonYoung/osycomm/tp"
)

// 29-bit identifier layout:
//
//	bits 27..28  fixed priority prefix (0x18000000)
//	bits 18..21  target bus
//	bits 11..17  target node
//	bits  7..10  source bus
//	bits  0..6   source node
const (
	idPrefix         uint32 = 0x18000000
	idPrefixMask     uint32 = 0x1FC00000
	targetBusShift          = 18
	targetNodeShift         = 11
	sourceBusShift          = 7
	busMask          uint32 = 0x0F
	nodeMask         uint32 = 0x7F
	targetFieldsMask uint32 = busMask<<targetBusShift | nodeMask<<targetNodeShift
	sourceFieldsMask uint32 = busMask<<sourceBusShift | nodeMask
)

// ArbitrationID packs source and target into one extended CAN identifier.
func ArbitrationID(source, target tp.NodeID) uint32 {
	return idPrefix |
		(uint32(target.Bus)&busMask)<<targetBusShift |
		(uint32(target.Node)&nodeMask)<<targetNodeShift |
		(uint32(source.Bus)&busMask)<<sourceBusShift |
		uint32(source.Node)&nodeMask
}

// ParseArbitrationID splits an identifier built by ArbitrationID.
func ParseArbitrationID(id uint32) (source, target tp.NodeID, ok bool) {
	if id&idPrefixMask != idPrefix {
		return tp.NodeID{}, tp.NodeID{}, false
	}
	target = tp.NodeID{
		Bus:  uint8(id >> targetBusShift & busMask),
		Node: uint8(id >> targetNodeShift & nodeMask),
	}
	source = tp.NodeID{
		Bus:  uint8(id >> sourceBusShift & busMask),
		Node: uint8(id & nodeMask),
	}
	return source, target, true
}

// RxFilter accepts every frame addressed to own.
func RxFilter(own tp.NodeID) driver.Filter {
	return driver.Filter{
		ID:       ArbitrationID(tp.NodeID{}, own),
		Mask:     idPrefixMask | targetFieldsMask,
		Extended: true,
	}
}
