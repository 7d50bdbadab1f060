package driver

import (
	"context"

	"go.einride.tech/can"
)

// Bus 是底层 CAN 收发后端的统一接口 (socketcan 或虚拟总线)
type Bus interface {
	TransmitFrame(ctx context.Context, frame can.Frame) error
	// Frames 在总线关闭前持续输出接收到的报文
	Frames() <-chan can.Frame
	Close() error
}

// Filter selects the frames one dispatcher client receives.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
}

func (f Filter) Match(frame can.Frame) bool {
	if frame.IsExtended != f.Extended {
		return false
	}
	return frame.ID&f.Mask == f.ID&f.Mask
}

// 缓冲区配置常量
const (
	RxChannelBufferSize = 1024 // 后端接收通道缓冲区大小
	ClientQueueSize     = 512  // 每个客户端的报文队列长度
)
