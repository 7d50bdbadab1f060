package driver

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/tp"
)

// VirtualBus 是不依赖硬件的内存 CAN 总线，用于开发和测试。
// 挂在同一总线上的每个端口都会收到其他端口发送的报文。
type VirtualBus struct {
	mu     sync.Mutex
	ports  []*VirtualPort
	logger *zap.Logger
}

// WriteRecord 记录一次发送操作
type WriteRecord struct {
	Port      string
	Frame     can.Frame
	Timestamp time.Time
}

// VirtualResponse 定义预设的自动响应：端口发出匹配的报文后，总线回送 Response
type VirtualResponse struct {
	TriggerID   uint32
	TriggerData []byte // 触发响应的数据前缀 (可选)
	Response    can.Frame
}

func NewVirtualBus(logger *zap.Logger) *VirtualBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VirtualBus{logger: logger}
}

// Attach 创建一个挂在总线上的新端口
func (b *VirtualBus) Attach(name string) *VirtualPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	p := &VirtualPort{
		name:   name,
		bus:    b,
		rxChan: make(chan can.Frame, RxChannelBufferSize),
	}
	b.ports = append(b.ports, p)
	return p
}

func (b *VirtualBus) deliver(from *VirtualPort, f can.Frame) {
	b.mu.Lock()
	ports := append([]*VirtualPort{}, b.ports...)
	b.mu.Unlock()

	for _, p := range ports {
		if p == from {
			continue
		}
		p.inject(f)
	}
}

// VirtualPort implements Bus on a VirtualBus.
type VirtualPort struct {
	mu        sync.Mutex
	name      string
	bus       *VirtualBus
	rxChan    chan can.Frame
	closed    bool
	writeLog  []WriteRecord
	responses []VirtualResponse
}

func (p *VirtualPort) TransmitFrame(ctx context.Context, f can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.Wrap(tp.ErrNotConnected, "virtual port closed")
	}
	p.writeLog = append(p.writeLog, WriteRecord{Port: p.name, Frame: f, Timestamp: time.Now()})
	var replies []can.Frame
	for _, r := range p.responses {
		if r.TriggerID == f.ID && hasPrefix(f.Data[:f.Length], r.TriggerData) {
			replies = append(replies, r.Response)
		}
	}
	p.mu.Unlock()

	p.bus.logger.Debug("virtual TX", zap.String("port", p.name), zap.Stringer("frame", f))
	p.bus.deliver(p, f)
	for _, r := range replies {
		p.inject(r)
	}
	return nil
}

func (p *VirtualPort) Frames() <-chan can.Frame {
	return p.rxChan
}

func (p *VirtualPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.rxChan)
	return nil
}

// inject 向接收通道注入一条报文 (模拟接收)，通道已满时丢弃
func (p *VirtualPort) inject(f can.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.rxChan <- f:
	default:
		p.bus.logger.Warn("virtual port rx channel full", zap.String("port", p.name))
	}
}

// InjectFrame 供测试使用：直接向本端口注入一条报文
func (p *VirtualPort) InjectFrame(f can.Frame) {
	p.inject(f)
}

func (p *VirtualPort) AddResponse(r VirtualResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses = append(p.responses, r)
}

func (p *VirtualPort) WriteLog() []WriteRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]WriteRecord{}, p.writeLog...)
}

func (p *VirtualPort) ClearWriteLog() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeLog = nil
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i, b := range prefix {
		if data[i] != b {
			return false
		}
	}
	return true
}
