/*
FlowControlTimeout: 发送 FF 或一个 block 后等待对端 FC 的超时。
ConsecutiveFrameTimeout: 等待下一帧 CF 的超时。
BlockSize: 本端 FC 中通告的 BS（0 表示一直发）。
StMin: 本端 FC 中通告的 CF 最小间隔（ms，0..0x7F）。
BroadcastTimeout: 广播服务收集响应的时间窗口。
QueueCapacity: Tx/Rx 服务队列容量。
PaddingByte: 可选填充字节；nil 不填充。
*/
package cantp

import (
	"time"

	"github.com/pkg/errors"

	"github.com/LoveWonYoung/osycomm/tp"
)

// Config defines the configuration of one CAN transport protocol instance.
type Config struct {
	// FlowControlTimeout is shorter than the 1000 ms ISO N_Bs.
	FlowControlTimeout      time.Duration
	ConsecutiveFrameTimeout time.Duration

	BlockSize int
	StMin     int

	BroadcastTimeout time.Duration
	// BroadcastPollInterval is the sleep between dispatcher polls while
	// collecting broadcast responses.
	BroadcastPollInterval time.Duration

	QueueCapacity int
	PaddingByte   *byte
}

func DefaultConfig() Config {
	return Config{
		FlowControlTimeout:      100 * time.Millisecond,
		ConsecutiveFrameTimeout: 1000 * time.Millisecond,

		BlockSize: 0,
		StMin:     0,

		BroadcastTimeout:      1000 * time.Millisecond,
		BroadcastPollInterval: time.Millisecond,

		QueueCapacity: tp.DefaultQueueCapacity,
		PaddingByte:   nil,
	}
}

func (c *Config) Validate() error {
	if c.FlowControlTimeout <= 0 {
		return errors.Wrap(tp.ErrOutOfRange, "flow control timeout must be positive")
	}
	if c.ConsecutiveFrameTimeout <= 0 {
		return errors.Wrap(tp.ErrOutOfRange, "consecutive frame timeout must be positive")
	}
	if c.BlockSize < 0 || c.BlockSize > 0xFF {
		return errors.Wrap(tp.ErrOutOfRange, "block size must be between 0x00 and 0xFF")
	}
	if c.StMin < 0 || c.StMin > 0x7F {
		return errors.Wrap(tp.ErrOutOfRange, "stmin must be between 0x00 and 0x7F")
	}
	if c.BroadcastTimeout < 0 {
		return errors.Wrap(tp.ErrOutOfRange, "broadcast timeout must not be negative")
	}
	if c.BroadcastPollInterval <= 0 {
		return errors.Wrap(tp.ErrOutOfRange, "broadcast poll interval must be positive")
	}
	return nil
}
