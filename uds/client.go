// Package uds is a request/response client for diagnostic services on top of
// any tp.Protocol. It polls the protocol's Cycle itself, so one Client must
// only be driven from one goroutine.
package uds

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/tp"
)

const (
	sidNegativeResponse    = 0x7F
	positiveResponseOffset = 0x40
)

// RequestOptions 请求配置选项
type RequestOptions struct {
	Timeout        time.Duration // 单次请求超时
	PendingTimeout time.Duration // Response Pending 后的超时
	MaxRetries     int           // 最大重试次数 (仅对可重试错误生效)
	RetryDelay     time.Duration // 重试间隔
	PollInterval   time.Duration // 接收轮询间隔
}

// DefaultRequestOptions 返回默认请求选项
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		Timeout:        1000 * time.Millisecond,
		PendingTimeout: 5000 * time.Millisecond,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		PollInterval:   2 * time.Millisecond,
	}
}

// Client 封装一个传输协议实例上的 UDS 请求/响应
type Client struct {
	protocol tp.Protocol
	opts     RequestOptions
	clock    tp.Clock
	logger   *zap.Logger
}

func New(protocol tp.Protocol, opts RequestOptions, clock tp.Clock, logger *zap.Logger) *Client {
	if clock == nil {
		clock = tp.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{protocol: protocol, opts: opts, clock: clock, logger: logger.Named("uds")}
}

func (c *Client) Protocol() tp.Protocol { return c.protocol }

func (c *Client) SetNodeIdentifiers(client, server tp.NodeID) error {
	return c.protocol.SetNodeIdentifiers(client, server)
}

func (c *Client) server() tp.NodeID {
	_, server := c.protocol.NodeIdentifiers()
	return server
}

// Request 发送 UDS 请求并等待正响应。
//   - 完整的 NRC 错误处理
//   - 自动重试机制 (仅对可重试错误)
//   - 响应 SID 验证
func (c *Client) Request(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.Wrap(tp.ErrOutOfRange, "empty request")
	}
	requestSID := payload[0]

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retry request", zap.Int("attempt", attempt), zap.Int("max", c.opts.MaxRetries),
				zap.Stringer("server", c.server()), zap.Uint8("sid", requestSID))
			c.clock.Sleep(c.opts.RetryDelay)
		}

		response, err := c.singleRequest(payload)
		if err != nil {
			if IsRetryable(err) && attempt < c.opts.MaxRetries {
				lastErr = err
				continue
			}
			return nil, err
		}
		if response[0] != requestSID+positiveResponseOffset {
			return nil, errors.Wrapf(tp.ErrMalformed, "response SID 0x%02X to request 0x%02X", response[0], requestSID)
		}
		return response, nil
	}
	return nil, errors.Wrapf(lastErr, "giving up after %d retries", c.opts.MaxRetries)
}

// Send 只发送请求，不等待响应
func (c *Client) Send(payload []byte) error {
	if err := c.protocol.SendRequest(tp.Service{Data: payload}); err != nil {
		return err
	}
	return c.protocol.Cycle()
}

// singleRequest 执行单次请求（不含重试逻辑）
func (c *Client) singleRequest(payload []byte) ([]byte, error) {
	// 发送前清空可能存在的旧响应
	for {
		if _, err := c.protocol.ReadResponse(); err != nil {
			break
		}
	}
	// A connection shared with other nodes may still hold the remainder of a
	// message another transport started to read.
	if err := c.protocol.ClearDispatcherQueue(); err != nil {
		return nil, err
	}
	if err := c.protocol.SendRequest(tp.Service{Data: payload}); err != nil {
		return nil, err
	}

	requestSID := payload[0]
	deadline := tp.NewTimer(c.clock, c.opts.Timeout)
	deadline.Start()
	for {
		if err := c.protocol.Cycle(); err != nil {
			return nil, err
		}
		resp, err := c.protocol.ReadResponse()
		if err == nil {
			data := resp.Data
			if len(data) == 0 {
				continue
			}
			if data[0] != sidNegativeResponse {
				if data[0] != requestSID+positiveResponseOffset {
					c.logger.Debug("ignore unrelated response", zap.Stringer("server", c.server()), zap.Binary("data", data))
					continue
				}
				return data, nil
			}
			if len(data) < 3 {
				return nil, errors.Wrapf(tp.ErrMalformed, "short negative response % X", data)
			}
			if data[1] != requestSID {
				c.logger.Debug("ignore negative response to other service", zap.Binary("data", data))
				continue
			}
			// Response Pending - 重置超时继续等待
			if data[2] == NRCResponsePending {
				deadline.SetTimeout(c.opts.PendingTimeout)
				deadline.Start()
				c.logger.Debug("response pending", zap.Stringer("server", c.server()), zap.Uint8("sid", requestSID))
				continue
			}
			return nil, negativeResponse(data[1], data[2])
		}
		if deadline.IsTimedOut() {
			return nil, errors.Wrapf(tp.ErrTimeout, "no response from %s to SID 0x%02X within %v",
				c.server(), requestSID, deadline.Elapsed())
		}
		c.clock.Sleep(c.opts.PollInterval)
	}
}
