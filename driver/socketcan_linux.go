//go:build linux

package driver

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/tp"
)

// SocketCAN is a Bus on a Linux CAN network interface (e.g. "can0").
type SocketCAN struct {
	conn   net.Conn
	rx     *socketcan.Receiver
	tx     *socketcan.Transmitter
	frames chan can.Frame
	logger *zap.Logger
}

func OpenSocketCAN(ctx context.Context, iface string, logger *zap.Logger) (*SocketCAN, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(tp.ErrConnectFailed, "open %s: %v", iface, err)
	}
	s := &SocketCAN{
		conn:   conn,
		rx:     socketcan.NewReceiver(conn),
		tx:     socketcan.NewTransmitter(conn),
		frames: make(chan can.Frame, RxChannelBufferSize),
		logger: logger.With(zap.String("iface", iface)),
	}
	go s.receive()
	return s, nil
}

func (s *SocketCAN) receive() {
	defer close(s.frames)
	for s.rx.Receive() {
		if s.rx.HasErrorFrame() {
			s.logger.Warn("CAN error frame received")
			continue
		}
		s.frames <- s.rx.Frame()
	}
	if err := s.rx.Err(); err != nil {
		s.logger.Warn("CAN receiver stopped", zap.Error(err))
	}
}

func (s *SocketCAN) TransmitFrame(ctx context.Context, f can.Frame) error {
	return s.tx.TransmitFrame(ctx, f)
}

func (s *SocketCAN) Frames() <-chan can.Frame {
	return s.frames
}

func (s *SocketCAN) Close() error {
	return s.conn.Close()
}
