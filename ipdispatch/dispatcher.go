// Package ipdispatch is the socket side of the IP transport protocol. Every
// TCP connection and the UDP socket get a background reader that buffers
// incoming bytes, so all calls of the iptp.Dispatcher interface return
// immediately.
package ipdispatch

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/LoveWonYoung/osycomm/iptp"
	"github.com/LoveWonYoung/osycomm/tp"
)

const DefaultPort = 13400

type Config struct {
	TCPPort int
	// UDPListen is the local UDP address; port 0 picks an ephemeral one.
	UDPListen netip.AddrPort
	// UDPBroadcast is where broadcast requests go.
	UDPBroadcast netip.AddrPort

	ConnectTimeout  time.Duration
	ConnectAttempts uint
	ConnectDelay    time.Duration

	// MaxBuffered bounds the unread bytes of one connection and the number
	// of unread datagrams.
	MaxBuffered int
}

func DefaultConfig() Config {
	return Config{
		TCPPort:         DefaultPort,
		UDPListen:       netip.AddrPortFrom(netip.IPv4Unspecified(), 0),
		UDPBroadcast:    netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), DefaultPort),
		ConnectTimeout:  time.Second,
		ConnectAttempts: 3,
		ConnectDelay:    200 * time.Millisecond,
		MaxBuffered:     64 * 1024,
	}
}

type tcpConn struct {
	mu        sync.Mutex
	ip        netip.Addr
	nc        net.Conn
	rx        []byte
	connected bool
}

// Dispatcher implements iptp.Dispatcher on real sockets.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu     sync.Mutex
	conns  map[int]*tcpConn
	next   int
	udp    *net.UDPConn
	udpIn  []iptp.Datagram
	closed bool
}

var _ iptp.Dispatcher = (*Dispatcher)(nil)

func New(ctx context.Context, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.Named("ipdispatch"),
		ctx:    ctx,
		cancel: cancel,
		group:  group,
		conns:  make(map[int]*tcpConn),
	}
}

func (d *Dispatcher) dial(ip netip.Addr) (net.Conn, error) {
	addr := netip.AddrPortFrom(ip, uint16(d.cfg.TCPPort)).String()
	dialer := net.Dialer{Timeout: d.cfg.ConnectTimeout}
	var nc net.Conn
	err := retry.Do(func() error {
		var err error
		nc, err = dialer.DialContext(d.ctx, "tcp", addr)
		return err
	},
		retry.Context(d.ctx),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(d.cfg.ConnectDelay),
		retry.Attempts(max(d.cfg.ConnectAttempts, 1)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Debug("connect retry", zap.String("addr", addr), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(tp.ErrConnectFailed, "connect %s: %v", addr, err)
	}
	return nc, nil
}

func (d *Dispatcher) InitTCP(ip netip.Addr) (int, error) {
	nc, err := d.dial(ip)
	if err != nil {
		return -1, err
	}
	c := &tcpConn{ip: ip, nc: nc, connected: true}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = nc.Close()
		return -1, errors.Wrap(tp.ErrNotConnected, "dispatcher closed")
	}
	h := d.next
	d.next++
	d.conns[h] = c
	d.mu.Unlock()

	d.startReader(c, nc)
	d.logger.Info("TCP connected", zap.Int("handle", h), zap.Stringer("ip", ip))
	return h, nil
}

func (d *Dispatcher) startReader(c *tcpConn, nc net.Conn) {
	d.group.Go(func() error {
		buf := make([]byte, 4096)
		for {
			n, err := nc.Read(buf)
			c.mu.Lock()
			current := c.nc == nc
			if n > 0 && current {
				if len(c.rx)+n > d.cfg.MaxBuffered {
					d.logger.Warn("TCP receive buffer full, dropping bytes", zap.Stringer("ip", c.ip), zap.Int("bytes", n))
				} else {
					c.rx = append(c.rx, buf[:n]...)
				}
			}
			if err != nil && current {
				c.connected = false
			}
			c.mu.Unlock()
			if err != nil {
				if current && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					d.logger.Warn("TCP connection lost", zap.Stringer("ip", c.ip), zap.Error(err))
				}
				return nil
			}
		}
	})
}

func (d *Dispatcher) conn(handle int) (*tcpConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.conns[handle]
	if !ok {
		return nil, errors.Wrapf(tp.ErrOutOfRange, "unknown TCP handle %d", handle)
	}
	return c, nil
}

func (d *Dispatcher) IsTCPConnected(handle int) bool {
	c, err := d.conn(handle)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (d *Dispatcher) ReconnectTCP(handle int) error {
	c, err := d.conn(handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	old := c.nc
	c.nc = nil
	c.connected = false
	c.rx = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	nc, err := d.dial(c.ip)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.nc = nc
	c.connected = true
	c.mu.Unlock()
	d.startReader(c, nc)
	return nil
}

// CloseTCP closes the connection but keeps the handle for ReconnectTCP.
func (d *Dispatcher) CloseTCP(handle int) error {
	c, err := d.conn(handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	nc := c.nc
	c.nc = nil
	c.connected = false
	c.rx = nil
	c.mu.Unlock()
	if nc != nil {
		return nc.Close()
	}
	return nil
}

func (d *Dispatcher) SendTCP(handle int, data []byte) error {
	c, err := d.conn(handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	nc, connected := c.nc, c.connected
	c.mu.Unlock()
	if !connected || nc == nil {
		return errors.Wrapf(tp.ErrNotConnected, "TCP handle %d", handle)
	}
	if _, err := nc.Write(data); err != nil {
		return errors.Wrapf(tp.ErrNotConnected, "write %s: %v", c.ip, err)
	}
	return nil
}

func (d *Dispatcher) ReadTCP(handle int, buf []byte) error {
	c, err := d.conn(handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.rx) < len(buf) {
		if !c.connected {
			return errors.Wrapf(tp.ErrNotConnected, "TCP handle %d", handle)
		}
		return tp.ErrNoData
	}
	copy(buf, c.rx)
	c.rx = c.rx[len(buf):]
	return nil
}

func (d *Dispatcher) ClearTCPQueue(handle int) error {
	c, err := d.conn(handle)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.rx = nil
	c.mu.Unlock()
	return nil
}

func (d *Dispatcher) InitUDP() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.udp != nil {
		return nil
	}
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(d.cfg.UDPListen))
	if err != nil {
		return errors.Wrapf(tp.ErrConnectFailed, "listen UDP %s: %v", d.cfg.UDPListen, err)
	}
	d.udp = conn
	local := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr()

	d.group.Go(func() error {
		buf := make([]byte, 65535)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					d.logger.Warn("UDP reader stopped", zap.Error(err))
				}
				return nil
			}
			dg := iptp.Datagram{Data: append([]byte{}, buf[:n]...), Remote: from.Addr().Unmap(), Local: local}
			d.mu.Lock()
			if len(d.udpIn) < d.cfg.MaxBuffered {
				d.udpIn = append(d.udpIn, dg)
			}
			d.mu.Unlock()
		}
	})
	return nil
}

func (d *Dispatcher) CloseUDP() error {
	d.mu.Lock()
	conn := d.udp
	d.udp = nil
	d.udpIn = nil
	d.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (d *Dispatcher) SendUDP(data []byte) error {
	d.mu.Lock()
	conn := d.udp
	d.mu.Unlock()
	if conn == nil {
		return errors.Wrap(tp.ErrNotConnected, "UDP not initialized")
	}
	if _, err := conn.WriteToUDPAddrPort(data, d.cfg.UDPBroadcast); err != nil {
		return errors.Wrapf(tp.ErrNotConnected, "send UDP to %s: %v", d.cfg.UDPBroadcast, err)
	}
	return nil
}

func (d *Dispatcher) ReadUDP() (iptp.Datagram, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.udp == nil {
		return iptp.Datagram{}, errors.Wrap(tp.ErrNotConnected, "UDP not initialized")
	}
	if len(d.udpIn) == 0 {
		return iptp.Datagram{}, tp.ErrNoData
	}
	dg := d.udpIn[0]
	d.udpIn = d.udpIn[1:]
	return dg, nil
}

// Close shuts every socket down and waits for the readers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	d.closed = true
	handles := make([]int, 0, len(d.conns))
	for h := range d.conns {
		handles = append(handles, h)
	}
	d.mu.Unlock()

	for _, h := range handles {
		_ = d.CloseTCP(h)
	}
	err := d.CloseUDP()
	d.cancel()
	return multierr.Append(err, d.group.Wait())
}
