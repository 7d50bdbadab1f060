//go:build windows

package driver

import (
	"context"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.einride.tech/can"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/tp"
)

var (
	usbScanDevice       = proc("USB_ScanDevice")
	usbOpenDevice       = proc("USB_OpenDevice")
	usbCloseDevice      = proc("USB_CloseDevice")
	canfdInit           = proc("CANFD_Init")
	canfdStartGetMsg    = proc("CANFD_StartGetMsg")
	canfdStopGetMsg     = proc("CANFD_StopGetMsg")
	canfdGetMsg         = proc("CANFD_GetMsg")
	canfdSendMsg        = proc("CANFD_SendMsg")
	canfdGetCANSpeedArg = proc("CANFD_GetCANSpeedArg")
)

// loadDLL loads the dependencies first and returns the handle of the last
// library, 0 if any of them is missing.
func loadDLL(paths ...string) syscall.Handle {
	var h syscall.Handle
	for _, p := range paths {
		var err error
		if h, err = syscall.LoadLibrary(p); err != nil {
			return 0
		}
	}
	return h
}

func proc(name string) uintptr {
	if usbDeviceDLL == 0 {
		return 0
	}
	p, _ := syscall.GetProcAddress(usbDeviceDLL, name)
	return p
}

// Toomoss 适配器参数
const (
	toomossChannel    = 0
	toomossNominalBps = 500_000
	toomossDataBps    = 2_000_000
	toomossMsgBuffer  = 1024
	toomossPollPeriod = time.Millisecond
	toomossInitDelay  = 20 * time.Millisecond
	toomossIDExtended = 0x80000000 // ID 最高位表示扩展帧
	toomossFlagFDF    = 0x04
	toomossMaxDevices = 10
)

type canfdInitConfig struct {
	Mode         byte
	ISOCRCEnable byte
	RetrySend    byte
	ResEnable    byte
	NBT_BRP      byte
	NBT_SEG1     byte
	NBT_SEG2     byte
	NBT_SJW      byte
	DBT_BRP      byte
	DBT_SEG1     byte
	DBT_SEG2     byte
	DBT_SJW      byte
	Res0         [8]byte
}

type canfdMsg struct {
	ID        uint32
	DLC       byte
	Flags     byte
	Res0      byte
	Res1      byte
	TimeStamp uint32
	Data      [64]byte
}

// Toomoss is a Bus on the first Toomoss USB2XXX adapter, channel 1, in
// classic CAN mode.
type Toomoss struct {
	mu     sync.Mutex
	handle uintptr
	frames chan can.Frame
	cancel context.CancelFunc
	done   chan struct{}
	logger *zap.Logger
}

func OpenToomoss(ctx context.Context, logger *zap.Logger) (*Toomoss, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if usbDeviceDLL == 0 || usbScanDevice == 0 {
		return nil, errors.Wrap(tp.ErrConnectFailed, "USB2XXX.dll not loaded")
	}
	var handles [toomossMaxDevices]int32
	if n, _, _ := syscall.SyscallN(usbScanDevice, uintptr(unsafe.Pointer(&handles[0]))); int32(n) <= 0 {
		return nil, errors.Wrap(tp.ErrConnectFailed, "no Toomoss adapter found")
	}
	handle := uintptr(handles[0])
	if ok, _, _ := syscall.SyscallN(usbOpenDevice, handle); int32(ok) < 1 {
		return nil, errors.Wrap(tp.ErrConnectFailed, "open Toomoss adapter")
	}

	cfg := canfdInitConfig{RetrySend: 1, ISOCRCEnable: 1, ResEnable: 1}
	speed, _, _ := syscall.SyscallN(canfdGetCANSpeedArg, handle, uintptr(unsafe.Pointer(&cfg)),
		toomossNominalBps, toomossDataBps)
	initRet, _, _ := syscall.SyscallN(canfdInit, handle, toomossChannel, uintptr(unsafe.Pointer(&cfg)))
	start, _, _ := syscall.SyscallN(canfdStartGetMsg, handle, toomossChannel)
	time.Sleep(toomossInitDelay)
	if speed != 0 || initRet != 0 || start != 0 {
		syscall.SyscallN(usbCloseDevice, handle)
		return nil, errors.Wrapf(tp.ErrConnectFailed, "init Toomoss CAN: speed=%d init=%d start=%d",
			int32(speed), int32(initRet), int32(start))
	}

	ctx, cancel := context.WithCancel(ctx)
	t := &Toomoss{
		handle: handle,
		frames: make(chan can.Frame, RxChannelBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
		logger: logger.Named("toomoss"),
	}
	go t.poll(ctx)
	t.logger.Info("Toomoss adapter opened", zap.Int("bitrate", toomossNominalBps))
	return t, nil
}

// poll 周期性读取适配器缓冲区，直到 ctx 结束
func (t *Toomoss) poll(ctx context.Context) {
	defer close(t.done)
	defer close(t.frames)
	ticker := time.NewTicker(toomossPollPeriod)
	defer ticker.Stop()
	var buf [toomossMsgBuffer]canfdMsg
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		n, _, _ := syscall.SyscallN(canfdGetMsg, t.handle, toomossChannel,
			uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
		t.mu.Unlock()
		for i := 0; i < int(int32(n)); i++ {
			m := buf[i]
			if m.Flags&toomossFlagFDF != 0 || m.DLC > 8 {
				continue
			}
			f := can.Frame{ID: m.ID &^ toomossIDExtended, Length: m.DLC, IsExtended: m.ID&toomossIDExtended != 0}
			copy(f.Data[:], m.Data[:m.DLC])
			select {
			case t.frames <- f:
			default:
				t.logger.Warn("rx channel full, frame dropped", zap.Uint32("id", f.ID))
			}
		}
	}
}

func (t *Toomoss) TransmitFrame(ctx context.Context, f can.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := [1]canfdMsg{{ID: f.ID, DLC: f.Length}}
	if f.IsExtended {
		m[0].ID |= toomossIDExtended
	}
	copy(m[0].Data[:], f.Data[:f.Length])
	t.mu.Lock()
	sent, _, _ := syscall.SyscallN(canfdSendMsg, t.handle, toomossChannel, uintptr(unsafe.Pointer(&m[0])), 1)
	t.mu.Unlock()
	if int32(sent) != 1 {
		return errors.Wrapf(tp.ErrNotConnected, "Toomoss send 0x%X failed", f.ID)
	}
	return nil
}

func (t *Toomoss) Frames() <-chan can.Frame {
	return t.frames
}

func (t *Toomoss) Close() error {
	t.cancel()
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	syscall.SyscallN(canfdStopGetMsg, t.handle, toomossChannel)
	if ok, _, _ := syscall.SyscallN(usbCloseDevice, t.handle); int32(ok) < 1 {
		return errors.New("close Toomoss adapter")
	}
	return nil
}
