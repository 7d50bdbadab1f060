package iptp

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/metrics"
	"github.com/LoveWonYoung/osycomm/tp"
)

var (
	// ErrSecurityRefused is returned when a device refuses a configuration
	// change because its security is activated.
	ErrSecurityRefused = errors.New("refused, security activated")
	// ErrRejected reports any other negative result code.
	ErrRejected = errors.New("request rejected")
)

const (
	deviceNameSize             = 28
	deviceInfoStandardSize     = 2 + deviceNameSize + tp.POSSerialNumberSize
	deviceInfoExtendedHeader   = 2 + deviceNameSize + 4
	deviceInfoExtendedMinSize  = deviceInfoExtendedHeader + 1
	deviceInfoExtendedMaxSize  = deviceInfoExtendedHeader + tp.MaxExtendedSerialNumberSize
	setIPResultSize            = tp.POSSerialNumberSize + 1
	requestProgrammingRespSize = tp.POSSerialNumberSize + 1

	resultOK                = 0
	resultSecurityActivated = 2
)

// ExtendedInfo holds the fields only extended device info responses carry.
type ExtendedInfo struct {
	SubNodeID         uint8
	SecurityActivated bool
}

// DeviceInfoResult is one answer to GetDeviceInfo.
type DeviceInfoResult struct {
	NodeID       tp.NodeID
	DeviceName   string
	SerialNumber tp.SerialNumber
	// IP is the responder, LocalIP the interface that received the answer.
	// Neither takes part in comparison.
	IP       netip.Addr
	LocalIP  netip.Addr
	Extended *ExtendedInfo
}

func compareDeviceInfo(a, b DeviceInfoResult) int {
	if c := a.NodeID.Compare(b.NodeID); c != 0 {
		return c
	}
	if c := a.SerialNumber.Compare(b.SerialNumber); c != 0 {
		return c
	}
	var sa, sb int
	if a.Extended != nil {
		sa = int(a.Extended.SubNodeID) + 1
	}
	if b.Extended != nil {
		sb = int(b.Extended.SubNodeID) + 1
	}
	if sa != sb {
		return sa - sb
	}
	return strings.Compare(a.DeviceName, b.DeviceName)
}

func (p *Protocol) SetBroadcastTimeout(d time.Duration) {
	p.cfg.BroadcastTimeout = d
}

func (p *Protocol) udp() error {
	if p.dispatcher == nil {
		return errors.Wrap(tp.ErrNotConfigured, "no IP dispatcher")
	}
	return nil
}

func (p *Protocol) sendUDP(payloadType uint16, payload []byte) error {
	if err := p.dispatcher.SendUDP(ComposeMessage(payloadType, payload)); err != nil {
		return errors.Wrapf(err, "send UDP 0x%04X", payloadType)
	}
	metrics.IPMessages.WithLabelValues(metrics.DirTx).Inc()
	return nil
}

// collect drains stale datagrams, sends the request and passes every well
// formed response to handle until the window closes or handle returns true.
func (p *Protocol) collect(payloadType uint16, payload []byte, handle func(h Header, body []byte, dg Datagram) bool) error {
	if err := p.udp(); err != nil {
		return err
	}
	for {
		if _, err := p.dispatcher.ReadUDP(); err != nil {
			break
		}
	}
	if err := p.sendUDP(payloadType, payload); err != nil {
		return err
	}

	timer := tp.NewTimer(p.clock, p.cfg.BroadcastTimeout)
	timer.Start()
	for {
		for {
			dg, err := p.dispatcher.ReadUDP()
			if errors.Is(err, tp.ErrNoData) {
				break
			}
			if err != nil {
				return errors.Wrap(err, "read UDP")
			}
			metrics.IPMessages.WithLabelValues(metrics.DirRx).Inc()
			h, err := DecodeHeader(dg.Data)
			if err != nil {
				p.logger.Debug("drop datagram", zap.Stringer("from", dg.Remote), zap.Error(err))
				continue
			}
			body := dg.Data[HeaderSize:]
			if int(h.PayloadSize) != len(body) {
				p.logger.Debug("drop datagram with size mismatch", zap.Stringer("from", dg.Remote),
					zap.Uint32("announced", h.PayloadSize), zap.Int("actual", len(body)))
				continue
			}
			if handle(h, body, dg) {
				return nil
			}
		}
		if timer.IsTimedOut() {
			return nil
		}
		p.clock.Sleep(p.cfg.BroadcastPollInterval)
	}
}

// GetDeviceInfo collects standard and extended device information from every
// device on the local segments.
func (p *Protocol) GetDeviceInfo() ([]DeviceInfoResult, error) {
	var results []DeviceInfoResult
	err := p.collect(PayloadGetDeviceInfoRequest, nil, func(h Header, body []byte, dg Datagram) bool {
		r, err := parseDeviceInfo(h, body)
		if err != nil {
			p.logger.Debug("ignore device info", zap.Stringer("from", dg.Remote), zap.Error(err))
			return false
		}
		r.IP = dg.Remote
		r.LocalIP = dg.Local
		results = append(results, r)
		return false
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(results, compareDeviceInfo)
	return slices.CompactFunc(results, func(a, b DeviceInfoResult) bool {
		return compareDeviceInfo(a, b) == 0
	}), nil
}

func parseDeviceInfo(h Header, body []byte) (DeviceInfoResult, error) {
	switch {
	case h.PayloadType == PayloadDeviceInfoResponse && len(body) == deviceInfoStandardSize:
		var raw [tp.POSSerialNumberSize]byte
		copy(raw[:], body[2+deviceNameSize:])
		return DeviceInfoResult{
			NodeID:       NodeIDFromAddress(binary.BigEndian.Uint16(body[0:2])),
			DeviceName:   deviceName(body[2 : 2+deviceNameSize]),
			SerialNumber: tp.NewPOSSerialNumber(raw),
		}, nil

	case h.PayloadType == PayloadDeviceInfoExtendedResp &&
		len(body) >= deviceInfoExtendedMinSize && len(body) <= deviceInfoExtendedMaxSize:
		ext := body[2+deviceNameSize:]
		n := int(ext[3])
		if len(ext[4:]) != n {
			return DeviceInfoResult{}, errors.Wrapf(tp.ErrMalformed, "serial number length %d with %d bytes", n, len(ext[4:]))
		}
		sn, err := tp.NewExtendedSerialNumber(ext[2], ext[4:])
		if err != nil {
			return DeviceInfoResult{}, err
		}
		return DeviceInfoResult{
			NodeID:       NodeIDFromAddress(binary.BigEndian.Uint16(body[0:2])),
			DeviceName:   deviceName(body[2 : 2+deviceNameSize]),
			SerialNumber: sn,
			Extended:     &ExtendedInfo{SubNodeID: ext[0], SecurityActivated: ext[1] != 0},
		}, nil
	}
	return DeviceInfoResult{}, errors.Wrapf(tp.ErrMalformed, "payload type 0x%04X with %d bytes", h.PayloadType, len(body))
}

func deviceName(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// SetIPAddress changes the IP configuration and node id of the device owning
// the POS serial number sn.
func (p *Protocol) SetIPAddress(sn tp.SerialNumber, ip, netmask, gateway netip.Addr, newID tp.NodeID) error {
	raw := sn.Bytes()
	if sn.Extended || len(raw) != tp.POSSerialNumberSize {
		return errors.Wrap(tp.ErrOutOfRange, "standard set IP address needs a 6 byte POS serial number")
	}
	addrs, err := ipv4Bytes(ip, netmask, gateway)
	if err != nil {
		return err
	}
	payload := append(append(raw, addrs...), newID.Bus, newID.Node)

	return p.awaitResult(PayloadSetIPAddressRequest, payload, PayloadSetIPAddressResponse, func(body []byte) (byte, bool) {
		if len(body) != setIPResultSize || !bytes.Equal(body[:tp.POSSerialNumberSize], raw) {
			return 0, false
		}
		return body[tp.POSSerialNumberSize], true
	})
}

// SetIPAddressExtended is SetIPAddress for extended serial numbers and sub
// nodes.
func (p *Protocol) SetIPAddressExtended(sn tp.SerialNumber, subNodeID uint8, ip, netmask, gateway netip.Addr, newID tp.NodeID) error {
	raw := sn.Bytes()
	if len(raw) == 0 || len(raw) > tp.MaxExtendedSerialNumberSize {
		return errors.Wrapf(tp.ErrOutOfRange, "serial number length %d", len(raw))
	}
	addrs, err := ipv4Bytes(ip, netmask, gateway)
	if err != nil {
		return err
	}
	id := append([]byte{sn.ManufacturerFormat, byte(len(raw))}, raw...)
	payload := append(append(append([]byte{}, id...), subNodeID), addrs...)
	payload = append(payload, newID.Bus, newID.Node)

	return p.awaitResult(PayloadSetIPAddressExtRequest, payload, PayloadSetIPAddressExtResponse, func(body []byte) (byte, bool) {
		if len(body) != len(id)+2 || !bytes.Equal(body[:len(id)], id) || body[len(id)] != subNodeID {
			return 0, false
		}
		return body[len(id)+1], true
	})
}

// RequestProgramming asks the device owning sn to prepare for flashing.
func (p *Protocol) RequestProgramming(sn tp.SerialNumber) error {
	raw := sn.Bytes()
	if len(raw) != tp.POSSerialNumberSize {
		return errors.Wrap(tp.ErrOutOfRange, "request programming needs a 6 byte POS serial number")
	}
	return p.awaitResult(PayloadRequestProgrammingRequest, raw, PayloadRequestProgrammingResp, func(body []byte) (byte, bool) {
		if len(body) != requestProgrammingRespSize || !bytes.Equal(body[:tp.POSSerialNumberSize], raw) {
			return 0, false
		}
		return body[tp.POSSerialNumberSize], true
	})
}

// awaitResult waits for the first response of responseType that match
// accepts and maps its result code.
func (p *Protocol) awaitResult(requestType uint16, payload []byte, responseType uint16, match func(body []byte) (byte, bool)) error {
	var (
		code    byte
		matched bool
	)
	err := p.collect(requestType, payload, func(h Header, body []byte, dg Datagram) bool {
		if h.PayloadType != responseType {
			return false
		}
		c, ok := match(body)
		if !ok {
			p.logger.Debug("ignore response for other device", zap.Stringer("from", dg.Remote), zap.Binary("body", body))
			return false
		}
		code, matched = c, true
		return true
	})
	switch {
	case err != nil:
		return err
	case !matched:
		return errors.Wrapf(tp.ErrTimeout, "no response to 0x%04X", requestType)
	case code == resultOK:
		return nil
	case code == resultSecurityActivated:
		return ErrSecurityRefused
	default:
		return errors.Wrapf(ErrRejected, "result code %d", code)
	}
}

// NetReset restarts every device, or only the one owning sn when sn is not
// nil. Nobody answers.
func (p *Protocol) NetReset(resetType byte, sn *tp.SerialNumber) error {
	if err := p.udp(); err != nil {
		return err
	}
	payload := []byte{resetType}
	if sn != nil {
		raw := sn.Bytes()
		payload = append(payload, sn.ManufacturerFormat, byte(len(raw)))
		payload = append(payload, raw...)
	}
	return p.sendUDP(PayloadNetResetRequest, payload)
}

func ipv4Bytes(addrs ...netip.Addr) ([]byte, error) {
	var out []byte
	for _, a := range addrs {
		if !a.Is4() {
			return nil, errors.Wrapf(tp.ErrOutOfRange, "%s is not an IPv4 address", a)
		}
		b := a.As4()
		out = append(out, b[:]...)
	}
	return out, nil
}
