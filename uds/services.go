package uds

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/LoveWonYoung/osycomm/tp"
)

// 服务标识符
const (
	SIDDiagnosticSessionControl = 0x10
	SIDEcuReset                 = 0x11
	SIDReadDataByIdentifier     = 0x22
	SIDSecurityAccess           = 0x27
	SIDRoutineControl           = 0x31
	SIDTesterPresent            = 0x3E
)

// 诊断会话
const (
	SessionDefault            = 0x01
	SessionProgramming        = 0x02
	SessionExtendedDiagnostic = 0x03
	SessionPreProgramming     = 0x60
)

// 数据标识符
const (
	DIDActiveDiagnosticSession = 0xF186
	DIDListOfFeatures          = 0xA802
	DIDCertificateSerialNumber = 0xA811
)

// 例程标识符
const (
	RoutineRouteDiagnosisCommunication = 0x0205
	RoutineRouteLegacyCAN              = 0x0209
	RoutineRouteIP2IPCommunication     = 0x0211
)

const (
	routineStart   = 0x01
	routineStop    = 0x02
	routineResults = 0x03

	suppressPositiveResponse = 0x80
)

// Features is the bit set returned by ReadListOfFeatures.
type Features uint32

const (
	FeatureFlashloaderCanWriteToNVM Features = 1 << iota
	FeatureMaxBlockLength
	FeatureEthernetToEthernetRouting
	FeatureFileBasedTransfer
	FeatureSecurityKeyRSA
)

func (f Features) Has(flag Features) bool { return f&flag == flag }

// RouteState is the progress of an IP to IP route reported by a router.
type RouteState uint8

const (
	RouteIdle RouteState = iota
	RouteInProgress
	RouteConnected
	RouteError
)

func (s RouteState) String() string {
	switch s {
	case RouteIdle:
		return "idle"
	case RouteInProgress:
		return "in progress"
	case RouteConnected:
		return "connected"
	case RouteError:
		return "error"
	default:
		return fmt.Sprintf("RouteState(%d)", uint8(s))
	}
}

// DiagnosisRoute names the interfaces a router forwards diagnostic traffic
// between. Medium values are 0 for CAN and 1 for Ethernet.
type DiagnosisRoute struct {
	InMedium   uint8
	InChannel  uint8
	OutMedium  uint8
	OutChannel uint8
}

// Connector is implemented by transports that sit on a connection.
type Connector interface {
	IsConnected() bool
	Reconnect() error
	Disconnect() error
}

// IsConnected reports true for connectionless transports.
func (c *Client) IsConnected() bool {
	if conn, ok := c.protocol.(Connector); ok {
		return conn.IsConnected()
	}
	return true
}

func (c *Client) Reconnect() error {
	if conn, ok := c.protocol.(Connector); ok {
		return conn.Reconnect()
	}
	return nil
}

func (c *Client) Disconnect() error {
	if conn, ok := c.protocol.(Connector); ok {
		return conn.Disconnect()
	}
	return nil
}

// TesterPresent 发送保持会话报文，抑制正响应，不等待回复
func (c *Client) TesterPresent() error {
	return c.Send([]byte{SIDTesterPresent, suppressPositiveResponse})
}

func (c *Client) DiagnosticSessionControl(session uint8) error {
	resp, err := c.Request([]byte{SIDDiagnosticSessionControl, session})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != session {
		return errors.Wrapf(tp.ErrMalformed, "session control response % X", resp)
	}
	return nil
}

// ReadDataByIdentifier 读取一个 DID，返回去掉 SID 和 DID 后的数据
func (c *Client) ReadDataByIdentifier(did uint16) ([]byte, error) {
	resp, err := c.Request([]byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return nil, errors.Wrapf(tp.ErrMalformed, "RDBI 0x%04X response % X", did, resp)
	}
	return resp[3:], nil
}

func (c *Client) ReadActiveDiagnosticSession() (uint8, error) {
	data, err := c.ReadDataByIdentifier(DIDActiveDiagnosticSession)
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, errors.Wrapf(tp.ErrMalformed, "active session has %d bytes", len(data))
	}
	return data[0], nil
}

func (c *Client) ReadCertificateSerialNumber() ([]byte, error) {
	data, err := c.ReadDataByIdentifier(DIDCertificateSerialNumber)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.Wrap(tp.ErrMalformed, "empty certificate serial number")
	}
	return data, nil
}

func (c *Client) ReadListOfFeatures() (Features, error) {
	data, err := c.ReadDataByIdentifier(DIDListOfFeatures)
	if err != nil {
		return 0, err
	}
	if len(data) != 4 {
		return 0, errors.Wrapf(tp.ErrMalformed, "feature list has %d bytes", len(data))
	}
	return Features(binary.BigEndian.Uint32(data)), nil
}

// SecurityAccessRequestSeed 请求种子。4 字节种子表示非安全模式，8 字节表示安全模式。
func (c *Client) SecurityAccessRequestSeed(level uint8) (seed uint64, secure bool, err error) {
	if level%2 == 0 {
		return 0, false, errors.Wrapf(tp.ErrOutOfRange, "seed request needs an odd level, got %d", level)
	}
	resp, err := c.Request([]byte{SIDSecurityAccess, level})
	if err != nil {
		return 0, false, err
	}
	if len(resp) < 2 || resp[1] != level {
		return 0, false, errors.Wrapf(tp.ErrMalformed, "seed response % X", resp)
	}
	switch raw := resp[2:]; len(raw) {
	case 4:
		return uint64(binary.BigEndian.Uint32(raw)), false, nil
	case 8:
		return binary.BigEndian.Uint64(raw), true, nil
	default:
		return 0, false, errors.Wrapf(tp.ErrMalformed, "seed has %d bytes", len(raw))
	}
}

// SecurityAccessSendKey sends key for the seed requested with level.
func (c *Client) SecurityAccessSendKey(level uint8, key []byte) error {
	req := append([]byte{SIDSecurityAccess, level + 1}, key...)
	resp, err := c.Request(req)
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != level+1 {
		return errors.Wrapf(tp.ErrMalformed, "send key response % X", resp)
	}
	return nil
}

func routine(control uint8, id uint16, params ...byte) []byte {
	return append([]byte{SIDRoutineControl, control, byte(id >> 8), byte(id)}, params...)
}

func (c *Client) routineControl(control uint8, id uint16, params ...byte) ([]byte, error) {
	resp, err := c.Request(routine(control, id, params...))
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 || resp[1] != control || binary.BigEndian.Uint16(resp[2:4]) != id {
		return nil, errors.Wrapf(tp.ErrMalformed, "routine 0x%04X response % X", id, resp)
	}
	return resp[4:], nil
}

// SetRouteIP2IPCommunication asks a router to open a route on its Ethernet
// channel to the node target at ip.
func (c *Client) SetRouteIP2IPCommunication(channel uint8, target tp.NodeID, ip netip.Addr) error {
	if !ip.Is4() {
		return errors.Wrapf(tp.ErrOutOfRange, "route target %s is not IPv4", ip)
	}
	if !target.Valid() {
		return errors.Wrapf(tp.ErrOutOfRange, "route target %s", target)
	}
	addr := ip.As4()
	params := append([]byte{channel, target.Bus, target.Node}, addr[:]...)
	_, err := c.routineControl(routineStart, RoutineRouteIP2IPCommunication, params...)
	return err
}

func (c *Client) CheckRouteIP2IPCommunication(channel uint8) (RouteState, error) {
	data, err := c.routineControl(routineResults, RoutineRouteIP2IPCommunication, channel)
	if err != nil {
		return RouteError, err
	}
	if len(data) != 1 || RouteState(data[0]) > RouteError {
		return RouteError, errors.Wrapf(tp.ErrMalformed, "route state % X", data)
	}
	return RouteState(data[0]), nil
}

func (c *Client) SetRouteDiagnosisCommunication(r DiagnosisRoute) error {
	_, err := c.routineControl(routineStart, RoutineRouteDiagnosisCommunication,
		r.InMedium, r.InChannel, r.OutMedium, r.OutChannel)
	return err
}

func (c *Client) StopRouteDiagnosisCommunication() error {
	_, err := c.routineControl(routineStop, RoutineRouteDiagnosisCommunication)
	return err
}

// StartLegacyRouting opens a raw CAN tunnel on channel for a target that
// does not speak the node protocol.
func (c *Client) StartLegacyRouting(channel uint8) error {
	_, err := c.routineControl(routineStart, RoutineRouteLegacyCAN, channel)
	return err
}

func (c *Client) StopLegacyRouting(channel uint8) error {
	_, err := c.routineControl(routineStop, RoutineRouteLegacyCAN, channel)
	if err != nil {
		c.logger.Warn("stop legacy routing", zap.Stringer("server", c.server()), zap.Error(err))
	}
	return err
}
