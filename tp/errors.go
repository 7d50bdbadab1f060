package tp

import (
	"fmt"

	"github.com/pkg/errors"
)

// messageOrDefault returns msg if present, otherwise fallback.
func messageOrDefault(msg, fallback string) string {
	if msg != "" {
		return msg
	}
	return fallback
}

// Error kinds shared by the transports and the communication driver.
// Callers match them with errors.Is; producers wrap them with context.
var (
	ErrOutOfRange        = errors.New("value out of range")
	ErrQueueFull         = errors.New("service queue full")
	ErrNoData            = errors.New("no data available")
	ErrTimeout           = errors.New("timeout")
	ErrMalformed         = errors.New("malformed response")
	ErrNotConnected      = errors.New("not connected")
	ErrConnectFailed     = errors.New("connect failed")
	ErrNotConfigured     = errors.New("not configured")
	ErrSecurityHandshake = errors.New("security handshake failed")
	ErrNotCapable        = errors.New("peer not capable")
	ErrInternal          = errors.New("internal error")
)

// ErrorResponse is a negative response reported by a peer. Code carries the
// peer's error code (NRC for diagnostic services, result code for IP broadcast
// services).
type ErrorResponse struct {
	Service byte
	Code    byte
	msg     string
}

func NewErrorResponse(service, code byte) *ErrorResponse {
	return &ErrorResponse{Service: service, Code: code}
}

func NewErrorResponseMsg(service, code byte, msg string) *ErrorResponse {
	return &ErrorResponse{Service: service, Code: code, msg: msg}
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("%s: SID=0x%02X, code=0x%02X",
		messageOrDefault(e.msg, "negative response"), e.Service, e.Code)
}

// IsErrorResponse reports whether err is a negative response with the given code.
func IsErrorResponse(err error, code byte) bool {
	var er *ErrorResponse
	if errors.As(err, &er) {
		return er.Code == code
	}
	return false
}
