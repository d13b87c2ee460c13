// Package sctcp implements the OPC UA TCP / Secure Conversation wire
// format (Part 6): message framing, HEL/ACK/ERR bodies, the asymmetric
// and symmetric security headers, and the sequence header. It has no
// notion of chunk assembly, crypto, or connection state — those live in
// internal/chunk and internal/secureconn.
package sctcp

import "fmt"

// StatusCode is an OPC UA status code as seen at the secure channel
// layer. Only the subset relevant to this layer is named here.
type StatusCode uint32

const (
	StatusGood StatusCode = 0

	BadTcpMessageTooLarge         StatusCode = 0x80B50000
	BadTcpMessageTypeInvalid      StatusCode = 0x80B40000
	BadTcpEndpointUrlInvalid      StatusCode = 0x80B60000
	BadTcpSecureChannelUnknown    StatusCode = 0x80B70000
	BadTcpInternalError           StatusCode = 0x80740000
	BadSecurityChecksFailed       StatusCode = 0x80130000
	BadSecureChannelTokenUnknown  StatusCode = 0x80230000
	BadSecureChannelClosed        StatusCode = 0x80220000
	BadRequestNotAllowed          StatusCode = 0x80F00000
	BadProtocolVersionUnsupported StatusCode = 0x80BE0000
	BadInvalidArgument            StatusCode = 0x80AB0000
	BadTimeout                    StatusCode = 0x800A0000
	BadResponseTooLarge           StatusCode = 0x80B80000
)

var statusNames = map[StatusCode]string{
	StatusGood:                    "Good",
	BadTcpMessageTooLarge:         "BadTcpMessageTooLarge",
	BadTcpMessageTypeInvalid:      "BadTcpMessageTypeInvalid",
	BadTcpEndpointUrlInvalid:      "BadTcpEndpointUrlInvalid",
	BadTcpSecureChannelUnknown:    "BadTcpSecureChannelUnknown",
	BadTcpInternalError:           "BadTcpInternalError",
	BadSecurityChecksFailed:       "BadSecurityChecksFailed",
	BadSecureChannelTokenUnknown:  "BadSecureChannelTokenUnknown",
	BadSecureChannelClosed:        "BadSecureChannelClosed",
	BadRequestNotAllowed:          "BadRequestNotAllowed",
	BadProtocolVersionUnsupported: "BadProtocolVersionUnsupported",
	BadInvalidArgument:            "BadInvalidArgument",
	BadTimeout:                    "BadTimeout",
	BadResponseTooLarge:           "BadResponseTooLarge",
}

func (c StatusCode) String() string {
	if n, ok := statusNames[c]; ok {
		return n
	}
	return fmt.Sprintf("StatusCode(0x%08X)", uint32(c))
}

// IsGood reports whether c is the all-zero "success" status.
func (c StatusCode) IsGood() bool { return c == StatusGood }

// IsBad reports whether the high bit (Bad severity) is set.
func (c StatusCode) IsBad() bool { return c&0x80000000 != 0 }

// Error wraps a StatusCode with an optional reason string. The reason
// must be blanked by the caller before logging or sending on the wire
// when the root cause is a security check failure.
type Error struct {
	Code   StatusCode
	Reason string
}

func NewError(code StatusCode, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

// Blanked returns a copy of e with the reason cleared, for the
// oracle-avoidance rule on security failures.
func (e *Error) Blanked() *Error {
	return &Error{Code: e.Code}
}
