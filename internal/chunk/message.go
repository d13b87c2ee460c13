package chunk

import "github.com/sigurd-ua/opcua-secchan/internal/sctcp"

// Message is an assembled, decrypted, verified application message:
// the payload the secure connection FSM hands up to the services
// layer, or receives from it for encoding.
type Message struct {
	Type      sctcp.MessageType
	RequestID uint32
	Body      []byte

	// ChannelID is the secure channel id from the chunk header.
	ChannelID uint32

	// TokenID is set on symmetric-protected messages: the token the
	// sender used, so the FSM can track precedent-token activation.
	TokenID uint32

	// Security is set on asymmetric OPN messages: the parsed
	// asymmetric security header, carrying the peer certificate.
	Security *sctcp.AsymmetricSecurityHeader
}
