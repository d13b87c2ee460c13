// Package chunk implements the chunk decode and encode pipelines:
// turning a stream of framed wire chunks into assembled messages and
// back, including security-header handling, signature verification,
// encryption and sequence-number bookkeeping. It knows nothing of the
// connection FSM; internal/secureconn drives it through the
// SecurityContext interface.
package chunk

import (
	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// SecurityContext is implemented by the connection owner so the chunk
// engine can fetch crypto material without depending on the secure
// connection state machine, which sits above it.
type SecurityContext interface {
	// Mode is the channel's message security mode. It decides whether
	// chunks are signed and whether they are encrypted.
	Mode() cryptoprovider.SecurityMode

	// KeysForToken returns the provider and keys for a symmetric
	// token id. incoming selects the decode-direction keys.
	KeysForToken(tokenID uint32, incoming bool) (cryptoprovider.Provider, cryptoprovider.KeySet, error)

	// CurrentToken returns the token id to stamp on outgoing MSG/CLO
	// chunks.
	CurrentToken() uint32

	// AsymmetricSecurity returns the provider and certificate
	// material for OPN chunks.
	AsymmetricSecurity() (cryptoprovider.Provider, AsymmetricMaterial, error)

	// ValidateAsymmetricHeader is called with the security header of
	// every incoming asymmetric OPN chunk before any crypto runs: the
	// policy must be acceptable, the sender certificate must pass the
	// PKI check, and the receiver thumbprint must designate the local
	// certificate when the mode requires it.
	ValidateAsymmetricHeader(h sctcp.AsymmetricSecurityHeader) error
}

// AsymmetricMaterial carries the connection-specific certificate
// material for OPN chunks. All fields are nil under PolicyNone.
type AsymmetricMaterial struct {
	PolicyURI       string
	LocalKeys       *cryptoprovider.AsymmetricKeyPair
	PeerCertificate []byte
}
