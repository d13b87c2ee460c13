// Package secureconn implements the per-connection secure channel
// state machine: the TCP-level Hello/Acknowledge negotiation, the
// channel-open exchange with token issue and renewal, message
// transfer, and teardown. One Connection exists per TCP socket; all
// its methods run on the dispatcher goroutine.
package secureconn

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/bus"
	"github.com/sigurd-ua/opcua-secchan/internal/chunk"
	"github.com/sigurd-ua/opcua-secchan/internal/collab"
	"github.com/sigurd-ua/opcua-secchan/internal/config"
	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/requests"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// State is the connection's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateTCPInit
	StateTCPNegotiate
	StateInit
	StateConnecting
	StateConnected
	StateConnectedRenew
)

var stateNames = map[State]string{
	StateClosed:         "SC_CLOSED",
	StateTCPInit:        "TCP_INIT",
	StateTCPNegotiate:   "TCP_NEGOTIATE",
	StateInit:           "SC_INIT",
	StateConnecting:     "SC_CONNECTING",
	StateConnected:      "SC_CONNECTED",
	StateConnectedRenew: "SC_CONNECTED_RENEW",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Role distinguishes the connection's side of the handshake.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// TCPProperties holds the buffer and size limits negotiated during
// the Hello/Acknowledge exchange.
type TCPProperties struct {
	ProtocolVersion       uint32
	ReceiveBufferSize     uint32
	SendBufferSize        uint32
	ReceiveMaxMessageSize uint32
	SendMaxMessageSize    uint32
	ReceiveMaxChunkCount  uint32
	SendMaxChunkCount     uint32
}

// SecurityToken identifies one symmetric key epoch of the channel.
type SecurityToken struct {
	ChannelID       uint32
	TokenID         uint32
	CreatedAt       time.Time
	RevisedLifetime time.Duration
	LifetimeEnd     time.Time
}

// Env bundles everything a Connection needs from its surroundings.
// One Env is shared by all connections of a core.
type Env struct {
	Bus      *bus.Bus
	Sockets  collab.Sockets
	Services collab.Services
	Timers   *requests.Timers
	Clock    requests.Clock
	Logger   *slog.Logger
	Cfg      *config.Config

	// UniqueChannelID and UniqueTokenID allocate ids that do not
	// collide with any other active connection of the same listener
	// (server side). Implemented by the runtime, which can see every
	// slot.
	UniqueChannelID func(listenerID uint32) (uint32, error)
	UniqueTokenID   func(listenerID uint32) (uint32, error)

	// ValidateCertificate is the PKI acceptance check applied to peer
	// certificates during the channel-open exchange. nil accepts any
	// certificate.
	ValidateCertificate func(der []byte) error
}

// Connection is one secure channel over one TCP socket.
type Connection struct {
	id     uint32
	role   Role
	env    *Env
	logger *slog.Logger

	state      State
	socketID   uint32
	socketOpen bool
	listenerID uint32

	endpointURL string
	endpoint    *config.EndpointConfig

	policyURI         string
	mode              cryptoprovider.SecurityMode
	provider          cryptoprovider.Provider
	localKeys         *cryptoprovider.AsymmetricKeyPair
	peerCert          []byte
	asymEncryption    bool
	requestedLifetime time.Duration

	tcp         TCPProperties
	helloSent   sctcp.Hello
	inBuf       []byte

	enc *chunk.Encoder
	dec *chunk.Decoder

	currentToken   SecurityToken
	precedentToken SecurityToken
	hasCurrent     bool
	hasPrecedent   bool
	currentKeys    cryptoprovider.DirectionalKeys
	precedentKeys  cryptoprovider.DirectionalKeys
	clientNonce    []byte

	serverNewTokenActive bool

	tracker       *requests.Tracker
	nextRequestID uint32
	opnPending    bool

	establishTimer requests.TimerID
	renewTimer     requests.TimerID
	precedentTimer requests.TimerID

	everConnected bool
}

// ClientParams configures an outbound connection.
type ClientParams struct {
	EndpointURL       string
	PolicyURI         string
	Mode              cryptoprovider.SecurityMode
	LocalKeys         *cryptoprovider.AsymmetricKeyPair
	ServerCertificate []byte
	RequestedLifetime time.Duration
}

// NewClient allocates a client connection in its initial state. Start
// must be called to begin the handshake.
func NewClient(id uint32, env *Env, p ClientParams) *Connection {
	return &Connection{
		id:                id,
		role:              RoleClient,
		env:               env,
		logger:            env.Logger.With("component", "secure_connection", "conn_id", id, "role", "client"),
		state:             StateTCPInit,
		endpointURL:       p.EndpointURL,
		policyURI:         p.PolicyURI,
		mode:              p.Mode,
		localKeys:         p.LocalKeys,
		peerCert:          p.ServerCertificate,
		requestedLifetime: p.RequestedLifetime,
		tracker:           requests.NewTracker(),
	}
}

// NewServer allocates a server connection for a freshly accepted
// socket. The security policy and mode are learned from the peer's
// channel-open request.
func NewServer(id, listenerID, socketID uint32, env *Env, endpoint *config.EndpointConfig, localKeys *cryptoprovider.AsymmetricKeyPair) *Connection {
	return &Connection{
		id:         id,
		role:       RoleServer,
		env:        env,
		logger:     env.Logger.With("component", "secure_connection", "conn_id", id, "role", "server"),
		state:      StateTCPInit,
		listenerID: listenerID,
		socketID:   socketID,
		socketOpen: true,
		endpoint:   endpoint,
		localKeys:  localKeys,
		mode:       cryptoprovider.ModeInvalid,
		tracker:    requests.NewTracker(),
	}
}

// ID returns the connection's slot id.
func (c *Connection) ID() uint32 { return c.id }

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state }

// Role returns the connection's role.
func (c *Connection) Role() Role { return c.role }

// ListenerID returns the owning listener's id (server connections).
func (c *Connection) ListenerID() uint32 { return c.listenerID }

// TCP returns the negotiated transport properties.
func (c *Connection) TCP() TCPProperties { return c.tcp }

// CurrentSecurityToken returns the active token, if any.
func (c *Connection) CurrentSecurityToken() (SecurityToken, bool) {
	return c.currentToken, c.hasCurrent
}

// PendingRequests reports how many requests await a response.
func (c *Connection) PendingRequests() int { return c.tracker.Len() }

// HasPrecedentToken reports whether the previous token epoch is still
// usable for decoding late messages.
func (c *Connection) HasPrecedentToken() bool { return c.hasPrecedent }

// KeyLengths returns the byte lengths of the active signing and
// encryption keys, for diagnostics.
func (c *Connection) KeyLengths() (sign, encrypt int) {
	return len(c.currentKeys.Local.SigningKey), len(c.currentKeys.Local.EncryptionKey)
}

// Mode implements chunk.SecurityContext. Before the server has parsed
// the channel-open request it does not know the negotiated mode; the
// asymmetric header told it whether encryption is active, which is
// all the chunk engine needs at that point.
func (c *Connection) Mode() cryptoprovider.SecurityMode {
	if c.mode == cryptoprovider.ModeInvalid {
		if c.asymEncryption {
			return cryptoprovider.ModeSignAndEncrypt
		}
		return cryptoprovider.ModeNone
	}
	return c.mode
}

// KeysForToken implements chunk.SecurityContext: resolve a symmetric
// token id to the current or precedent key set.
func (c *Connection) KeysForToken(tokenID uint32, incoming bool) (cryptoprovider.Provider, cryptoprovider.KeySet, error) {
	var keys cryptoprovider.DirectionalKeys
	switch {
	case c.hasCurrent && tokenID == c.currentToken.TokenID:
		keys = c.currentKeys
	case c.hasPrecedent && tokenID == c.precedentToken.TokenID:
		if c.env.Clock.Now().After(c.precedentToken.LifetimeEnd) {
			return nil, cryptoprovider.KeySet{}, sctcp.NewError(sctcp.BadSecureChannelTokenUnknown, "")
		}
		keys = c.precedentKeys
	default:
		return nil, cryptoprovider.KeySet{}, sctcp.NewError(sctcp.BadSecureChannelTokenUnknown, "")
	}
	if incoming {
		return c.provider, keys.Remote, nil
	}
	return c.provider, keys.Local, nil
}

// CurrentToken implements chunk.SecurityContext.
func (c *Connection) CurrentToken() uint32 {
	if !c.hasCurrent {
		return 0
	}
	return c.currentToken.TokenID
}

// AsymmetricSecurity implements chunk.SecurityContext.
func (c *Connection) AsymmetricSecurity() (cryptoprovider.Provider, chunk.AsymmetricMaterial, error) {
	if c.provider == nil {
		return nil, chunk.AsymmetricMaterial{}, sctcp.NewError(sctcp.BadTcpInternalError, "no security provider")
	}
	return c.provider, chunk.AsymmetricMaterial{
		PolicyURI:       c.policyURI,
		LocalKeys:       c.localKeys,
		PeerCertificate: c.peerCert,
	}, nil
}

// ValidateAsymmetricHeader implements chunk.SecurityContext. On the
// server this is where the policy and peer certificate of a new
// channel are learned and checked; on the client it verifies the
// response matches what was configured.
func (c *Connection) ValidateAsymmetricHeader(h sctcp.AsymmetricSecurityHeader) error {
	if c.role == RoleServer {
		if c.endpoint != nil && !c.endpoint.AllowsPolicy(h.PolicyURI) {
			return sctcp.NewError(sctcp.BadSecurityChecksFailed, "security policy not supported by endpoint")
		}
		if c.provider == nil {
			provider, err := cryptoprovider.NewProvider(h.PolicyURI)
			if err != nil {
				return sctcp.NewError(sctcp.BadSecurityChecksFailed, "")
			}
			c.policyURI = h.PolicyURI
			c.provider = provider
		} else if h.PolicyURI != c.policyURI {
			return sctcp.NewError(sctcp.BadSecurityChecksFailed, "security policy changed mid-handshake")
		}
		c.asymEncryption = len(h.SenderCertificate) > 0
		if c.asymEncryption {
			if c.env.ValidateCertificate != nil {
				if err := c.env.ValidateCertificate(h.SenderCertificate); err != nil {
					return sctcp.NewError(sctcp.BadSecurityChecksFailed, "")
				}
			}
			if err := c.checkThumbprint(h.ReceiverCertificateThumbprint); err != nil {
				return err
			}
			c.peerCert = append([]byte(nil), h.SenderCertificate...)
		}
		return nil
	}

	// Client: the response must carry the policy we asked for, and
	// under a secured mode the peer certificate we were configured
	// with.
	if h.PolicyURI != c.policyURI {
		return sctcp.NewError(sctcp.BadSecurityChecksFailed, "")
	}
	if c.mode != cryptoprovider.ModeNone {
		if c.env.ValidateCertificate != nil {
			if err := c.env.ValidateCertificate(h.SenderCertificate); err != nil {
				return sctcp.NewError(sctcp.BadSecurityChecksFailed, "")
			}
		}
		if err := c.checkThumbprint(h.ReceiverCertificateThumbprint); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) checkThumbprint(thumbprint []byte) error {
	if c.localKeys == nil {
		return sctcp.NewError(sctcp.BadSecurityChecksFailed, "")
	}
	want := cryptoprovider.CertificateThumbprint(c.localKeys.CertificateDER)
	if len(thumbprint) != len(want) {
		return sctcp.NewError(sctcp.BadSecurityChecksFailed, "")
	}
	for i := range want {
		if thumbprint[i] != want[i] {
			return sctcp.NewError(sctcp.BadSecurityChecksFailed, "")
		}
	}
	return nil
}

func (c *Connection) nextRequest() uint32 {
	c.nextRequestID++
	if c.nextRequestID == 0 {
		c.nextRequestID = 1
	}
	return c.nextRequestID
}

func (c *Connection) recvLimit() uint32 {
	if c.tcp.ReceiveBufferSize != 0 {
		return c.tcp.ReceiveBufferSize
	}
	return c.env.Cfg.Core.ReceiveBufferSize
}

// statusOf maps an error to the status code reported upward.
func statusOf(err error) sctcp.StatusCode {
	if se, ok := err.(*sctcp.Error); ok {
		return se.Code
	}
	return sctcp.BadTcpInternalError
}

// isSecurityStatus reports whether a status must have its reason
// blanked before leaving the process.
func isSecurityStatus(code sctcp.StatusCode) bool {
	switch code {
	case sctcp.BadSecurityChecksFailed, sctcp.BadSecureChannelTokenUnknown, sctcp.BadTcpSecureChannelUnknown:
		return true
	}
	return false
}
