package bus

// Kind identifies the event family and specific event carried on the
// bus. Four families exist: service requests into the core, socket
// notifications out of the socket manager, timer expirations, and
// internal events the state machines post to themselves.
type Kind int

const (
	KindInvalid Kind = iota

	// Input events from the services layer.
	KindSCConnect       // open a client secure connection; ElementID = connId
	KindSCDisconnect    // close a secure connection; ElementID = connId
	KindSCServiceSend   // send a service message; ElementID = connId, Payload = []byte, Aux = requestHandle
	KindEPOpen          // open an endpoint listener; ElementID = listenerId
	KindEPClose         // close an endpoint listener; ElementID = listenerId

	// Output events from the socket manager.
	KindSocketConnection // client socket finished connecting; ElementID = connId, Aux = socketId
	KindSocketRcvBytes   // bytes arrived; ElementID = connId, Payload = []byte
	KindSocketFailure    // socket error or remote close; ElementID = connId
	KindSocketAccepted   // server socket accepted; ElementID = listenerId, Aux = socketId

	// Timer expirations.
	KindConnectionTimeout // connection-establish deadline; ElementID = connId
	KindTokenRenew        // client renew deadline; ElementID = connId
	KindRequestTimeout    // per-request deadline; ElementID = connId, Aux = requestId
	KindPrecedentExpiry   // server precedent-token lifetime end; ElementID = connId

	// Internal secure-connection events.
	KindIntSCSendHello  // emit HEL; ElementID = connId
	KindIntSCSendOpen   // emit OPN; ElementID = connId, Aux = isRenew (0/1)
	KindIntSCSendClose  // emit CLO then close; ElementID = connId, Aux = status
	KindIntSCSendError  // emit ERR then close; ElementID = connId, Aux = status, Payload = reason string
	KindIntSCClose      // release the connection slot; ElementID = connId, Aux = status
	KindIntSCRcvFailure // chunk engine reported a decode failure; ElementID = connId, Aux = status

	// Internal endpoint-listener events.
	KindIntEPSCClose    // listener asks one of its connections to close; ElementID = connId, Aux = listenerId
	KindIntEPSCReleased // a server connection slot was freed; ElementID = listenerId, Aux = connId

	// Housekeeping.
	KindDiagSweep // cron-driven sweep of pending requests and census logging
)

var kindNames = map[Kind]string{
	KindSCConnect:         "SC_CONNECT",
	KindSCDisconnect:      "SC_DISCONNECT",
	KindSCServiceSend:     "SC_SERVICE_SND_MSG",
	KindEPOpen:            "EP_OPEN",
	KindEPClose:           "EP_CLOSE",
	KindSocketConnection:  "SOCKET_CONNECTION",
	KindSocketRcvBytes:    "SOCKET_RCV_BYTES",
	KindSocketFailure:     "SOCKET_FAILURE",
	KindSocketAccepted:    "SOCKET_ACCEPTED_CONNECTION",
	KindConnectionTimeout: "CONNECTION_TIMEOUT",
	KindTokenRenew:        "TOKEN_RENEW",
	KindRequestTimeout:    "REQUEST_TIMEOUT",
	KindPrecedentExpiry:   "PRECEDENT_TOKEN_EXPIRY",
	KindIntSCSendHello:    "INT_SC_SND_HEL",
	KindIntSCSendOpen:     "INT_SC_SND_OPN",
	KindIntSCSendClose:    "INT_SC_SND_CLO",
	KindIntSCSendError:    "INT_SC_SND_ERR",
	KindIntSCClose:        "INT_SC_CLOSE",
	KindIntSCRcvFailure:   "INT_SC_RCV_FAILURE",
	KindIntEPSCClose:      "INT_EP_SC_CLOSE",
	KindIntEPSCReleased:   "INT_EP_SC_RELEASED",
	KindDiagSweep:         "DIAG_SWEEP",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "UNKNOWN_EVENT"
}

// Event is one unit of work for the dispatcher. ElementID targets a
// connection or listener slot; Payload carries an owned buffer or
// message; Aux carries a small scalar (socket id, status code,
// request id) whose meaning depends on Kind.
type Event struct {
	Kind      Kind
	ElementID uint32
	Payload   any
	Aux       uint32
}
