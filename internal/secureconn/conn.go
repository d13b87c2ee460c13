package secureconn

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/bus"
	"github.com/sigurd-ua/opcua-secchan/internal/chunk"
	"github.com/sigurd-ua/opcua-secchan/internal/requests"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

func (c *Connection) post(kind bus.Kind, aux uint32, payload any) {
	c.env.Bus.Enqueue(bus.Event{Kind: kind, ElementID: c.id, Aux: aux, Payload: payload})
}

func (c *Connection) postNext(kind bus.Kind, aux uint32, payload any) {
	c.env.Bus.EnqueueNext(bus.Event{Kind: kind, ElementID: c.id, Aux: aux, Payload: payload})
}

// Start begins the connection's life: a client asks the socket
// manager to dial, a server already has its socket. Both sides arm
// the connection-establish timer.
func (c *Connection) Start() {
	c.establishTimer = c.env.Timers.Arm(c.env.Cfg.Core.ConnectionTimeout, func() {
		c.env.Bus.Enqueue(bus.Event{Kind: bus.KindConnectionTimeout, ElementID: c.id})
	})
	if c.role == RoleClient {
		c.env.Sockets.CreateClient(c.id, c.endpointURL)
	}
}

// HandleSocketConnected runs when the client's outbound socket is up.
func (c *Connection) HandleSocketConnected(socketID uint32) {
	if c.state != StateTCPInit || c.role != RoleClient {
		return
	}
	c.socketID = socketID
	c.socketOpen = true
	c.post(bus.KindIntSCSendHello, 0, nil)
}

// SendHello emits the HEL message and moves to the negotiation state.
func (c *Connection) SendHello() {
	if c.state != StateTCPInit || c.role != RoleClient {
		return
	}
	if len(c.endpointURL) > sctcp.MaxURLLength {
		c.closeImmediate(sctcp.BadTcpEndpointUrlInvalid)
		return
	}
	cfg := c.env.Cfg.Core
	c.helloSent = sctcp.Hello{
		ProtocolVersion:       0,
		ReceiveBufferSize:     cfg.ReceiveBufferSize,
		SendBufferSize:        cfg.SendBufferSize,
		ReceiveMaxMessageSize: cfg.MaxMessageLength,
		ReceiveMaxChunkCount:  cfg.MaxChunkCount,
		EndpointURL:           c.endpointURL,
	}
	var body bytes.Buffer
	if err := sctcp.WriteHello(&body, c.helloSent); err != nil {
		c.closeImmediate(sctcp.BadTcpInternalError)
		return
	}
	frame, err := chunk.EncodeUnsecured(sctcp.MsgHello, body.Bytes())
	if err != nil {
		c.closeImmediate(sctcp.BadTcpInternalError)
		return
	}
	c.env.Sockets.Write(c.socketID, frame)
	c.state = StateTCPNegotiate
}

// HandleBytes feeds socket data into the connection. Complete frames
// are cut out of the input buffer and dispatched; partial data stays
// buffered until more arrives.
func (c *Connection) HandleBytes(data []byte) {
	if c.state == StateClosed {
		return
	}
	c.inBuf = append(c.inBuf, data...)
	for {
		if len(c.inBuf) < sctcp.HeaderSize {
			return
		}
		size := binary.LittleEndian.Uint32(c.inBuf[4:8])
		if size < sctcp.HeaderSize {
			c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTooLarge, "message size smaller than header"))
			return
		}
		if limit := c.recvLimit(); limit > 0 && size > limit {
			c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTooLarge, "declared message size exceeds receive buffer"))
			return
		}
		if uint32(len(c.inBuf)) < size {
			return
		}
		frame := append([]byte(nil), c.inBuf[:size]...)
		c.inBuf = c.inBuf[size:]
		if !c.dispatchFrame(frame) {
			return
		}
		if c.state == StateClosed {
			return
		}
	}
}

// dispatchFrame routes one complete frame according to role and
// state. It returns false when the connection started failing and no
// further buffered frames should be processed.
func (c *Connection) dispatchFrame(frame []byte) bool {
	var msgType sctcp.MessageType
	copy(msgType[:], frame[0:3])

	// The flat TCP-level messages never pass through the decoder.
	switch msgType {
	case sctcp.MsgHello:
		if c.role != RoleServer || c.state != StateTCPInit {
			c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "unexpected HEL"))
			return false
		}
		return c.handleHello(frame[sctcp.HeaderSize:])

	case sctcp.MsgAck:
		if c.role != RoleClient || c.state != StateTCPNegotiate {
			c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "unexpected ACK"))
			return false
		}
		return c.handleAcknowledge(frame[sctcp.HeaderSize:])

	case sctcp.MsgError:
		return c.handleErrorMessage(frame[sctcp.HeaderSize:])
	}

	if c.dec == nil {
		c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "secured message before negotiation"))
		return false
	}

	// A renewal OPN arrives on the symmetric channel; only the
	// initial handshake OPN carries the asymmetric header.
	opnSymmetric := c.state == StateConnected || c.state == StateConnectedRenew
	msg, err := c.dec.PushFrame(frame, opnSymmetric)
	if err != nil {
		c.failReceive(err)
		return false
	}
	if msg == nil {
		return true // intermediate or aborted chunk
	}
	c.noteIncomingToken(msg)

	switch msg.Type {
	case sctcp.MsgOpen:
		if c.role == RoleServer {
			return c.handleServerOpen(msg)
		}
		return c.handleClientOpenResponse(msg)

	case sctcp.MsgSecure:
		return c.handleSecureMessage(msg)

	case sctcp.MsgClose:
		return c.handleCloseMessage(msg)
	}
	c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "unexpected message type"))
	return false
}

// noteIncomingToken tracks server-side activation of a renewed token:
// the first message protected with the new token retires the
// precedent key set.
func (c *Connection) noteIncomingToken(msg *chunk.Message) {
	if c.role != RoleServer || !c.hasCurrent || msg.TokenID == 0 {
		return
	}
	if msg.TokenID == c.currentToken.TokenID && c.hasPrecedent && !c.serverNewTokenActive {
		c.serverNewTokenActive = true
		c.dropPrecedentToken()
	}
}

func (c *Connection) dropPrecedentToken() {
	if !c.hasPrecedent {
		return
	}
	c.precedentKeys.Clear()
	c.precedentToken = SecurityToken{}
	c.hasPrecedent = false
	c.env.Timers.Cancel(c.precedentTimer)
	c.precedentTimer = 0
}

// handleSecureMessage delivers an assembled MSG to the services
// layer. The client additionally validates the request id against its
// pending table.
func (c *Connection) handleSecureMessage(msg *chunk.Message) bool {
	if c.state != StateConnected && c.state != StateConnectedRenew {
		c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "MSG outside connected state"))
		return false
	}
	if msg.ChannelID != c.currentToken.ChannelID {
		c.failReceive(sctcp.NewError(sctcp.BadTcpSecureChannelUnknown, "unknown secure channel id"))
		return false
	}
	if c.role == RoleClient {
		pr, ok := c.tracker.Match(msg.RequestID)
		if !ok {
			c.failReceive(sctcp.NewError(sctcp.BadSecurityChecksFailed, ""))
			return false
		}
		c.env.Timers.Cancel(pr.TimerID)
		c.env.Services.ReceiveMessage(c.id, pr.RequestHandle, msg.Body)
		return true
	}
	// Server side: the request id doubles as the handle the services
	// layer echoes on its response.
	c.env.Services.ReceiveMessage(c.id, msg.RequestID, msg.Body)
	return true
}

// handleCloseMessage processes a peer CLO. Only the server expects
// one; it tears down immediately and still asks the socket layer to
// close the socket as a belt-and-braces measure.
func (c *Connection) handleCloseMessage(msg *chunk.Message) bool {
	if c.role != RoleServer || (c.state != StateConnected && c.state != StateConnectedRenew) {
		c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "unexpected CLO"))
		return false
	}
	if c.socketOpen {
		c.env.Sockets.Close(c.socketID)
	}
	c.closeImmediate(sctcp.BadSecureChannelClosed)
	return false
}

// handleErrorMessage processes a peer ERR: record the status and tear
// down without answering.
func (c *Connection) handleErrorMessage(body []byte) bool {
	errMsg, err := sctcp.ReadErrorMessage(bytes.NewReader(body))
	if err != nil {
		c.closeImmediate(sctcp.BadTcpInternalError)
		return false
	}
	c.logger.Info("peer reported error", "status", errMsg.Code.String(), "reason", errMsg.Reason)
	c.closeImmediate(errMsg.Code)
	return false
}

// failReceive reports a decode failure upward. The chunk engine and
// frame parser never close the connection themselves; the close
// decision happens in HandleReceiveFailure.
func (c *Connection) failReceive(err error) {
	code := statusOf(err)
	c.logger.Debug("receive failure", "status", code.String(), "state", c.state.String())
	c.post(bus.KindIntSCRcvFailure, uint32(code), nil)
}

// HandleReceiveFailure decides how to close after a decode failure:
// the server answers with ERR, the client sends CLO when the channel
// was ever established, otherwise both drop immediately.
func (c *Connection) HandleReceiveFailure(code sctcp.StatusCode) {
	if c.state == StateClosed {
		return
	}
	if c.role == RoleServer {
		c.closeWithError(code, "")
		return
	}
	if c.everConnected {
		c.closeGraceful(code)
		return
	}
	c.closeImmediate(code)
}

// HandleSocketFailure runs on socket error or remote close: no
// farewell message can be sent, so drop immediately.
func (c *Connection) HandleSocketFailure() {
	if c.state == StateClosed {
		return
	}
	c.socketOpen = false
	c.closeImmediate(sctcp.BadSecureChannelClosed)
}

// HandleConnectionTimeout fires when the handshake did not complete
// within the configured window.
func (c *Connection) HandleConnectionTimeout() {
	switch c.state {
	case StateClosed, StateConnected, StateConnectedRenew:
		return
	}
	if c.role == RoleServer {
		c.closeWithError(sctcp.BadTimeout, "connection establishment timed out")
		return
	}
	c.closeImmediate(sctcp.BadTimeout)
}

// HandleTokenRenew fires the client's renewal timer.
func (c *Connection) HandleTokenRenew() {
	if c.role != RoleClient || c.state != StateConnected {
		return
	}
	c.post(bus.KindIntSCSendOpen, 1, nil)
}

// HandlePrecedentExpiry retires the precedent token when its lifetime
// ends without the peer ever using the new one.
func (c *Connection) HandlePrecedentExpiry() {
	c.precedentTimer = 0
	c.dropPrecedentToken()
}

// HandleRequestTimeout fires a per-request deadline. A timed-out
// service request surfaces to the services layer and the connection
// stays up; a timed-out channel-open request kills the connection.
func (c *Connection) HandleRequestTimeout(requestID uint32) {
	pr, ok := c.tracker.Match(requestID)
	if !ok {
		return
	}
	if pr.MsgType == sctcp.MsgOpen {
		c.opnPending = false
		if c.role == RoleClient {
			if c.everConnected {
				c.closeGraceful(sctcp.BadTimeout)
			} else {
				c.closeImmediate(sctcp.BadTimeout)
			}
		}
		return
	}
	c.env.Services.RequestTimeout(c.id, pr.RequestHandle)
}

// SendServiceMessage encodes and transmits a service-layer message.
// On the client, handleOrID is the caller's request handle and a
// fresh request id is allocated and tracked; on the server it is the
// request id being answered.
func (c *Connection) SendServiceMessage(body []byte, handleOrID uint32) {
	if c.state != StateConnected && c.state != StateConnectedRenew {
		c.env.Services.SendFailure(c.id, handleOrID, sctcp.BadSecureChannelClosed)
		return
	}
	requestID := handleOrID
	if c.role == RoleClient {
		requestID = c.nextRequest()
		timerID := c.armRequestTimer(requestID)
		c.tracker.Add(requests.PendingRequest{
			RequestID:     requestID,
			RequestHandle: handleOrID,
			MsgType:       sctcp.MsgSecure,
			ConnID:        c.id,
			TimerID:       timerID,
			Deadline:      c.env.Clock.Now().Add(c.env.Cfg.Core.RequestTimeout),
		})
	}
	chunks, err := c.enc.Encode(sctcp.MsgSecure, c.currentToken.ChannelID, requestID, body)
	if err != nil {
		if c.role == RoleClient {
			if pr, ok := c.tracker.Match(requestID); ok {
				c.env.Timers.Cancel(pr.TimerID)
			}
		}
		c.env.Services.SendFailure(c.id, handleOrID, statusOf(err))
		return
	}
	for _, frame := range chunks {
		c.env.Sockets.Write(c.socketID, frame)
	}
}

func (c *Connection) armRequestTimer(requestID uint32) requests.TimerID {
	id := requestID
	return c.env.Timers.Arm(c.env.Cfg.Core.RequestTimeout, func() {
		c.env.Bus.Enqueue(bus.Event{Kind: bus.KindRequestTimeout, ElementID: c.id, Aux: id})
	})
}

// RequestDisconnect is the services layer (or the owning listener)
// asking for a graceful close. A duplicate request after close is a
// no-op.
func (c *Connection) RequestDisconnect() {
	switch c.state {
	case StateClosed:
		return
	case StateConnected, StateConnectedRenew:
		if c.role == RoleServer {
			c.closeWithError(sctcp.BadSecureChannelClosed, "secure channel closed")
		} else {
			c.closeGraceful(sctcp.BadSecureChannelClosed)
		}
	default:
		c.closeImmediate(sctcp.BadSecureChannelClosed)
	}
}

// SweepExpired reaps pending requests whose deadlines passed, used by
// the periodic sweep as a backstop behind the per-request timers.
func (c *Connection) SweepExpired(now time.Time) []requests.PendingRequest {
	expired := c.tracker.Sweep(now)
	for _, pr := range expired {
		c.env.Timers.Cancel(pr.TimerID)
	}
	return expired
}

// closeGraceful transmits a farewell CLO before teardown. The two
// events ride the priority lane so the CLO reaches the socket ahead
// of the teardown, with nothing else interleaving.
func (c *Connection) closeGraceful(code sctcp.StatusCode) {
	c.postNext(bus.KindIntSCSendClose, uint32(code), nil)
	c.postNext(bus.KindIntSCClose, uint32(code), nil)
}

// closeWithError is the server-side farewell: an ERR message, blanked
// when the cause is a security failure, then teardown.
func (c *Connection) closeWithError(code sctcp.StatusCode, reason string) {
	if isSecurityStatus(code) {
		reason = ""
	}
	c.postNext(bus.KindIntSCSendError, uint32(code), reason)
	c.postNext(bus.KindIntSCClose, uint32(code), nil)
}

func (c *Connection) closeImmediate(code sctcp.StatusCode) {
	c.postNext(bus.KindIntSCClose, uint32(code), nil)
}

// SendCloseMessage emits the CLO chunk for a graceful client close.
func (c *Connection) SendCloseMessage() {
	if c.state != StateConnected && c.state != StateConnectedRenew || !c.socketOpen || c.enc == nil {
		return
	}
	chunks, err := c.enc.Encode(sctcp.MsgClose, c.currentToken.ChannelID, c.nextRequest(), nil)
	if err != nil {
		c.logger.Debug("encoding CLO failed", "error", err)
		return
	}
	for _, frame := range chunks {
		c.env.Sockets.Write(c.socketID, frame)
	}
}

// SendErrorMessage emits an ERR chunk. The reason must already be
// blanked by the caller when the cause was a security failure.
func (c *Connection) SendErrorMessage(code sctcp.StatusCode, reason string) {
	if !c.socketOpen {
		return
	}
	var body bytes.Buffer
	if err := sctcp.WriteErrorMessage(&body, sctcp.ErrorMessage{Code: code, Reason: reason}); err != nil {
		return
	}
	frame, err := chunk.EncodeUnsecured(sctcp.MsgError, body.Bytes())
	if err != nil {
		return
	}
	c.env.Sockets.Write(c.socketID, frame)
}

// Release tears the connection down: cancel every timer, drain the
// pending-request table, zero-wipe key material and free the socket.
// Idempotent; a second release is a no-op.
func (c *Connection) Release(code sctcp.StatusCode) {
	if c.state == StateClosed {
		return
	}
	wasConnected := c.everConnected
	c.state = StateClosed

	c.env.Timers.Cancel(c.establishTimer)
	c.env.Timers.Cancel(c.renewTimer)
	c.env.Timers.Cancel(c.precedentTimer)
	c.establishTimer, c.renewTimer, c.precedentTimer = 0, 0, 0

	for _, pr := range c.tracker.DrainAll() {
		c.env.Timers.Cancel(pr.TimerID)
	}

	c.currentKeys.Clear()
	c.precedentKeys.Clear()
	zeroWipe(c.clientNonce)
	c.clientNonce = nil
	c.hasCurrent = false
	c.hasPrecedent = false
	c.currentToken = SecurityToken{}
	c.precedentToken = SecurityToken{}
	c.inBuf = nil
	c.enc = nil
	c.dec = nil

	if c.socketOpen {
		c.env.Sockets.Close(c.socketID)
		c.socketOpen = false
	}

	c.logger.Info("connection closed", "status", code.String(), "was_connected", wasConnected)

	if wasConnected {
		c.env.Services.Disconnected(c.id, code)
	} else if c.role == RoleClient {
		c.env.Services.ConnectionTimeout(c.id)
	}
	if c.role == RoleServer {
		c.env.Bus.Enqueue(bus.Event{Kind: bus.KindIntEPSCReleased, ElementID: c.listenerID, Aux: c.id})
	}
}

func zeroWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
