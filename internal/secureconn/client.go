package secureconn

import (
	"bytes"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/bus"
	"github.com/sigurd-ua/opcua-secchan/internal/chunk"
	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/requests"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// renewFraction is the share of the token lifetime after which the
// client requests renewal (OPC UA Part 4).
const renewFraction = 0.75

// handleAcknowledge processes the server's ACK: apply the buffer
// minima, reject values the server revised upward, and move on to the
// channel-open exchange.
func (c *Connection) handleAcknowledge(body []byte) bool {
	ack, err := sctcp.ReadAcknowledge(bytes.NewReader(body))
	if err != nil {
		c.failReceive(sctcp.NewError(sctcp.BadTcpInternalError, "malformed acknowledge"))
		return false
	}

	// The server may shrink what we offered but never grow it.
	if ack.ReceiveBufferSize > c.helloSent.SendBufferSize || ack.SendBufferSize > c.helloSent.ReceiveBufferSize {
		c.closeImmediate(sctcp.BadInvalidArgument)
		return false
	}
	if ack.ReceiveBufferSize < sctcp.MinBufferSize || ack.SendBufferSize < sctcp.MinBufferSize {
		c.closeImmediate(sctcp.BadInvalidArgument)
		return false
	}

	cfg := c.env.Cfg.Core
	c.tcp = TCPProperties{
		ProtocolVersion:       ack.ProtocolVersion,
		SendBufferSize:        ack.ReceiveBufferSize,
		ReceiveBufferSize:     ack.SendBufferSize,
		ReceiveMaxMessageSize: cfg.MaxMessageLength,
		SendMaxMessageSize:    minNonZero(cfg.MaxMessageLength, ack.ReceiveMaxMessageSize),
		ReceiveMaxChunkCount:  cfg.MaxChunkCount,
		SendMaxChunkCount:     minNonZero(cfg.MaxChunkCount, ack.ReceiveMaxChunkCount),
	}

	provider, err := cryptoprovider.NewProvider(c.policyURI)
	if err != nil {
		c.closeImmediate(sctcp.BadInvalidArgument)
		return false
	}
	c.provider = provider
	c.enc = chunk.NewEncoder(c, c.tcp.SendBufferSize, c.tcp.SendMaxChunkCount)
	c.dec = chunk.NewDecoder(c, c.tcp.ReceiveBufferSize, c.tcp.ReceiveMaxMessageSize, c.tcp.ReceiveMaxChunkCount)
	c.state = StateInit
	c.post(bus.KindIntSCSendOpen, 0, nil)
	return true
}

// SendOpen emits a channel-open request: the initial issue under the
// asymmetric header, or a renewal on the established symmetric
// channel. Only one open request may be outstanding at a time.
func (c *Connection) SendOpen(isRenew bool) {
	if c.role != RoleClient || c.opnPending {
		return
	}
	if isRenew && c.state != StateConnected {
		return
	}
	if !isRenew && c.state != StateInit {
		return
	}

	if c.mode != cryptoprovider.ModeNone {
		nonce, err := c.provider.GenerateNonce(c.provider.Policy().SymmetricKeyLength)
		if err != nil {
			c.closeImmediate(sctcp.BadTcpInternalError)
			return
		}
		zeroWipe(c.clientNonce)
		c.clientNonce = nonce
	}

	lifetime := c.requestedLifetime
	if lifetime < c.env.Cfg.Core.MinSecureConnectionLifetime {
		lifetime = c.env.Cfg.Core.MinSecureConnectionLifetime
	}
	reqType := openRequestIssue
	if isRenew {
		reqType = openRequestRenew
	}
	requestID := c.nextRequest()
	body, err := openRequest{
		RequestHandle:     c.id,
		RequestType:       reqType,
		SecurityMode:      c.mode,
		RequestedLifetime: uint32(lifetime / time.Millisecond),
		ClientNonce:       c.clientNonce,
	}.encode()
	if err != nil {
		c.closeImmediate(sctcp.BadTcpInternalError)
		return
	}

	var frames [][]byte
	if isRenew {
		frames, err = c.enc.Encode(sctcp.MsgOpen, c.currentToken.ChannelID, requestID, body)
	} else {
		var frame []byte
		frame, err = c.enc.EncodeOpen(0, requestID, body)
		frames = [][]byte{frame}
	}
	if err != nil {
		c.closeImmediate(statusOf(err))
		return
	}

	timerID := c.env.Timers.Arm(c.env.Cfg.Core.ConnectionTimeout, func() {
		c.env.Bus.Enqueue(bus.Event{Kind: bus.KindRequestTimeout, ElementID: c.id, Aux: requestID})
	})
	c.tracker.Add(requests.PendingRequest{
		RequestID:     requestID,
		RequestHandle: c.id,
		MsgType:       sctcp.MsgOpen,
		ConnID:        c.id,
		TimerID:       timerID,
		Deadline:      c.env.Clock.Now().Add(c.env.Cfg.Core.ConnectionTimeout),
	})
	c.opnPending = true

	for _, frame := range frames {
		c.env.Sockets.Write(c.socketID, frame)
	}
	if isRenew {
		c.state = StateConnectedRenew
	} else {
		c.state = StateConnecting
	}
}

// handleClientOpenResponse processes the server's channel-open
// response for both the initial issue and a renewal.
func (c *Connection) handleClientOpenResponse(msg *chunk.Message) bool {
	if c.state != StateConnecting && c.state != StateConnectedRenew {
		c.failReceive(sctcp.NewError(sctcp.BadTcpMessageTypeInvalid, "unexpected OPN response"))
		return false
	}
	pr, ok := c.tracker.Match(msg.RequestID)
	if !ok || pr.MsgType != sctcp.MsgOpen {
		c.failReceive(sctcp.NewError(sctcp.BadSecurityChecksFailed, ""))
		return false
	}
	c.env.Timers.Cancel(pr.TimerID)
	c.opnPending = false
	renewing := c.state == StateConnectedRenew

	resp, err := decodeOpenResponse(msg.Body)
	if err != nil {
		c.abortOpen(sctcp.BadTcpInternalError, renewing)
		return false
	}
	if !resp.ServiceResult.IsGood() {
		c.abortOpen(resp.ServiceResult, renewing)
		return false
	}
	if resp.RequestHandle != c.id || resp.ChannelID == 0 || resp.TokenID == 0 {
		c.abortOpen(sctcp.BadInvalidArgument, renewing)
		return false
	}
	if renewing && (resp.ChannelID != c.currentToken.ChannelID || resp.TokenID == c.currentToken.TokenID) {
		c.abortOpen(sctcp.BadInvalidArgument, renewing)
		return false
	}
	if c.mode == cryptoprovider.ModeNone && len(resp.ServerNonce) != 0 {
		c.abortOpen(sctcp.BadInvalidArgument, renewing)
		return false
	}

	var newKeys cryptoprovider.DirectionalKeys
	if c.mode != cryptoprovider.ModeNone {
		newKeys, err = c.provider.DeriveKeys(c.clientNonce, resp.ServerNonce)
		if err != nil {
			c.abortOpen(sctcp.BadSecurityChecksFailed, renewing)
			return false
		}
	}
	zeroWipe(c.clientNonce)
	c.clientNonce = nil

	now := c.env.Clock.Now()
	revised := time.Duration(resp.RevisedLifetime) * time.Millisecond
	newToken := SecurityToken{
		ChannelID:       resp.ChannelID,
		TokenID:         resp.TokenID,
		CreatedAt:       now,
		RevisedLifetime: revised,
		LifetimeEnd:     now.Add(revised),
	}

	if renewing {
		// The previous token stays usable for decoding late server
		// messages until its lifetime runs out.
		c.dropPrecedentToken()
		c.precedentToken = c.currentToken
		c.precedentKeys = c.currentKeys
		c.hasPrecedent = true
		c.precedentTimer = c.env.Timers.Arm(c.precedentToken.LifetimeEnd.Sub(now), func() {
			c.env.Bus.Enqueue(bus.Event{Kind: bus.KindPrecedentExpiry, ElementID: c.id})
		})
	} else {
		c.env.Timers.Cancel(c.establishTimer)
		c.establishTimer = 0
	}
	c.currentToken = newToken
	c.currentKeys = newKeys
	c.hasCurrent = true

	c.env.Timers.Cancel(c.renewTimer)
	c.renewTimer = c.env.Timers.Arm(time.Duration(float64(revised)*renewFraction), func() {
		c.env.Bus.Enqueue(bus.Event{Kind: bus.KindTokenRenew, ElementID: c.id})
	})

	c.state = StateConnected
	if !c.everConnected {
		c.everConnected = true
		c.logger.Info("secure channel established",
			"channel_id", newToken.ChannelID,
			"token_id", newToken.TokenID,
			"policy", c.policyURI,
			"mode", c.mode.String(),
		)
		c.env.Services.Connected(c.id)
	} else {
		c.logger.Debug("secure channel token renewed", "channel_id", newToken.ChannelID, "token_id", newToken.TokenID)
	}
	return true
}

// abortOpen fails a channel-open exchange: before the channel ever
// connected this drops the connection outright, during a renewal it
// closes gracefully so the peer sees a CLO.
func (c *Connection) abortOpen(code sctcp.StatusCode, renewing bool) {
	if renewing {
		c.closeGraceful(code)
		return
	}
	c.closeImmediate(code)
}

func minNonZero(local, peer uint32) uint32 {
	if peer == 0 {
		return local
	}
	if local == 0 || peer < local {
		return peer
	}
	return local
}
