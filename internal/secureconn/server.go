package secureconn

import (
	"bytes"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/bus"
	"github.com/sigurd-ua/opcua-secchan/internal/chunk"
	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// handleHello processes the client's HEL: validate the endpoint url
// and buffer offers, apply the minima and answer with ACK.
func (c *Connection) handleHello(body []byte) bool {
	hel, err := sctcp.ReadHello(bytes.NewReader(body))
	if err != nil {
		c.closeWithError(sctcp.BadTcpEndpointUrlInvalid, "malformed hello")
		return false
	}
	if hel.ProtocolVersion != 0 {
		// Version 0 is the only published protocol version; a higher
		// offer still speaks version 0 on the wire, so accept it.
		c.logger.Debug("peer offered protocol version", "version", hel.ProtocolVersion)
	}
	if hel.ReceiveBufferSize < sctcp.MinBufferSize || hel.SendBufferSize < sctcp.MinBufferSize {
		c.closeWithError(sctcp.BadInvalidArgument, "buffer size below protocol minimum")
		return false
	}
	c.state = StateTCPNegotiate

	cfg := c.env.Cfg.Core
	c.tcp = TCPProperties{
		ProtocolVersion:       0,
		SendBufferSize:        minNonZero(cfg.SendBufferSize, hel.ReceiveBufferSize),
		ReceiveBufferSize:     minNonZero(cfg.ReceiveBufferSize, hel.SendBufferSize),
		ReceiveMaxMessageSize: cfg.MaxMessageLength,
		SendMaxMessageSize:    minNonZero(cfg.MaxMessageLength, hel.ReceiveMaxMessageSize),
		ReceiveMaxChunkCount:  cfg.MaxChunkCount,
		SendMaxChunkCount:     minNonZero(cfg.MaxChunkCount, hel.ReceiveMaxChunkCount),
	}

	ack := sctcp.Acknowledge{
		ProtocolVersion:       0,
		ReceiveBufferSize:     c.tcp.ReceiveBufferSize,
		SendBufferSize:        c.tcp.SendBufferSize,
		ReceiveMaxMessageSize: c.tcp.ReceiveMaxMessageSize,
		ReceiveMaxChunkCount:  c.tcp.ReceiveMaxChunkCount,
	}
	var ackBody bytes.Buffer
	if err := sctcp.WriteAcknowledge(&ackBody, ack); err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "encoding acknowledge failed")
		return false
	}
	frame, err := chunk.EncodeUnsecured(sctcp.MsgAck, ackBody.Bytes())
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "encoding acknowledge failed")
		return false
	}
	c.env.Sockets.Write(c.socketID, frame)

	// The decoder exists from here on; the provider is created once
	// the channel-open request names its policy.
	c.enc = chunk.NewEncoder(c, c.tcp.SendBufferSize, c.tcp.SendMaxChunkCount)
	c.dec = chunk.NewDecoder(c, c.tcp.ReceiveBufferSize, c.tcp.ReceiveMaxMessageSize, c.tcp.ReceiveMaxChunkCount)
	c.state = StateInit
	return true
}

// handleServerOpen processes a channel-open request: the initial
// issue while in the post-negotiation state, or a renewal on the
// established channel.
func (c *Connection) handleServerOpen(msg *chunk.Message) bool {
	switch c.state {
	case StateInit:
		return c.handleServerOpenIssue(msg)
	case StateConnected:
		return c.handleServerOpenRenew(msg)
	default:
		c.closeWithError(sctcp.BadSecurityChecksFailed, "")
		return false
	}
}

func (c *Connection) handleServerOpenIssue(msg *chunk.Message) bool {
	req, err := decodeOpenRequest(msg.Body)
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "malformed channel-open request")
		return false
	}
	if req.RequestType != openRequestIssue {
		c.closeWithError(sctcp.BadSecurityChecksFailed, "")
		return false
	}
	if !c.modeAcceptable(req.SecurityMode) {
		c.closeWithError(sctcp.BadSecurityChecksFailed, "")
		return false
	}
	c.mode = req.SecurityMode

	channelID, err := c.env.UniqueChannelID(c.listenerID)
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "secure channel id allocation failed")
		return false
	}
	tokenID, err := c.env.UniqueTokenID(c.listenerID)
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "token id allocation failed")
		return false
	}

	token, keys, serverNonce, ok := c.buildToken(channelID, tokenID, req)
	if !ok {
		return false
	}
	c.state = StateConnecting

	respBody, err := openResponse{
		RequestHandle:   req.RequestHandle,
		ServiceResult:   sctcp.StatusGood,
		ChannelID:       token.ChannelID,
		TokenID:         token.TokenID,
		RevisedLifetime: uint32(token.RevisedLifetime / time.Millisecond),
		ServerNonce:     serverNonce,
	}.encode()
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "encoding channel-open response failed")
		return false
	}
	frame, err := c.enc.EncodeOpen(token.ChannelID, msg.RequestID, respBody)
	if err != nil {
		c.closeWithError(statusOf(err), "")
		return false
	}
	c.env.Sockets.Write(c.socketID, frame)

	c.currentToken = token
	c.currentKeys = keys
	c.hasCurrent = true
	c.env.Timers.Cancel(c.establishTimer)
	c.establishTimer = 0
	c.state = StateConnected
	c.everConnected = true
	c.logger.Info("secure channel established",
		"channel_id", token.ChannelID,
		"token_id", token.TokenID,
		"policy", c.policyURI,
		"mode", c.mode.String(),
	)
	c.env.Services.Connected(c.id)
	return true
}

func (c *Connection) handleServerOpenRenew(msg *chunk.Message) bool {
	req, err := decodeOpenRequest(msg.Body)
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "malformed channel-open request")
		return false
	}
	if req.RequestType != openRequestRenew || req.SecurityMode != c.mode {
		c.closeWithError(sctcp.BadSecurityChecksFailed, "")
		return false
	}
	c.state = StateConnectedRenew

	tokenID, err := c.env.UniqueTokenID(c.listenerID)
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "token id allocation failed")
		return false
	}
	token, keys, serverNonce, ok := c.buildToken(c.currentToken.ChannelID, tokenID, req)
	if !ok {
		return false
	}

	respBody, err := openResponse{
		RequestHandle:   req.RequestHandle,
		ServiceResult:   sctcp.StatusGood,
		ChannelID:       token.ChannelID,
		TokenID:         token.TokenID,
		RevisedLifetime: uint32(token.RevisedLifetime / time.Millisecond),
		ServerNonce:     serverNonce,
	}.encode()
	if err != nil {
		c.closeWithError(sctcp.BadTcpInternalError, "encoding channel-open response failed")
		return false
	}

	// The response is still protected with the token the client holds
	// active; the new token is promoted only after it is on the wire.
	frames, err := c.enc.Encode(sctcp.MsgOpen, token.ChannelID, msg.RequestID, respBody)
	if err != nil {
		c.closeWithError(statusOf(err), "")
		return false
	}
	for _, frame := range frames {
		c.env.Sockets.Write(c.socketID, frame)
	}

	c.dropPrecedentToken()
	c.precedentToken = c.currentToken
	c.precedentKeys = c.currentKeys
	c.hasPrecedent = true
	c.serverNewTokenActive = false
	now := c.env.Clock.Now()
	c.precedentTimer = c.env.Timers.Arm(c.precedentToken.LifetimeEnd.Sub(now), func() {
		c.env.Bus.Enqueue(bus.Event{Kind: bus.KindPrecedentExpiry, ElementID: c.id})
	})

	c.currentToken = token
	c.currentKeys = keys
	c.hasCurrent = true
	c.state = StateConnected
	c.logger.Debug("secure channel token renewed", "channel_id", token.ChannelID, "token_id", token.TokenID)
	return true
}

// buildToken derives the key material and lifetime for a new token
// from a channel-open request.
func (c *Connection) buildToken(channelID, tokenID uint32, req openRequest) (SecurityToken, cryptoprovider.DirectionalKeys, []byte, bool) {
	var keys cryptoprovider.DirectionalKeys
	var serverNonce []byte
	if c.mode != cryptoprovider.ModeNone {
		if len(req.ClientNonce) == 0 {
			c.closeWithError(sctcp.BadSecurityChecksFailed, "")
			return SecurityToken{}, keys, nil, false
		}
		var err error
		serverNonce, err = c.provider.GenerateNonce(c.provider.Policy().SymmetricKeyLength)
		if err != nil {
			c.closeWithError(sctcp.BadTcpInternalError, "nonce generation failed")
			return SecurityToken{}, keys, nil, false
		}
		keys, err = c.provider.DeriveKeys(serverNonce, req.ClientNonce)
		if err != nil {
			c.closeWithError(sctcp.BadSecurityChecksFailed, "")
			return SecurityToken{}, keys, nil, false
		}
	}

	lifetime := time.Duration(req.RequestedLifetime) * time.Millisecond
	if lifetime < c.env.Cfg.Core.MinSecureConnectionLifetime {
		lifetime = c.env.Cfg.Core.MinSecureConnectionLifetime
	}
	now := c.env.Clock.Now()
	return SecurityToken{
		ChannelID:       channelID,
		TokenID:         tokenID,
		CreatedAt:       now,
		RevisedLifetime: lifetime,
		LifetimeEnd:     now.Add(lifetime),
	}, keys, serverNonce, true
}

// modeAcceptable checks the requested mode against the negotiated
// policy: None requires mode None, a secured policy requires a
// secured mode and an encrypted handshake.
func (c *Connection) modeAcceptable(mode cryptoprovider.SecurityMode) bool {
	if c.policyURI == cryptoprovider.PolicyNone || c.provider == nil {
		return mode == cryptoprovider.ModeNone
	}
	if mode != cryptoprovider.ModeSign && mode != cryptoprovider.ModeSignAndEncrypt {
		return false
	}
	return c.asymEncryption
}
