package core

import (
	"github.com/sigurd-ua/opcua-secchan/internal/bus"
	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
	"github.com/sigurd-ua/opcua-secchan/internal/secureconn"
)

// handle is the single dispatch point for every event on the bus.
// Events for unknown or already-freed slots are silently dropped.
func (c *Core) handle(ev bus.Event) {
	switch ev.Kind {
	// Listener events resolve through the listener table.
	case bus.KindEPOpen:
		if l := c.listener(ev.ElementID); l != nil {
			l.Open()
		}

	case bus.KindEPClose:
		c.handleListenerClose(ev.ElementID)

	case bus.KindSocketAccepted:
		c.handleSocketAccepted(ev.ElementID, ev.Aux)

	case bus.KindIntEPSCReleased:
		if l := c.listener(ev.ElementID); l != nil {
			l.Unregister(ev.Aux)
		}
		c.freeSlot(ev.Aux)

	case bus.KindDiagSweep:
		c.sweep()

	default:
		c.handleConnEvent(ev)
	}
}

func (c *Core) handleConnEvent(ev bus.Event) {
	conn := c.conn(ev.ElementID)
	if conn == nil {
		c.logger.Debug("dropping event for unknown connection", "event", ev.Kind.String(), "conn_id", ev.ElementID)
		return
	}

	switch ev.Kind {
	case bus.KindSCConnect:
		conn.Start()
	case bus.KindSCDisconnect:
		conn.RequestDisconnect()
	case bus.KindSCServiceSend:
		body, _ := ev.Payload.([]byte)
		conn.SendServiceMessage(body, ev.Aux)

	case bus.KindSocketConnection:
		conn.HandleSocketConnected(ev.Aux)
	case bus.KindSocketRcvBytes:
		data, _ := ev.Payload.([]byte)
		conn.HandleBytes(data)
	case bus.KindSocketFailure:
		conn.HandleSocketFailure()

	case bus.KindConnectionTimeout:
		conn.HandleConnectionTimeout()
	case bus.KindTokenRenew:
		conn.HandleTokenRenew()
	case bus.KindRequestTimeout:
		conn.HandleRequestTimeout(ev.Aux)
	case bus.KindPrecedentExpiry:
		conn.HandlePrecedentExpiry()

	case bus.KindIntSCSendHello:
		conn.SendHello()
	case bus.KindIntSCSendOpen:
		conn.SendOpen(ev.Aux == 1)
	case bus.KindIntSCSendClose:
		conn.SendCloseMessage()
	case bus.KindIntSCSendError:
		reason, _ := ev.Payload.(string)
		conn.SendErrorMessage(sctcp.StatusCode(ev.Aux), reason)
	case bus.KindIntSCRcvFailure:
		conn.HandleReceiveFailure(sctcp.StatusCode(ev.Aux))
	case bus.KindIntSCClose:
		conn.Release(sctcp.StatusCode(ev.Aux))
		if conn.Role() == secureconn.RoleClient {
			// Server slots are freed once the listener has been told.
			c.freeSlot(ev.ElementID)
		}
	case bus.KindIntEPSCClose:
		conn.RequestDisconnect()

	default:
		c.logger.Warn("unhandled event kind", "event", ev.Kind.String())
	}
}

// handleSocketAccepted admits a freshly accepted socket: when the
// listener or the host refuses it, the socket is closed without ever
// allocating a connection slot.
func (c *Core) handleSocketAccepted(listenerID, socketID uint32) {
	l := c.listener(listenerID)
	if l == nil {
		c.env.Sockets.Close(socketID)
		return
	}
	if err := l.Admit(c.clock.Now()); err != nil {
		c.logger.Warn("rejecting inbound connection", "listener_id", listenerID, "reason", err)
		c.env.Sockets.Close(socketID)
		return
	}

	c.mu.Lock()
	id := uint32(0)
	for i := 1; i < len(c.conns); i++ {
		if c.conns[i] == nil {
			id = uint32(i)
			break
		}
	}
	if id == 0 {
		c.mu.Unlock()
		c.logger.Warn("rejecting inbound connection", "listener_id", listenerID, "reason", "connection slots exhausted")
		c.env.Sockets.Close(socketID)
		return
	}
	conn := secureconn.NewServer(id, listenerID, socketID, c.env, l.Endpoint(), c.localKeys)
	c.conns[id] = conn
	c.mu.Unlock()

	c.env.Sockets.Associate(socketID, id)
	l.Register(id)
	conn.Start()
}

// handleListenerClose broadcasts teardown to the listener's
// connections, then removes the listener.
func (c *Core) handleListenerClose(listenerID uint32) {
	l := c.listener(listenerID)
	if l == nil {
		return
	}
	for _, connID := range l.Close() {
		c.bus.Enqueue(bus.Event{Kind: bus.KindIntEPSCClose, ElementID: connID, Aux: listenerID})
	}
	c.mu.Lock()
	delete(c.listeners, listenerID)
	c.mu.Unlock()
}

// sweep reaps pending requests whose deadlines passed without their
// individual timers firing, and logs a census of the active slots.
func (c *Core) sweep() {
	now := c.clock.Now()
	active := 0
	c.mu.Lock()
	conns := append([]*secureconn.Connection(nil), c.conns...)
	listeners := len(c.listeners)
	c.mu.Unlock()

	for _, conn := range conns {
		if conn == nil {
			continue
		}
		active++
		for _, pr := range conn.SweepExpired(now) {
			if pr.MsgType == sctcp.MsgOpen {
				continue // the open exchange has its own timeout path
			}
			c.services.RequestTimeout(conn.ID(), pr.RequestHandle)
		}
	}
	c.logger.Info("channel census", "connections", active, "listeners", listeners)
}
