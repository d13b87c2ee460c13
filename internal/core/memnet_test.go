package core

import (
	"sync"

	"github.com/sigurd-ua/opcua-secchan/internal/sctcp"
)

// memNet is an in-memory socket fabric connecting a client core to a
// server core: every CreateClient dial materializes a pair of socket
// ends, and writes on one end surface as receive events on the other.
type memNet struct {
	mu         sync.Mutex
	ends       map[uint32]*memEnd
	nextSocket uint32

	serverCore *Core
	listenerID uint32
}

type memEnd struct {
	core    *Core
	connID  uint32
	peerID  uint32
	closed  bool
	sent    [][]byte
	pending [][]byte // delivered once the end is associated
}

func newMemNet() *memNet {
	return &memNet{ends: make(map[uint32]*memEnd)}
}

// memSockets is one core's view of the fabric.
type memSockets struct {
	net  *memNet
	core func() *Core
}

func (s *memSockets) CreateClient(connID uint32, url string) {
	n := s.net
	n.mu.Lock()
	n.nextSocket++
	clientEnd := &memEnd{core: s.core(), connID: connID}
	clientID := n.nextSocket
	n.nextSocket++
	serverEnd := &memEnd{core: n.serverCore}
	serverID := n.nextSocket
	clientEnd.peerID = serverID
	serverEnd.peerID = clientID
	n.ends[clientID] = clientEnd
	n.ends[serverID] = serverEnd
	serverCore := n.serverCore
	listenerID := n.listenerID
	n.mu.Unlock()

	if serverCore != nil {
		serverCore.SocketAccepted(listenerID, serverID)
	}
	s.core().SocketConnected(connID, clientID)
}

func (s *memSockets) Associate(socketID, connID uint32) {
	n := s.net
	n.mu.Lock()
	end := n.ends[socketID]
	var flush [][]byte
	if end != nil {
		end.connID = connID
		flush = end.pending
		end.pending = nil
	}
	n.mu.Unlock()
	if end == nil {
		return
	}
	for _, data := range flush {
		end.core.SocketBytes(connID, data)
	}
}

func (s *memSockets) Write(socketID uint32, data []byte) {
	n := s.net
	n.mu.Lock()
	end := n.ends[socketID]
	var peer *memEnd
	if end != nil {
		end.sent = append(end.sent, append([]byte(nil), data...))
		peer = n.ends[end.peerID]
	}
	if end == nil || end.closed || peer == nil || peer.closed {
		n.mu.Unlock()
		return
	}
	if peer.connID == 0 {
		// The accepting core has not adopted the socket yet; park the
		// bytes the way a kernel buffer would.
		peer.pending = append(peer.pending, append([]byte(nil), data...))
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	peer.core.SocketBytes(peer.connID, append([]byte(nil), data...))
}

func (s *memSockets) Close(socketID uint32) {
	n := s.net
	n.mu.Lock()
	end := n.ends[socketID]
	if end == nil || end.closed {
		n.mu.Unlock()
		return
	}
	end.closed = true
	peer := n.ends[end.peerID]
	n.mu.Unlock()
	if peer != nil && !peer.closed && peer.connID != 0 {
		peer.core.SocketFailure(peer.connID)
	}
}

// lastFrames returns a copy of everything written on socketID.
func (n *memNet) lastFrames(socketID uint32) [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if end := n.ends[socketID]; end != nil {
		return append([][]byte(nil), end.sent...)
	}
	return nil
}

// recServices records notifications for assertions.
type recServices struct {
	connected    []uint32
	disconnected []struct {
		ConnID uint32
		Status sctcp.StatusCode
	}
	connTimeouts []uint32
	received     []struct {
		ConnID uint32
		Handle uint32
		Body   []byte
	}
	sendFailures []struct {
		ConnID uint32
		Handle uint32
		Status sctcp.StatusCode
	}
	reqTimeouts []struct {
		ConnID uint32
		Handle uint32
	}
}

func (r *recServices) Connected(id uint32) { r.connected = append(r.connected, id) }

func (r *recServices) Disconnected(id uint32, status sctcp.StatusCode) {
	r.disconnected = append(r.disconnected, struct {
		ConnID uint32
		Status sctcp.StatusCode
	}{id, status})
}

func (r *recServices) ConnectionTimeout(id uint32) { r.connTimeouts = append(r.connTimeouts, id) }

func (r *recServices) ReceiveMessage(id, handle uint32, body []byte) {
	r.received = append(r.received, struct {
		ConnID uint32
		Handle uint32
		Body   []byte
	}{id, handle, append([]byte(nil), body...)})
}

func (r *recServices) SendFailure(id, handle uint32, status sctcp.StatusCode) {
	r.sendFailures = append(r.sendFailures, struct {
		ConnID uint32
		Handle uint32
		Status sctcp.StatusCode
	}{id, handle, status})
}

func (r *recServices) RequestTimeout(id, handle uint32) {
	r.reqTimeouts = append(r.reqTimeouts, struct {
		ConnID uint32
		Handle uint32
	}{id, handle})
}
