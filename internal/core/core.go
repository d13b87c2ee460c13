// Package core wires the secure channel subsystem together: the
// event bus, the connection and listener slot tables, the timers and
// the diagnostics jobs. One Core owns everything; collaborators reach
// it only by posting events, and every handler runs on the single
// dispatch goroutine.
package core

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/bus"
	"github.com/sigurd-ua/opcua-secchan/internal/collab"
	"github.com/sigurd-ua/opcua-secchan/internal/config"
	"github.com/sigurd-ua/opcua-secchan/internal/cryptoprovider"
	"github.com/sigurd-ua/opcua-secchan/internal/diag"
	"github.com/sigurd-ua/opcua-secchan/internal/endpoint"
	"github.com/sigurd-ua/opcua-secchan/internal/logging"
	"github.com/sigurd-ua/opcua-secchan/internal/requests"
	"github.com/sigurd-ua/opcua-secchan/internal/secureconn"
)

// idAllocationRetries bounds how often a random channel or token id
// is redrawn on collision before the allocation fails.
const idAllocationRetries = 5

// Options configures a Core.
type Options struct {
	Config   *config.Config
	Sockets  collab.Sockets
	Services collab.Services

	// Logger defaults to one built from the config's logging section.
	Logger *slog.Logger

	// Clock defaults to the real clock; tests inject a manual one.
	Clock requests.Clock

	// LocalKeys is the identity used for secured channels; nil limits
	// the core to the None security policy.
	LocalKeys *cryptoprovider.AsymmetricKeyPair

	// ValidateCertificate is the PKI acceptance check for peer
	// certificates; nil accepts any certificate.
	ValidateCertificate func(der []byte) error
}

// Core is the secure channel runtime.
type Core struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *bus.Bus
	env    *secureconn.Env

	services collab.Services
	clock    requests.Clock
	timers   *requests.Timers

	monitor   *diag.Monitor
	sweeper   *diag.Sweeper
	logCloser io.Closer

	mu        sync.Mutex
	conns     []*secureconn.Connection // 1-based; slot 0 unused
	listeners map[uint32]*endpoint.Listener
	nextLID   uint32

	localKeys *cryptoprovider.AsymmetricKeyPair
}

// New builds a Core from options. Run must be called to start
// dispatching, or Drain in step-driven tests.
func New(opts Options) (*Core, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Sockets == nil {
		return nil, fmt.Errorf("core: a socket collaborator is required")
	}
	services := opts.Services
	if services == nil {
		services = collab.NopServices{}
	}
	logger := opts.Logger
	var logCloser io.Closer
	if logger == nil {
		var err error
		logger, logCloser, err = logging.New(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("core: %w", err)
		}
	}
	clock := opts.Clock
	if clock == nil {
		clock = requests.RealClock{}
	}

	c := &Core{
		cfg:       cfg,
		logger:    logger.With("component", "core"),
		services:  services,
		clock:     clock,
		timers:    requests.NewTimers(clock),
		conns:     make([]*secureconn.Connection, cfg.Core.MaxSecureConnections+1),
		listeners: make(map[uint32]*endpoint.Listener),
		localKeys: opts.LocalKeys,
		logCloser: logCloser,
	}
	c.bus = bus.New(c.handle)
	c.env = &secureconn.Env{
		Bus:                 c.bus,
		Sockets:             opts.Sockets,
		Services:            services,
		Timers:              c.timers,
		Clock:               clock,
		Logger:              logger,
		Cfg:                 cfg,
		UniqueChannelID:     c.uniqueChannelID,
		UniqueTokenID:       c.uniqueTokenID,
		ValidateCertificate: opts.ValidateCertificate,
	}

	c.monitor = diag.NewMonitor(cfg.Diagnostics, logger)
	sweeper, err := diag.NewSweeper(cfg.Diagnostics.SweepSchedule, logger, c.postSweep)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	c.sweeper = sweeper
	return c, nil
}

// Run starts the diagnostics jobs and dispatches events until ctx is
// canceled.
func (c *Core) Run(ctx context.Context) {
	c.monitor.Start()
	c.sweeper.Start()
	defer func() {
		c.sweeper.Stop()
		c.monitor.Stop()
		if c.logCloser != nil {
			c.logCloser.Close()
		}
	}()
	c.bus.Run(ctx)
}

// Drain dispatches queued events until the bus is idle. Step-driven
// alternative to Run for tests.
func (c *Core) Drain() { c.bus.Drain() }

// Connect reserves a connection slot and starts an outbound secure
// connection to the given endpoint. The returned id identifies the
// connection in every later call and notification.
func (c *Core) Connect(p ConnectParams) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uint32(0)
	for i := 1; i < len(c.conns); i++ {
		if c.conns[i] == nil {
			id = uint32(i)
			break
		}
	}
	if id == 0 {
		return 0, fmt.Errorf("core: connection slots exhausted (%d)", len(c.conns)-1)
	}
	conn := secureconn.NewClient(id, c.env, secureconn.ClientParams{
		EndpointURL:       p.EndpointURL,
		PolicyURI:         p.PolicyURI,
		Mode:              p.Mode,
		LocalKeys:         c.localKeys,
		ServerCertificate: p.ServerCertificate,
		RequestedLifetime: p.RequestedLifetime,
	})
	c.conns[id] = conn
	c.bus.Enqueue(bus.Event{Kind: bus.KindSCConnect, ElementID: id})
	return id, nil
}

// ConnectParams configures an outbound connection.
type ConnectParams struct {
	EndpointURL       string
	PolicyURI         string
	Mode              cryptoprovider.SecurityMode
	ServerCertificate []byte
	RequestedLifetime time.Duration
}

// Disconnect asks a connection to close gracefully. Unknown or
// already-closed ids are silently dropped.
func (c *Core) Disconnect(connID uint32) {
	c.bus.Enqueue(bus.Event{Kind: bus.KindSCDisconnect, ElementID: connID})
}

// Send transmits a service message on an established connection. On a
// client connection handleOrID is the caller's request handle; on a
// server connection it is the request id being answered.
func (c *Core) Send(connID uint32, body []byte, handleOrID uint32) {
	c.bus.Enqueue(bus.Event{Kind: bus.KindSCServiceSend, ElementID: connID, Payload: body, Aux: handleOrID})
}

// OpenEndpoint registers the endpoint at the given index of the
// configuration's endpoint table and opens its listener.
func (c *Core) OpenEndpoint(endpointIndex int) (uint32, error) {
	if endpointIndex < 0 || endpointIndex >= len(c.cfg.Endpoints) {
		return 0, fmt.Errorf("core: endpoint index %d out of range", endpointIndex)
	}
	c.mu.Lock()
	c.nextLID++
	id := c.nextLID
	l := endpoint.New(id, c.cfg.Endpoints[endpointIndex], c.cfg.Core.MaxSocketConnections, c.cfg.Admission, c.monitor.Saturated, c.env.Logger)
	c.listeners[id] = l
	c.mu.Unlock()
	c.bus.Enqueue(bus.Event{Kind: bus.KindEPOpen, ElementID: id})
	return id, nil
}

// CloseEndpoint closes a listener and broadcasts teardown to its
// connections.
func (c *Core) CloseEndpoint(listenerID uint32) {
	c.bus.Enqueue(bus.Event{Kind: bus.KindEPClose, ElementID: listenerID})
}

// SocketConnected is posted by the socket manager when an outbound
// dial completes.
func (c *Core) SocketConnected(connID, socketID uint32) {
	c.bus.Enqueue(bus.Event{Kind: bus.KindSocketConnection, ElementID: connID, Aux: socketID})
}

// SocketBytes is posted by the socket manager when data arrives. The
// buffer is owned by the core after the call.
func (c *Core) SocketBytes(connID uint32, data []byte) {
	c.bus.Enqueue(bus.Event{Kind: bus.KindSocketRcvBytes, ElementID: connID, Payload: data})
}

// SocketFailure is posted by the socket manager on error or remote
// close.
func (c *Core) SocketFailure(connID uint32) {
	c.bus.Enqueue(bus.Event{Kind: bus.KindSocketFailure, ElementID: connID})
}

// SocketAccepted is posted by the socket manager when a listener's
// TCP socket accepts a connection.
func (c *Core) SocketAccepted(listenerID, socketID uint32) {
	c.bus.Enqueue(bus.Event{Kind: bus.KindSocketAccepted, ElementID: listenerID, Aux: socketID})
}

func (c *Core) conn(id uint32) *secureconn.Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == 0 || int(id) >= len(c.conns) {
		return nil
	}
	return c.conns[id]
}

func (c *Core) listener(id uint32) *endpoint.Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[id]
}

func (c *Core) freeSlot(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != 0 && int(id) < len(c.conns) {
		c.conns[id] = nil
	}
}

// uniqueChannelID draws a random non-zero channel id that no active
// connection of the listener uses.
func (c *Core) uniqueChannelID(listenerID uint32) (uint32, error) {
	return c.uniqueID(listenerID, func(tok secureconn.SecurityToken) uint32 { return tok.ChannelID })
}

// uniqueTokenID draws a random non-zero token id unique across the
// listener's active connections.
func (c *Core) uniqueTokenID(listenerID uint32) (uint32, error) {
	return c.uniqueID(listenerID, func(tok secureconn.SecurityToken) uint32 { return tok.TokenID })
}

func (c *Core) uniqueID(listenerID uint32, field func(secureconn.SecurityToken) uint32) (uint32, error) {
	for attempt := 0; attempt < idAllocationRetries; attempt++ {
		id, err := randomID()
		if err != nil {
			return 0, err
		}
		if !c.idInUse(listenerID, id, field) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("id allocation failed after %d attempts", idAllocationRetries)
}

func (c *Core) idInUse(listenerID, id uint32, field func(secureconn.SecurityToken) uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		if conn == nil || conn.Role() != secureconn.RoleServer || conn.ListenerID() != listenerID {
			continue
		}
		if tok, ok := conn.CurrentSecurityToken(); ok && field(tok) == id {
			return true
		}
	}
	return false
}

func randomID() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("drawing random id: %w", err)
		}
		if id := binary.LittleEndian.Uint32(b[:]); id != 0 {
			return id, nil
		}
	}
}

// postSweep is the cron callback: it moves the sweep onto the
// dispatcher where the slot tables may be touched.
func (c *Core) postSweep() {
	c.bus.Enqueue(bus.Event{Kind: bus.KindDiagSweep})
}
