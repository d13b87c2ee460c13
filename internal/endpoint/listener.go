// Package endpoint implements the server-side listener state machine:
// a two-state acceptor that admits incoming sockets, allocates secure
// connection slots for them and tracks their ids until the listener
// closes. Admission is gated by the connection budget, a token-bucket
// accept rate and the host-load sampler.
package endpoint

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sigurd-ua/opcua-secchan/internal/config"
	"golang.org/x/time/rate"
)

// State is the listener's lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpened
)

func (s State) String() string {
	if s == StateOpened {
		return "OPENED"
	}
	return "CLOSED"
}

// Listener is one configured server endpoint.
type Listener struct {
	id     uint32
	state  State
	cfg    config.EndpointConfig
	logger *slog.Logger

	conns    map[uint32]struct{}
	maxConns int

	limiter   *rate.Limiter
	saturated func() bool
}

// New returns a closed listener for the endpoint configuration.
// saturated is consulted on every admission; nil disables the
// host-load gate.
func New(id uint32, cfg config.EndpointConfig, maxConns int, admission config.AdmissionConfig, saturated func() bool, logger *slog.Logger) *Listener {
	var limiter *rate.Limiter
	if admission.AcceptRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(admission.AcceptRatePerSec), admission.AcceptBurst)
	}
	return &Listener{
		id:        id,
		cfg:       cfg,
		logger:    logger.With("component", "endpoint_listener", "listener_id", id, "url", cfg.URL),
		conns:     make(map[uint32]struct{}),
		maxConns:  maxConns,
		limiter:   limiter,
		saturated: saturated,
	}
}

// ID returns the listener's slot id.
func (l *Listener) ID() uint32 { return l.id }

// State returns the listener's lifecycle state.
func (l *Listener) State() State { return l.state }

// Endpoint returns the endpoint configuration.
func (l *Listener) Endpoint() *config.EndpointConfig { return &l.cfg }

// Open moves the listener to the accepting state.
func (l *Listener) Open() {
	if l.state == StateOpened {
		return
	}
	l.state = StateOpened
	l.logger.Info("endpoint opened")
}

// Close moves the listener to the closed state and returns the ids of
// every tracked connection so the caller can broadcast their
// teardown.
func (l *Listener) Close() []uint32 {
	if l.state == StateClosed {
		return nil
	}
	l.state = StateClosed
	ids := make([]uint32, 0, len(l.conns))
	for id := range l.conns {
		ids = append(ids, id)
	}
	l.logger.Info("endpoint closed", "connections", len(ids))
	return ids
}

// Admit decides whether a freshly accepted socket may become a secure
// connection. A rejection means the caller closes the socket without
// allocating a slot.
func (l *Listener) Admit(now time.Time) error {
	if l.state != StateOpened {
		return fmt.Errorf("endpoint is not open")
	}
	if len(l.conns) >= l.maxConns {
		return fmt.Errorf("connection budget exhausted (%d)", l.maxConns)
	}
	if l.limiter != nil && !l.limiter.AllowN(now, 1) {
		return fmt.Errorf("accept rate limit exceeded")
	}
	if l.saturated != nil && l.saturated() {
		return fmt.Errorf("host saturated")
	}
	return nil
}

// Register tracks a connection id on this listener.
func (l *Listener) Register(connID uint32) {
	l.conns[connID] = struct{}{}
}

// Unregister releases a tracked connection id. Unknown ids are
// ignored so a late release after Close is harmless.
func (l *Listener) Unregister(connID uint32) {
	delete(l.conns, connID)
}

// Connections returns the tracked connection ids.
func (l *Listener) Connections() []uint32 {
	ids := make([]uint32, 0, len(l.conns))
	for id := range l.conns {
		ids = append(ids, id)
	}
	return ids
}

// Len reports how many connections the listener tracks.
func (l *Listener) Len() int { return len(l.conns) }
