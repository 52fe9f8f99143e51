// Package session tracks the agent sessions open on one device and the
// event router bound to each of them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rsclarke/droidrig/internal/events"
	"github.com/rsclarke/droidrig/internal/logging"
)

// ID is a session identifier issued by the agent.
type ID int

// Conn is one connection to an agent session.
type Conn interface {
	Call(ctx context.Context, method string, params ...any) (json.RawMessage, error)
	CloseSession(ctx context.Context) error
	Close() error
}

// Agent opens connections to the agent behind a forwarded host port.
type Agent interface {
	Open(ctx context.Context, port int) (ID, Conn, error)
	Join(ctx context.Context, port int, id ID) (Conn, error)
}

// Key identifies an event router by device and session.
type Key struct {
	Serial  string
	Session ID
}

// Registry maps session ids to their live connections for one device. The
// first connection of a session is its primary.
type Registry struct {
	serial string
	agent  Agent
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[ID][]Conn
	routers  map[Key]*events.Router
	// eventConns holds the connection each router polls on.
	eventConns map[ID]Conn
}

// NewRegistry returns an empty registry for the device serial.
func NewRegistry(serial string, agent Agent, logger *zap.Logger) *Registry {
	return &Registry{
		serial:   serial,
		agent:    agent,
		logger:   logging.OrNop(logger).With(logging.Serial(serial)),
		sessions:   make(map[ID][]Conn),
		routers:    make(map[Key]*events.Router),
		eventConns: make(map[ID]Conn),
	}
}

// Open negotiates a new session through port and registers it.
func (r *Registry) Open(ctx context.Context, port int) (ID, Conn, error) {
	id, conn, err := r.agent.Open(ctx, port)
	if err != nil {
		return 0, nil, fmt.Errorf("open session: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		_ = conn.Close()
		return 0, nil, &DuplicateSessionError{Serial: r.serial, ID: id}
	}
	r.sessions[id] = []Conn{conn}
	r.logger.Debug("session opened", logging.Session(int(id)), logging.Port(port))
	return id, conn, nil
}

// Join opens an additional connection to the registered session id.
func (r *Registry) Join(ctx context.Context, port int, id ID) (Conn, error) {
	if !r.Has(id) {
		return nil, &UnknownSessionError{Serial: r.serial, ID: id}
	}

	conn, err := r.agent.Join(ctx, port, id)
	if err != nil {
		return nil, fmt.Errorf("join session %d: %w", id, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.sessions[id]
	if !ok {
		_ = conn.Close()
		return nil, &UnknownSessionError{Serial: r.serial, ID: id}
	}
	r.sessions[id] = append(conns, conn)
	return conn, nil
}

// Router returns the event router of session id, joining a dedicated
// connection and creating the router on first use.
func (r *Registry) Router(ctx context.Context, port int, id ID) (*events.Router, error) {
	key := Key{Serial: r.serial, Session: id}

	r.mu.Lock()
	if rt, ok := r.routers[key]; ok {
		r.mu.Unlock()
		return rt, nil
	}
	r.mu.Unlock()

	conn, err := r.Join(ctx, port, id)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.sessions[id]
	if !ok {
		_ = conn.Close()
		return nil, &UnknownSessionError{Serial: r.serial, ID: id}
	}
	if rt, ok := r.routers[key]; ok {
		// Lost a race with another caller; drop the extra connection.
		r.sessions[id] = slices.DeleteFunc(conns, func(c Conn) bool { return c == conn })
		_ = conn.Close()
		return rt, nil
	}
	rt := events.NewRouter(conn, r.logger.Named("events").With(logging.Session(int(id))))
	r.routers[key] = rt
	r.eventConns[id] = conn
	return rt, nil
}

// Close terminates session id: its router is stopped and its event
// connection closed locally, every other connection is closed remotely and
// then locally, and the entry is removed. A failure on one
// connection does not stop the others; all failures are returned together.
func (r *Registry) Close(ctx context.Context, id ID) error {
	key := Key{Serial: r.serial, Session: id}

	r.mu.Lock()
	conns, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return &UnknownSessionError{Serial: r.serial, ID: id}
	}
	rt := r.routers[key]
	eventConn := r.eventConns[id]
	delete(r.sessions, id)
	delete(r.routers, key)
	delete(r.eventConns, id)
	r.mu.Unlock()

	if rt != nil {
		rt.Stop()
	}

	var errs error
	for i, c := range conns {
		if c == eventConn {
			// An interrupted eventWait leaves this connection unusable for
			// RPCs; the remote close on the others ends the session.
			if err := c.Close(); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("session %d event connection: close: %w", id, err))
			}
			continue
		}
		if err := c.CloseSession(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %d connection %d: remote close: %w", id, i, err))
		}
		if err := c.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("session %d connection %d: close: %w", id, i, err))
		}
	}
	r.logger.Debug("session closed", logging.Session(int(id)), zap.Int("connections", len(conns)))
	return errs
}

// CloseAll closes every registered session, continuing past failures.
func (r *Registry) CloseAll(ctx context.Context) error {
	var errs error
	for _, id := range r.IDs() {
		if err := r.Close(ctx, id); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// Has reports whether session id is registered.
func (r *Registry) Has(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// IDs returns a sorted snapshot of the registered session ids.
func (r *Registry) IDs() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len is the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Primary returns the primary connection of the lowest session id, or nil.
func (r *Registry) Primary() Conn {
	ids := r.IDs()
	if len(ids) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if conns := r.sessions[ids[0]]; len(conns) > 0 {
		return conns[0]
	}
	return nil
}

// Conns returns a snapshot of the connections of session id.
func (r *Registry) Conns(id ID) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.sessions[id])
}

// Routers returns the event routers ordered by session id.
func (r *Registry) Routers() []*events.Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]Key, 0, len(r.routers))
	for k := range r.routers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b Key) int { return int(a.Session) - int(b.Session) })
	out := make([]*events.Router, 0, len(keys))
	for _, k := range keys {
		out = append(out, r.routers[k])
	}
	return out
}
