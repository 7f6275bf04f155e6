// Package supervisor tracks live connections: it authenticates them on
// accept, checks them with a ping heartbeat, and cleans up channel
// membership when they close.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/creachadair/taskgroup"

	"github.com/morezero/sockr/pkg/auth"
	"github.com/morezero/sockr/pkg/rpc"
)

const logPrefix = "supervisor:supervisor"

// DefaultHeartbeatInterval is the time between liveness pings.
const DefaultHeartbeatInterval = 30 * time.Second

// Close codes used by the supervisor.
const (
	ClosePolicyViolation = 1008
	CloseGoingAway       = 1001
)

// Conn is a transport connection the supervisor can ping.
type Conn interface {
	rpc.Conn
	// SetIdentity attaches the authenticated principal.
	SetIdentity(identity any)
	// Ping sends a liveness ping; the transport reports the reply via Pong.
	Ping() error
	// Terminate drops the connection without a close handshake.
	Terminate() error
}

// Options configures a Supervisor.
type Options struct {
	Authenticator     auth.Authenticator
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
}

type entry struct {
	conn  Conn
	alive bool
}

// Supervisor owns the set of live connections for one Dispatcher.
type Supervisor struct {
	app       *rpc.Dispatcher
	auth      auth.Authenticator
	heartbeat time.Duration
	sweep     time.Duration

	mu    sync.RWMutex
	conns map[string]*entry
}

// New creates a Supervisor and registers it as app's connection source for
// server-wide broadcasts.
func New(app *rpc.Dispatcher, opts Options) *Supervisor {
	if opts.Authenticator == nil {
		opts.Authenticator = auth.Anybody()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = rpc.DefaultSweepInterval
	}
	s := &Supervisor{
		app:       app,
		auth:      opts.Authenticator,
		heartbeat: opts.HeartbeatInterval,
		sweep:     opts.SweepInterval,
		conns:     make(map[string]*entry),
	}
	app.SetConnSource(s)
	return s
}

// App returns the dispatcher the supervisor serves.
func (s *Supervisor) App() *rpc.Dispatcher { return s.app }

// Accept authenticates the upgrade request behind conn. On failure the
// connection is closed with 1008 and an unauthorized event is emitted.
func (s *Supervisor) Accept(conn Conn, r *http.Request) error {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		slog.Info(fmt.Sprintf("%s - rejected connection %s: %v", logPrefix, conn.ID(), err))
		s.app.Emit(rpc.Event{Kind: rpc.EventUnauthorized, Conn: conn, Err: err})
		if cerr := conn.Close(ClosePolicyViolation, "Unauthorized"); cerr != nil {
			slog.Debug(fmt.Sprintf("%s - close after rejection failed: %v", logPrefix, cerr))
		}
		return err
	}
	conn.SetIdentity(identity)

	s.mu.Lock()
	s.conns[conn.ID()] = &entry{conn: conn, alive: true}
	s.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - accepted connection %s", logPrefix, conn.ID()))
	s.app.Emit(rpc.Event{Kind: rpc.EventConnection, Conn: conn})
	return nil
}

// Pong marks the connection with id alive.
func (s *Supervisor) Pong(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.conns[id]; ok {
		e.alive = true
	}
}

// Remove forgets conn and leaves every channel it joined. The close event
// is emitted once, by the call that unregisters conn; later calls only
// clear memberships picked up by dispatches that were still in flight.
func (s *Supervisor) Remove(conn Conn) {
	s.mu.Lock()
	_, ok := s.conns[conn.ID()]
	delete(s.conns, conn.ID())
	s.mu.Unlock()

	left := s.app.Channels().LeaveAll(conn)
	if !ok {
		if len(left) > 0 {
			slog.Debug(fmt.Sprintf("%s - removed late memberships of %s (%d channels)", logPrefix, conn.ID(), len(left)))
		}
		return
	}
	slog.Debug(fmt.Sprintf("%s - closed connection %s (left %d channels)", logPrefix, conn.ID(), len(left)))
	s.app.Emit(rpc.Event{Kind: rpc.EventClose, Conn: conn})
}

// Heartbeat runs one liveness round. Connections that did not answer the
// previous ping are terminated; the rest are marked not alive and pinged.
func (s *Supervisor) Heartbeat() (pinged, terminated int) {
	var dead, ping []Conn
	s.mu.Lock()
	for _, e := range s.conns {
		if !e.alive {
			dead = append(dead, e.conn)
			continue
		}
		e.alive = false
		ping = append(ping, e.conn)
	}
	s.mu.Unlock()

	for _, c := range dead {
		slog.Info(fmt.Sprintf("%s - terminating unresponsive connection %s", logPrefix, c.ID()))
		if err := c.Terminate(); err != nil {
			slog.Debug(fmt.Sprintf("%s - terminate %s: %v", logPrefix, c.ID(), err))
		}
		s.Remove(c)
	}
	for _, c := range ping {
		if err := c.Ping(); err != nil {
			slog.Warn(fmt.Sprintf("%s - ping %s failed: %v", logPrefix, c.ID(), err))
			s.app.Emit(rpc.Event{
				Kind: rpc.EventTransportError,
				Conn: c,
				Err:  &rpc.Error{Name: rpc.NameTransport, Code: 500, Message: "ping failed", Err: err},
			})
		}
	}
	return len(ping), len(dead)
}

// Each calls fn for every live connection until fn returns false.
func (s *Supervisor) Each(fn func(rpc.Conn) bool) {
	for _, c := range s.snapshot() {
		if !fn(c) {
			return
		}
	}
}

// Lookup returns the live connection with id.
func (s *Supervisor) Lookup(id string) (Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Len returns the number of live connections.
func (s *Supervisor) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Run drives the heartbeat and the channel sweep until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	g := taskgroup.New(nil)
	g.Go(func() error {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				pinged, terminated := s.Heartbeat()
				slog.Debug(fmt.Sprintf("%s - heartbeat: pinged=%d terminated=%d", logPrefix, pinged, terminated))
			}
		}
	})
	g.Go(func() error {
		return s.app.Channels().Run(ctx, s.sweep)
	})
	return g.Wait()
}

// Shutdown closes every live connection with 1001.
func (s *Supervisor) Shutdown(reason string) {
	for _, c := range s.snapshot() {
		if err := c.Close(CloseGoingAway, reason); err != nil {
			slog.Debug(fmt.Sprintf("%s - close %s: %v", logPrefix, c.ID(), err))
		}
		s.Remove(c)
	}
}

func (s *Supervisor) snapshot() []Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conn, 0, len(s.conns))
	for _, e := range s.conns {
		out = append(out, e.conn)
	}
	return out
}
