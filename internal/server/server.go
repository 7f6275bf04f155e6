// Package server orchestrates all components: dispatcher, connection supervisor, websocket transport, bridge, cache, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/sockr/internal/config"
	"github.com/morezero/sockr/pkg/auth"
	"github.com/morezero/sockr/pkg/bridge"
	"github.com/morezero/sockr/pkg/cache"
	"github.com/morezero/sockr/pkg/commsutil"
	"github.com/morezero/sockr/pkg/db"
	"github.com/morezero/sockr/pkg/metrics"
	"github.com/morezero/sockr/pkg/rpc"
	"github.com/morezero/sockr/pkg/semver"
	"github.com/morezero/sockr/pkg/supervisor"
	"github.com/morezero/sockr/pkg/wsconn"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// Version is reported by system.time and the status page. Set at build time.
var Version = "dev"

type healthCheck struct {
	name string
	fn   func(context.Context) error
}

// Server is the sockr orchestrator.
type Server struct {
	cfg     *config.Config
	app     *rpc.Dispatcher
	sup     *supervisor.Supervisor
	started time.Time

	promRegistry *prometheus.Registry
	store        cache.Store
	pool         *pgxpool.Pool
	nc           *comms.Conn
	pubsub       bridge.PubSub
	bridge       *bridge.Bridge

	checks     []healthCheck
	tasks      []func(context.Context) error
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithPubSub replaces the NATS connection used by the bridge. The bridge is
// started whenever a PubSub is supplied.
func WithPubSub(ps bridge.PubSub) Option {
	return func(s *Server) { s.pubsub = ps }
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	// Setup structured logging
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info(fmt.Sprintf("%s - Starting sockr %s as %s", logPrefix, Version, cfg.ServiceName))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	return s.Serve(ctx)
}

// New builds every component from cfg. Connections to the database and the
// bus are opened here; Serve starts the listener and background loops.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}

	s.app = rpc.New(rpc.WithObserver(rpc.ObserverFunc(logEvent)))

	if cfg.MetricsEnabled {
		s.promRegistry = prometheus.NewRegistry()
		s.promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics.New(metrics.WithRegistry(s.promRegistry)).Instrument(s.app)
	}

	if err := s.setupCache(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if err := registerBuiltins(s.app, cfg.ServiceName, s.started, s.store); err != nil {
		s.Close()
		return nil, fmt.Errorf("%s - failed to register built-in services: %w", logPrefix, err)
	}

	authenticator, err := newAuthenticator(cfg)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.sup = supervisor.New(s.app, supervisor.Options{
		Authenticator:     authenticator,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SweepInterval:     cfg.ChannelSweepInterval,
	})

	if err := s.setupBridge(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// App returns the dispatcher so embedders can register their own services.
func (s *Server) App() *rpc.Dispatcher { return s.app }

// Cache returns the response cache store, or nil when caching is disabled.
func (s *Server) Cache() cache.Store { return s.store }

func (s *Server) setupCache(ctx context.Context) error {
	switch s.cfg.CacheBackend {
	case config.CacheNone:
		return nil
	case config.CachePostgres:
		pool, err := db.NewPool(ctx, s.cfg.DatabaseURL,
			db.WithMaxConns(s.cfg.DatabaseMaxConns),
			db.WithApplicationName(s.cfg.ServiceName),
		)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool

		if s.cfg.RunMigrations {
			migrations, err := db.LoadMigrations(s.cfg.MigrationPath)
			if err != nil {
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if _, err := db.RunMigrations(ctx, pool, migrations); err != nil {
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}

		repo := db.NewRepository(pool)
		s.store = repo
		s.tasks = append(s.tasks, func(ctx context.Context) error {
			return repo.Run(ctx, s.cfg.CachePurgeInterval)
		})
		s.checks = append(s.checks, healthCheck{name: "database", fn: pool.Ping})
		slog.Info(fmt.Sprintf("%s - Response cache backed by Postgres", logPrefix))
	default:
		mem := cache.NewMemory()
		s.store = mem
		s.tasks = append(s.tasks, func(ctx context.Context) error {
			return mem.Run(ctx, s.cfg.CachePurgeInterval)
		})
	}
	return nil
}

func (s *Server) setupBridge() error {
	if s.pubsub == nil {
		if !s.cfg.BridgeEnabled {
			return nil
		}
		nc, err := commsutil.Connect(s.cfg.COMMSURL, s.cfg.ServiceName)
		if err != nil {
			return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
		}
		s.nc = nc
		s.pubsub = commsutil.NewNATSPubSub(nc)
		s.checks = append(s.checks, healthCheck{name: "bus", fn: func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("%s - NATS status %s", logPrefix, nc.Status())
			}
			return nil
		}})
		slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, s.cfg.COMMSURL))
	}

	b, err := bridge.New(s.pubsub, s.app, &bridge.Options{Prefix: s.cfg.BroadcastPrefix})
	if err != nil {
		return err
	}
	s.bridge = b
	s.app.SetBridge(b)
	return nil
}

// newAuthenticator builds the upgrade authenticator: the version gate runs
// first, then JWT or anybody.
func newAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	var next auth.Authenticator
	switch cfg.AuthMode {
	case config.AuthAnybody:
		next = auth.Anybody()
	default:
		a, err := auth.JWT(auth.JWTOptions{
			Secret:     []byte(cfg.JWTSecret),
			Header:     cfg.JWTHeader,
			Query:      cfg.JWTQuery,
			Algorithms: cfg.JWTAlgorithms,
			Audience:   cfg.JWTAudience,
			Issuer:     cfg.JWTIssuer,
			Leeway:     cfg.JWTLeeway,
		})
		if err != nil {
			return nil, fmt.Errorf("%s - failed to configure JWT: %w", logPrefix, err)
		}
		if cfg.JWTSecret == "" {
			slog.Warn(fmt.Sprintf("%s - JWT_SECRET is empty; tokens are not verified", logPrefix))
		}
		next = a
	}

	gate, err := semver.NewGate(cfg.ProtocolVersionConstraint, cfg.ProtocolVersionRequired)
	if err != nil {
		return nil, err
	}
	return auth.VersionGate(gate, cfg.ProtocolVersionParam, next), nil
}

// Handler returns the HTTP routes: websocket endpoint, health, readiness,
// metrics and the status page.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.WSPath, wsconn.NewHandler(s.sup, wsconn.Options{
		ReadLimit:    s.cfg.ReadLimit,
		WriteTimeout: s.cfg.WriteTimeout,
	}))
	mux.HandleFunc("/", s.handleHome())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	if s.promRegistry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))
	}
	return mux
}

// Serve listens on the configured address until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		s.Close()
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.ListenAddr(), err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	g := taskgroup.New(nil)
	for _, task := range s.tasks {
		g.Go(func() error { return task(runCtx) })
	}
	g.Go(func() error { return s.sup.Run(runCtx) })

	s.httpServer = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s (websocket %s)", logPrefix, ln.Addr(), s.cfg.WSPath))
		serveErr <- s.httpServer.Serve(ln)
	}()

	slog.Info(fmt.Sprintf("%s - sockr is ready", logPrefix))

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		} else {
			err = fmt.Errorf("%s - HTTP server error: %w", logPrefix, err)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutdownErr := s.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, shutdownErr))
	}
	s.sup.Shutdown("Server shutting down")
	stop()
	if waitErr := g.Wait(); waitErr != nil && err == nil {
		err = waitErr
	}
	s.Close()

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

// Close releases the bridge, the bus connection and the database pool.
func (s *Server) Close() {
	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			slog.Warn(fmt.Sprintf("%s - bridge close: %v", logPrefix, err))
		}
		s.bridge = nil
	}
	if s.nc != nil {
		if err := s.nc.Drain(); err != nil {
			s.nc.Close()
		}
		s.nc = nil
	}
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

// Health is the /health response body.
type Health struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	Connections int               `json:"connections"`
	Channels    int               `json:"channels"`
	Uptime      string            `json:"uptime"`
	Timestamp   string            `json:"timestamp"`
}

// Health runs every dependency check.
func (s *Server) Health(ctx context.Context) *Health {
	h := &Health{
		Status:      "healthy",
		Checks:      make(map[string]string, len(s.checks)),
		Connections: s.sup.Len(),
		Channels:    s.app.Channels().Len(),
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	for _, c := range s.checks {
		if err := c.fn(ctx); err != nil {
			h.Status = "unhealthy"
			h.Checks[c.name] = err.Error()
			continue
		}
		h.Checks[c.name] = "ok"
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

func logEvent(e rpc.Event) {
	conn := ""
	if e.Conn != nil {
		conn = e.Conn.ID()
	}
	switch e.Kind {
	case rpc.EventError, rpc.EventTransportError:
		slog.Warn(fmt.Sprintf("%s - %s conn=%s channel=%s: %v", logPrefix, e.Kind, conn, e.Channel, e.Err))
	case rpc.EventUnauthorized:
		slog.Info(fmt.Sprintf("%s - %s conn=%s: %v", logPrefix, e.Kind, conn, e.Err))
	default:
		slog.Debug(fmt.Sprintf("%s - %s conn=%s channel=%s", logPrefix, e.Kind, conn, e.Channel))
	}
}

// homePageTemplate is the HTML for the status page (white bg, black/blue text).
const homePageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>sockr – {{.Name}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 900px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; margin-top: 1rem; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>sockr</h1>
  <p class="meta">{{.Name}} {{.Version}}, websocket endpoint <code>{{.WSPath}}</code>{{if .BridgeID}}, bridge {{.BridgeID}}{{end}}.</p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{range $name, $result := .Health.Checks}}
    <p>{{$name}}: <span class="stat">{{$result}}</span></p>
    {{end}}
    <p>Uptime: {{.Health.Uptime}}</p>
    <p>Connections: <span class="stat">{{.Health.Connections}}</span></p>
  </section>

  <section>
    <h2>Channels</h2>
    {{if not .Channels}}
    <p>No live channels.</p>
    {{else}}
    <table>
      <thead><tr><th>Channel</th><th>Members</th></tr></thead>
      <tbody>
        {{range .Channels}}
        <tr><td>{{.Name}}</td><td>{{.Members}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>

  <section>
    <h2>Services</h2>
    <table>
      <thead><tr><th>Service</th><th>Methods</th></tr></thead>
      <tbody>
        {{range .Services}}
        <tr><td>{{.Name}}</td><td>{{range .Methods}}{{.}} {{end}}</td></tr>
        {{end}}
      </tbody>
    </table>
  </section>
</body>
</html>
`

type channelRow struct {
	Name    string
	Members int
}

type serviceRow struct {
	Name    string
	Methods []string
}

// homeData is the data passed to the status page template.
type homeData struct {
	Name     string
	Version  string
	WSPath   string
	BridgeID string
	Health   *Health
	Channels []channelRow
	Services []serviceRow
}

// handleHome returns an HTTP handler for the status page.
func (s *Server) handleHome() http.HandlerFunc {
	tmpl := template.Must(template.New("home").Parse(homePageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
		defer cancel()

		data := homeData{
			Name:    s.cfg.ServiceName,
			Version: Version,
			WSPath:  s.cfg.WSPath,
			Health:  s.Health(ctx),
		}
		if s.bridge != nil {
			data.BridgeID = s.bridge.ID()
		}

		for _, name := range s.app.Channels().Names() {
			if ch, ok := s.app.Channels().Lookup(name); ok {
				data.Channels = append(data.Channels, channelRow{Name: name, Members: ch.Len()})
			}
		}
		for _, name := range s.app.Services() {
			if svc, err := s.app.Service(name); err == nil {
				data.Services = append(data.Services, serviceRow{Name: name, Methods: svc.Methods()})
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - home template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}
