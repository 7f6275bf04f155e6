package wsconn

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/gorilla/websocket"

	"github.com/morezero/sockr/pkg/rpc"
	"github.com/morezero/sockr/pkg/supervisor"
)

const handlerLogPrefix = "wsconn:handler"

// DefaultReadLimit caps inbound frame size in bytes.
const DefaultReadLimit = 1 << 20

// Options configures a Handler.
type Options struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	// CheckOrigin validates the Origin header; nil allows every origin.
	CheckOrigin func(r *http.Request) bool
}

// Handler upgrades HTTP requests and feeds their frames to the dispatcher.
type Handler struct {
	sup      *supervisor.Supervisor
	upgrader websocket.Upgrader
	opts     Options
}

// NewHandler creates a Handler bound to sup.
func NewHandler(sup *supervisor.Supervisor, opts Options) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		sup:  sup,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - upgrade failed: %v", handlerLogPrefix, err))
		return
	}

	conn := newConn(rpc.NewID(), ws, h.opts.WriteTimeout)
	ws.SetReadLimit(h.opts.ReadLimit)
	ws.SetPongHandler(func(string) error {
		h.sup.Pong(conn.ID())
		return nil
	})

	if err := h.sup.Accept(conn, r); err != nil {
		return
	}
	h.serve(context.WithoutCancel(r.Context()), conn)
}

// serve reads frames until the socket fails, dispatching each on its own
// goroutine. It waits for in-flight dispatches before releasing conn.
func (h *Handler) serve(ctx context.Context, conn *Conn) {
	app := h.sup.App()
	g := taskgroup.New(nil)
	defer func() {
		conn.markClosed()
		g.Wait()
		h.sup.Remove(conn)
		_ = conn.ws.Close()
	}()

	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				slog.Debug(fmt.Sprintf("%s - read from %s: %v", handlerLogPrefix, conn.ID(), err))
			}
			return
		}

		c := rpc.Decode(frame)
		c.Client = conn
		g.Go(func() error {
			app.Dispatch(ctx, c)
			return nil
		})
	}
}
