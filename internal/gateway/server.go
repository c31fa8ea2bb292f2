package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sessionops/internal/command"
	"sessionops/internal/debuglog"
	"sessionops/internal/permission"
	"sessionops/internal/session"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Session is the networking layer the gateway drives.
type Session interface {
	UserID() string
	UserName() string
	Mode() session.Mode
	Permissions() *permission.Service
	SendCommand(ctx context.Context, cmd command.Command) error
	RequestPermission(ctx context.Context, role permission.Role) (session.RequestResult, error)
	GrantPermission(ctx context.Context, userID string, role permission.Role) error
	RevokePermission(ctx context.Context, userID string) error
	PendingRequests() []session.PendingRequest
	Status() session.NetworkStatus
}

// State is the world view served by /api/gamestate and /api/status.
type State interface {
	SnapshotJSON() ([]byte, error)
	InRun() bool
}

type Options struct {
	Session  Session
	Registry *command.Registry
	State    State
	// Events serves the live event stream.
	Events http.Handler
	// Subscribers reports the live event stream count; optional.
	Subscribers func() int
}

type Server struct {
	opts    Options
	handler http.Handler
	started time.Time
}

func New(opts Options) *Server {
	s := &Server{opts: opts, started: time.Now()}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(recoverer)
	r.Use(corsMiddleware)
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Route("/api", func(r chi.Router) {
		r.Get("/command", s.listCommands)
		r.Post("/command", s.submitCommand)
		r.Get("/permissions", s.listPermissions)
		r.Post("/permissions", s.setPermission)
		r.Delete("/permissions", s.revokePermission)
		r.Post("/permissions/request", s.handleRequestPermission)
		r.Get("/network/status", s.handleNetworkStatus)
		r.Get("/status", s.handleStatus)
		r.Get("/gamestate", s.handleGameState)
		if opts.Events != nil {
			r.Method(http.MethodGet, "/events", opts.Events)
		}
	})
	s.handler = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// Serve runs the HTTP listener on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	debuglog.Logf("gateway: listening %s", debuglog.KV("addr", ln.Addr().String()))
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// ListenAndServe binds addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer turns a handler panic into an INTERNAL error body.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				debuglog.Logf("gateway: panic %s", debuglog.KV("method", r.Method, "path", r.URL.Path, "req", reqID))
				debuglog.Debugf("gateway: panic stack\n%s", debug.Stack())
				writeError(w, newError(http.StatusInternalServerError, CodeInternal, "Internal error", fmt.Sprint(v)))
			}
		}()
		debuglog.Debugf("gateway: %s", debuglog.KV("method", r.Method, "path", r.URL.Path, "req", reqID))
		next.ServeHTTP(w, r)
	})
}
