// Package callback runs the short-lived loopback HTTP server that receives
// the identity provider's redirect and hands the authorization code to the
// waiting flow.
//
// One Server serves exactly one authentication attempt and is not reused.
package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// Host is the hostname used in the redirect URI.
	Host = "localhost"

	// Path is the callback route.
	Path = "/callback"

	// SuccessMessage is shown in the browser once the code has been captured.
	SuccessMessage = "Authentication successful. You can close this window."
)

var (
	// ErrTimeout is returned by WaitForCode when no code arrives in time.
	ErrTimeout = errors.New("timeout waiting for authorization code")

	// ErrNotStarted is returned when the redirect URI is requested before Start.
	ErrNotStarted = errors.New("server has no port assigned")
)

// authState is the per-attempt result shared between the HTTP handler and
// the waiting flow. code is written once, before done is closed.
type authState struct {
	once sync.Once
	code string
	done chan struct{}
}

func newAuthState() *authState {
	return &authState{done: make(chan struct{})}
}

// set stores code and signals the waiter. Later calls are ignored.
func (s *authState) set(code string) {
	s.once.Do(func() {
		s.code = code
		close(s.done)
	})
}

// Server captures a single authorization code on an OS-assigned loopback port.
type Server struct {
	id     string
	state  *authState
	mux    *http.ServeMux
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
	port   int
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server. Nothing listens until Start is called.
func New() *Server {
	s := &Server{
		id:    uuid.NewString(),
		state: newAuthState(),
		mux:   http.NewServeMux(),
	}
	s.logger = slog.Default().With("attempt", s.id)

	s.mux.Handle("GET "+Path, s.instrument(http.HandlerFunc(s.handleCallback)))

	return s
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "Authorization code not found", http.StatusBadRequest)
		return
	}

	s.state.set(code)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, SuccessMessage)
}

// Start binds a free loopback port and serves in the background. The listener
// is bound before Start returns, so the redirect URI is usable immediately.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("callback server already started")
	}

	// Startup phase: Create listener synchronously so the port is known before the browser opens
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to start callback listener: %w", err)
	}

	s.port = listener.Addr().(*net.TCPAddr).Port
	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback server stopped", "error", err)
		}
	}()

	s.logger.DebugContext(ctx, "callback server listening", "port", s.port)
	return nil
}

// RedirectURI returns the URI the identity provider redirects to.
func (s *Server) RedirectURI() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == 0 {
		return "", ErrNotStarted
	}
	return "http://" + net.JoinHostPort(Host, strconv.Itoa(s.port)) + Path, nil
}

// WaitForCode blocks until a code has been captured, timeout elapses, or ctx
// is done. It is the only synchronization point between the handler and the flow.
func (s *Server) WaitForCode(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.state.done:
		return s.state.code, nil
	case <-timer.C:
		return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
