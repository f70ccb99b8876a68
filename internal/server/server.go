// Package server assembles the dev server middleware chain and owns its
// listen/shutdown lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rathix/devserver/internal/config"
	"github.com/rathix/devserver/internal/portfind"
	"github.com/rathix/devserver/internal/proxy"
)

// ErrClosed settles readiness when Close runs before the server is listening.
var ErrClosed = errors.New("dev server closed")

const defaultShutdownTimeout = 10 * time.Second

// Bundler is the compile step the server waits on and serves from.
type Bundler interface {
	Start(ctx context.Context) error
	WaitUntilValid(ctx context.Context) error
	Middleware(next http.Handler) http.Handler
	Close()
}

// HotReload serves the change notification endpoints.
type HotReload interface {
	Middleware(next http.Handler) http.Handler
	Close()
}

// Options configures a Server.
type Options struct {
	Host string
	// Port is the first port tried; the next free one above it is used if taken.
	Port int
	// Static is the filesystem holding pure static assets.
	Static fs.FS
	// StaticPrefix is the URL prefix static assets are mounted under.
	StaticPrefix string
	// Index is the document client-side routes are rewritten to.
	Index           string
	ProxyTable      map[string]config.ProxyOptions
	ShutdownTimeout time.Duration
}

// Server is a development HTTP server. Start launches it in the background;
// Ready settles exactly once, and Close tears everything down.
type Server struct {
	opts    Options
	logger  *slog.Logger
	bundler Bundler
	hot     HotReload

	proxies  *proxy.Switch
	fallback http.Handler
	handler  http.Handler

	settleOnce sync.Once
	ready      chan struct{}
	done       chan struct{}

	mu      sync.Mutex
	err     error
	srv     *http.Server
	port    int
	started bool
	closed  bool
}

// New wires the middleware chain in this order: hot reload endpoints, proxy
// table, history fallback, bundle output, static assets, 404.
func New(opts Options, bundler Bundler, hot HotReload, logger *slog.Logger) (*Server, error) {
	if opts.Host == "" {
		opts.Host = config.DefaultHost
	}
	if opts.Index == "" {
		opts.Index = config.DefaultIndex
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	var staticChain http.Handler = http.NotFoundHandler()
	if opts.Static != nil {
		staticChain = Mount(opts.StaticPrefix, NewStaticHandler(opts.Static, nil), http.NotFoundHandler())
	}

	s := &Server{
		opts:    opts,
		logger:  logger,
		bundler: bundler,
		hot:     hot,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.fallback = HistoryFallback(opts.Index, logger, bundler.Middleware(staticChain))

	table, err := proxy.NewTable(opts.ProxyTable, s.fallback, logger)
	if err != nil {
		return nil, fmt.Errorf("build proxy table: %w", err)
	}
	s.proxies = proxy.NewSwitch(table)
	s.logProxies(table)

	s.handler = AccessLog(logger, hot.Middleware(s.proxies))
	return s, nil
}

// Handler returns the assembled middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetProxyTable swaps in a new proxy table without restarting. On error the
// current table stays active.
func (s *Server) SetProxyTable(entries map[string]config.ProxyOptions) error {
	table, err := proxy.NewTable(entries, s.fallback, s.logger)
	if err != nil {
		return err
	}
	s.proxies.Store(table)
	s.logProxies(table)
	return nil
}

func (s *Server) logProxies(t *proxy.Table) {
	for _, ctx := range t.Contexts() {
		s.logger.Info("Proxy created", "context", ctx, "target", t.Target(ctx))
	}
}

// Start compiles, waits for the first bundle, picks a port and serves, all
// in the background. It returns immediately; watch Ready and Done.
func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx)
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)

	s.logger.Info("Starting dev server...")
	if err := s.bundler.Start(ctx); err != nil {
		s.settle(fmt.Errorf("start bundler: %w", err))
		return
	}
	if err := s.bundler.WaitUntilValid(ctx); err != nil {
		s.settle(fmt.Errorf("wait for bundle: %w", err))
		return
	}

	ln, port, err := portfind.Listen(ctx, s.opts.Host, s.opts.Port)
	if err != nil {
		s.settle(fmt.Errorf("find port: %w", err))
		return
	}

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		s.settle(ErrClosed)
		return
	}
	s.srv = srv
	s.port = port
	s.mu.Unlock()

	// Child processes (test runners) read the chosen port from here.
	if err := os.Setenv("PORT", strconv.Itoa(port)); err != nil {
		s.logger.Warn("failed to export PORT", "error", err)
	}
	s.logger.Info("Listening", "url", s.URL())
	s.settle(nil)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.mu.Lock()
		s.err = fmt.Errorf("serve: %w", err)
		s.mu.Unlock()
		s.logger.Error("server error", "error", err)
	}
}

func (s *Server) settle(err error) {
	s.settleOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if err != nil {
			s.logger.Error("dev server failed to start", "error", err)
		}
		close(s.ready)
	})
}

// Ready is closed once startup has either succeeded or failed; Err tells which.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the background serve loop has exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err returns the startup failure, or a fatal serve error, if any.
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the server is listening or startup failed.
func (s *Server) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Port returns the bound port, or 0 before the server is listening.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// URL returns the address browsers should open.
func (s *Server) URL() string {
	return "http://" + net.JoinHostPort(s.opts.Host, strconv.Itoa(s.Port()))
}

// Close stops the hot reload streams, the bundler and the HTTP server, in
// that order so long-lived streams do not hold up the graceful shutdown.
// Safe to call more than once.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.srv
	started := s.started
	s.mu.Unlock()

	s.hot.Close()
	s.bundler.Close()

	var shutdownErr error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("server forced to shutdown: %w", err)
		}
	}
	s.settle(ErrClosed)

	if started {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.logger.Info("Server stopped")
	return shutdownErr
}
