package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/tech4242/aquaman/internal/log"
)

// DefaultShutdownGrace bounds the in-flight drain on Stop.
const DefaultShutdownGrace = 5 * time.Second

// Server owns the daemon's listener for its lifetime: bind, serve
// concurrently, drain on stop, release the socket.
type Server struct {
	handler *Handler
	opts    ServerOptions

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
	boundTo  string
}

// ServerOptions selects the endpoint: a TCP host/port (port 0 asks the OS
// for one), optionally with TLS, or a unix socket path.
type ServerOptions struct {
	Host          string
	Port          int
	SocketPath    string
	TLSCert       string
	TLSKey        string
	ShutdownGrace time.Duration
}

// NewServer creates a daemon server around the pipeline handler.
func NewServer(handler *Handler, opts ServerOptions) *Server {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	return &Server{handler: handler, opts: opts}
}

// Start binds the listener and begins serving. A second Start while
// running fails loudly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("proxy server already running on %s", s.boundTo)
	}

	var listener net.Listener
	var err error
	if s.opts.SocketPath != "" {
		listener, err = listenUnixOwnerOnly(s.opts.SocketPath)
		if err != nil {
			return fmt.Errorf("binding unix socket %s: %w", s.opts.SocketPath, err)
		}
		s.boundTo = s.opts.SocketPath
	} else {
		listener, err = net.Listen("tcp", net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port)))
		if err != nil {
			return fmt.Errorf("binding %s:%d: %w", s.opts.Host, s.opts.Port, err)
		}
		s.boundTo = listener.Addr().String()
	}
	s.listener = listener

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 60 * time.Second, // Prevent Slowloris attacks
	}
	s.server = srv

	// The serve goroutine keeps its own reference: Stop may clear
	// s.server before the goroutine is scheduled.
	serve := func() error { return srv.Serve(listener) }
	if s.opts.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(s.opts.TLSCert, s.opts.TLSKey)
		if err != nil {
			listener.Close()
			s.listener = nil
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		s.server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		serve = func() error { return srv.ServeTLS(listener, "", "") }
	}

	go func() {
		if err := serve(); err != nil && err != http.ErrServerClosed {
			log.Error("proxy server stopped unexpectedly", "error", err)
		}
	}()

	s.running = true
	log.Info("proxy listening", "addr", s.boundTo)
	return nil
}

// Stop stops accepting, drains in-flight handlers within the grace
// period, releases the socket file if applicable, and wipes the client
// token from memory.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownGrace)
	defer cancel()

	err := s.server.Shutdown(drainCtx)
	if err != nil {
		// Grace expired; force the remaining connections closed.
		s.server.Close()
	}

	if s.opts.SocketPath != "" {
		os.Remove(s.opts.SocketPath)
	}
	s.handler.ClearClientToken()

	s.server = nil
	s.listener = nil
	s.running = false
	return err
}

// IsRunning reports whether the listener is bound.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Port returns the bound TCP port (meaningful after Start; honors port 0
// dynamic allocation). Returns 0 for unix socket listeners.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.opts.SocketPath != "" {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// SocketPath returns the unix socket path, or "" for TCP listeners.
func (s *Server) SocketPath() string {
	if s.opts.SocketPath == "" {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return ""
	}
	return s.opts.SocketPath
}

// Addr returns the bound address (host:port or socket path).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundTo
}

// readyLine is the one-shot plugin-mode JSON printed to stdout at startup
// so a managing host process can read the bound endpoint.
type readyLine struct {
	Ready      bool     `json:"ready"`
	Port       int      `json:"port,omitempty"`
	SocketPath string   `json:"socketPath,omitempty"`
	Services   []string `json:"services"`
	Token      string   `json:"token,omitempty"`
}

// WriteReadyLine emits the plugin-mode ready line to w.
func (s *Server) WriteReadyLine(w *os.File, token string) error {
	services := s.handler.allowedServices()
	if services == nil {
		services = []string{}
	}
	line := readyLine{
		Ready:      true,
		Port:       s.Port(),
		SocketPath: s.SocketPath(),
		Services:   services,
		Token:      token,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
