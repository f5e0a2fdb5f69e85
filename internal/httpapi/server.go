// Package httpapi is the daemon's loopback admin HTTP server. It is
// consumed by preers-ctl; every record crosses it as JSON.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/preers/preers/internal/db"
	"github.com/preers/preers/pkg/p2pnet"
)

// Controller is the slice of the network controller the admin surface
// needs: posting commands into the mailbox. It decouples this package
// from the concrete p2pnet.Network.
type Controller interface {
	Post(ctx context.Context, cmd p2pnet.Command) error
}

// Server serves the admin API on a loopback TCP port.
type Server struct {
	store      *db.DB
	network    Controller
	metrics    *p2pnet.Metrics // optional
	httpServer *http.Server
	listener   net.Listener
}

// NewServer creates an admin server over the given store and network
// controller. Metrics is optional; when set, /metrics is served too.
func NewServer(store *db.DB, network Controller, metrics *p2pnet.Metrics) *Server {
	return &Server{
		store:   store,
		network: network,
		metrics: metrics,
	}
}

// Start binds 127.0.0.1:port and serves in a background goroutine.
// The admin surface is trusted and local-only; it is never exposed
// beyond loopback.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on admin port: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server error", "error", err)
		}
	}()

	slog.Info("admin API listening", "addr", listener.Addr())
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

// Addr returns the bound listener address, for tests and logs.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
