// Package api provides HTTP handlers and the API server for flowssist.
//
// It exposes read and admin endpoints over conversations and the messaging
// window, plus workflow definition publishing. The API integrates with the
// conversation orchestrator and the workflow registry.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// DefaultRequestTimeout bounds handler-side operations.
const DefaultRequestTimeout = 30 * time.Second

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
	// TwilioWebhook, when set, is mounted at POST /webhook/twilio.
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the Twilio inbound webhook handler.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server hosts the HTTP surface over the orchestrator and registry.
type Server struct {
	orch          Orchestrator
	registry      Publisher
	addr          string
	twilioWebhook http.HandlerFunc
	httpServer    *http.Server
}

// NewServer creates an API server over the given orchestrator and publisher.
func NewServer(orch Orchestrator, registry Publisher, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		orch:          orch,
		registry:      registry,
		addr:          cfg.Addr,
		twilioWebhook: cfg.TwilioWebhook,
	}
}

// Handler builds the route table. Exposed separately so tests can drive the
// mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations/", s.conversationsHandler)
	mux.HandleFunc("/definitions", s.publishDefinitionHandler)
	mux.HandleFunc("/health", s.healthHandler)
	if s.twilioWebhook != nil {
		mux.HandleFunc("/webhook/twilio", s.twilioWebhook)
	}
	return mux
}

// Run starts the HTTP server and blocks until it stops.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  DefaultRequestTimeout,
		WriteTimeout: DefaultRequestTimeout,
	}
	slog.Info("API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	slog.Info("API server shutting down")
	return s.httpServer.Shutdown(ctx)
}
