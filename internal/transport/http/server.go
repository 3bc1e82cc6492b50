package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"tallyd/internal/service"
)

type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer wires the ledger routes. metrics may be nil to leave /metrics
// unregistered.
func NewServer(addr string, svc service.LedgerService, webhookSecret string, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	h := NewHandler(svc, webhookSecret, metrics, logger)
	h.Register(mux)

	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
