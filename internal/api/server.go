// Package api exposes the router's external interface over HTTP. The
// wallet/UI layer in front of it is an external collaborator: callers
// identify themselves with the X-Caller-Address header and the coordinator
// enforces roles on every operation.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/crosslane/router/internal"
	"github.com/crosslane/router/internal/coordinator"
)

// Server serves the HTTP interface over the coordinator.
type Server struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
	addr   string
}

// NewServer builds the server. addr is the listen address, e.g. ":8080".
func NewServer(logger *zap.Logger, coord *coordinator.Coordinator, addr string) *Server {
	return &Server{
		coord:  coord,
		logger: logger.With(zap.String("component", "HTTPServer")),
		addr:   addr,
	}
}

// Router assembles the chi routes. Exposed for handler tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/messages", s.handleRequestMessage)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/approve", s.handleApprove)
			r.Get("/pending", s.handleListPending)
			r.Get("/history", s.handleListHistory)
			r.Get("/{txID}", s.handleGetTransaction)
			r.Post("/{txID}/cancel", s.handleCancel)
		})

		r.Route("/chains", func(r chi.Router) {
			r.Post("/", s.handleRegisterChain)
			r.Post("/{chainID}/native-bridge", s.handleRegisterNativeBridge)
			r.Delete("/{chainID}/native-bridge", s.handleUnregisterNativeBridge)
		})

		r.Post("/confirmations", s.handleConfirmation)
	})

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP service started", zap.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("HTTP service stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the uniform failure shape: the specific reason plus its
// taxonomy class, never a generic "failed".
type errorBody struct {
	Error string `json:"error"`
	Class string `json:"class"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	class := internal.ErrorClass(err)

	status := http.StatusInternalServerError
	switch class {
	case "validation":
		status = http.StatusBadRequest
	case "authorization", "replay":
		status = http.StatusForbidden
	case "temporal":
		status = http.StatusConflict
	case "state":
		status = http.StatusConflict
	case "dispatch":
		status = http.StatusBadGateway
	}

	s.logger.Debug("Request failed", zap.String("class", class), zap.Error(err))
	writeJSON(w, status, errorBody{Error: err.Error(), Class: class})
}
