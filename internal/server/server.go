// Package server exposes the gateway over HTTP: the action endpoint, the
// change-event stream, and the health probes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kaalabs/hue-gateway/internal/config"
	"github.com/kaalabs/hue-gateway/internal/dispatch"
	"github.com/kaalabs/hue-gateway/internal/eventbus"
)

// Request bodies larger than this are rejected outright.
const maxBodyBytes = 1 << 20

// Readiness reports whether the gateway can usefully serve requests.
type Readiness func() (ready bool, detail map[string]any)

// Server is the gateway's HTTP front end.
type Server struct {
	addr       string
	auth       *authenticator
	dispatcher *dispatch.Dispatcher
	bus        *eventbus.Bus
	ready      Readiness
	httpServer *http.Server
}

// New creates a server bound to the configured address.
func New(cfg *config.Config, dispatcher *dispatch.Dispatcher, bus *eventbus.Bus, ready Readiness) *Server {
	return &Server{
		addr:       fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		auth:       newAuthenticator(cfg.Auth),
		dispatcher: dispatcher,
		bus:        bus,
		ready:      ready,
	}
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.middleware)
		r.Post("/v2/actions", s.handleAction)
		r.Get("/v2/events", s.handleEvents)
	})

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	log.Info().Str("addr", s.addr).Msg("Starting gateway server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Gateway server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready, detail := s.ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"ready": ready}
	for k, v := range detail {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// handleAction decodes one action envelope and hands it to the dispatcher.
// Malformed JSON is the only failure decided here; everything else is the
// dispatcher's call.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeEnvelope(w, errorEnvelope("", "", "invalid_args", "Failed to read request body"), http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		writeEnvelope(w, errorEnvelope("", "", "invalid_args", "Request body too large"), http.StatusBadRequest)
		return
	}

	var req dispatch.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeEnvelope(w, errorEnvelope("", "", "invalid_args", "Request body is not valid JSON"), http.StatusBadRequest)
		return
	}
	// Headers fill in envelope fields the body left out.
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-Id")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	resp := s.dispatcher.Dispatch(r.Context(), credentialFrom(r.Context()), req)
	writeJSON(w, resp.Status, resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func errorEnvelope(requestID, action, code, message string) map[string]any {
	body := map[string]any{
		"ok": false,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if action != "" {
		body["action"] = action
	}
	if requestID != "" {
		body["requestId"] = requestID
	}
	return body
}

func writeEnvelope(w http.ResponseWriter, body map[string]any, status int) {
	writeJSON(w, status, body)
}

// requestLogger emits one debug line per request.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(started)).
			Msg("Request handled")
	})
}
