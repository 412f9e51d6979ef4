// Package server is the HTTP surface of the bridge: the two webhook
// endpoints, the health and metrics endpoints and the admin replay trigger.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/health"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
	"github.com/Mindburn-Labs/syncbridge/pkg/scheduler"
	"github.com/Mindburn-Labs/syncbridge/pkg/sync"
	"github.com/Mindburn-Labs/syncbridge/pkg/webhook"
)

// Server serves the bridge's HTTP surface.
type Server struct {
	admitter   *webhook.Admitter
	orch       *sync.Orchestrator
	sched      *scheduler.Scheduler
	checker    *health.Checker
	metrics    *metrics.Metrics
	audit      audit.Logger
	adminToken string
	logger     *slog.Logger

	httpServer *http.Server
}

// New wires the Server and its routes.
func New(addr string, admitter *webhook.Admitter, orch *sync.Orchestrator, sched *scheduler.Scheduler,
	checker *health.Checker, met *metrics.Metrics, auditLogger audit.Logger, adminToken string) *Server {
	s := &Server{
		admitter:   admitter,
		orch:       orch,
		sched:      sched,
		checker:    checker,
		metrics:    met,
		audit:      auditLogger,
		adminToken: adminToken,
		logger:     slog.Default().With("component", "server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/src", s.instrument("/webhook/src", s.webhookHandler(contracts.ProviderSource)))
	mux.HandleFunc("POST /webhook/tgt", s.instrument("/webhook/tgt", s.webhookHandler(contracts.ProviderTarget)))
	mux.HandleFunc("GET /health", s.instrument("/health", s.handleHealth(true)))
	mux.HandleFunc("GET /health/ci", s.instrument("/health/ci", s.handleHealth(false)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(met.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("POST /replay-deadletters", s.instrument("/replay-deadletters", s.handleReplay))

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// swallowed; it is the normal shutdown signal.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// instrument records request count and duration per path.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.metrics.RecordHTTPRequest(r.Context(), path, r.Method, rec.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// webhookHandler runs admission then orchestration for one provider.
func (s *Server) webhookHandler(provider contracts.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ev, err := s.admitter.Admit(r, provider)
		if err != nil {
			s.denied(w, r, provider, err)
			return
		}

		result, err := s.orch.Process(r.Context(), ev)
		if err != nil {
			kind := fault.KindOf(err)
			status, title := statusFor(kind)
			if status != http.StatusAccepted {
				s.metrics.RecordWebhookError(r.Context(), string(provider), string(kind))
				if status == http.StatusInternalServerError {
					s.logger.Error("webhook processing failed", "provider", provider, "error", err)
					writeProblem(w, r, status, title, "An unexpected error occurred.")
					return
				}
				writeProblem(w, r, status, title, err.Error())
				return
			}
			s.accepted(w, ev.Fingerprint, string(kind))
			return
		}

		verdict := string(result.Outcome)
		if result.DeadLettered {
			verdict = "quarantined"
		}
		s.accepted(w, ev.Fingerprint, verdict)
	}
}

// denied answers one admission failure with its taxonomy status.
func (s *Server) denied(w http.ResponseWriter, r *http.Request, provider contracts.Provider, err error) {
	kind := fault.KindOf(err)
	status, title := statusFor(kind)

	s.metrics.RecordWebhookError(r.Context(), string(provider), string(kind))
	if kind == fault.KindRateLimited {
		s.metrics.RecordRateLimitHit(r.Context(), r.URL.Path)
	}
	audit.Admission(s.audit, string(provider), r.Header.Get(webhook.HeaderEventKind), "", string(kind), nil)

	detail := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("admission failed", "provider", provider, "error", err)
		detail = "An unexpected error occurred."
	}
	writeProblem(w, r, status, title, detail)
}

func (s *Server) accepted(w http.ResponseWriter, fingerprint, verdict string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":      "accepted",
		"fingerprint": fingerprint,
		"verdict":     verdict,
	})
}

func (s *Server) handleHealth(includeOutbound bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := s.checker.Report(r.Context(), includeOutbound)

		status := http.StatusOK
		if report.Status == health.StatusError {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}

// handleReplay triggers an immediate replay sweep. The admin bearer token is
// distinct from the webhook secrets and compared in constant time.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeProblem(w, r, http.StatusUnauthorized, "Unauthorized", "Admin token required")
		return
	}

	result, err := s.sched.Sweep(r.Context())
	if err != nil {
		s.logger.Error("manual replay sweep failed", "error", err)
		writeProblem(w, r, http.StatusInternalServerError, "Internal Server Error", "Replay sweep failed.")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}
