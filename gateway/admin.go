package gateway

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/health"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/metric"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/orchestrate"
)

// AdminServer serves the operator-facing surface: prometheus metrics,
// health, fan-out progress and the dead-letter listing. It binds to a
// separate listener so it is never reachable from the B2B network.
type AdminServer struct {
	orchestrator *orchestrate.Orchestrator
	health       *health.Registry
	registry     *prometheus.Registry
	logger       *slog.Logger
}

// NewAdminServer wires the admin handlers.
func NewAdminServer(orchestrator *orchestrate.Orchestrator, hr *health.Registry, reg *prometheus.Registry, logger *slog.Logger) (*AdminServer, error) {
	if orchestrator == nil || hr == nil || reg == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "AdminServer", "NewAdminServer", "orchestrator, health registry and metrics registry are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminServer{
		orchestrator: orchestrator,
		health:       hr,
		registry:     reg,
		logger:       logger,
	}, nil
}

// Routes returns the admin HTTP mux.
func (a *AdminServer) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metric.Handler(a.registry))
	mux.Handle("GET /healthz", a.health.Handler())
	mux.HandleFunc("GET /v1/fanout/{calculationId}/{eventId}", a.handleProgress)
	mux.HandleFunc("POST /v1/fanout/{calculationId}/{eventId}/resume", a.handleResume)
	mux.HandleFunc("POST /v1/fanout/{calculationId}/{eventId}/cancel", a.handleCancel)
	mux.HandleFunc("GET /v1/deadletters", a.handleDeadLetters)
	return mux
}

func (a *AdminServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	calculationID := r.PathValue("calculationId")
	eventID := r.PathValue("eventId")

	progress, err := a.orchestrator.Progress(r.Context(), calculationID, eventID)
	if err != nil {
		a.logger.Error("progress lookup failed", "calculationId", calculationID, "error", err)
		http.Error(w, "progress lookup failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// handleResume re-runs the unfinished jobs of a completion event. Jobs
// already done or dead are left alone.
func (a *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	calculationID := r.PathValue("calculationId")
	eventID := r.PathValue("eventId")

	if err := a.orchestrator.Resume(r.Context(), calculationID, eventID); err != nil {
		a.logger.Error("resume failed", "calculationId", calculationID, "error", err)
		http.Error(w, "resume failed", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *AdminServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	a.orchestrator.Cancel(r.PathValue("calculationId"), r.PathValue("eventId"))
	w.WriteHeader(http.StatusAccepted)
}

func (a *AdminServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.orchestrator.DeadLetters(r.Context())
	if err != nil {
		a.logger.Error("dead letter listing failed", "error", err)
		http.Error(w, "dead letter listing failed", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}
