// Package gateway exposes the market document intake and the mailbox
// peek/dequeue protocol over HTTP, plus an admin surface for operators.
package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub024/document"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/errors"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/mailbox"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/market"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/metric"
	"github.com/Energinet-DataHub/opengeh-edi-sub024/validate"
)

// Dispatcher forwards accepted transactions to the internal transaction
// stream.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx *market.MarketTransaction) error
}

// Server handles the public B2B endpoints: document intake, peek and
// dequeue. Actor identity arrives in headers; in production those are set
// by the mTLS terminating proxy from the client certificate.
type Server struct {
	validator  *validate.Validator
	dispatcher Dispatcher
	mailbox    *mailbox.Mailbox
	metrics    *metric.Metrics
	logger     *slog.Logger
	now        func() time.Time

	maxBodyBytes int64
}

// NewServer wires the public endpoint handlers.
func NewServer(validator *validate.Validator, dispatcher Dispatcher, mb *mailbox.Mailbox, metrics *metric.Metrics, logger *slog.Logger) (*Server, error) {
	if validator == nil || dispatcher == nil || mb == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "validator, dispatcher and mailbox are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		validator:    validator,
		dispatcher:   dispatcher,
		mailbox:      mb,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		maxBodyBytes: 64 * 1024 * 1024,
	}, nil
}

// Routes returns the public HTTP mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/documents", s.handleSubmit)
	mux.HandleFunc("GET /v1/peek/{category}", s.handlePeek)
	mux.HandleFunc("POST /v1/dequeue/{category}/{bundleId}", s.handleDequeue)
	return mux
}

type errorResponse struct {
	Errors []market.ValidationError `json:"errors"`
}

type acceptedResponse struct {
	TransactionID string `json:"transactionId"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			http.Error(w, "document exceeds the maximum accepted size", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	doc := document.Incoming{
		Payload:     payload,
		ContentType: r.Header.Get("Content-Type"),
		ProcessType: r.Header.Get("X-Process-Type"),
		Version:     r.Header.Get("X-Document-Version"),
	}
	if s.metrics != nil {
		s.metrics.DocumentsReceived.WithLabelValues(doc.ContentType, doc.ProcessType).Inc()
	}

	start := s.now()
	result, err := s.validator.Validate(r.Context(), doc)
	if s.metrics != nil {
		s.metrics.ValidateDuration.WithLabelValues(doc.ContentType).Observe(s.now().Sub(start).Seconds())
	}
	if err != nil {
		// Infrastructure failure, not a verdict on the document. The
		// submitter should retry.
		s.logger.Error("validation infrastructure failure", "error", err)
		http.Error(w, "validation temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	if !result.OK() {
		if s.metrics != nil {
			s.metrics.DocumentsRejected.WithLabelValues(doc.ContentType, doc.ProcessType).Inc()
			for _, ve := range result.Errors {
				s.metrics.ValidationErrors.WithLabelValues(ve.Code).Inc()
			}
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Errors: result.Errors})
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), result.Transaction); err != nil {
		s.logger.Error("transaction dispatch failed",
			"transactionId", result.Transaction.ID, "error", err)
		http.Error(w, "document accepted but not forwarded, retry", http.StatusServiceUnavailable)
		return
	}

	s.logger.Info("document accepted",
		"transactionId", result.Transaction.ID,
		"process", result.Transaction.Header.ProcessType.String(),
		"sender", result.Transaction.Header.SenderNumber)
	writeJSON(w, http.StatusAccepted, acceptedResponse{TransactionID: result.Transaction.ID})
}

func (s *Server) handlePeek(w http.ResponseWriter, r *http.Request) {
	actor, role, category, ok := s.mailboxParams(w, r)
	if !ok {
		return
	}

	bundle, err := s.mailbox.Peek(r.Context(), actor, category)
	if err != nil {
		s.logger.Error("peek failed", "actor", actor, "category", category.String(), "error", err)
		http.Error(w, "mailbox temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if bundle == nil {
		if s.metrics != nil {
			s.metrics.PeekRequests.WithLabelValues("empty").Inc()
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.metrics != nil {
		s.metrics.PeekRequests.WithLabelValues("hit").Inc()
	}

	w.Header().Set("X-Bundle-Id", bundle.ID)

	// Aggregation results are delivered as a CIM notify document; other
	// categories are delivered as the raw message list.
	if bundle.DocumentType() == document.NotifyAggregatedMeasureData {
		rendered, err := document.RenderNotifyAggregated(bundle.ID, bundle.Actor, role, bundle.Messages, s.now())
		if err != nil {
			s.logger.Error("bundle rendering failed", "bundleId", bundle.ID, "error", err)
			http.Error(w, "bundle rendering failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", market.FormatCIMXML.String())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(rendered)
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

func (s *Server) handleDequeue(w http.ResponseWriter, r *http.Request) {
	actor, _, category, ok := s.mailboxParams(w, r)
	if !ok {
		return
	}
	bundleID := r.PathValue("bundleId")
	if bundleID == "" {
		http.Error(w, "bundle id is required", http.StatusBadRequest)
		return
	}

	err := s.mailbox.Dequeue(r.Context(), actor, category, bundleID)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.BundlesDequeued.WithLabelValues(category.String()).Inc()
		}
		w.WriteHeader(http.StatusOK)
	case stderrors.Is(err, errors.ErrBundleNotFound):
		http.Error(w, "unknown bundle", http.StatusNotFound)
	case stderrors.Is(err, errors.ErrBundleNotPeeked):
		http.Error(w, "bundle is not at the head of the queue", http.StatusConflict)
	default:
		s.logger.Error("dequeue failed", "actor", actor, "bundleId", bundleID, "error", err)
		http.Error(w, "mailbox temporarily unavailable", http.StatusServiceUnavailable)
	}
}

// mailboxParams extracts and validates the actor identity headers and the
// category path segment shared by peek and dequeue.
func (s *Server) mailboxParams(w http.ResponseWriter, r *http.Request) (market.ActorNumber, market.MarketRole, market.MessageCategory, bool) {
	actor := market.ActorNumber(r.Header.Get("X-Actor-Number"))
	if err := actor.Validate(); err != nil {
		http.Error(w, "a valid X-Actor-Number header is required", http.StatusUnauthorized)
		return "", 0, 0, false
	}
	role, ok := market.ParseMarketRole(r.Header.Get("X-Actor-Role"))
	if !ok {
		http.Error(w, "a valid X-Actor-Role header is required", http.StatusUnauthorized)
		return "", 0, 0, false
	}
	category, ok := market.ParseMessageCategory(r.PathValue("category"))
	if !ok {
		http.Error(w, "unknown message category", http.StatusNotFound)
		return "", 0, 0, false
	}
	return actor, role, category, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
