package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/example/agrilink/internal/auth"
	"github.com/example/agrilink/internal/history"
	"github.com/example/agrilink/internal/presence/domain"
)

// ActiveLister exposes the registry's active snapshot.
type ActiveLister interface {
	ListActive() []domain.PresenceSnapshot
}

// HistoryRecorder stores samples posted by supplier devices.
type HistoryRecorder interface {
	Record(ctx context.Context, s history.Sample) error
}

// HistoryReader returns a supplier's recent samples, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, supplierID string, limit int) ([]history.Sample, error)
}

// REST serves read access to presence and the history collaborator endpoints.
type REST struct {
	reg      ActiveLister
	recorder HistoryRecorder
	reader   HistoryReader
	logger   *zap.Logger
}

// NewREST constructs the handler. recorder may be nil, which disables history writes.
func NewREST(reg ActiveLister, recorder HistoryRecorder, logger *zap.Logger) *REST {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &REST{reg: reg, recorder: recorder, logger: logger}
}

// WithReader enables GET /v1/suppliers/{supplierID}/history.
func (h *REST) WithReader(reader HistoryReader) *REST {
	h.reader = reader
	return h
}

// Routes mounts the endpoints on r.
func (h *REST) Routes(r chi.Router) {
	r.Get("/v1/suppliers/active", h.listActive)
	r.Get("/v1/suppliers/{supplierID}/history", h.recentHistory)
	r.Post("/v1/locations/history", h.recordHistory)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (h *REST) recentHistory(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		http.Error(w, "history storage not configured", http.StatusServiceUnavailable)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	supplierID := chi.URLParam(r, "supplierID")
	samples, err := h.reader.Recent(r.Context(), supplierID, limit)
	if err != nil {
		h.logger.Warn("history read failed", zap.String("supplier_id", supplierID), zap.Error(err))
		http.Error(w, "history storage unavailable", http.StatusBadGateway)
		return
	}
	if samples == nil {
		samples = []history.Sample{}
	}
	writeJSON(w, http.StatusOK, samples)
}

func (h *REST) listActive(w http.ResponseWriter, _ *http.Request) {
	list := h.reg.ListActive()
	if list == nil {
		list = []domain.PresenceSnapshot{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *REST) recordHistory(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		http.Error(w, "device history not enabled", http.StatusServiceUnavailable)
		return
	}
	var sample history.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if identity, _ := auth.IdentityFromContext(r.Context()); !identity.CanPublishFor(sample.SupplierID) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	err := h.recorder.Record(r.Context(), sample)
	var upstream *history.UpstreamError
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &upstream):
		h.logger.Warn("history write failed", zap.String("supplier_id", sample.SupplierID), zap.Error(err))
		http.Error(w, "history storage unavailable", http.StatusBadGateway)
	default:
		h.logger.Error("history write failed", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
