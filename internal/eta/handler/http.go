package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	etasvc "github.com/example/agrilink/internal/eta/service"
	"github.com/example/agrilink/internal/geo"
)

const (
	defaultRadiusKM = 10.0
	defaultLimit    = 20
)

// HTTP exposes the proximity endpoints over live presence.
type HTTP struct {
	svc *etasvc.Service
}

// New creates the handler.
func New(svc *etasvc.Service) *HTTP {
	return &HTTP{svc: svc}
}

// Routes mounts the endpoints on r.
func (h *HTTP) Routes(r chi.Router) {
	r.Get("/v1/eta", h.estimate)
	r.Get("/v1/suppliers/nearby", h.nearby)
}

func (h *HTTP) estimate(w http.ResponseWriter, r *http.Request) {
	point, ok := parsePoint(w, r)
	if !ok {
		return
	}
	best, found := h.svc.EstimateSupplierETA(r.Context(), point)
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no active suppliers"})
		return
	}
	writeJSON(w, http.StatusOK, best)
}

func (h *HTTP) nearby(w http.ResponseWriter, r *http.Request) {
	point, ok := parsePoint(w, r)
	if !ok {
		return
	}
	radius := parseQueryFloat(r, "radius_km", defaultRadiusKM)
	if radius <= 0 {
		http.Error(w, "radius_km must be positive", http.StatusBadRequest)
		return
	}
	limit := int(parseQueryFloat(r, "limit", defaultLimit))
	writeJSON(w, http.StatusOK, h.svc.Nearby(r.Context(), point, radius, limit))
}

func parsePoint(w http.ResponseWriter, r *http.Request) (geo.Point, bool) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if errLat != nil || errLng != nil || !geo.ValidCoordinate(lat, lng) {
		http.Error(w, "lat and lng must be valid coordinates", http.StatusBadRequest)
		return geo.Point{}, false
	}
	return geo.Point{Lat: lat, Lng: lng}, true
}

func parseQueryFloat(r *http.Request, key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	if err != nil {
		return fallback
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
