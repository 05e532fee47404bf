package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"vaultwatch/internal/vault"
)

// ZoneReader is the read side of the zone store.
type ZoneReader interface {
	Snapshot(z vault.Zone) map[string]vault.Position
}

// Readiness reports whether the initial sync has completed.
type Readiness interface {
	IsReady() bool
}

// Dependencies are what the handlers read from.
type Dependencies struct {
	Zones  ZoneReader
	Ready  Readiness
	Logger zerolog.Logger
}

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// SetupRoutes registers the status endpoints:
//
//	GET /health       400 "NOK" until the initial sync completes, then 200 "OK"
//	GET /yellowZoned  positions in the yellow zone, keyed by position id
//	GET /redZoned     positions in the red zone, keyed by position id
//	GET /metrics      prometheus exposition
//
// Middleware order: Recovery, Logging, CORS.
func SetupRoutes(deps Dependencies) *mux.Router {
	logger := deps.Logger.With().Str("component", "api").Logger()
	h := &handlers{zones: deps.Zones, ready: deps.Ready, logger: logger}

	router := mux.NewRouter()
	router.Use(Recovery(logger))
	router.Use(Logging(logger))
	router.Use(CORS)

	router.HandleFunc("/health", h.health).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/yellowZoned", h.zoned(vault.ZoneYellow)).Methods(http.MethodGet, http.MethodOptions)
	router.HandleFunc("/redZoned", h.zoned(vault.ZoneRed)).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return router
}

type handlers struct {
	zones  ZoneReader
	ready  Readiness
	logger zerolog.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !h.ready.IsReady() {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("NOK"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *handlers) zoned(z vault.Zone) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.ready.IsReady() {
			h.writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
				Error: "initial sync in progress",
				Code:  "NOT_READY",
			})
			return
		}
		h.writeJSON(w, http.StatusOK, h.zones.Snapshot(z))
	}
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}
