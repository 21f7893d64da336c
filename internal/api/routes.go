package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"betsync-service/internal/config"
	"betsync-service/internal/connectivity"
	"betsync-service/internal/records"
	"betsync-service/internal/remote"
	"betsync-service/internal/store"
	"betsync-service/internal/sync"
)

type Handler struct {
	cfg     config.ServerConfig
	facade  *records.Facade
	engine  *sync.Engine
	store   store.Store
	monitor *connectivity.Monitor
}

func NewHandler(cfg config.ServerConfig, facade *records.Facade, engine *sync.Engine, st store.Store, monitor *connectivity.Monitor) *Handler {
	return &Handler{
		cfg:     cfg,
		facade:  facade,
		engine:  engine,
		store:   st,
		monitor: monitor,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CorsMiddleware)

	r.Get("/health", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/sync/trigger", h.TriggerSync)
		r.Post("/sync/full", h.TriggerFullSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/dead-letters", h.GetDeadLetters)

		r.Get("/storage/info", h.GetStorageInfo)
		r.Delete("/offline-data", h.ClearOfflineData)

		r.Post("/connectivity", h.ReportConnectivity)

		r.Route("/records/{type}", func(r chi.Router) {
			r.Get("/", h.ListRecords)
			r.Post("/", h.CreateRecord)
			r.Patch("/{id}", h.UpdateRecord)
			r.Delete("/{id}", h.DeleteRecord)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) TriggerFullSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ForceFullSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Status(r.Context()))
}

func (h *Handler) GetDeadLetters(w http.ResponseWriter, r *http.Request) {
	ops, err := h.store.GetDeadLettered(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ops == nil {
		ops = []*store.PendingOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (h *Handler) GetStorageInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.facade.StorageInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) ClearOfflineData(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.ClearOfflineData(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// ReportConnectivity ingests a platform reachability callback.
func (h *Handler) ReportConnectivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	h.monitor.ReportChange(body.Online)
	writeJSON(w, http.StatusOK, map[string]bool{"online": body.Online})
}

func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	filters := make(map[string]string)
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			filters[key] = values[0]
		}
	}

	recs, err := h.facade.List(r.Context(), chi.URLParam(r, "type"), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*records.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	record, err := h.facade.Create(r.Context(), chi.URLParam(r, "type"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	record, err := h.facade.Update(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := h.facade.Delete(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrStorageFull):
		status = http.StatusInsufficientStorage
	case errors.Is(err, remote.ErrNotFound), errors.Is(err, records.ErrNotFound):
		status = http.StatusNotFound
	case remote.IsTransport(err):
		status = http.StatusBadGateway
	case remote.IsValidation(err):
		status = http.StatusBadRequest
	case remote.IsConflict(err):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken != "" {
			if r.Header.Get("Authorization") != "Bearer "+h.cfg.AuthToken {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
