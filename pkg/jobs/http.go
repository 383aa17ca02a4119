package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/puzzlehealth/reconciler/pkg/common/logger"
	"github.com/puzzlehealth/reconciler/pkg/export"
	"github.com/puzzlehealth/reconciler/pkg/extract"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/runs", h.handleCreateRun).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/runs", h.handleListRuns).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{id}", h.handleGetRun).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{id}/status", h.handleRunStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{id}/summary", h.handleSummary).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{id}/summary.csv", h.handleSummaryCSV).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{id}/summary.xlsx", h.handleSummaryXLSX).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/runs/{id}/replay", h.handleReplay).Methods(http.MethodPost)
}

// handleCreateRun accepts a multipart upload. Each form field names an
// extract kind (adt, los, charges, gg) and may carry several files; the
// facility label defaults to the filename, which the normalizer resolves.
func (h *Handler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	facilityOverride := r.FormValue("facility")

	// Field iteration sorted for a stable batch order: identical uploads
	// produce identical runs.
	fields := make([]string, 0, len(r.MultipartForm.File))
	for field := range r.MultipartForm.File {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var uploads []Upload
	for _, field := range fields {
		kind, err := extract.ParseKind(field)
		if err != nil {
			http.Error(w, fmt.Sprintf("unknown extract field %q", field), http.StatusBadRequest)
			return
		}
		for _, fh := range r.MultipartForm.File[field] {
			file, err := fh.Open()
			if err != nil {
				http.Error(w, "failed to read upload", http.StatusBadRequest)
				return
			}
			defer file.Close()

			label := facilityOverride
			if label == "" {
				label = fh.Filename
			}
			uploads = append(uploads, Upload{
				Kind:          kind,
				FacilityLabel: label,
				Filename:      fh.Filename,
				Reader:        file,
			})
		}
	}

	resp, err := h.service.CreateRun(r.Context(), uploads)
	if err != nil {
		if extract.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to create run")
		http.Error(w, "failed to create run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	offset := parseOffset(r)
	runs, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		logger.Log.WithError(err).Error("failed to list runs")
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": runs})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to get run")
		http.Error(w, "failed to get run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"run": run})
}

func (h *Handler) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	status, err := h.service.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to fetch run status")
		http.Error(w, "failed to fetch run status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rows, err := h.service.Summary(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load summary")
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": rows})
}

func (h *Handler) handleSummaryCSV(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rows, err := h.service.Summary(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load summary")
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "summary-"+id+".csv"))
	if err := export.WriteCSV(w, h.service.Catalog(), rows); err != nil {
		logger.Log.WithError(err).Error("failed to stream summary csv")
	}
}

func (h *Handler) handleSummaryXLSX(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rows, err := h.service.Summary(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		logger.Log.WithError(err).Error("failed to load summary")
		http.Error(w, "failed to load summary", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "summary-"+id+".xlsx"))
	if err := export.WriteXLSX(w, h.service.Catalog(), rows); err != nil {
		logger.Log.WithError(err).Error("failed to stream summary workbook")
	}
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	resp, err := h.service.Replay(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if extract.IsValidationError(err) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		logger.Log.WithError(err).Error("failed to replay run")
		http.Error(w, "failed to replay run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		return v
	}
	return fallback
}

func parseOffset(r *http.Request) int {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0
	}
	if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
		return v
	}
	return 0
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
