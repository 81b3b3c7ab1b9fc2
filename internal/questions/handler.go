package questions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/qbank-platform/backend/internal/dberr"
	"github.com/qbank-platform/backend/internal/models"
	"github.com/qbank-platform/backend/internal/query"
	"github.com/qbank-platform/backend/internal/sampling"
)

const (
	maxBodyBytes   = 1 << 20
	maxImportBytes = 50 << 20
)

type Handler struct {
	service *Service
	log     logrus.FieldLogger
}

func NewHandler(service *Service, log logrus.FieldLogger) *Handler {
	return &Handler{service: service, log: log}
}

// Register mounts every route on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/questions", h.ListQuestions).Methods("GET")
	api.HandleFunc("/questions", h.CreateQuestion).Methods("POST")
	api.HandleFunc("/questions/sample", h.SampleQuestions).Methods("POST")
	api.HandleFunc("/questions/random", h.RandomQuestions).Methods("GET")
	api.HandleFunc("/questions/meta", h.GetMetadata).Methods("GET")
	api.HandleFunc("/questions/filters", h.GetFilterOptions).Methods("GET")
	api.HandleFunc("/questions/popular", h.GetPopular).Methods("GET")
	api.HandleFunc("/questions/{id}", h.GetQuestion).Methods("GET")
	api.HandleFunc("/questions/{id}", h.UpdateQuestion).Methods("PUT")
	api.HandleFunc("/questions/{id}", h.DeleteQuestion).Methods("DELETE")
	api.HandleFunc("/questions/{id}/attempts", h.RecordAttempt).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/questions/bulk", h.BulkCreate).Methods("POST")
	admin.HandleFunc("/questions/bulk", h.BulkUpdate).Methods("PUT")
	admin.HandleFunc("/questions/bulk", h.BulkDelete).Methods("DELETE")
	admin.HandleFunc("/export", h.ExportQuestions).Methods("GET")
	admin.HandleFunc("/import", h.ImportQuestions).Methods("POST")
	admin.HandleFunc("/cache/stats", h.CacheStats).Methods("GET")
	admin.HandleFunc("/cache/flush", h.FlushCache).Methods("POST")
}

// ── Reads ───────────────────────────────────────────────

func (h *Handler) ListQuestions(w http.ResponseWriter, r *http.Request) {
	q, err := query.ParseValues(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.service.List(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := h.service.FindByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) GetPopular(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	limit := intQueryParam(params, "limit", DefaultPopular)
	params.Del("limit")
	q, err := query.ParseValues(params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	qs, err := h.service.Popular(r.Context(), q.Filter, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Handler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := h.service.Metadata(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *Handler) GetFilterOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := h.service.FilterOptions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, opts)
}

// ── Sampling ────────────────────────────────────────────

func (h *Handler) SampleQuestions(w http.ResponseWriter, r *http.Request) {
	var req sampling.Request
	if !h.decode(w, r, &req) {
		return
	}
	qs, err := h.service.Sample(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func (h *Handler) RandomQuestions(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	count := intQueryParam(params, "count", 10)
	noCache := params.Get("no_cache") == "true"
	params.Del("count")
	params.Del("no_cache")
	q, err := query.ParseValues(params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	qs, err := h.service.RandomQuestions(r.Context(), q.Filter, count, noCache)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

// ── Writes ──────────────────────────────────────────────

func (h *Handler) CreateQuestion(w http.ResponseWriter, r *http.Request) {
	var q models.Question
	if !h.decode(w, r, &q) {
		return
	}
	created, err := h.service.Create(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var patch models.QuestionPatch
	if !h.decode(w, r, &patch) {
		return
	}
	updated, err := h.service.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) DeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RecordAttempt(w http.ResponseWriter, r *http.Request) {
	var req models.AttemptRequest
	if !h.decode(w, r, &req) {
		return
	}
	q, err := h.service.RecordAttempt(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ── Admin ───────────────────────────────────────────────

type bulkUpdateRequest struct {
	IDs   []string             `json:"ids"`
	Patch models.QuestionPatch `json:"patch"`
}

type bulkDeleteRequest struct {
	IDs  []string `json:"ids"`
	Hard bool     `json:"hard"`
}

func (h *Handler) BulkCreate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)
	var qs []models.Question
	if err := json.NewDecoder(r.Body).Decode(&qs); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}
	if len(qs) == 0 {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "No questions in payload"})
		return
	}
	res, err := h.service.BulkCreate(r.Context(), qs)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) BulkUpdate(w http.ResponseWriter, r *http.Request) {
	var req bulkUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.BulkUpdate(r.Context(), req.IDs, req.Patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) BulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.BulkDelete(r.Context(), req.IDs, req.Hard)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ExportQuestions(w http.ResponseWriter, r *http.Request) {
	envelope, err := h.service.ExportQuestions(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope)
}

func (h *Handler) ImportQuestions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImportBytes)

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	result, err := h.service.ImportQuestions(r.Context(), raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.CacheStats(r.Context()))
}

func (h *Handler) FlushCache(w http.ResponseWriter, r *http.Request) {
	h.service.FlushCache(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.service.Health(r.Context())
	status := http.StatusOK
	if report.Status == StatusDown {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// ── Helpers ─────────────────────────────────────────────

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		ve *dberr.ValidationError
		ce *dberr.ConflictError
		te *dberr.TimeoutError
		xe *dberr.ExternalServiceError
		de *dberr.DatabaseError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, dberr.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.As(err, &xe):
		return http.StatusBadGateway
	case errors.Is(err, dberr.ErrNoBackend):
		return http.StatusServiceUnavailable
	case errors.As(err, &de):
		if de.Retryable {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := models.ErrorResponse{Error: err.Error()}
	var ve *dberr.ValidationError
	if errors.As(err, &ve) {
		resp = models.ErrorResponse{Error: ve.Error(), Field: ve.Field}
	}
	if status >= http.StatusInternalServerError {
		h.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": status,
		}).WithError(err).Error("[http] request failed")
		if status == http.StatusInternalServerError {
			resp.Error = "Internal server error"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func intQueryParam(values url.Values, key string, defaultVal int) int {
	s := values.Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	return v
}
