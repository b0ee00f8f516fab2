// File: internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/hostaudit/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pagination bounds for the scan list.
const (
	defaultLimit = 20
	maxLimit     = 100
)

// Service is the produced surface the HTTP layer exposes.
type Service interface {
	ExecuteScan(ctx context.Context, rawTarget string, req schemas.Requester) (schemas.ScanResult, error)
	GetScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanResult, error)
	ListScans(ctx context.Context, req schemas.Requester, limit, offset int) ([]schemas.ScanResult, error)
	GetFindings(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Finding, error)
	GetTechnologies(ctx context.Context, publicID uuid.UUID, req schemas.Requester) ([]schemas.Technology, error)
	GetAISummary(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (*schemas.AISummary, error)
	GetReport(ctx context.Context, publicID uuid.UUID, req schemas.Requester) (schemas.ScanReport, error)
	DeleteScan(ctx context.Context, publicID uuid.UUID, req schemas.Requester) error
	UsageStatus(ctx context.Context, req schemas.Requester) (schemas.UsageStatus, error)
}

// ScanRequest is the body of POST /api/v1/scans.
type ScanRequest struct {
	Target string `json:"target" validate:"required,max=2048"`
}

type listQuery struct {
	Limit  int `validate:"min=1,max=100"`
	Offset int `validate:"min=0"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handlers serves the scan API.
type Handlers struct {
	log      *zap.Logger
	svc      Service
	validate *validator.Validate
}

func NewHandlers(logger *zap.Logger, svc Service) *Handlers {
	return &Handlers{
		log:      logger.Named("api"),
		svc:      svc,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes mounts the health, metrics and v1 routes on r.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Identity)

		r.Post("/scans", h.HandleCreateScan)
		r.Get("/scans", h.HandleListScans)
		r.Route("/scans/{scanID}", func(r chi.Router) {
			r.Get("/", h.HandleGetScan)
			r.Delete("/", h.HandleDeleteScan)
			r.Get("/findings", h.HandleGetFindings)
			r.Get("/technologies", h.HandleGetTechnologies)
			r.Get("/summary", h.HandleGetSummary)
			r.Get("/report", h.HandleGetReport)
		})
		r.Get("/usage", h.HandleUsage)
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleCreateScan runs a scan synchronously and returns its result.
func (h *Handlers) HandleCreateScan(w http.ResponseWriter, r *http.Request) {
	req := RequesterFrom(r.Context())

	var body ScanRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "target is required and must be at most 2048 characters")
		return
	}

	result, err := h.svc.ExecuteScan(r.Context(), body.Target, req)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handlers) HandleListScans(w http.ResponseWriter, r *http.Request) {
	q := listQuery{Limit: defaultLimit}
	var err error
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			h.respondWithError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if q.Offset, err = strconv.Atoi(v); err != nil {
			h.respondWithError(w, http.StatusBadRequest, "offset must be an integer")
			return
		}
	}
	if err := h.validate.Struct(q); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "limit must be 1-100 and offset must not be negative")
		return
	}

	scans, err := h.svc.ListScans(r.Context(), RequesterFrom(r.Context()), q.Limit, q.Offset)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, scans)
}

func (h *Handlers) HandleGetScan(w http.ResponseWriter, r *http.Request) {
	h.serveScoped(w, r, func(ctx context.Context, id uuid.UUID, req schemas.Requester) (any, error) {
		return h.svc.GetScan(ctx, id, req)
	})
}

func (h *Handlers) HandleGetFindings(w http.ResponseWriter, r *http.Request) {
	h.serveScoped(w, r, func(ctx context.Context, id uuid.UUID, req schemas.Requester) (any, error) {
		return h.svc.GetFindings(ctx, id, req)
	})
}

func (h *Handlers) HandleGetTechnologies(w http.ResponseWriter, r *http.Request) {
	h.serveScoped(w, r, func(ctx context.Context, id uuid.UUID, req schemas.Requester) (any, error) {
		return h.svc.GetTechnologies(ctx, id, req)
	})
}

func (h *Handlers) HandleGetSummary(w http.ResponseWriter, r *http.Request) {
	h.serveScoped(w, r, func(ctx context.Context, id uuid.UUID, req schemas.Requester) (any, error) {
		return h.svc.GetAISummary(ctx, id, req)
	})
}

func (h *Handlers) HandleGetReport(w http.ResponseWriter, r *http.Request) {
	h.serveScoped(w, r, func(ctx context.Context, id uuid.UUID, req schemas.Requester) (any, error) {
		return h.svc.GetReport(ctx, id, req)
	})
}

func (h *Handlers) HandleDeleteScan(w http.ResponseWriter, r *http.Request) {
	id, ok := h.scanID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteScan(r.Context(), id, RequesterFrom(r.Context())); err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.UsageStatus(r.Context(), RequesterFrom(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, status)
}

// serveScoped parses the scan id and writes whatever fn returns.
func (h *Handlers) serveScoped(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, schemas.Requester) (any, error)) {
	id, ok := h.scanID(w, r)
	if !ok {
		return
	}
	data, err := fn(r.Context(), id, RequesterFrom(r.Context()))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, data)
}

// scanID answers 404 for ids that cannot name a scan.
func (h *Handlers) scanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "scanID"))
	if err != nil {
		h.respondWithError(w, http.StatusNotFound, schemas.ErrNotFound.Error())
		return uuid.Nil, false
	}
	return id, true
}

// respondWithServiceError maps the error taxonomy onto status codes.
func (h *Handlers) respondWithServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schemas.ErrInvalidTarget):
		h.respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, schemas.ErrQuotaExceeded):
		h.respondWithError(w, http.StatusTooManyRequests, schemas.ErrQuotaExceeded.Error())
	case errors.Is(err, schemas.ErrNotFound):
		h.respondWithError(w, http.StatusNotFound, schemas.ErrNotFound.Error())
	case errors.Is(err, schemas.ErrOrchestrationFailed):
		h.respondWithError(w, http.StatusServiceUnavailable, "scan could not be completed, please retry")
	default:
		h.log.Error("Request failed", zap.Error(err))
		h.respondWithError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithJSON(w, statusCode, ErrorResponse{Error: message})
}

func (h *Handlers) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
