package handler

import (
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"auth-advisor/internal/features"
	"auth-advisor/internal/repository"
	"auth-advisor/internal/scoring"
	"auth-advisor/internal/service"
	"auth-advisor/internal/util"
)

const maxBodyBytes = 8 << 20

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnparseable    = errors.New("line does not match the authentication log format")
	ErrUnknownProfile = errors.New("no profile for user")
)

// AdvisorHandler exposes the advisor over HTTP
type AdvisorHandler struct {
	advisor *service.Advisor
	logger  *zap.Logger
}

func NewAdvisorHandler(advisor *service.Advisor, logger *zap.Logger) *AdvisorHandler {
	return &AdvisorHandler{
		advisor: advisor,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

type AnalyzeRequest struct {
	Lines []string `json:"lines"`
}

type ParseRequest struct {
	Line string `json:"line"`
}

func (h *AdvisorHandler) RegisterRoutes(router chi.Router) {
	router.Post("/analyze", h.Analyze)
	router.Post("/train", h.Train)
	router.Post("/events/parse", h.ParseEvent)
	router.Get("/reports/latest", h.LatestReport)
	router.Get("/profiles/{user}", h.GetProfile)
	router.Get("/model", h.ModelInfo)
	router.Get("/anomalies", h.RecentAnomalies)
	router.Post("/anomalies/{user}/resolve", h.ResolveAnomalies)
	router.Get("/events/count", h.CountEvents)
	router.Get("/blocklist", h.ListBlocked)
	router.Get("/blocklist/{ip}", h.GetBlock)
	router.Delete("/blocklist/{ip}", h.Unblock)
}

// Analyze scores the posted log lines as one batch
func (h *AdvisorHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req AnalyzeRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	analysis, err := h.advisor.AnalyzeLines(r.Context(), req.Lines)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Analysis failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(analysis, analysis.Report.Status))
	h.logger.Info("Batch analyzed via HTTP",
		util.Int("lines", len(req.Lines)),
		util.Int("events", len(analysis.Results)),
		util.String("report_id", analysis.Report.ID),
		util.Duration("duration", time.Since(startTime)),
	)
}

// Train retrains the model on the configured history window
func (h *AdvisorHandler) Train(w http.ResponseWriter, r *http.Request) {
	summary, err := h.advisor.Train(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Training failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(summary, "Model trained"))
}

func (h *AdvisorHandler) ParseEvent(w http.ResponseWriter, r *http.Request) {
	var req ParseRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	event, ok := h.advisor.ParseLine(req.Line)
	if !ok {
		h.respondWithError(w, http.StatusUnprocessableEntity, ErrUnparseable, "Line not recognized")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(event, ""))
}

func (h *AdvisorHandler) LatestReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.advisor.LatestReport()
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "No report available")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(report, ""))
}

func (h *AdvisorHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}

	p, ok := h.advisor.Profile(user)
	if !ok {
		h.respondWithError(w, http.StatusNotFound, ErrUnknownProfile,
			fmt.Sprintf("User %s has not been observed", util.SanitizeInput(user)))
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(p, ""))
}

func (h *AdvisorHandler) ModelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.advisor.ModelInfo()
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "No model loaded")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(info, ""))
}

// RecentAnomalies lists unresolved anomalies from the event store, newest first
func (h *AdvisorHandler) RecentAnomalies(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			h.respondWithError(w, http.StatusBadRequest, ErrInvalidInput, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	records, err := h.advisor.RecentAnomalies(r.Context(), limit)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list anomalies")
		return
	}
	if records == nil {
		records = []repository.AnomalyRecord{}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

func (h *AdvisorHandler) ResolveAnomalies(w http.ResponseWriter, r *http.Request) {
	user, ok := h.userParam(w, r)
	if !ok {
		return
	}

	n, err := h.advisor.ResolveAnomalies(r.Context(), user)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to resolve anomalies")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"user":     user,
		"resolved": n,
	}, fmt.Sprintf("Resolved %d anomalies", n)))
}

// CountEvents reports how many scored events are stored, optionally for one user
func (h *AdvisorHandler) CountEvents(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	if util.ContainsSuspicious(user) {
		h.respondWithError(w, http.StatusBadRequest, ErrInvalidInput, "Invalid user name")
		return
	}

	n, err := h.advisor.CountEvents(r.Context(), user)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to count events")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"user":   user,
		"events": n,
	}, ""))
}

func (h *AdvisorHandler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	entries, err := h.advisor.Blocklist(r.Context())
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to list blocked addresses")
		return
	}
	if entries == nil {
		entries = []repository.BlockEntry{}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(entries, ""))
}

func (h *AdvisorHandler) GetBlock(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.addressParam(w, r)
	if !ok {
		return
	}

	blocked, err := h.advisor.IsBlocked(r.Context(), addr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to check address")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"ip":      addr,
		"blocked": blocked,
	}, ""))
}

// Unblock releases an address ahead of its block expiry
func (h *AdvisorHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	addr, ok := h.addressParam(w, r)
	if !ok {
		return
	}

	if err := h.advisor.Unblock(r.Context(), addr); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to unblock address")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, fmt.Sprintf("Address %s unblocked", addr)))
}

func (h *AdvisorHandler) userParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := chi.URLParam(r, "user")
	if user == "" || util.ContainsSuspicious(user) {
		h.respondWithError(w, http.StatusBadRequest, ErrInvalidInput, "Invalid user name")
		return "", false
	}
	return user, true
}

func (h *AdvisorHandler) addressParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr, err := netip.ParseAddr(chi.URLParam(r, "ip"))
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, ErrInvalidInput, "Invalid IP address")
		return "", false
	}
	return addr.String(), true
}

func (h *AdvisorHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// respondWithJSON sends a JSON response
func (h *AdvisorHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AdvisorHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *AdvisorHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, scoring.ErrNotTrained):
		return http.StatusServiceUnavailable
	case errors.Is(err, features.ErrInsufficientData), errors.Is(err, scoring.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoReport):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEventStoreDisabled), errors.Is(err, service.ErrBlocklistDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
