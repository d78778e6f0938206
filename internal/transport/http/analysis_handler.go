package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "keyserver/internal/errors"
	"keyserver/internal/middleware"
	"keyserver/internal/services"
	"keyserver/pkg/contracts/domain"
)

const (
	msgAnalyzeFieldsRequired = "File content and name are required."
	msgAnalyzeFailed         = "Failed to analyze file with AI."
)

// AnalysisHandler serves POST /analyze-file.
type AnalysisHandler struct {
	service    services.AnalysisService
	validator  *middleware.Validator
	errHandler *apperrors.ErrorHandler
	logger     *slog.Logger
}

func NewAnalysisHandler(service services.AnalysisService, validator *middleware.Validator, errHandler *apperrors.ErrorHandler, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		service:    service,
		validator:  validator,
		errHandler: errHandler,
		logger:     logger.With(slog.String("handler", "analysis")),
	}
}

func (h *AnalysisHandler) Register(r chi.Router) {
	r.Post("/analyze-file", h.AnalyzeFile)
}

// AnalyzeFile handles POST /analyze-file
func (h *AnalysisHandler) AnalyzeFile(w http.ResponseWriter, r *http.Request) {
	var req domain.AnalyzeFileRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		problem := h.errHandler.ErrorToProblem(err, r)
		var apiErr *apperrors.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == domain.ErrCodeValidationFailed {
			problem.WithMessage(msgAnalyzeFieldsRequired)
		}
		h.errHandler.Respond(w, r, problem, err)
		return
	}

	resp, err := h.service.Analyze(r.Context(), req)
	if err != nil {
		problem := h.errHandler.ErrorToProblem(err, r)
		if apperrors.IsType(err, apperrors.ErrTypeClassifier) {
			problem.WithMessage(msgAnalyzeFailed).WithExtension("error_code", "CLASSIFIER_ERROR")
		}
		h.errHandler.Respond(w, r, problem, err)
		return
	}
	render.JSON(w, r, resp)
}
