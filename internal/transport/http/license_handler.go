package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "keyserver/internal/errors"
	"keyserver/internal/license"
	"keyserver/internal/middleware"
	"keyserver/internal/services"
	"keyserver/pkg/contracts/domain"
)

// Messages returned when a request is missing required fields.
const (
	msgSendFieldsRequired     = "All fields are required."
	msgActivateFieldsRequired = "Email, licenseKey, and machineId are required."
	msgWebFieldsRequired      = "Email and licenseKey are required."
)

// LicenseHandler serves issuance, activation and User ID checks.
type LicenseHandler struct {
	service    services.LicenseService
	validator  *middleware.Validator
	errHandler *apperrors.ErrorHandler
	logger     *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, validator *middleware.Validator, errHandler *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:    service,
		validator:  validator,
		errHandler: errHandler,
		logger:     logger.With(slog.String("handler", "license")),
	}
}

// Register adds the client-facing license endpoints to r.
func (h *LicenseHandler) Register(r chi.Router) {
	r.Post("/test-userid", h.TestUserID)
	r.Post("/send-license", h.SendLicense)
	r.Post("/activate-license", h.ActivateLicense)
	r.Post("/activate-license/web", h.ActivateWeb)
}

// Routes returns the versioned router mounted at /api/v1/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	r.Get("/{key}", h.GetLicense)
	return r
}

// Status handles GET /
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.ServerStatus(r.Context()))
}

// TestUserID handles POST /test-userid
func (h *LicenseHandler) TestUserID(w http.ResponseWriter, r *http.Request) {
	var req domain.TestUserIDRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err, apperrors.MsgUserIDRequired)
		return
	}

	resp, err := h.service.TestUserID(r.Context(), req.UserID)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	render.JSON(w, r, resp)
}

// SendLicense handles POST /send-license
func (h *LicenseHandler) SendLicense(w http.ResponseWriter, r *http.Request) {
	var req domain.SendLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err, msgSendFieldsRequired)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("license.user_id", req.UserID))

	resp, err := h.service.SendLicense(r.Context(), req)
	if err != nil {
		problem := h.problem(r, err, req.UserID, "")
		if resp != nil && resp.LicenseKey != "" {
			// the key exists even though it was not mailed
			problem.WithExtension("licenseKey", resp.LicenseKey)
		}
		h.errHandler.Respond(w, r, problem, err)
		return
	}
	render.JSON(w, r, resp)
}

// ActivateLicense handles POST /activate-license
func (h *LicenseHandler) ActivateLicense(w http.ResponseWriter, r *http.Request) {
	var req domain.ActivateLicenseRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err, msgActivateFieldsRequired)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("license.key_masked", license.MaskLicenseKey(req.LicenseKey)))

	resp, err := h.service.ActivateLicense(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	render.JSON(w, r, resp)
}

// ActivateWeb handles POST /activate-license/web
func (h *LicenseHandler) ActivateWeb(w http.ResponseWriter, r *http.Request) {
	var req domain.ActivateWebRequest
	if err := h.validator.DecodeAndValidate(r, &req); err != nil {
		h.fail(w, r, err, msgWebFieldsRequired)
		return
	}

	resp, err := h.service.ActivateWeb(r.Context(), req)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	render.JSON(w, r, resp)
}

// GetLicense handles GET /api/v1/license/{key}
func (h *LicenseHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetLicense(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	render.JSON(w, r, view)
}

func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, err error, requiredMsg string) {
	h.errHandler.Respond(w, r, h.problem(r, err, "", requiredMsg), err)
}

// problem maps err and swaps in the message clients show verbatim: the
// endpoint's required-fields text for tag failures and the per-id text for
// rejected User IDs.
func (h *LicenseHandler) problem(r *http.Request, err error, userID, requiredMsg string) *apperrors.ProblemDetails {
	problem := h.errHandler.ErrorToProblem(err, r)

	var apiErr *apperrors.APIError
	switch {
	case requiredMsg != "" && errors.As(err, &apiErr) && apiErr.ErrorCode == domain.ErrCodeValidationFailed:
		problem.WithMessage(requiredMsg)
	case userID != "":
		if msg := services.UserIDMessage(userID, err); msg != "" {
			problem.WithMessage(msg)
		}
	}
	return problem
}
