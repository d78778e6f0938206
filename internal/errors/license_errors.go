package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"keyserver/internal/license"
)

// Problem type URIs for license outcomes
const (
	TypeValidation        = "/errors/validation"
	TypeInvalidUserID     = "/errors/invalid-user-id"
	TypeUserIDUsed        = "/errors/user-id-already-used"
	TypeInvalidLicenseKey = "/errors/invalid-license-key"
	TypeEmailMismatch     = "/errors/email-mismatch"
	TypeMachineConflict   = "/errors/machine-conflict"
	TypeDeliveryFailed    = "/errors/delivery-failed"
	TypeKeyspaceExhausted = "/errors/keyspace-exhausted"
	TypeStore             = "/errors/store"
	TypeRegistry          = "/errors/registry"
	TypeTimeout           = "/errors/timeout"
	TypeRateLimit         = "/errors/rate-limit"
	TypeNotFound          = "/errors/not-found"
	TypeMethodNotAllowed  = "/errors/method-not-allowed"
	TypeInternal          = "/errors/internal"
)

// Messages shown to desktop and web clients.
const (
	MsgInvalidLicenseKey = "Invalid license key."
	MsgEmailMismatch     = "This license key is not valid for this email address."
	MsgMachineConflict   = "This license key is already activated on a different machine."
	MsgAlreadyActive     = "This license is already active on this device."
	MsgActivated         = "License activated successfully."
	MsgUserIDValid       = "User ID is valid and unused."
	MsgUserIDRequired    = "userId is required"
	MsgLicenseSent       = "User ID validated and license key sent to your email!"
	MsgEmailNotSetUp     = "User ID validated, but email is not configured on the server."
)

// ErrRateLimited is returned by the rate limiter before a handler runs.
var ErrRateLimited = errors.New("rate limited")

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// Error lets a problem travel as an error value.
func (pd *ProblemDetails) Error() string {
	return pd.Title + ": " + pd.Detail
}

// MarshalJSON flattens extensions next to the standard members
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status_code"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	// legacy clients read status and message
	data["status"] = "ERROR"
	if _, ok := data["message"]; !ok {
		data["message"] = pd.Detail
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	if pd.Extensions == nil {
		pd.Extensions = make(map[string]interface{})
	}
	pd.Extensions[key] = value
	return pd
}

// WithMessage replaces the client-facing message.
func (pd *ProblemDetails) WithMessage(message string) *ProblemDetails {
	pd.Detail = message
	return pd.WithExtension("message", message)
}

// ErrorCode returns the error_code extension, if any.
func (pd *ProblemDetails) ErrorCode() string {
	code, _ := pd.Extensions["error_code"].(string)
	return code
}

type problemSpec struct {
	status  int
	typ     string
	title   string
	code    string
	message string
}

var kindProblems = map[license.ErrorKind]problemSpec{
	license.KindInvalidInput: {http.StatusBadRequest, TypeValidation, "Validation Failed", "VALIDATION_FAILED",
		"Request validation failed"},
	license.KindInvalidID: {http.StatusBadRequest, TypeInvalidUserID, "Invalid User ID", "INVALID_USER_ID",
		"User ID is not a valid ID."},
	license.KindAlreadyUsed: {http.StatusBadRequest, TypeUserIDUsed, "User ID Already Used", "USER_ID_ALREADY_USED",
		"User ID has already been used."},
	license.KindInvalidKey: {http.StatusNotFound, TypeInvalidLicenseKey, "Invalid License Key", "INVALID_LICENSE_KEY",
		MsgInvalidLicenseKey},
	license.KindEmailMismatch: {http.StatusForbidden, TypeEmailMismatch, "Email Mismatch", "EMAIL_MISMATCH",
		MsgEmailMismatch},
	license.KindMachineConflict: {http.StatusConflict, TypeMachineConflict, "Machine Conflict", "MACHINE_CONFLICT",
		MsgMachineConflict},
	license.KindDelivery: {http.StatusBadGateway, TypeDeliveryFailed, "Delivery Failed", "DELIVERY_FAILED",
		"Your license key was created but the email could not be sent."},
	license.KindKeyspaceExhausted: {http.StatusServiceUnavailable, TypeKeyspaceExhausted, "Key Space Exhausted", "KEYSPACE_EXHAUSTED",
		"No license key could be generated. Please try again later."},
	license.KindStore: {http.StatusInternalServerError, TypeStore, "Internal Server Error", "STORE_ERROR",
		"An unexpected error occurred while processing your request."},
	license.KindRegistry: {http.StatusInternalServerError, TypeRegistry, "Internal Server Error", "REGISTRY_ERROR",
		"An unexpected error occurred while processing your request."},
}

// MapLicenseError maps domain errors to HTTP problem details. A kind the
// operation reported wins over a context deadline in its cause chain, so a
// delivery that timed out still reads DELIVERY_FAILED; the problem then
// carries timed_out. Bare deadlines map to 504.
func MapLicenseError(err error, traceID string) *ProblemDetails {
	instance := "/api/v1/license#trace-" + traceID
	timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	spec, hasKind := kindProblems[license.KindOf(err)]

	var (
		problem *ProblemDetails
		apiErr  *APIError
	)
	switch {
	case hasKind:
		problem = NewProblemDetails(spec.status, spec.typ, spec.title, spec.message, instance).
			WithExtension("error_code", spec.code)
		if timedOut {
			problem.WithExtension("timed_out", true)
		}

	case timedOut:
		problem = NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			instance,
		).WithExtension("error_code", "TIMEOUT")

	case errors.Is(err, ErrRateLimited):
		problem = NewProblemDetails(
			http.StatusTooManyRequests,
			TypeRateLimit,
			"Too Many Requests",
			ErrRateLimitExceeded.Message,
			instance,
		).WithExtension("error_code", ErrRateLimitExceeded.ErrorCode).
			WithExtension("retry_after", 60)

	case errors.As(err, &apiErr):
		problem = apiErrorToProblem(apiErr, instance)

	default:
		problem = NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("error_code", "INTERNAL_ERROR")
	}

	return problem.WithExtension("trace_id", traceID)
}

// apiErrorToProblem converts an APIError to ProblemDetails
func apiErrorToProblem(apiErr *APIError, instance string) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.StatusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		problemType = TypeValidation
	case http.StatusNotFound:
		problemType = TypeNotFound
	case http.StatusTooManyRequests:
		problemType = TypeRateLimit
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		instance,
	).WithExtension("error_code", apiErr.ErrorCode)

	if v, ok := apiErr.Details.(ValidationErrors); ok {
		problem.WithExtension("errors", v.Errors)
	} else if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}
