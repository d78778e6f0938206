package middleware

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "keyserver/internal/errors"
)

// Validator decodes JSON request bodies and checks their validate tags.
type Validator struct {
	validate *validator.Validate
}

// NewValidator registers the custom tags and reports fields by their json
// names, so messages read "userId is required".
func NewValidator() *Validator {
	v := validator.New()

	_ = v.RegisterValidation("filename", isValidFilename)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{validate: v}
}

// Normalizer is implemented by request DTOs that normalize themselves after
// decoding, for example by trimming fields or folding aliases.
type Normalizer interface {
	Normalize()
}

// DecodeAndValidate reads r's JSON body into dst and validates it. Decode
// failures become INVALID_REQUEST, oversized bodies PAYLOAD_TOO_LARGE and
// tag failures VALIDATION_FAILED.
func (v *Validator) DecodeAndValidate(r *http.Request, dst interface{}) error {
	if err := render.DecodeJSON(r.Body, dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apperrors.ErrPayloadTooLarge
		case errors.Is(err, io.EOF):
			// Empty body: every required field is missing.
		default:
			return apperrors.InvalidRequestWithError(err)
		}
	}
	if n, ok := dst.(Normalizer); ok {
		n.Normalize()
	}
	return v.ValidateStruct(dst)
}

// ValidateStruct validates a struct and returns validation errors
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.NewValidationError(err.Error())
	}

	out := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apperrors.NewValidationErrors(out)
}

// ContentTypeValidator ensures requests with a body declare an allowed type.
func ContentTypeValidator(errHandler *apperrors.ErrorHandler, contentTypes ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			contentType := r.Header.Get("Content-Type")
			for _, allowed := range contentTypes {
				if strings.HasPrefix(contentType, allowed) {
					next.ServeHTTP(w, r)
					return
				}
			}

			errHandler.HandleError(w, r, apperrors.NewWithDetails(
				http.StatusUnsupportedMediaType,
				"UNSUPPORTED_MEDIA_TYPE",
				"Unsupported content type",
				map[string]interface{}{
					"content_type": contentType,
					"allowed":      contentTypes,
				},
			))
		})
	}
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, param)
	case "filename":
		return fmt.Sprintf("%s must be a valid filename", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}

func isValidFilename(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return name != "" && len(name) <= 255 && !strings.ContainsAny(name, "\x00")
}
