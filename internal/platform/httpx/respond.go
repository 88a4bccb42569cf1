// Package httpx provides HTTP response utilities following RFC7807 problem details.
package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/carbontrack/carbontrack/internal/shared"
)

// ProblemDetail represents RFC7807 problem details.
type ProblemDetail struct {
	Type   string            `json:"type,omitempty"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Code   string            `json:"code,omitempty"`
	Detail string            `json:"detail,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// JSON sends a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// Problem sends an RFC7807 problem details response.
func Problem(w http.ResponseWriter, status int, title, code, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Title:  title,
		Status: status,
		Code:   code,
		Detail: detail,
	})
}

// DecodeJSON decodes JSON request body into the target struct.
func DecodeJSON(r *http.Request, target any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: malformed body: %v", shared.ErrValidation, err)
	}
	return nil
}

// DecodeAndValidate decodes the body and runs struct validation tags.
func DecodeAndValidate(r *http.Request, v *validator.Validate, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return err
	}
	return Validate(v, target)
}

// Validate runs struct validation and folds failures into ErrValidation.
func Validate(v *validator.Validate, target any) error {
	if err := v.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if ok := asValidationErrors(err, &fieldErrs); ok && len(fieldErrs) > 0 {
			return &FieldErrors{Fields: fieldMessages(fieldErrs)}
		}
		return fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	return nil
}

// FieldErrors carries per-field validation messages.
type FieldErrors struct {
	Fields map[string]string
}

func (e *FieldErrors) Error() string {
	return fmt.Sprintf("validation failed on %d field(s)", len(e.Fields))
}

// Unwrap ties field errors into the validation class.
func (e *FieldErrors) Unwrap() error { return shared.ErrValidation }

// RespondValidation writes a 400 problem listing offending fields.
func RespondValidation(w http.ResponseWriter, err *FieldErrors) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusBadRequest,
		Code:   shared.CodeValidation,
		Detail: err.Error(),
		Fields: err.Fields,
	})
}

func asValidationErrors(err error, target *validator.ValidationErrors) bool {
	fieldErrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = fieldErrs
	}
	return ok
}

func fieldMessages(errs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(errs))
	for _, fe := range errs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out[fe.Field()] = msg
	}
	return out
}

// QueryInt reads a positive integer query parameter, falling back to def.
func QueryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
