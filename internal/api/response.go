package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string       `json:"type"`
	Title  string       `json:"title"`
	Status int          `json:"status"`
	Detail string       `json:"detail,omitempty"`
	Errors []FieldError `json:"errors,omitempty"`
}

// FieldError names one invalid field of a request body.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

var fieldMessages = map[string]string{
	"required":             "is required",
	"required_without":     "is required",
	"required_without_all": "is required",
	"uuid":                 "must be a UUID",
	"email":                "must be a valid email",
	"oneof":                "must be one of: ",
	"gt":                   "must be greater than ",
	"len":                  "must have length ",
	"max":                  "must be at most ",
	"min":                  "must be at least ",
	"uppercase":            "must be uppercase",
	"dive":                 "is invalid",
}

// Validate checks v against its validate tags and returns one FieldError
// per violation, named by JSON path.
func Validate(v any) []FieldError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []FieldError{{Field: "", Message: err.Error()}}
	}

	out := make([]FieldError, 0, len(verrs))
	for _, e := range verrs {
		field := e.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		msg, ok := fieldMessages[e.Tag()]
		if !ok {
			msg = "failed " + e.Tag() + " validation"
		} else if strings.HasSuffix(msg, " ") {
			msg += e.Param()
		}
		out = append(out, FieldError{Field: field, Message: msg})
	}
	return out
}

// DecodeJSON decodes a request body, rejecting unknown fields.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// WriteValidationError writes a 400 listing every invalid field.
func WriteValidationError(w http.ResponseWriter, errs []FieldError) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   "validation_error",
		Title:  "Request body failed validation",
		Status: http.StatusBadRequest,
		Errors: errs,
	})
}
