package validation

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/hyperengineering/restsync/internal/types"
)

// Field limits for proxied and administrative requests.
const (
	MaxPathLength  = 2048
	MaxQueryLength = 8192
)

// AllowedMethods lists the HTTP methods accepted for REST requests.
var AllowedMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
}

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Collector accumulates validation errors without failing on first.
type Collector struct {
	errors []ValidationError
}

// Add appends a validation error to the collector if non-nil.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

// HasErrors returns true if the collector has accumulated any errors.
func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

// Errors returns all accumulated validation errors.
func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// ValidateUTF8 returns an error if the value is not valid UTF-8.
func ValidateUTF8(field, value string) *ValidationError {
	if !utf8.ValidString(value) {
		return &ValidationError{
			Field:   field,
			Message: "must be valid UTF-8",
		}
	}
	return nil
}

// ValidateNoNullBytes returns an error if the value contains null bytes.
func ValidateNoNullBytes(field, value string) *ValidationError {
	if strings.Contains(value, "\x00") {
		return &ValidationError{
			Field:   field,
			Message: "must not contain null bytes",
		}
	}
	return nil
}

// ValidateMaxLength returns an error if the value exceeds max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateRequired returns an error if the value is empty or whitespace-only.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{
			Field:   field,
			Message: "is required",
		}
	}
	return nil
}

// ValidateEnum returns an error if the value is not in the allowed list.
func ValidateEnum(field, value string, allowed []string) *ValidationError {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidateAbsolutePath returns an error unless value starts with a slash.
func ValidateAbsolutePath(field, value string) *ValidationError {
	if value != "" && !strings.HasPrefix(value, "/") {
		return &ValidationError{
			Field:   field,
			Message: "must start with /",
		}
	}
	return nil
}

// ValidateRequest checks the fields of a REST request description.
// An empty method is accepted and treated as GET by callers.
func ValidateRequest(req types.Request) []ValidationError {
	c := &Collector{}

	if req.Method != "" {
		c.Add(ValidateEnum("method", strings.ToUpper(req.Method), AllowedMethods))
	}

	c.Add(ValidateRequired("path", req.Path))
	c.Add(ValidateAbsolutePath("path", req.Path))
	c.Add(ValidateMaxLength("path", req.Path, MaxPathLength))
	c.Add(ValidateNoNullBytes("path", req.Path))
	c.Add(ValidateUTF8("path", req.Path))

	c.Add(ValidateMaxLength("query", req.Query, MaxQueryLength))
	c.Add(ValidateNoNullBytes("query", req.Query))
	c.Add(ValidateUTF8("query", req.Query))

	return c.Errors()
}
