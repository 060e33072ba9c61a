package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/restsync/internal/cacheindex"
	"github.com/hyperengineering/restsync/internal/postsync"
	"github.com/hyperengineering/restsync/internal/store"
	"github.com/hyperengineering/restsync/internal/transport"
	"github.com/hyperengineering/restsync/internal/types"
	"github.com/hyperengineering/restsync/internal/validation"
)

const problemBaseURI = "https://restsync.dev/errors/"

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized: {
		typeURI: problemBaseURI + "unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: problemBaseURI + "bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: problemBaseURI + "not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: problemBaseURI + "internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: problemBaseURI + "validation-error",
		title:   "Validation Error",
	},
	http.StatusBadGateway: {
		typeURI: problemBaseURI + "upstream-error",
		title:   "Bad Gateway",
	},
	http.StatusConflict: {
		typeURI: problemBaseURI + "conflict",
		title:   "Conflict",
	},
	http.StatusTooManyRequests: {
		typeURI: problemBaseURI + "rate-limit",
		title:   "Too Many Requests",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = struct {
			typeURI string
			title   string
		}{
			typeURI: problemBaseURI + "unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// MapStoreError converts domain errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *transport.APIError
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Resource not found")
	case errors.Is(err, postsync.ErrUnknownLocalPost):
		WriteProblem(w, r, http.StatusNotFound, "Unknown local post")
	case errors.Is(err, postsync.ErrUnsupportedPath):
		WriteProblem(w, r, http.StatusNotFound, "Not a post path")
	case errors.Is(err, cacheindex.ErrInvalidLifetime):
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, postsync.ErrPostDeleted):
		WriteProblem(w, r, http.StatusNotFound, "Post is deleted")
	case errors.As(err, &apiErr):
		// Upstream status codes are passed through; the upstream message is
		// safe to expose since the caller could have requested it directly.
		status := apiErr.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		detail := apiErr.Message
		if detail == "" {
			detail = http.StatusText(status)
		}
		WriteProblem(w, r, status, detail)
	case errors.Is(err, postsync.ErrNoPostID), errors.Is(err, types.ErrNoResponse):
		WriteProblem(w, r, http.StatusBadGateway, "Upstream returned an unusable response")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
