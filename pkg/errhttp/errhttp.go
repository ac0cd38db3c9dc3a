// Package errhttp maps domain errors to HTTP status codes for the
// per-worker debug/admin surface (e.g. POST /debug/requeue).
// Add a case to mapErrorToStatus for each new domain error type.
package errhttp

import (
	"errors"
	"net/http"

	"github.com/mediacloud/story-fetcher/pkg/archive"
	"github.com/mediacloud/story-fetcher/pkg/fetcher"
	"github.com/mediacloud/story-fetcher/pkg/httpx"
	"github.com/mediacloud/story-fetcher/pkg/queuer"
)

// WriteError maps err to an HTTP status code and writes a JSON error response.
// Uses errors.As() so wrapped domain errors are matched correctly.
// Defaults to 500 Internal Server Error for unrecognized errors.
func WriteError(w http.ResponseWriter, err error) {
	httpx.JSONError(w, mapErrorToStatus(err), err.Error())
}

func mapErrorToStatus(err error) int {
	var badURL *fetcher.BadURLError
	var nonNews *fetcher.NonNewsFQDNError
	var retryable *fetcher.RetryableStatusError
	var storyErr *archive.StoryError
	var notStartable *queuer.ErrNotStartable

	switch {
	case errors.As(err, &badURL):
		return http.StatusBadRequest // 400
	case errors.As(err, &nonNews):
		return http.StatusForbidden // 403
	case errors.As(err, &retryable):
		return http.StatusServiceUnavailable // 503
	case errors.As(err, &storyErr):
		return http.StatusUnprocessableEntity // 422
	case errors.As(err, &notStartable):
		return http.StatusConflict // 409
	default:
		return http.StatusInternalServerError // 500
	}
}
