package errhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mediacloud/story-fetcher/pkg/archive"
	"github.com/mediacloud/story-fetcher/pkg/fetcher"
	"github.com/mediacloud/story-fetcher/pkg/queuer"
)

func TestWriteError_StatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"BadURLError", &fetcher.BadURLError{URL: "://bad", Err: errors.New("parse")}, http.StatusBadRequest},
		{"NonNewsFQDNError", &fetcher.NonNewsFQDNError{FQDN: "facebook.com"}, http.StatusForbidden},
		{"RetryableStatusError", &fetcher.RetryableStatusError{Status: 503, URL: "http://example.com"}, http.StatusServiceUnavailable},
		{"archive.StoryError", &archive.StoryError{Reason: "no-html"}, http.StatusUnprocessableEntity},
		{"queuer.ErrNotStartable", &queuer.ErrNotStartable{Name: "f.xml", Status: queuer.Started}, http.StatusConflict},
		{"wrapped RetryableStatusError", fmt.Errorf("fetch: %w", &fetcher.RetryableStatusError{Status: 429}), http.StatusServiceUnavailable},
		{"unknown error", errors.New("something unexpected"), http.StatusInternalServerError},
		{"generic wrapped error", fmt.Errorf("context: %w", errors.New("db down")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestWriteError_JSONBody(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &archive.StoryError{Reason: "no-html"})

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body is not valid JSON: %v", err)
	}
	if _, ok := body["error"]; !ok {
		t.Fatal("response body missing 'error' key")
	}
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, &archive.StoryError{Reason: "no-html"})

	ct := w.Header().Get("Content-Type")
	if ct == "" {
		t.Fatal("Content-Type header not set")
	}
}
