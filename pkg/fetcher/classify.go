package fetcher

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/mediacloud/story-fetcher/pkg/scoreboard"
	"github.com/mediacloud/story-fetcher/pkg/story"
	"github.com/mediacloud/story-fetcher/pkg/transport"
	"github.com/mediacloud/story-fetcher/pkg/worker"
)

// acceptableContentTypePrefixes mirrors the text-ish content types the
// source system accepts (scrapy itself filters out everything else
// upstream of this check).
var acceptableContentTypePrefixes = []string{
	"text/",
	"application/xhtml",
	"application/vnd.wap.xhtml+xml",
	"application/xml",
	"application/atom+xml",
	"application/rdf+xml",
	"application/rss+xml",
}

func hasAcceptableContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range acceptableContentTypePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

// classifyFetchError turns a fetchWithRedirects error into an Outcome,
// a disposition label for stats/logging, and the scoreboard ConnStatus
// that should be reported for the attempt, per spec.md's
// response-classification table.
func classifyFetchError(err error, url string) (worker.Outcome, string, scoreboard.ConnStatus) {
	switch e := err.(type) {
	case *BadURLError:
		return worker.SuccessOutcome(), "badurl2", scoreboard.BadURL
	case *ConnectError:
		return worker.TransientOutcome(e), "noconn", scoreboard.NoConn
	case *BadRedirectError:
		return worker.SuccessOutcome(), "badredir", scoreboard.NoData
	case *MaxRedirectsError:
		return worker.SuccessOutcome(), "maxredir", scoreboard.NoData
	case *NonNewsFQDNError:
		return worker.SuccessOutcome(), "non-news2", scoreboard.NoData
	default:
		return worker.TransientOutcome(fmt.Errorf("fetcher: unexpected error fetching %q: %w", url, err)), "fetch-error", scoreboard.NoData
	}
}

// classifyResponse applies the 2xx/retryable/discard decision table
// to a successfully obtained HTTP response and, on success, writes the
// HTTP metadata and raw HTML views onto story.
func (f *Fetcher) classifyResponse(resp *http.Response, finalURL, origURL string, st *story.Story) (worker.Outcome, scoreboard.ConnStatus) {
	defer resp.Body.Close()

	status := resp.StatusCode
	if status < 200 || status >= 300 {
		label := statusLabel(status)
		if retryableStatuses[status] {
			f.incrStories(label, origURL)
			return worker.TransientOutcome(&RetryableStatusError{Status: status, URL: finalURL}), scoreboard.NoData
		}
		f.incrStories(label, origURL)
		return worker.SuccessOutcome(), scoreboard.NoData
	}

	contentType := resp.Header.Get("Content-Type")
	if !hasAcceptableContentType(contentType) {
		f.incrStories("not-text", origURL)
		return worker.SuccessOutcome(), scoreboard.NoData
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxHTMLBytes+1))
	if err != nil {
		return worker.TransientOutcome(fmt.Errorf("fetcher: read body: %w", err)), scoreboard.NoData
	}
	if len(content) == 0 {
		f.incrStories("no-html", origURL)
		return worker.SuccessOutcome(), scoreboard.NoData
	}
	if int64(len(content)) > f.cfg.MaxHTMLBytes {
		f.incrStories("oversized", origURL)
		return worker.SuccessOutcome(), scoreboard.NoData
	}

	encoding := charsetFromContentType(contentType)

	if err := setFields(st.HTTPMetadata(), map[string]any{
		"ResponseCode":   status,
		"FinalURL":       finalURL,
		"Encoding":       encoding,
		"FetchTimestamp": time.Now(),
	}); err != nil {
		return worker.TransientOutcome(fmt.Errorf("fetcher: set http metadata: %w", err)), scoreboard.NoData
	}
	if err := setFields(st.RawHTML(), map[string]any{
		"HTML":     content,
		"Encoding": encoding,
	}); err != nil {
		return worker.TransientOutcome(fmt.Errorf("fetcher: set raw html: %w", err)), scoreboard.NoData
	}

	body, err := st.Dump()
	if err != nil {
		return worker.TransientOutcome(fmt.Errorf("fetcher: dump story: %w", err)), scoreboard.Data
	}

	f.incrStories("success", finalURL)
	out := worker.OutboundMessage{Exchange: transport.OutputExchangeName(f.cfg.Name), Body: body}
	return worker.SuccessOutcome(out), scoreboard.Data
}

func statusLabel(status int) string {
	if separateCounts[status] {
		return fmt.Sprintf("http-%d", status)
	}
	return fmt.Sprintf("http-%dxx", status/100)
}

// charsetFromContentType extracts a "charset=" parameter, if present.
func charsetFromContentType(contentType string) string {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// setFields applies a batch of field writes to a scoped view and
// closes it, returning the first error encountered (if any) instead of
// one per field — every caller here writes a fixed, known-good field
// set, so a failure indicates a real bug rather than bad input.
func setFields[T any](v *story.View[T], fields map[string]any) error {
	defer v.Close()
	for name, value := range fields {
		if err := v.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}
