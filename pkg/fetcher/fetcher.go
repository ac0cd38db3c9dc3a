// Package fetcher implements the per-story HTTP fetcher worker: a
// scoreboard-gated, manually-redirect-following HTTP client that turns
// RSS entries into fully populated Stories.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mediacloud/story-fetcher/pkg/scoreboard"
	"github.com/mediacloud/story-fetcher/pkg/story"
	"github.com/mediacloud/story-fetcher/pkg/transport"
	"github.com/mediacloud/story-fetcher/pkg/worker"
)

// Logger is the minimal structured-logging surface Fetcher needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Stats is the minimal metrics surface Fetcher needs.
type Stats interface {
	IncrCounter(name string, labels map[string]string)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopStats struct{}

func (noopStats) IncrCounter(string, map[string]string) {}

// Scoreboard is the subset of *scoreboard.ScoreBoard the fetcher uses.
// An interface keeps unit tests free to install their own admission
// policy instead of wiring a full ScoreBoard.
type Scoreboard interface {
	Issue(token, origin, note string) (scoreboard.IssueStatus, error)
	Retire(token, origin string, status scoreboard.ConnStatus, elapsed time.Duration) error
}

// DomainFilter reports whether a fully qualified domain name is
// embargoed as non-news, checked before issuing the initial fetch and
// again after every redirect hop.
type DomainFilter interface {
	IsNonNews(fqdn string) bool
}

// Config carries every tunable Fetcher needs.
type Config struct {
	// Name is the worker's own stage name, used to address its output
	// exchange (transport.OutputExchangeName(Name)) on every
	// successfully fetched story.
	Name string

	Scoreboard   Scoreboard
	DomainFilter DomainFilter

	HTTPClient *http.Client // built by newHTTPClient if nil

	UserAgent             string
	MaxRedirects          int
	ConnectTimeoutSeconds int
	ReadTimeoutSeconds    int
	MaxHTMLBytes          int64

	Logger Logger
	Stats  Stats
}

func (c Config) withDefaults() Config {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.ConnectTimeoutSeconds == 0 {
		c.ConnectTimeoutSeconds = DefaultConnectTimeoutSeconds
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = DefaultReadTimeoutSeconds
	}
	if c.MaxHTMLBytes == 0 {
		c.MaxHTMLBytes = 10_000_000
	}
	if c.HTTPClient == nil {
		c.HTTPClient = newHTTPClient(c.ConnectTimeoutSeconds, c.ReadTimeoutSeconds)
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
	return c
}

// Fetcher turns RSS-entry Stories into fully fetched Stories. Handle
// is safe to call concurrently from every worker processing activity;
// all shared admission state lives behind Config.Scoreboard.
type Fetcher struct {
	cfg Config
}

// New constructs a Fetcher.
func New(cfg Config) *Fetcher {
	return &Fetcher{cfg: cfg.withDefaults()}
}

// Handle is a worker.Handler: it is invoked once per InputMessage by
// the worker framework's processing activities.
func (f *Fetcher) Handle(ctx context.Context, msg transport.InputMessage) worker.Outcome {
	st, err := story.Load(msg.Body)
	if err != nil {
		return worker.QuarantineOutcome(fmt.Errorf("fetcher: decode story: %w", err))
	}

	rss := st.RSSEntry().Get()
	url := rss.Link
	if url == "" {
		f.incrStories("no-url", "")
		return worker.SuccessOutcome()
	}

	fqdn, err := fqdnOf(url)
	if err != nil {
		f.incrStories("badurl1", url)
		return worker.SuccessOutcome()
	}
	if f.cfg.DomainFilter != nil && f.cfg.DomainFilter.IsNonNews(fqdn) {
		f.incrStories("non-news", url)
		return worker.SuccessOutcome()
	}

	token := uuid.NewString()
	status, err := f.cfg.Scoreboard.Issue(token, fqdn, url)
	if err != nil {
		return worker.TransientOutcome(fmt.Errorf("fetcher: scoreboard issue: %w", err))
	}

	switch status {
	case scoreboard.Busy:
		f.incrStories("busy", url)
		return worker.RequeueOutcome(errors.New("busy"))
	case scoreboard.Skipped:
		f.incrStories("skipped", url)
		return worker.TransientOutcome(&SkippedError{FQDN: fqdn})
	}

	// status == scoreboard.OK: a slot has been reserved and MUST be
	// retired on every exit path from here on.
	return f.fetchAndRetire(ctx, token, fqdn, url, st)
}

func (f *Fetcher) fetchAndRetire(ctx context.Context, token, fqdn, url string, st *story.Story) worker.Outcome {
	start := time.Now()
	resp, finalURL, fetchErr := f.fetchWithRedirects(ctx, fqdn, url)
	elapsed := time.Since(start)

	var outcome worker.Outcome
	var connStatus scoreboard.ConnStatus
	if fetchErr != nil {
		var label string
		outcome, label, connStatus = classifyFetchError(fetchErr, url)
		f.incrStories(label, url)
	} else {
		outcome, connStatus = f.classifyResponse(resp, finalURL, url, st)
	}

	if err := f.cfg.Scoreboard.Retire(token, fqdn, connStatus, elapsed); err != nil {
		f.cfg.Logger.Error("fetcher: scoreboard retire failed", "fqdn", fqdn, "err", err)
	}
	return outcome
}

func (f *Fetcher) incrStories(status, url string) {
	f.cfg.Stats.IncrCounter("stories", map[string]string{"status": status})
	f.cfg.Logger.Info("fetcher: story disposition", "status", status, "url", url)
}
