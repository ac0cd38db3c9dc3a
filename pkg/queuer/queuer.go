// Package queuer implements the producer side of the pipeline: reading
// (possibly remote) input files — local, http(s), or blobstore URLs —
// tracking which ones have already been processed, and publishing one
// Story per parsed entry onto a downstream worker's input queue.
package queuer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mediacloud/story-fetcher/pkg/story"
	"github.com/mediacloud/story-fetcher/pkg/transport"
)

// Logger is the minimal structured-logging surface Queuer needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Stats is the minimal metrics surface Queuer needs.
type Stats interface {
	IncrCounter(name string, labels map[string]string)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopStats struct{}

func (noopStats) IncrCounter(string, map[string]string) {}

// Publisher is the minimal transport surface Queuer needs to enqueue a
// Story. It is satisfied by a short-lived *transport.Channel opened
// for the lifetime of one queuer run.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte, opts transport.PublishOptions) error
	TxCommit() error
}

// Config carries Queuer's tunables.
type Config struct {
	// StoreName scopes blobstore credential lookup for s3:// inputs.
	StoreName string
	// OutputQueue is the downstream worker's input queue name (e.g.
	// transport.InputQueueName("fetcher")); Stories are published
	// directly to it via the default exchange.
	OutputQueue string

	Tracker   Tracker
	Publisher Publisher

	// Test, if set, only enumerates and logs input files without
	// processing or publishing them.
	Test bool
	// Force bypasses the Tracker entirely (used with --force or when
	// sampling/testing).
	Force bool
	// Cleanup allows Start to reclaim an abandoned STARTED entry past
	// queuer.OldAge.
	Cleanup bool

	Logger Logger
	Stats  Stats
}

func (c Config) withDefaults() Config {
	if c.Tracker == nil {
		c.Tracker = DummyTracker{}
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
	return c
}

// Queuer drives one run over a set of input files.
type Queuer struct {
	cfg Config
}

// New constructs a Queuer.
func New(cfg Config) *Queuer {
	return &Queuer{cfg: cfg.withDefaults()}
}

// ProcessFiles enumerates and processes every path in inputs, expanding
// local directories and blobstore prefixes into their member files.
// Processing continues past a single file's failure; the first error
// encountered is returned after every input has been attempted.
func (q *Queuer) ProcessFiles(ctx context.Context, inputs []string) (storiesQueued int, err error) {
	var firstErr error
	for _, in := range inputs {
		n, expandErr := q.expandAndProcess(ctx, in)
		storiesQueued += n
		if expandErr != nil && firstErr == nil {
			firstErr = expandErr
		}
	}
	return storiesQueued, firstErr
}

func (q *Queuer) expandAndProcess(ctx context.Context, in string) (int, error) {
	if info, statErr := os.Stat(in); statErr == nil && info.IsDir() {
		paths, err := ListDirectory(in)
		if err != nil {
			return 0, err
		}
		return q.processEach(ctx, paths)
	}

	if isPrefix(in) {
		paths, err := ListPrefix(q.cfg.StoreName, in[:len(in)-1])
		if err != nil {
			return 0, err
		}
		return q.processEach(ctx, paths)
	}

	return q.processOne(ctx, in)
}

// isPrefix reports whether url looks like a blobstore prefix rather
// than a single object: the source system's own convention is a
// trailing "*", stripped before listing.
func isPrefix(url string) bool {
	return len(url) > 0 && url[len(url)-1] == '*'
}

func (q *Queuer) processEach(ctx context.Context, paths []string) (int, error) {
	var total int
	var firstErr error
	for _, p := range paths {
		n, err := q.processOne(ctx, p)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

func (q *Queuer) processOne(ctx context.Context, name string) (int, error) {
	if q.cfg.Test {
		q.cfg.Logger.Info("queuer: would process", "file", name)
		return 0, nil
	}

	start := time.Now()
	if !q.cfg.Force {
		if err := q.cfg.Tracker.Start(ctx, name, q.cfg.Cleanup); err != nil {
			var notStartable *ErrNotStartable
			if errors.As(err, &notStartable) {
				q.incrFiles("skipped")
				q.cfg.Logger.Info("queuer: skipping already-tracked file", "file", name, "status", notStartable.Status)
				return 0, nil
			}
			q.incrFiles("tracker-error")
			return 0, err
		}
	}

	r, err := Open(ctx, q.cfg.StoreName, name)
	if err != nil {
		q.finish(ctx, name, false)
		q.incrFiles("open-failed")
		return 0, err
	}
	defer r.Close()

	queued := 0
	ok, bad, err := ParseRSS(r, name, func(st *story.Story) error {
		return q.publish(ctx, st)
	})
	queued = ok

	success := err == nil
	q.finish(ctx, name, success)
	if err != nil {
		q.incrFiles("failed")
		return queued, fmt.Errorf("queuer: process %s: %w", name, err)
	}

	q.incrFiles("success")
	q.cfg.Logger.Info("queuer: processed file", "file", name, "queued", queued, "bad", bad,
		"elapsed", time.Since(start))
	return queued, nil
}

func (q *Queuer) finish(ctx context.Context, name string, success bool) {
	if q.cfg.Force {
		return
	}
	if err := q.cfg.Tracker.Finish(ctx, name, success); err != nil {
		q.cfg.Logger.Error("queuer: tracker finish failed", "file", name, "err", err)
	}
}

func (q *Queuer) publish(ctx context.Context, st *story.Story) error {
	body, err := st.Dump()
	if err != nil {
		return fmt.Errorf("queuer: dump story: %w", err)
	}
	if err := q.cfg.Publisher.Publish(ctx, "", q.cfg.OutputQueue, body, transport.PublishOptions{}); err != nil {
		return fmt.Errorf("queuer: publish: %w", err)
	}
	if err := q.cfg.Publisher.TxCommit(); err != nil {
		return fmt.Errorf("queuer: commit: %w", err)
	}
	return nil
}

func (q *Queuer) incrFiles(status string) {
	q.cfg.Stats.IncrCounter("files", map[string]string{"status": status})
}
