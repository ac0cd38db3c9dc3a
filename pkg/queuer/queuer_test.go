package queuer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/mediacloud/story-fetcher/pkg/transport"
)

const sampleRSS = `<?xml version="1.0"?>
<rss><channel>
<item>
<link>http://example.com/a</link>
<domain>example.com</domain>
<title>A</title>
<pubDate>Mon, 02 Jan 2006 15:04:05 +0000</pubDate>
</item>
<item>
<domain>example.com</domain>
<title>missing link</title>
</item>
</channel></rss>`

type fakeTracker struct {
	started  map[string]bool
	refused  map[string]FileStatus
	finished map[string]bool
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{started: map[string]bool{}, refused: map[string]FileStatus{}, finished: map[string]bool{}}
}

func (f *fakeTracker) Start(ctx context.Context, name string, cleanup bool) error {
	if status, refused := f.refused[name]; refused {
		return &ErrNotStartable{Name: name, Status: status}
	}
	f.started[name] = true
	return nil
}

func (f *fakeTracker) Finish(ctx context.Context, name string, success bool) error {
	f.finished[name] = success
	return nil
}

type fakePublisher struct {
	bodies  [][]byte
	commits int
}

func (f *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts transport.PublishOptions) error {
	f.bodies = append(f.bodies, body)
	return nil
}

func (f *fakePublisher) TxCommit() error {
	f.commits++
	return nil
}

func writeTempRSS(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mc-2026-07-29.rss")
	if err := os.WriteFile(path, []byte(sampleRSS), 0o644); err != nil {
		t.Fatalf("write temp rss: %v", err)
	}
	return path
}

func TestProcessOneQueuesValidEntriesAndSkipsBad(t *testing.T) {
	path := writeTempRSS(t)
	tracker := newFakeTracker()
	pub := &fakePublisher{}

	q := New(Config{Tracker: tracker, Publisher: pub})
	queued, err := q.ProcessFiles(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("ProcessFiles: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected 1 story queued (second item has no link), got %d", queued)
	}
	if len(pub.bodies) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pub.bodies))
	}
	if pub.commits != 1 {
		t.Fatalf("expected 1 tx commit, got %d", pub.commits)
	}
	if !tracker.started[path] {
		t.Fatalf("expected tracker.Start to be called for %s", path)
	}
	if status, ok := tracker.finished[path]; !ok || !status {
		t.Fatalf("expected tracker.Finish(success=true) for %s", path)
	}
}

func TestProcessOneSkipsAlreadyTrackedFile(t *testing.T) {
	path := writeTempRSS(t)
	tracker := newFakeTracker()
	tracker.refused[path] = Started
	pub := &fakePublisher{}

	q := New(Config{Tracker: tracker, Publisher: pub})
	queued, err := q.ProcessFiles(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("ProcessFiles: %v", err)
	}
	if queued != 0 {
		t.Fatalf("expected 0 queued for an already-tracked file, got %d", queued)
	}
	if len(pub.bodies) != 0 {
		t.Fatalf("expected no publish calls for an already-tracked file")
	}
}

func TestProcessOneForceBypassesTracker(t *testing.T) {
	path := writeTempRSS(t)
	tracker := newFakeTracker()
	tracker.refused[path] = Finished
	pub := &fakePublisher{}

	q := New(Config{Tracker: tracker, Publisher: pub, Force: true})
	queued, err := q.ProcessFiles(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("ProcessFiles: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected force to bypass the tracker and queue 1 story, got %d", queued)
	}
}

func TestProcessOneTestModeNeverPublishes(t *testing.T) {
	path := writeTempRSS(t)
	tracker := newFakeTracker()
	pub := &fakePublisher{}

	q := New(Config{Tracker: tracker, Publisher: pub, Test: true})
	queued, err := q.ProcessFiles(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("ProcessFiles: %v", err)
	}
	if queued != 0 || len(pub.bodies) != 0 {
		t.Fatalf("expected test mode to enumerate without publishing, got queued=%d published=%d", queued, len(pub.bodies))
	}
	if tracker.started[path] {
		t.Fatalf("expected test mode to never touch the tracker")
	}
}

func TestProcessFilesExpandsDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"mc-2026-07-28.rss", "mc-2026-07-29.rss"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(sampleRSS), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	tracker := newFakeTracker()
	pub := &fakePublisher{}

	q := New(Config{Tracker: tracker, Publisher: pub})
	queued, err := q.ProcessFiles(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("ProcessFiles: %v", err)
	}
	if queued != 2 {
		t.Fatalf("expected 2 stories queued across both files, got %d", queued)
	}
}
