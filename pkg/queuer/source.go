package queuer

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mediacloud/story-fetcher/pkg/blobstore"
)

// Open returns a reader over name, which may be a local file path, an
// http(s) URL, or a blobstore URL (e.g. "s3://bucket/key"). A trailing
// .gz is transparently decompressed. storeName scopes blobstore
// credential lookup (see blobstore.ConfVar).
func Open(ctx context.Context, storeName, name string) (io.ReadCloser, error) {
	var raw io.ReadCloser
	var err error

	switch {
	case blobstore.IsBlobstoreURL(name):
		raw, err = openBlobstore(ctx, storeName, name)
	case strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://"):
		raw, err = openHTTP(ctx, name)
	default:
		raw, err = os.Open(name)
	}
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(name, ".gz") || strings.HasSuffix(name, ".gzip") {
		gz, err := gzip.NewReader(raw)
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("queuer: gunzip %s: %w", name, err)
		}
		return &gzipReadCloser{gz: gz, under: raw}, nil
	}
	return raw, nil
}

type gzipReadCloser struct {
	gz    *gzip.Reader
	under io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	underErr := g.under.Close()
	if gzErr != nil {
		return gzErr
	}
	return underErr
}

func openHTTP(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("queuer: build request for %s: %w", url, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queuer: fetch %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("queuer: fetch %s: status %d", url, resp.StatusCode)
	}
	return resp.Body, nil
}

// openBlobstore resolves a blobstore URL and downloads the object to a
// temp file, mirroring the original's tempfile-then-rewind approach
// since blobstore.Store only exposes whole-object download, not a
// streaming reader.
func openBlobstore(ctx context.Context, storeName, url string) (io.ReadCloser, error) {
	store, key, err := blobstore.ByURL(storeName, url)
	if err != nil {
		return nil, fmt.Errorf("queuer: resolve %s: %w", url, err)
	}

	tmp, err := os.CreateTemp("", "story-fetcher-queuer-*")
	if err != nil {
		return nil, fmt.Errorf("queuer: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	tmp.Close()

	if err := store.DownloadFile(ctx, key, tmpName); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("queuer: download %s: %w", url, err)
	}

	f, err := os.Open(tmpName)
	if err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("queuer: reopen %s: %w", tmpName, err)
	}
	return &tempFileReadCloser{File: f, path: tmpName}, nil
}

type tempFileReadCloser struct {
	*os.File
	path string
}

func (t *tempFileReadCloser) Close() error {
	err := t.File.Close()
	os.Remove(t.path)
	return err
}

// ListDirectory enumerates every file under dir (recursively) and
// reverse-sorts the paths so the most recent dated files (the common
// naming convention) are processed first — matching the original's
// back-fill ordering.
func ListDirectory(dir string) ([]string, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queuer: walk %s: %w", dir, err)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))
	return paths, nil
}

// ListPrefix enumerates every blobstore object under a
// "scheme://bucket/prefix" URL, reverse-sorted for the same back-fill
// ordering as ListDirectory.
func ListPrefix(storeName, url string) ([]string, error) {
	store, prefix, err := blobstore.ByURL(storeName, url)
	if err != nil {
		return nil, fmt.Errorf("queuer: resolve prefix %s: %w", url, err)
	}
	keys, err := store.ListObjects(context.Background(), prefix)
	if err != nil {
		return nil, fmt.Errorf("queuer: list %s: %w", url, err)
	}
	scheme, bucket, _, _ := blobstore.SplitURL(url)
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%s://%s/%s", scheme, bucket, k)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// RetryAfter is how long maybe-process-file-style callers should back
// off when a source is temporarily unreachable (network blip on an
// http(s)/blobstore input). Callers decide whether to retry at all.
const RetryAfter = 30 * time.Second
