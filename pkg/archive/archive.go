// Package archive writes Story records to append-only WARC/1.0 files:
// one gzip member per record, a "response" record carrying the raw
// HTML immediately followed by a "metadata" record carrying the
// story's other views, linked by WARC-Refers-To. Files are written to
// a temp path and atomically renamed into place on Finish, so a reader
// never observes a partially written archive.
package archive

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mediacloud/story-fetcher/pkg/story"
)

// Extension is the suffix every archive file carries.
const Extension = ".warc.gz"

// MetadataContentType is the media type of the metadata record's
// payload: a vendor +json subtype rather than the WARC spec's own
// application/warc-fields, since the payload is an opaque JSON blob of
// the story's views rather than a set of warc-fields.
const MetadataContentType = "application/x.mediacloud-indexer+json"

const warcVersion = "WARC/1.0"

// softwareName identifies the writer in every warcinfo record.
const softwareName = "mediacloud story-fetcher archive writer"

// StoryError is returned by WriteStory when a story cannot be
// archived at all (missing URL or HTML); the archiver worker skips
// and counts the story rather than retrying, since retrying an
// unfetched story will never produce a URL or HTML.
type StoryError struct {
	Reason string // short, used as a stats counter name
}

func (e *StoryError) Error() string { return fmt.Sprintf("archive: %s", e.Reason) }

// Writer appends Story records to a single WARC file.
type Writer struct {
	filename string
	fullPath string
	tempPath string
	workDir  string

	file      *os.File
	gz        *gzip.Writer
	timestamp time.Time

	stories int
	size    int64

	finished bool
}

// Config names a single archive file.
type Config struct {
	Prefix   string // e.g. "mc"
	Hostname string // written into warcinfo and into the filename
	Serial   int    // monotonic per-process archive counter
	WorkDir  string
}

// New opens a fresh archive file under cfg.WorkDir and writes its
// leading warcinfo record.
func New(cfg Config) (*Writer, error) {
	ts := time.Now()
	stamp := ts.UTC().Format("20060102150405")
	filename := fmt.Sprintf("%s-%s-%d-%s%s", cfg.Prefix, stamp, cfg.Serial, cfg.Hostname, Extension)
	fullPath := filename
	if cfg.WorkDir != "" {
		fullPath = filepath.Join(cfg.WorkDir, filename)
	}
	tempPath := fullPath + ".tmp"

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", tempPath, err)
	}

	w := &Writer{
		filename:  filename,
		fullPath:  fullPath,
		tempPath:  tempPath,
		workDir:   cfg.WorkDir,
		file:      f,
		timestamp: ts,
	}

	info := map[string]string{
		"hostname": cfg.Hostname,
		"software": softwareName,
		"format":   "WARC file version 1.0",
	}
	if _, err := w.writeRecord("warcinfo", filename, nil, warcFieldsBody(info)); err != nil {
		f.Close()
		os.Remove(tempPath)
		return nil, err
	}
	return w, nil
}

// Filename is the archive's base file name.
func (w *Writer) Filename() string { return w.filename }

// FullPath is the archive's eventual (post-rename) path.
func (w *Writer) FullPath() string { return w.fullPath }

// Stories is the number of stories written so far.
func (w *Writer) Stories() int { return w.stories }

// Timestamp is when the archive was opened; used to derive the
// upload-side date-prefix shard.
func (w *Writer) Timestamp() time.Time { return w.timestamp }

// WriteStory appends a Story as a response+metadata record pair.
// final URL and raw HTML must both be present; queued-but-unfetched
// stories (no http_metadata/raw_html yet) are rejected with
// *StoryError so the caller can skip the story rather than retry.
func (w *Writer) WriteStory(st *story.Story) error {
	rss := st.RSSEntry().Get()
	hmd := st.HTTPMetadata().Get()
	html := st.RawHTML().Get()
	cmd := st.ContentMetadata().Get()

	url := hmd.FinalURL
	if url == "" {
		url = cmd.URL
	}
	if url == "" {
		url = rss.Link
	}
	if url == "" {
		return &StoryError{Reason: "no-url"}
	}
	if len(html.HTML) == 0 {
		return &StoryError{Reason: "no-html"}
	}

	statusLine := fmt.Sprintf("%d %s", hmd.ResponseCode, http.StatusText(hmd.ResponseCode))
	if statusLine == fmt.Sprintf("%d ", hmd.ResponseCode) {
		statusLine = fmt.Sprintf("%d HUH?", hmd.ResponseCode)
	}

	encoding := hmd.Encoding
	if encoding == "" {
		encoding = html.Encoding
	}
	contentType := "text/html"
	if encoding != "" {
		contentType = fmt.Sprintf("%s; encoding=%s", contentType, encoding)
	}

	fetchTime := hmd.FetchTimestamp
	if fetchTime.IsZero() {
		fetchTime = time.Now()
	}
	warcDate := fetchTime.UTC().Format("2006-01-02T15:04:05Z")

	httpPayload := buildHTTPResponsePayload(statusLine, contentType, html.HTML)
	responseHeaders := map[string]string{"WARC-Date": warcDate}
	responseID, err := w.writeRecord("response", url, responseHeaders, httpPayload)
	if err != nil {
		return fmt.Errorf("archive: write response record: %w", err)
	}

	metadata := map[string]any{
		"rss_entry":        rss,
		"http_metadata":    hmd,
		"content_metadata": cmd,
	}
	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("archive: marshal metadata: %w", err)
	}
	metadataHeaders := map[string]string{
		"Content-Type":   MetadataContentType,
		"WARC-Refers-To": responseID,
		"WARC-Date":      warcDate,
	}
	if _, err := w.writeRecord("metadata", url, metadataHeaders, metadataBytes); err != nil {
		return fmt.Errorf("archive: write metadata record: %w", err)
	}

	w.stories++
	return nil
}

// Finish flushes and closes the archive, then renames it into its
// final path. It is idempotent.
func (w *Writer) Finish() error {
	if w.finished {
		return nil
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("archive: close gzip: %w", err)
		}
	}
	info, err := w.file.Stat()
	if err == nil {
		w.size = info.Size()
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("archive: close file: %w", err)
	}
	if err := os.Rename(w.tempPath, w.fullPath); err != nil {
		return fmt.Errorf("archive: rename %s to %s: %w", w.tempPath, w.fullPath, err)
	}
	w.finished = true
	return nil
}

// Size is the final on-disk (compressed) size, valid after Finish.
func (w *Writer) Size() int64 { return w.size }

// Remove deletes the archive's file: the final file after Finish, the
// temporary file before it. The archiver uses it when a batch produced
// zero stories or a story write failed.
func (w *Writer) Remove() error {
	path := w.fullPath
	if !w.finished {
		path = w.tempPath
	}
	return os.Remove(path)
}

// Open re-opens the finished archive for upload.
func (w *Writer) Open() (*os.File, error) {
	if !w.finished {
		return nil, fmt.Errorf("archive: %s not finished", w.filename)
	}
	f, err := os.Open(w.fullPath)
	if err != nil {
		return nil, fmt.Errorf("archive: reopen %s: %w", w.fullPath, err)
	}
	return f, nil
}

// writeRecord appends one gzip-wrapped WARC record and returns the
// WARC-Record-ID it wrote, so a caller linking a later record to this
// one (WARC-Refers-To) always names the ID that actually went out.
func (w *Writer) writeRecord(recordType, targetURI string, extraHeaders map[string]string, payload []byte) (string, error) {
	recordID := fmt.Sprintf("<urn:uuid:%s>", uuid.NewString())

	var buf bytes.Buffer
	buf.WriteString(warcVersion + "\r\n")
	writeHeader(&buf, "WARC-Type", recordType)
	writeHeader(&buf, "WARC-Record-ID", recordID)
	writeHeader(&buf, "WARC-Target-URI", targetURI)
	writeHeader(&buf, "WARC-Date", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	for k, v := range extraHeaders {
		writeHeader(&buf, k, v)
	}
	writeHeader(&buf, "Content-Length", fmt.Sprintf("%d", len(payload)))
	buf.WriteString("\r\n")
	buf.Write(payload)
	buf.WriteString("\r\n\r\n")

	gz := gzip.NewWriter(w.file)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		return "", err
	}
	if err := gz.Close(); err != nil {
		return "", err
	}
	return recordID, nil
}

func writeHeader(buf *bytes.Buffer, key, value string) {
	buf.WriteString(textproto.CanonicalMIMEHeaderKey(key))
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func warcFieldsBody(fields map[string]string) []byte {
	var buf bytes.Buffer
	for k, v := range fields {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(v)
		buf.WriteString("\r\n")
	}
	return buf.Bytes()
}

func buildHTTPResponsePayload(statusLine, contentType string, html []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.0 " + statusLine + "\r\n")
	writeHeader(&buf, "Content-Type", contentType)
	writeHeader(&buf, "Content-Length", fmt.Sprintf("%d", len(html)))
	buf.WriteString("\r\n")
	buf.Write(html)
	return buf.Bytes()
}
