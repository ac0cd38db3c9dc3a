// Package story implements the Story record: an immutable-on-wire unit
// of work carrying four independently populated sub-views (RSS entry,
// HTTP metadata, raw HTML, content metadata).
//
// Mutation only ever happens through a scoped View handle obtained from
// one of the four accessor methods; the handle rejects unknown field
// names deterministically and marks its view dirty when closed. This
// replaces the source system's dynamic per-view class discovery with an
// explicit, compile-time-checked enumeration of the four view kinds.
package story

import (
	"encoding/json"
	"fmt"
	"time"
)

// ViewKind enumerates the four Story sub-views. Unlike the source
// system, which resolved a view by transforming a class name at
// runtime, the set of views is closed and enumerated here.
type ViewKind int

const (
	RSSEntryView ViewKind = iota
	HTTPMetadataView
	RawHTMLView
	ContentMetadataView
	numViews
)

func (k ViewKind) String() string {
	switch k {
	case RSSEntryView:
		return "rss_entry"
	case HTTPMetadataView:
		return "http_metadata"
	case RawHTMLView:
		return "raw_html"
	case ContentMetadataView:
		return "content_metadata"
	default:
		return "unknown_view"
	}
}

// RSSEntry is populated by queuers.
type RSSEntry struct {
	Link           string    `json:"link"`
	Title          string    `json:"title"`
	Domain         string    `json:"domain"`
	PubDate        time.Time `json:"pub_date"`
	FetchDate      time.Time `json:"fetch_date"`
	Via            string    `json:"via"`
	SourceFeedID   string    `json:"source_feed_id"`
	SourceSourceID string    `json:"source_source_id"`
}

// HTTPMetadata is populated by the fetcher worker.
type HTTPMetadata struct {
	FinalURL       string    `json:"final_url"`
	ResponseCode   int       `json:"response_code"`
	FetchTimestamp time.Time `json:"fetch_timestamp"`
	Encoding       string    `json:"encoding"`
}

// RawHTML is populated by the fetcher worker.
type RawHTML struct {
	HTML     []byte `json:"html"`
	Encoding string `json:"encoding"`
}

// ContentMetadata is populated by the parser (an external collaborator
// of this repo; the fetch pipeline only carries the view, it never
// populates it).
type ContentMetadata struct {
	URL                    string    `json:"url"`
	NormalizedURL          string    `json:"normalized_url"`
	CanonicalDomain        string    `json:"canonical_domain"`
	PublicationDate        time.Time `json:"publication_date"`
	Language               string    `json:"language"`
	FullLanguage           string    `json:"full_language"`
	ArticleTitle           string    `json:"article_title"`
	NormalizedArticleTitle string    `json:"normalized_article_title"`
	TextContent            string    `json:"text_content"`
	TextExtractionMethod   string    `json:"text_extraction_method"`
	IsHomepage             bool      `json:"is_homepage"`
	IsShortened            bool      `json:"is_shortened"`
}

// Story is the unit of work carried through the pipeline. It is opaque
// to the transport layer: the only operations transport performs on a
// Story are Dump and Load.
type Story struct {
	rss     RSSEntry
	http    HTTPMetadata
	html    RawHTML
	content ContentMetadata
	dirty   [numViews]bool
}

// New returns a freshly created Story with all four views present but
// empty, per the data-model invariant.
func New() *Story {
	return &Story{}
}

// Dirty reports whether the given view has been written to since the
// Story was created or loaded.
func (s *Story) Dirty(k ViewKind) bool {
	if k < 0 || k >= numViews {
		return false
	}
	return s.dirty[k]
}

func (s *Story) markDirty(k ViewKind) {
	s.dirty[k] = true
}

// RSSEntry returns a scoped handle onto the RSS entry sub-view. The
// handle must be closed (typically via defer) to commit the write-back
// hook and, if any field was set, mark the view dirty.
func (s *Story) RSSEntry() *View[RSSEntry] {
	return newView(&s.rss, func() { s.markDirty(RSSEntryView) })
}

// HTTPMetadata returns a scoped handle onto the HTTP metadata sub-view.
func (s *Story) HTTPMetadata() *View[HTTPMetadata] {
	return newView(&s.http, func() { s.markDirty(HTTPMetadataView) })
}

// RawHTML returns a scoped handle onto the raw HTML sub-view.
func (s *Story) RawHTML() *View[RawHTML] {
	return newView(&s.html, func() { s.markDirty(RawHTMLView) })
}

// ContentMetadata returns a scoped handle onto the content metadata
// sub-view.
func (s *Story) ContentMetadata() *View[ContentMetadata] {
	return newView(&s.content, func() { s.markDirty(ContentMetadataView) })
}

// wireEnvelope is the on-the-wire representation of a Story. It is a
// plain JSON object; the scoped-mutation machinery in view.go exists
// purely to police in-process callers and has no bearing on the wire
// format.
type wireEnvelope struct {
	Version int             `json:"version"`
	RSS     RSSEntry        `json:"rss_entry"`
	HTTP    HTTPMetadata    `json:"http_metadata"`
	HTML    RawHTML         `json:"raw_html"`
	Content ContentMetadata `json:"content_metadata"`
	Dirty   [numViews]bool  `json:"dirty"`
}

const wireVersion = 1

// Dump serializes the Story to its wire form. The body is opaque to
// the transport layer; only Dump/Load know its shape.
func (s *Story) Dump() ([]byte, error) {
	env := wireEnvelope{
		Version: wireVersion,
		RSS:     s.rss,
		HTTP:    s.http,
		HTML:    s.html,
		Content: s.content,
		Dirty:   s.dirty,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("story: dump: %w", err)
	}
	return b, nil
}

// Load reconstructs a Story from bytes previously produced by Dump.
func Load(b []byte) (*Story, error) {
	var env wireEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("story: load: %w", err)
	}
	return &Story{
		rss:     env.RSS,
		http:    env.HTTP,
		html:    env.HTML,
		content: env.Content,
		dirty:   env.Dirty,
	}, nil
}
