package queuer

import (
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/mediacloud/story-fetcher/pkg/story"
)

// RSSEntryFunc receives one parsed Story per <item> in an rss-fetcher
// synthetic RSS file. via is the source file name, recorded onto the
// RSS entry's Via field instead of a fetch date.
type RSSEntryFunc func(st *story.Story) error

// itemAccumulator mirrors the source system's per-item field reset:
// a streaming decoder cannot build a DOM, so a bare struct collects
// field text between <item> and </item> and is handed off at the
// closing tag.
type itemAccumulator struct {
	link           string
	domain         string
	pubDate        string
	title          string
	sourceURL      string
	sourceFeedID   string
	sourceSourceID string
}

func (a *itemAccumulator) reset() { *a = itemAccumulator{} }

// ParseRSS streams an rss-fetcher synthetic RSS document from r,
// calling emit once per <item> found. Items without a link are counted
// in bad and not emitted, and an out-of-sync closing tag is skipped; an
// error from the XML decoder ends the parse and is returned together
// with the counts so far.
func ParseRSS(r io.Reader, via string, emit RSSEntryFunc) (ok, bad int, err error) {
	dec := xml.NewDecoder(r)
	// Non-strict mode accepts unknown entities and mismatched or
	// unclosed tags; invalid UTF-8 still ends the parse with an error.
	dec.Strict = false

	var path []string
	var item itemAccumulator
	var textBuf strings.Builder

	for {
		tok, decErr := dec.Token()
		if decErr == io.EOF {
			break
		}
		if decErr != nil {
			return ok, bad, fmt.Errorf("queuer: parse rss %s: %w", via, decErr)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			path = append(path, t.Name.Local)
			textBuf.Reset()
			if t.Name.Local == "source" {
				item.sourceURL = attr(t, "url")
				item.sourceFeedID = attr(t, "mcFeedId")
				item.sourceSourceID = attr(t, "mcSourceId")
			}

		case xml.CharData:
			textBuf.Write(t)

		case xml.EndElement:
			name := t.Name.Local
			if len(path) == 0 || path[len(path)-1] != name {
				// Out-of-sync closing tag; skip rather than abort.
				continue
			}
			path = path[:len(path)-1]
			text := textBuf.String()
			textBuf.Reset()

			if name == "item" {
				n, isBad := endItem(&item, via, emit)
				if isBad {
					bad++
				} else {
					ok += n
				}
				item.reset()
				continue
			}

			if len(path) != 3 || path[0] != "rss" || path[1] != "channel" || path[2] != "item" {
				continue // not a direct child of <item>
			}

			switch name {
			case "link":
				item.link = strings.TrimSpace(html.UnescapeString(text))
			case "domain":
				item.domain = strings.TrimSpace(text)
			case "pubDate":
				item.pubDate = strings.TrimSpace(text)
			case "title":
				item.title = strings.TrimSpace(text)
			}
		}
	}
	return ok, bad, nil
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// endItem builds and emits the Story for one completed <item>, or
// reports it as bad (no link) without emitting.
func endItem(item *itemAccumulator, via string, emit RSSEntryFunc) (emitted int, bad bool) {
	if item.link == "" {
		return 0, true
	}

	st := story.New()
	rss := st.RSSEntry()
	defer rss.Close()

	fields := map[string]any{
		"Link":           item.link,
		"Domain":         item.domain,
		"Title":          item.title,
		"Via":            via,
		"SourceURL":      item.sourceURL,
		"SourceFeedID":   item.sourceFeedID,
		"SourceSourceID": item.sourceSourceID,
	}
	if t, err := parsePubDate(item.pubDate); err == nil {
		fields["PubDate"] = t
	}
	for name, value := range fields {
		if err := rss.Set(name, value); err != nil {
			// A field the view doesn't declare (SourceURL isn't part
			// of story.RSSEntry) is expected here and simply dropped.
			continue
		}
	}

	if err := emit(st); err != nil {
		return 0, true
	}
	return 1, false
}

var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05Z07:00",
}

func parsePubDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("queuer: empty pubDate")
	}
	var lastErr error
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, lastErr
}
