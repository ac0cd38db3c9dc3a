package story

import (
	"testing"
	"time"
)

func TestRoundTrip(t *testing.T) {
	s := New()

	rss := s.RSSEntry()
	if err := rss.Set("Link", "https://example.org/a"); err != nil {
		t.Fatalf("set Link: %v", err)
	}
	if err := rss.Set("Title", "hello"); err != nil {
		t.Fatalf("set Title: %v", err)
	}
	if err := rss.Close(); err != nil {
		t.Fatalf("close rss view: %v", err)
	}

	http := s.HTTPMetadata()
	_ = http.Set("ResponseCode", 200)
	_ = http.Set("FinalURL", "https://example.org/a")
	_ = http.Close()

	html := s.RawHTML()
	_ = html.Set("HTML", []byte("<html></html>"))
	_ = html.Set("Encoding", "utf-8")
	_ = html.Close()

	content := s.ContentMetadata()
	_ = content.Set("ArticleTitle", "Hello")
	_ = content.Close()

	if !s.Dirty(RSSEntryView) || !s.Dirty(HTTPMetadataView) || !s.Dirty(RawHTMLView) || !s.Dirty(ContentMetadataView) {
		t.Fatalf("expected all four views dirty after writes")
	}

	b, err := s.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}

	loaded, err := Load(b)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.RSSEntry().Get() != s.RSSEntry().Get() {
		t.Errorf("rss view mismatch: got %+v want %+v", loaded.RSSEntry().Get(), s.RSSEntry().Get())
	}
	if loaded.HTTPMetadata().Get() != s.HTTPMetadata().Get() {
		t.Errorf("http view mismatch")
	}
	if string(loaded.RawHTML().Get().HTML) != string(s.RawHTML().Get().HTML) {
		t.Errorf("html view mismatch")
	}
	if loaded.ContentMetadata().Get() != s.ContentMetadata().Get() {
		t.Errorf("content view mismatch")
	}
}

func TestFreshStoryAllViewsPresentButEmpty(t *testing.T) {
	s := New()
	if s.Dirty(RSSEntryView) || s.Dirty(HTTPMetadataView) || s.Dirty(RawHTMLView) || s.Dirty(ContentMetadataView) {
		t.Fatalf("fresh story must not be dirty")
	}
	if s.RSSEntry().Get() != (RSSEntry{}) {
		t.Fatalf("fresh rss view must be zero value")
	}
}

func TestSetUnknownFieldFailsDeterministically(t *testing.T) {
	s := New()
	rss := s.RSSEntry()
	defer rss.Close()

	err := rss.Set("NotARealField", "x")
	if err == nil {
		t.Fatalf("expected error setting unknown field")
	}
	var unknown *ErrUnknownField
	if !asUnknownField(err, &unknown) {
		t.Fatalf("expected ErrUnknownField, got %T: %v", err, err)
	}
}

func asUnknownField(err error, target **ErrUnknownField) bool {
	if e, ok := err.(*ErrUnknownField); ok {
		*target = e
		return true
	}
	return false
}

func TestSetAfterCloseFails(t *testing.T) {
	s := New()
	v := s.RSSEntry()
	if err := v.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := v.Set("Link", "x"); err == nil {
		t.Fatalf("expected error setting field on closed view")
	}
}

func TestDirtyOnlyOnWrite(t *testing.T) {
	s := New()
	v := s.HTTPMetadata()
	_ = v.Close() // no writes
	if s.Dirty(HTTPMetadataView) {
		t.Fatalf("view must not be dirty when nothing was set")
	}
}

func TestContentMetadataDatesSurviveRoundTrip(t *testing.T) {
	s := New()
	cm := s.ContentMetadata()
	now := time.Now().UTC().Truncate(time.Second)
	_ = cm.Set("PublicationDate", now)
	_ = cm.Close()

	b, err := s.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	loaded, err := Load(b)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.ContentMetadata().Get().PublicationDate.Equal(now) {
		t.Fatalf("publication date did not round-trip: got %v want %v",
			loaded.ContentMetadata().Get().PublicationDate, now)
	}
}
