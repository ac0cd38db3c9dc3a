package domainfilter

import "testing"

func TestStaticFilterExactMatch(t *testing.T) {
	f := NewStatic([]string{"example.com"})
	if !f.IsNonNews("example.com") {
		t.Fatal("expected exact match to be non-news")
	}
}

func TestStaticFilterSubdomainMatch(t *testing.T) {
	f := NewStatic([]string{"example.com"})
	if !f.IsNonNews("news.example.com") {
		t.Fatal("expected subdomain to be non-news")
	}
}

func TestStaticFilterCaseInsensitive(t *testing.T) {
	f := NewStatic([]string{"Example.COM"})
	if !f.IsNonNews("EXAMPLE.com") {
		t.Fatal("expected case-insensitive match")
	}
}

func TestStaticFilterDoesNotMatchUnrelatedSuffix(t *testing.T) {
	f := NewStatic([]string{"example.com"})
	if f.IsNonNews("notexample.com") {
		t.Fatal("suffix match must respect the domain boundary, not be a bare string suffix")
	}
}

func TestStaticFilterRejectsOtherDomains(t *testing.T) {
	f := NewStatic([]string{"example.com"})
	if f.IsNonNews("a-real-news-site.org") {
		t.Fatal("unrelated domain must not be classified non-news")
	}
}

func TestDefaultNonNewsDomainsNonEmpty(t *testing.T) {
	if len(NonNewsDomains) == 0 {
		t.Fatal("expected a non-empty default non-news domain set")
	}
	f := NewStatic(NonNewsDomains)
	if !f.IsNonNews("www.facebook.com") {
		t.Fatal("expected a well-known aggregator subdomain to be classified non-news")
	}
}
