package domainfilter

// NonNewsDomains is the default embedded non-news domain set used by
// the offline query mode: aggregators, search engines, social
// networks, and URL shorteners that should never be archived as news
// content even when a feed links to them. Intentionally small and
// deployment-specific; production deployments are expected to supply
// their own, larger, regularly-refreshed list to NewStatic.
var NonNewsDomains = []string{
	"google.com",
	"news.google.com",
	"facebook.com",
	"twitter.com",
	"x.com",
	"t.co",
	"bit.ly",
	"tinyurl.com",
	"youtube.com",
	"youtu.be",
	"linkedin.com",
	"instagram.com",
	"reddit.com",
	"pinterest.com",
	"wikipedia.org",
	"amazon.com",
	"apple.com",
	"microsoft.com",
}
