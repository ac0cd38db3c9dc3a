// Package blobstore is a small abstraction over archival object
// storage: upload a local file, list objects under a prefix, download
// an object. Providers register themselves at init time; callers
// either ask for every provider with complete configuration for a
// named store, or resolve one directly from a
// "SCHEME://BUCKET/KEY_OR_PREFIX" URL.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// Store is the interface every provider implements. Only the
// operations the archiver and queuer actually use are included.
type Store interface {
	// Provider is the scheme/config-prefix this store was registered
	// under (e.g. "S3", "B2").
	Provider() string
	// Bucket is the bucket this instance is bound to.
	Bucket() string

	UploadFile(ctx context.Context, localPath, remoteKey string) error
	UploadFileobj(ctx context.Context, r io.ReadSeeker, remoteKey string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
	DownloadFile(ctx context.Context, remoteKey, localPath string) error
}

// Factory constructs a Store for the given logical store name, reading
// {storeName}_{PROVIDER}_{VAR} environment variables for credentials
// and endpoint configuration. bucket overrides the configured bucket
// when non-empty (used when a store is resolved from a URL that
// already names a bucket). Factory returns an error (wrapping
// ErrNotConfigured) when required configuration is absent, so callers
// enumerating every provider can skip unconfigured ones.
type Factory func(storeName, bucket string) (Store, error)

// ErrNotConfigured is wrapped by a Factory's error when a store's
// required environment variables are not set.
type ErrNotConfigured struct {
	Var string
}

func (e *ErrNotConfigured) Error() string {
	return fmt.Sprintf("blobstore: missing configuration variable %s", e.Var)
}

var providers = map[string]Factory{}

// Register adds a provider factory under the given scheme name
// (upper-cased). Called from each provider subpackage's init().
func Register(scheme string, f Factory) {
	providers[strings.ToUpper(scheme)] = f
}

// ConfVar returns the environment variable name for a given store,
// provider and config item, following the source system's
// {STORE}_{PROVIDER}_{VAR} convention.
func ConfVar(storeName, provider, item string) string {
	return fmt.Sprintf("%s_%s_%s", strings.ToUpper(storeName), strings.ToUpper(provider), strings.ToUpper(item))
}

// ConfVal looks up a required config value, returning *ErrNotConfigured
// if absent.
func ConfVal(storeName, provider, item string) (string, error) {
	name := ConfVar(storeName, provider, item)
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", &ErrNotConfigured{Var: name}
	}
	return v, nil
}

// Stores returns every registered provider with complete configuration
// for storeName. A provider missing required env vars is skipped
// rather than treated as an error — archival uploads are always
// best-effort across whichever stores happen to be configured.
func Stores(storeName string) []Store {
	var out []Store
	for _, f := range providers {
		s, err := f(storeName, "")
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out
}

// SplitURL parses a "scheme://bucket/key" URL into its parts. key may
// be empty.
func SplitURL(rawURL string) (scheme, bucket, key string, err error) {
	schemeAndRest := strings.SplitN(rawURL, "://", 2)
	if len(schemeAndRest) != 2 {
		return "", "", "", fmt.Errorf("blobstore: malformed url %q", rawURL)
	}
	scheme = schemeAndRest[0]
	parts := strings.SplitN(schemeAndRest[1], "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		key = parts[1]
	}
	return scheme, bucket, key, nil
}

// IsBlobstoreURL reports whether path looks like a URL whose scheme
// names a registered provider.
func IsBlobstoreURL(path string) bool {
	scheme, _, _, err := SplitURL(path)
	if err != nil {
		return false
	}
	_, ok := providers[strings.ToUpper(scheme)]
	return ok
}

// ByURL resolves a "provider://bucket/key" URL to a Store bound to
// that bucket, plus the key (or prefix) part of the URL.
func ByURL(storeName, rawURL string) (Store, string, error) {
	scheme, bucket, key, err := SplitURL(rawURL)
	if err != nil {
		return nil, "", err
	}
	f, ok := providers[strings.ToUpper(scheme)]
	if !ok {
		return nil, "", fmt.Errorf("blobstore: unknown provider scheme %q", scheme)
	}
	s, err := f(storeName, bucket)
	if err != nil {
		return nil, "", err
	}
	return s, key, nil
}
