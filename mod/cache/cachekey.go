package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// KeySeparator joins the parts of a cache key
const KeySeparator = "|"

// KeyGenerator generates cache keys from HTTP requests
type KeyGenerator struct {
	// Namespace prefixes every key, usually the cache version ("v3")
	Namespace string

	// IncludeQuery determines whether query parameters are included in the key
	IncludeQuery bool

	// CaseSensitive determines if the path should be case-sensitive
	CaseSensitive bool
}

// NewKeyGenerator creates a new KeyGenerator with default settings
func NewKeyGenerator(namespace string) *KeyGenerator {
	return &KeyGenerator{
		Namespace:     namespace,
		IncludeQuery:  true,
		CaseSensitive: true,
	}
}

// GenerateKey creates a cache key from an HTTP request:
// <namespace>|<METHOD>|<path>|<sorted query>
func (kg *KeyGenerator) GenerateKey(r *http.Request) string {
	return kg.KeyFor(r.Method, r.URL)
}

// KeyFor builds the key for a method and URL without a request
func (kg *KeyGenerator) KeyFor(method string, u *url.URL) string {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if !kg.CaseSensitive {
		path = strings.ToLower(path)
	}

	keyParts := []string{kg.Namespace, strings.ToUpper(method), path}
	if kg.IncludeQuery && u.RawQuery != "" {
		keyParts = append(keyParts, kg.normalizeQuery(u.Query()))
	} else {
		keyParts = append(keyParts, "")
	}

	return strings.Join(keyParts, KeySeparator)
}

// NamespacePrefix returns the prefix shared by every key of the generator
func (kg *KeyGenerator) NamespacePrefix() string {
	return kg.Namespace + KeySeparator
}

// normalizeQuery sorts query parameters for consistent key generation
func (kg *KeyGenerator) normalizeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		values := append([]string(nil), query[k]...)
		sort.Strings(values)
		for _, v := range values {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}

	return strings.Join(parts, "&")
}

// HashKey returns a filesystem safe digest of a key
func HashKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// IsCacheable determines if a request may be answered from or stored into the cache
func IsCacheable(r *http.Request) bool {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return false
	}

	cacheControl := r.Header.Get("Cache-Control")
	return !strings.Contains(cacheControl, "no-store")
}

// IsResponseCacheable checks if an HTTP response should be cached.
// honorCacheControl is false for API responses, which are kept as offline
// fallbacks whatever the origin says about shared caching.
func IsResponseCacheable(statusCode int, headers http.Header, honorCacheControl bool) bool {
	if statusCode != http.StatusOK &&
		statusCode != http.StatusNonAuthoritativeInfo &&
		statusCode != http.StatusMovedPermanently &&
		statusCode != http.StatusFound {
		return false
	}

	if !honorCacheControl {
		return true
	}

	cacheControl := headers.Get("Cache-Control")
	if strings.Contains(cacheControl, "no-store") || strings.Contains(cacheControl, "private") {
		return false
	}

	if headers.Get("Pragma") == "no-cache" {
		return false
	}

	return true
}

// preservedHeaders are the response headers kept with a cached entry
var preservedHeaders = []string{
	"Content-Type",
	"Content-Language",
	"ETag",
	"Last-Modified",
	"Vary",
	"Location",
}

// PreserveHeaders copies the headers worth replaying from cache. Cookies and
// hop-by-hop headers are never stored.
func PreserveHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for _, name := range preservedHeaders {
		if values := src.Values(name); len(values) > 0 {
			dst[http.CanonicalHeaderKey(name)] = append([]string(nil), values...)
		}
	}
	return dst
}
