package gateway

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/armon/go-radix"
)

// RequestClass decides which caching policy applies to a request
type RequestClass int

const (
	ClassOther RequestClass = iota
	ClassStatic
	ClassAPI
	ClassNavigation
	ClassMutation
)

func (c RequestClass) String() string {
	switch c {
	case ClassStatic:
		return "static"
	case ClassAPI:
		return "api"
	case ClassNavigation:
		return "navigation"
	case ClassMutation:
		return "mutation"
	default:
		return "other"
	}
}

// ClassifierConfig holds the classification rules
type ClassifierConfig struct {
	// StaticManifest lists the offline shell. An entry ending in "/*"
	// covers every path below it.
	StaticManifest []string

	// StaticPatterns match static assets outside the manifest
	StaticPatterns []*regexp.Regexp

	// APIPatterns match cacheable read endpoints
	APIPatterns []*regexp.Regexp

	// MutationMethods are queued when the network is down
	MutationMethods []string
}

var (
	DefaultStaticPattern = regexp.MustCompile(`^/assets/.*\.(css|js|png|svg|woff2?|ico)$`)
	DefaultAPIPatterns   = []*regexp.Regexp{
		regexp.MustCompile(`^/api/resource/`),
		regexp.MustCompile(`^/api/method/`),
	}
)

func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		StaticManifest:  []string{"/offline.html"},
		StaticPatterns:  []*regexp.Regexp{DefaultStaticPattern},
		APIPatterns:     DefaultAPIPatterns,
		MutationMethods: []string{http.MethodPost, http.MethodPut},
	}
}

type manifestEntry struct {
	prefix bool
}

type Classifier struct {
	manifest       *radix.Tree
	staticPatterns []*regexp.Regexp
	apiPatterns    []*regexp.Regexp
	mutation       map[string]bool
}

func NewClassifier(config ClassifierConfig) *Classifier {
	c := &Classifier{
		manifest:       radix.New(),
		staticPatterns: config.StaticPatterns,
		apiPatterns:    config.APIPatterns,
		mutation:       make(map[string]bool),
	}

	for _, path := range config.StaticManifest {
		if base, ok := strings.CutSuffix(path, "/*"); ok {
			c.manifest.Insert(base+"/", manifestEntry{prefix: true})
			continue
		}
		c.manifest.Insert(path, manifestEntry{})
	}

	methods := config.MutationMethods
	if len(methods) == 0 {
		methods = []string{http.MethodPost, http.MethodPut}
	}
	for _, m := range methods {
		c.mutation[strings.ToUpper(m)] = true
	}
	return c
}

// Classify assigns a request to exactly one class
func (c *Classifier) Classify(r *http.Request) RequestClass {
	if c.mutation[r.Method] {
		return ClassMutation
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return ClassOther
	}

	path := r.URL.Path
	if c.InManifest(path) {
		return ClassStatic
	}
	for _, re := range c.staticPatterns {
		if re.MatchString(path) {
			return ClassStatic
		}
	}
	for _, re := range c.apiPatterns {
		if re.MatchString(path) {
			return ClassAPI
		}
	}
	if IsNavigation(r) {
		return ClassNavigation
	}
	return ClassOther
}

// InManifest reports whether path belongs to the offline shell
func (c *Classifier) InManifest(path string) bool {
	if _, ok := c.manifest.Get(path); ok {
		return true
	}
	_, v, ok := c.manifest.LongestPrefix(path)
	return ok && v.(manifestEntry).prefix
}

// ManifestPaths returns the exact manifest entries in lexical order.
// Prefix entries cannot be precached and are skipped.
func (c *Classifier) ManifestPaths() []string {
	var paths []string
	c.manifest.Walk(func(path string, v interface{}) bool {
		if !v.(manifestEntry).prefix {
			paths = append(paths, path)
		}
		return false
	})
	sort.Strings(paths)
	return paths
}

// IsNavigation reports whether r is a full page load
func IsNavigation(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}

	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		mediaType, _, _ := strings.Cut(part, ";")
		mediaType = strings.TrimSpace(mediaType)
		if mediaType == "" {
			continue
		}
		// the first listed type is the preferred one
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	return false
}
