package optimizer

import (
	"bytes"
	"context"
	"strings"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/minify/v2/json"
	"github.com/tdewolff/minify/v2/svg"
	"github.com/tdewolff/minify/v2/xml"
	"imuslab.com/offlinegw/mod/cache"
)

// MinifyConfig holds configuration for minification
type MinifyConfig struct {
	HTML bool
	CSS  bool
	JS   bool
	JSON bool
	SVG  bool
	XML  bool
}

// DefaultMinifyConfig returns the default minification configuration
func DefaultMinifyConfig() MinifyConfig {
	return MinifyConfig{
		HTML: true,
		CSS:  true,
		JS:   true,
		JSON: true,
		SVG:  true,
		XML:  false, // XML minification can be risky for some applications
	}
}

// NewMinifier creates a minifier with the specified configuration
func NewMinifier(config MinifyConfig) *minify.M {
	m := minify.New()

	if config.HTML {
		m.AddFunc("text/html", html.Minify)
	}

	if config.CSS {
		m.AddFunc("text/css", css.Minify)
	}

	if config.JS {
		m.AddFunc("text/javascript", js.Minify)
		m.AddFunc("application/javascript", js.Minify)
		m.AddFunc("application/x-javascript", js.Minify)
	}

	if config.JSON {
		m.AddFunc("application/json", json.Minify)
	}

	if config.SVG {
		m.AddFunc("image/svg+xml", svg.Minify)
	}

	if config.XML {
		m.AddFunc("application/xml", xml.Minify)
		m.AddFunc("text/xml", xml.Minify)
	}

	return m
}

// MinifyTransform creates a Transform that minifies text assets based on
// their content type. Encoded bodies are left alone.
func MinifyTransform(config MinifyConfig) Transform {
	minifier := NewMinifier(config)

	return func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		if entry.Encoding != "" && entry.Encoding != "identity" {
			return entry, nil
		}

		contentType := entry.ContentType()
		if contentType == "" {
			return entry, nil
		}

		// Extract media type (ignore charset and other parameters)
		mediaType := contentType
		if idx := strings.IndexByte(contentType, ';'); idx != -1 {
			mediaType = strings.TrimSpace(contentType[:idx])
		}

		if !shouldMinify(mediaType, config) {
			return entry, nil
		}

		var minified bytes.Buffer
		if err := minifier.Minify(mediaType, &minified, bytes.NewReader(entry.Body)); err != nil {
			// If minification fails, keep the original content
			return entry, nil
		}

		out := entry.Clone()
		out.Body = minified.Bytes()
		return out, nil
	}
}

// shouldMinify checks if a media type is enabled in config
func shouldMinify(mediaType string, config MinifyConfig) bool {
	ct := strings.ToLower(strings.TrimSpace(mediaType))
	if idx := strings.IndexByte(ct, ';'); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}

	switch ct {
	case "text/html":
		return config.HTML
	case "text/css":
		return config.CSS
	case "text/javascript", "application/javascript", "application/x-javascript":
		return config.JS
	case "application/json":
		return config.JSON
	case "image/svg+xml":
		return config.SVG
	case "application/xml", "text/xml":
		return config.XML
	}
	return false
}
