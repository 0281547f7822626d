package optimizer

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"imuslab.com/offlinegw/mod/cache"
)

// CompressionType represents the at-rest encoding of a cached body
type CompressionType string

const (
	CompressionGzip   CompressionType = "gzip"
	CompressionBrotli CompressionType = "br"
	CompressionNone   CompressionType = ""
)

// CompressConfig holds configuration for compression
type CompressConfig struct {
	// Type specifies the compression algorithm to use
	Type CompressionType

	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int

	// MinSize is the minimum body size (in bytes) before compression is applied
	MinSize int
}

// DefaultBrotliConfig returns the default brotli compression configuration
func DefaultBrotliConfig() CompressConfig {
	return CompressConfig{
		Type:    CompressionBrotli,
		Level:   6,
		MinSize: 1024,
	}
}

// CompressTransform creates a Transform that compresses compressible bodies
// and records the encoding on the entry
func CompressTransform(config CompressConfig) Transform {
	return func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		if entry.Encoding != "" && entry.Encoding != "identity" {
			return entry, nil
		}
		if len(entry.Body) < config.MinSize || !IsCompressible(entry.ContentType()) {
			return entry, nil
		}

		var compressed bytes.Buffer
		switch config.Type {
		case CompressionGzip:
			w, err := gzip.NewWriterLevel(&compressed, config.Level)
			if err != nil {
				return nil, fmt.Errorf("failed to create gzip writer: %w", err)
			}
			if _, err := w.Write(entry.Body); err != nil {
				w.Close()
				return nil, fmt.Errorf("failed to compress with gzip: %w", err)
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("failed to compress with gzip: %w", err)
			}

		case CompressionBrotli:
			w := brotli.NewWriterLevel(&compressed, config.Level)
			if _, err := w.Write(entry.Body); err != nil {
				w.Close()
				return nil, fmt.Errorf("failed to compress with brotli: %w", err)
			}
			if err := w.Close(); err != nil {
				return nil, fmt.Errorf("failed to compress with brotli: %w", err)
			}

		default:
			return entry, nil
		}

		// Compression didn't help, keep it plain
		if compressed.Len() >= len(entry.Body) {
			return entry, nil
		}

		out := entry.Clone()
		out.Body = compressed.Bytes()
		out.Encoding = string(config.Type)
		return out, nil
	}
}

// GzipTransform creates a Transform that compresses with gzip
func GzipTransform(level int) Transform {
	return CompressTransform(CompressConfig{
		Type:    CompressionGzip,
		Level:   level,
		MinSize: 1024,
	})
}

// BrotliTransform creates a Transform that compresses with brotli
func BrotliTransform(level int) Transform {
	return CompressTransform(CompressConfig{
		Type:    CompressionBrotli,
		Level:   level,
		MinSize: 1024,
	})
}

// DecompressTransform creates a Transform that restores the identity body
func DecompressTransform() Transform {
	return func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		var reader io.Reader
		switch entry.Encoding {
		case "", "identity":
			return entry, nil
		case string(CompressionGzip):
			gz, err := gzip.NewReader(bytes.NewReader(entry.Body))
			if err != nil {
				return nil, fmt.Errorf("failed to create gzip reader: %w", err)
			}
			defer gz.Close()
			reader = gz
		case string(CompressionBrotli):
			reader = brotli.NewReader(bytes.NewReader(entry.Body))
		default:
			return nil, fmt.Errorf("unknown content encoding %q", entry.Encoding)
		}

		plain, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress: %w", err)
		}

		out := entry.Clone()
		out.Body = plain
		out.Encoding = ""
		return out, nil
	}
}

// AcceptsEncoding reports whether an Accept-Encoding header allows encoding
func AcceptsEncoding(acceptEncoding string, encoding string) bool {
	if encoding == "" {
		return true
	}
	for _, part := range strings.Split(acceptEncoding, ",") {
		token, params, _ := strings.Cut(part, ";")
		token = strings.TrimSpace(token)
		switch strings.ReplaceAll(params, " ", "") {
		case "q=0", "q=0.0", "q=0.00", "q=0.000":
			continue
		}
		if strings.EqualFold(token, encoding) || token == "*" {
			return true
		}
	}
	return false
}

// IsCompressible checks if a content type is typically compressible
func IsCompressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, prefix := range []string{
		"text/",
		"application/json",
		"application/javascript",
		"application/xml",
		"application/x-javascript",
		"application/xhtml+xml",
		"application/manifest+json",
		"image/svg+xml",
	} {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}
