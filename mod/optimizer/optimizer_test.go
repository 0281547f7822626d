package optimizer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"imuslab.com/offlinegw/mod/cache"
)

func entryOf(contentType string, body string) *cache.Entry {
	return &cache.Entry{
		Key:        "v1|GET|/assets/x|",
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       []byte(body),
		CachedAt:   time.Now(),
	}
}

func TestPipeline_Apply(t *testing.T) {
	// Create a simple transform that prefixes content
	prefixTransform := func(prefix string) Transform {
		return func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
			out := entry.Clone()
			out.Body = append([]byte(prefix), entry.Body...)
			return out, nil
		}
	}

	pipeline := NewPipeline(
		prefixTransform("A:"),
		prefixTransform("B:"),
	)

	input := entryOf("text/plain", "test")
	result, err := pipeline.Apply(context.Background(), input)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	expected := "B:A:test"
	if string(result.Body) != expected {
		t.Errorf("Expected %s, got %s", expected, string(result.Body))
	}
	if string(input.Body) != "test" {
		t.Errorf("Expected input to be untouched, got %s", input.Body)
	}
}

func TestPipeline_EmptyAndNil(t *testing.T) {
	input := entryOf("text/plain", "test")

	result, err := NewPipeline().Apply(context.Background(), input)
	if err != nil || result != input {
		t.Fatalf("Expected empty pipeline to return input, got %v %v", result, err)
	}

	var nilPipeline *Pipeline
	result, err = nilPipeline.Apply(context.Background(), input)
	if err != nil || result != input {
		t.Fatalf("Expected nil pipeline to return input, got %v %v", result, err)
	}
	if nilPipeline.Len() != 0 {
		t.Errorf("Expected nil pipeline length 0")
	}
}

func TestPipeline_ContextCancellation(t *testing.T) {
	called := false
	pipeline := NewPipeline(func(ctx context.Context, entry *cache.Entry) (*cache.Entry, error) {
		called = true
		return entry, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := pipeline.Apply(ctx, entryOf("text/plain", "x"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected Canceled, got %v", err)
	}
	if called {
		t.Error("Expected no transform to run after cancellation")
	}
}

func TestCompressRoundTrip(t *testing.T) {
	body := strings.Repeat(".card { color: #333; margin: 0 auto; }\n", 200)

	for _, typ := range []CompressionType{CompressionBrotli, CompressionGzip} {
		t.Run(string(typ), func(t *testing.T) {
			pipeline := NewPipeline(CompressTransform(CompressConfig{Type: typ, Level: 5, MinSize: 64}))
			compressed, err := pipeline.Apply(context.Background(), entryOf("text/css", body))
			if err != nil {
				t.Fatalf("compress failed: %v", err)
			}
			if compressed.Encoding != string(typ) {
				t.Fatalf("Expected encoding %s, got %q", typ, compressed.Encoding)
			}
			if len(compressed.Body) >= len(body) {
				t.Errorf("Expected smaller body, got %d >= %d", len(compressed.Body), len(body))
			}

			plain, err := DecompressTransform()(context.Background(), compressed)
			if err != nil {
				t.Fatalf("decompress failed: %v", err)
			}
			if string(plain.Body) != body || plain.Encoding != "" {
				t.Error("Expected round trip to restore the body")
			}
		})
	}
}

func TestCompressSkips(t *testing.T) {
	transform := BrotliTransform(5)

	small := entryOf("text/css", "a{}")
	if out, _ := transform(context.Background(), small); out.Encoding != "" {
		t.Error("Expected small bodies to stay plain")
	}

	png := entryOf("image/png", strings.Repeat("x", 4096))
	if out, _ := transform(context.Background(), png); out.Encoding != "" {
		t.Error("Expected binary content types to stay plain")
	}
}

func TestAcceptsEncoding(t *testing.T) {
	tests := []struct {
		header   string
		encoding string
		want     bool
	}{
		{"gzip, deflate, br", "br", true},
		{"gzip", "br", false},
		{"br;q=0, gzip", "br", false},
		{"br;q=0.5", "br", true},
		{"*", "gzip", true},
		{"", "", true},
		{"", "gzip", false},
	}
	for _, tt := range tests {
		if got := AcceptsEncoding(tt.header, tt.encoding); got != tt.want {
			t.Errorf("AcceptsEncoding(%q, %q) = %v, want %v", tt.header, tt.encoding, got, tt.want)
		}
	}
}
