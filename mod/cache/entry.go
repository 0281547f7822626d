package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const entryFormatVersion = 1

// Entry is one cached response
type Entry struct {
	// Key is the full cache key the entry was stored under
	Key string `json:"key"`

	// StatusCode is the HTTP status code of the cached response
	StatusCode int `json:"status_code"`

	// Header holds the preserved response headers
	Header http.Header `json:"header"`

	// Body is the response body, possibly encoded (see Encoding)
	Body []byte `json:"body"`

	// Encoding is the at-rest content encoding of Body ("", "gzip", "br")
	Encoding string `json:"encoding,omitempty"`

	// CachedAt is when the network response was captured
	CachedAt time.Time `json:"cached_at"`
}

// wireEntry is the versioned on-disk form
type wireEntry struct {
	Version int `json:"v"`
	*Entry
}

// Encode serializes an entry into its stored form
func (e *Entry) Encode() ([]byte, error) {
	return json.Marshal(wireEntry{Version: entryFormatVersion, Entry: e})
}

// DecodeEntry parses the stored form of an entry
func DecodeEntry(data []byte) (*Entry, error) {
	w := wireEntry{Entry: &Entry{}}
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	if w.Version != entryFormatVersion {
		return nil, fmt.Errorf("unsupported cache entry version %d", w.Version)
	}
	if w.Entry.CachedAt.IsZero() {
		return nil, errors.New("cache entry has no timestamp")
	}
	if w.Entry.Header == nil {
		w.Entry.Header = make(http.Header)
	}
	return w.Entry, nil
}

// ContentType returns the cached Content-Type header
func (e *Entry) ContentType() string {
	return e.Header.Get("Content-Type")
}

// Age returns how old the entry is at now
func (e *Entry) Age(now time.Time) time.Duration {
	age := now.Sub(e.CachedAt)
	if age < 0 {
		return 0
	}
	return age
}

// AgeMinutes returns the entry age in whole minutes
func (e *Entry) AgeMinutes(now time.Time) int {
	return int(e.Age(now) / time.Minute)
}

// IsFresh reports whether the entry is younger than window
func (e *Entry) IsFresh(now time.Time, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	return e.Age(now) < window
}

// Clone returns a deep copy so callers can annotate without touching the
// stored value
func (e *Entry) Clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	c.Body = append([]byte(nil), e.Body...)
	return &c
}
