package offlinequeue

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Submission is a write request captured while the upstream was unreachable
type Submission struct {
	ID        string      `json:"id"`
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Header    http.Header `json:"header,omitempty"`
	Body      []byte      `json:"body,omitempty"`
	CreatedAt time.Time   `json:"created_at"`

	// Seq is the persisted creation order
	Seq uint64 `json:"seq"`

	Synced   bool       `json:"synced"`
	SyncedAt *time.Time `json:"synced_at,omitempty"`

	// Replay bookkeeping
	Attempts      int        `json:"attempts"`
	Rejections    int        `json:"rejections"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	DeadLettered  bool       `json:"dead_lettered"`
}

// NewID returns "<unix millis>-<random suffix>"
func NewID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// ResourcePath returns the URL path the submission targets
func (s *Submission) ResourcePath() string {
	u, err := url.Parse(s.URL)
	if err != nil {
		return s.URL
	}
	return u.Path
}

// IsPending reports whether the submission still waits for replay
func (s *Submission) IsPending() bool {
	return !s.Synced && !s.DeadLettered
}

// before orders submissions by sequence. Records without a sequence fall
// back to creation time, then id.
func (s *Submission) before(other *Submission) bool {
	if s.Seq != 0 && other.Seq != 0 {
		if s.Seq != other.Seq {
			return s.Seq < other.Seq
		}
		return s.ID < other.ID
	}
	if !s.CreatedAt.Equal(other.CreatedAt) {
		return s.CreatedAt.Before(other.CreatedAt)
	}
	if s.Seq != other.Seq {
		return s.Seq < other.Seq
	}
	return s.ID < other.ID
}
