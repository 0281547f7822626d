package cacheworker

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"imuslab.com/offlinegw/mod/cache"
	"imuslab.com/offlinegw/mod/gateway"
	"imuslab.com/offlinegw/mod/optimizer"
)

type quietLogger struct{}

func (quietLogger) Printf(string, ...interface{}) {}
func (quietLogger) Println(...interface{})        {}

func TestWorker_OptimizesCachedAsset(t *testing.T) {
	store := cache.NewMemoryStore(cache.MemoryStoreConfig{})
	defer store.Close()
	ctx := context.Background()

	css := strings.Repeat(".toolbar {\n    padding: 0px;\n}\n", 200)
	key := "v1|GET|/assets/desk.css|"
	require.NoError(t, store.Put(ctx, key, &cache.Entry{
		Key:        key,
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/css"}},
		Body:       []byte(css),
		CachedAt:   time.Now(),
	}))

	w := NewWorker(Config{WorkerCount: 1, Logger: quietLogger{}})
	w.Start()
	defer w.Stop()

	pipeline := optimizer.NewPipeline(optimizer.MinifyTransform(optimizer.DefaultMinifyConfig()))
	require.NoError(t, w.Enqueue(gateway.OptimizationJob{Key: key, Store: store, Pipeline: pipeline}))

	require.Eventually(t, func() bool {
		entry, found, _ := store.Get(ctx, key)
		return found && len(entry.Body) < len(css)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w := NewWorker(Config{Logger: quietLogger{}})
	w.Start()
	w.Stop()
	w.Stop()

	// jobs after stop are ignored
	assert.NoError(t, w.Enqueue(gateway.OptimizationJob{Key: "k"}))
	assert.Equal(t, 256, w.GetQueueCapacity())
}
