package cacheworker

import (
	"context"
	"log"
	"sync"
	"time"

	"imuslab.com/offlinegw/mod/gateway"
)

// Worker optimises freshly cached static assets in the background
type Worker struct {
	queue       chan gateway.OptimizationJob
	workerCount int
	jobTimeout  time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      Logger

	mu      sync.Mutex
	stopped bool
}

// Logger interface for worker logging
type Logger interface {
	Printf(format string, v ...interface{})
	Println(v ...interface{})
}

type defaultLogger struct{}

func (dl *defaultLogger) Printf(format string, v ...interface{}) {
	log.Printf(format, v...)
}

func (dl *defaultLogger) Println(v ...interface{}) {
	log.Println(v...)
}

// Config holds worker configuration
type Config struct {
	// QueueSize is the size of the job queue
	QueueSize int

	// WorkerCount is the number of concurrent workers
	WorkerCount int

	// JobTimeout bounds a single optimisation
	JobTimeout time.Duration

	Logger Logger
}

// DefaultConfig returns default worker configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:   256,
		WorkerCount: 2,
		JobTimeout:  30 * time.Second,
		Logger:      &defaultLogger{},
	}
}

// NewWorker creates a new background worker
func NewWorker(config Config) *Worker {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 2
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &defaultLogger{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:       make(chan gateway.OptimizationJob, config.QueueSize),
		workerCount: config.WorkerCount,
		jobTimeout:  config.JobTimeout,
		ctx:         ctx,
		cancel:      cancel,
		logger:      config.Logger,
	}
}

// Start starts the worker pool
func (w *Worker) Start() {
	w.logger.Printf("Starting %d asset optimization workers", w.workerCount)
	for i := 0; i < w.workerCount; i++ {
		w.wg.Add(1)
		go w.processJobs(i)
	}
}

// Stop stops the worker pool. Queued jobs are dropped.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	w.logger.Println("Asset optimization workers stopped")
}

// Enqueue adds a job to the queue (implements gateway.JobQueue)
func (w *Worker) Enqueue(job gateway.OptimizationJob) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}

	select {
	case w.queue <- job:
	default:
		// Queue is full, the raw asset stays cached
		w.logger.Println("Optimization queue is full, dropping job for key:", job.Key)
	}
	return nil
}

func (w *Worker) processJobs(workerID int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.queue:
			w.processJob(workerID, job)
		}
	}
}

// processJob rewrites one cached entry through the pipeline
func (w *Worker) processJob(workerID int, job gateway.OptimizationJob) {
	ctx, cancel := context.WithTimeout(w.ctx, w.jobTimeout)
	defer cancel()

	entry, found, err := job.Store.Get(ctx, job.Key)
	if err != nil {
		w.logger.Printf("Worker %d: Failed to get cached asset %s: %v", workerID, job.Key, err)
		return
	}
	if !found {
		// purged or invalidated in the meantime
		return
	}
	if entry.Encoding != "" {
		return
	}

	optimized, err := job.Pipeline.Apply(ctx, entry)
	if err != nil {
		w.logger.Printf("Worker %d: Failed to optimize %s: %v", workerID, job.Key, err)
		return
	}

	if err := job.Store.Put(ctx, job.Key, optimized); err != nil {
		w.logger.Printf("Worker %d: Failed to store optimized asset %s: %v", workerID, job.Key, err)
		return
	}

	w.logger.Printf("Worker %d: Optimized %s (original: %d bytes, optimized: %d bytes)",
		workerID, job.Key, len(entry.Body), len(optimized.Body))
}

// GetQueueSize returns the current queue size
func (w *Worker) GetQueueSize() int {
	return len(w.queue)
}

// GetQueueCapacity returns the queue capacity
func (w *Worker) GetQueueCapacity() int {
	return cap(w.queue)
}
