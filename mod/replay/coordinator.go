package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"imuslab.com/offlinegw/mod/offlinequeue"
)

/*
	Background replay coordinator

	Drains the offline submission queue in FIFO order whenever the
	upstream comes back or the periodic tick fires. Triggers are
	coalesced: at most one pass runs and at most one more is pending.
*/

var (
	ErrDrainInProgress = errors.New("drain pass already in progress")
	ErrReplayFailed    = errors.New("replay failed")
)

// Trigger reasons
const (
	ReasonConnectivity = "connectivity"
	ReasonTick         = "tick"
	ReasonStartup      = "startup"
	ReasonManual       = "manual"
)

// Queue is the part of the submission store the coordinator needs
type Queue interface {
	ListUnsynced(ctx context.Context) ([]*offlinequeue.Submission, error)
	MarkSynced(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string, cause error, rejected bool, maxAttempts int) (*offlinequeue.Submission, error)
}

// Forwarder sends one submission to the upstream and returns the status
type Forwarder interface {
	Forward(ctx context.Context, sub *offlinequeue.Submission) (int, error)
}

// Logger interface for coordinator logging
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

type Config struct {
	Queue     Queue
	Forwarder Forwarder

	// Schedule is the cron spec of the periodic tick
	Schedule string

	// Cron is an optional shared scheduler. When nil the coordinator owns one.
	Cron *cron.Cron

	// MaxAttempts dead-letters a submission after this many rejected
	// replays. 0 never dead-letters.
	MaxAttempts int

	// StuckThreshold is the attempt count from which a submission is
	// reported as stuck
	StuckThreshold int

	// MaxTickBackoff caps how many ticks are skipped after fruitless passes
	MaxTickBackoff int

	// ForwardTimeout bounds a single replay
	ForwardTimeout time.Duration

	// OnResult is called after every pass
	OnResult func(DrainResult)

	Logger Logger
}

func DefaultConfig() Config {
	return Config{
		Schedule:       "@every 30s",
		MaxAttempts:    20,
		StuckThreshold: 5,
		MaxTickBackoff: 32,
		ForwardTimeout: 30 * time.Second,
		Logger:         &defaultLogger{},
	}
}

// DrainResult summarises one pass
type DrainResult struct {
	Reason       string        `json:"reason"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Attempted    int           `json:"attempted"`
	Synced       int           `json:"synced"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	DeadLettered int           `json:"dead_lettered"`
	Stuck        int           `json:"stuck"`
}

type Coordinator struct {
	config  Config
	cron    *cron.Cron
	ownCron bool
	entryID cron.EntryID

	trigger chan string
	running atomic.Bool

	mu        sync.Mutex
	backoff   int
	skipTicks int
	last      *DrainResult

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewCoordinator(config Config) (*Coordinator, error) {
	if config.Queue == nil || config.Forwarder == nil {
		return nil, errors.New("replay coordinator requires a queue and a forwarder")
	}
	if config.Schedule == "" {
		config.Schedule = "@every 30s"
	}
	if config.StuckThreshold <= 0 {
		config.StuckThreshold = 5
	}
	if config.MaxTickBackoff <= 0 {
		config.MaxTickBackoff = 32
	}
	if config.ForwardTimeout <= 0 {
		config.ForwardTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &defaultLogger{}
	}

	c := &Coordinator{
		config:  config,
		cron:    config.Cron,
		trigger: make(chan string, 1),
	}
	if c.cron == nil {
		c.cron = cron.New(cron.WithLogger(cron.PrintfLogger(config.Logger)))
		c.ownCron = true
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Start registers the periodic tick and launches the drain loop
func (c *Coordinator) Start() error {
	id, err := c.cron.AddFunc(c.config.Schedule, c.tick)
	if err != nil {
		return fmt.Errorf("invalid replay schedule %q: %w", c.config.Schedule, err)
	}
	c.entryID = id
	if c.ownCron {
		c.cron.Start()
	}

	c.started = true
	c.wg.Add(1)
	go c.loop()
	c.config.Logger.Printf("Offline replay scheduled (%s)", c.config.Schedule)
	return nil
}

// Stop waits for the running pass to finish
func (c *Coordinator) Stop() {
	if !c.started {
		return
	}
	c.cron.Remove(c.entryID)
	if c.ownCron {
		<-c.cron.Stop().Done()
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
}

// Trigger asks for a drain pass. It returns false when a pass is already
// pending, in which case that pending pass covers this request too.
func (c *Coordinator) Trigger(reason string) bool {
	if reason != ReasonTick {
		c.resetBackoff()
	}
	select {
	case c.trigger <- reason:
		return true
	default:
		return false
	}
}

// LastResult returns the summary of the most recent pass
func (c *Coordinator) LastResult() (DrainResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return DrainResult{}, false
	}
	return *c.last, true
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	if c.skipTicks > 0 {
		c.skipTicks--
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Trigger(ReasonTick)
}

func (c *Coordinator) loop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case reason := <-c.trigger:
			if _, err := c.drain(c.ctx, reason); err != nil && !errors.Is(err, context.Canceled) {
				c.config.Logger.Printf("Offline replay pass failed: %v", err)
			}
		}
	}
}

// Drain runs one pass synchronously
func (c *Coordinator) Drain(ctx context.Context) (DrainResult, error) {
	return c.drain(ctx, ReasonManual)
}

func (c *Coordinator) drain(ctx context.Context, reason string) (DrainResult, error) {
	result := DrainResult{Reason: reason, StartedAt: time.Now()}
	if !c.running.CompareAndSwap(false, true) {
		return result, ErrDrainInProgress
	}
	defer c.running.Store(false)

	pending, err := c.config.Queue.ListUnsynced(ctx)
	if err != nil {
		return result, err
	}

	for _, sub := range pending {
		if ctx.Err() != nil {
			break
		}
		if sub.DeadLettered {
			result.Skipped++
			continue
		}
		c.replayOne(ctx, sub, &result)
	}

	result.Duration = time.Since(result.StartedAt)
	c.finish(result)
	return result, ctx.Err()
}

// replayOne forwards a submission and records the outcome. The forward runs
// detached from ctx so a shutdown never abandons a request halfway.
func (c *Coordinator) replayOne(ctx context.Context, sub *offlinequeue.Submission, result *DrainResult) {
	result.Attempted++

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.ForwardTimeout)
	status, err := c.config.Forwarder.Forward(fctx, sub)
	cancel()

	if err == nil && status >= 200 && status < 300 {
		if err := c.config.Queue.MarkSynced(context.WithoutCancel(ctx), sub.ID); err != nil {
			// delivered but not recorded, the next pass sends it again
			result.Failed++
			c.config.Logger.Printf("Replayed %s but could not mark it synced: %v", sub.ID, err)
			return
		}
		result.Synced++
		return
	}

	var cause error
	rejected := err == nil
	if err != nil {
		// the upstream never saw it, so this does not count towards dead-lettering
		cause = fmt.Errorf("%w: %v", ErrReplayFailed, err)
	} else {
		cause = fmt.Errorf("%w: upstream returned %d", ErrReplayFailed, status)
	}
	result.Failed++

	updated, rerr := c.config.Queue.RecordFailure(context.WithoutCancel(ctx), sub.ID, cause, rejected, c.config.MaxAttempts)
	if rerr != nil {
		c.config.Logger.Printf("Failed to record replay failure of %s: %v", sub.ID, rerr)
		return
	}
	c.config.Logger.Printf("Replay of %s %s (%s) failed, attempt %d: %v", sub.Method, sub.ResourcePath(), sub.ID, updated.Attempts, cause)

	if updated.DeadLettered {
		result.DeadLettered++
		c.config.Logger.Printf("Offline submission %s dead-lettered after %d rejections", sub.ID, updated.Rejections)
	}
	if updated.Attempts >= c.config.StuckThreshold {
		result.Stuck++
	}
}

func (c *Coordinator) finish(result DrainResult) {
	c.mu.Lock()
	switch {
	case result.Failed > 0 && result.Synced == 0:
		if c.backoff == 0 {
			c.backoff = 1
		} else {
			c.backoff *= 2
		}
		if c.backoff > c.config.MaxTickBackoff {
			c.backoff = c.config.MaxTickBackoff
		}
		c.skipTicks = c.backoff
	case result.Synced > 0 || result.Attempted == 0:
		c.backoff = 0
		c.skipTicks = 0
	}
	c.last = &result
	c.mu.Unlock()

	if result.Attempted > 0 {
		c.config.Logger.Printf("Offline replay (%s): %d attempted, %d synced, %d failed, %d dead-lettered",
			result.Reason, result.Attempted, result.Synced, result.Failed, result.DeadLettered)
	}
	if result.Stuck > 0 {
		c.config.Logger.Printf("%d offline submissions keep failing to replay", result.Stuck)
	}
	if c.config.OnResult != nil {
		c.config.OnResult(result)
	}
}

func (c *Coordinator) resetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff = 0
	c.skipTicks = 0
}

// SkippedTicks reports how many periodic ticks will be skipped
func (c *Coordinator) SkippedTicks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipTicks
}
