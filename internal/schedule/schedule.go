// Package schedule runs background tasks on a bounded worker pool with
// at-least-once retries.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Task is one unit of background work.
type Task func(ctx context.Context) error

// Scheduler accepts tasks keyed by the entity they touch.
type Scheduler interface {
	// Schedule queues fn. A request whose key is already queued is coalesced
	// into the queued task; one whose key is running runs again once the
	// current run finishes.
	Schedule(name, key string, fn Task)
	// Wait blocks until every queued task has finished.
	Wait()
}

// Options configures a Pool.
type Options struct {
	Workers     int           // concurrent tasks, default 4
	MaxAttempts int           // attempts per task, default 3
	Backoff     time.Duration // delay unit between attempts, multiplied by the attempt number
}

// Stats counts task outcomes since the pool was created.
type Stats struct {
	Succeeded int64
	Failed    int64
	Coalesced int64
}

// Pool is a Scheduler backed by an errgroup with a concurrency limit.
// Task errors never cancel sibling tasks; a task that exhausts its attempts
// is logged and dropped.
type Pool struct {
	ctx    context.Context
	opts   Options
	logger *zap.Logger
	group  errgroup.Group

	mu    sync.Mutex
	tasks map[string]*slot

	succeeded atomic.Int64
	failed    atomic.Int64
	coalesced atomic.Int64
}

// slot tracks one scheduled key. again holds a request that arrived while
// the key was running.
type slot struct {
	running bool
	again   Task
}

// NewPool creates a Pool whose tasks run under ctx.
func NewPool(ctx context.Context, opts Options, logger *zap.Logger) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{ctx: ctx, opts: opts, logger: logger, tasks: make(map[string]*slot)}
	p.group.SetLimit(opts.Workers)
	return p
}

// Schedule queues fn. It blocks while all workers are busy, unless the key
// is already queued or running.
func (p *Pool) Schedule(name, key string, fn Task) {
	id := name + ":" + key
	p.mu.Lock()
	if sl, ok := p.tasks[id]; ok {
		if !sl.running || sl.again != nil {
			p.mu.Unlock()
			p.coalesced.Add(1)
			p.logger.Debug("task coalesced", zap.String("task", name), zap.String("key", key))
			return
		}
		sl.again = fn
		p.mu.Unlock()
		p.logger.Debug("task requeued", zap.String("task", name), zap.String("key", key))
		return
	}
	sl := &slot{}
	p.tasks[id] = sl
	p.mu.Unlock()

	p.group.Go(func() error {
		for {
			p.mu.Lock()
			sl.running = true
			p.mu.Unlock()

			p.run(uuid.NewString(), name, key, fn)

			p.mu.Lock()
			if sl.again == nil {
				delete(p.tasks, id)
				p.mu.Unlock()
				return nil
			}
			fn, sl.again = sl.again, nil
			p.mu.Unlock()
		}
	})
}

func (p *Pool) run(taskID, name, key string, fn Task) {
	log := p.logger.With(zap.String("task_id", taskID), zap.String("task", name), zap.String("key", key))

	var err error
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-p.ctx.Done():
				p.failed.Add(1)
				log.Warn("task abandoned", zap.Error(p.ctx.Err()))
				return
			case <-time.After(time.Duration(attempt-1) * p.opts.Backoff):
			}
		}
		if err = fn(p.ctx); err == nil {
			p.succeeded.Add(1)
			log.Debug("task done", zap.Int("attempt", attempt))
			return
		}
		log.Warn("task attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	p.failed.Add(1)
	log.Error("task failed", zap.Int("attempts", p.opts.MaxAttempts), zap.Error(err))
}

// Wait blocks until every queued task has finished.
func (p *Pool) Wait() {
	_ = p.group.Wait()
}

// Stats returns the outcome counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Coalesced: p.coalesced.Load(),
	}
}
