package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adred-codev/stomp_poc/internal/monitoring"
	"github.com/eapache/queue"
	"github.com/rs/zerolog"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("actor pool closed")

// Task is a unit of work bound to one connection.
type Task func()

// actor is the pending work of one key. Only the worker that set running
// may pop from q.
type actor struct {
	q       *queue.Queue
	running bool
}

// ActorPool runs tasks on a fixed set of workers. Tasks sharing a key run
// one at a time in submission order; tasks of different keys run in
// parallel. At most queueSize tasks may be pending; Submit blocks while the
// pool is full.
type ActorPool struct {
	workers int
	slots   chan struct{}
	ready   chan int64

	mu     sync.Mutex
	actors map[int64]*actor

	done     chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
	wg       sync.WaitGroup

	executed atomic.Int64
	panics   atomic.Int64

	logger  zerolog.Logger
	metrics *monitoring.Metrics
}

// NewActorPool creates a pool. Call Start before submitting.
func NewActorPool(workers, queueSize int, logger zerolog.Logger, metrics *monitoring.Metrics) *ActorPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	p := &ActorPool{
		workers: workers,
		slots:   make(chan struct{}, queueSize),
		ready:   make(chan int64, queueSize),
		actors:  make(map[int64]*actor),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "actor_pool").Logger(),
		metrics: metrics,
	}
	if metrics != nil {
		metrics.WorkerQueueCapacity.Set(float64(queueSize))
	}
	return p
}

// Start launches the workers.
func (p *ActorPool) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info().
		Int("workers", p.workers).
		Int("queue_size", cap(p.slots)).
		Msg("Actor pool started")
}

// Submit queues task behind every earlier task of key. It blocks while the
// pool is full and fails if ctx ends or the pool stops first.
func (p *ActorPool) Submit(ctx context.Context, key int64, task Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}
	p.updateDepth()

	p.mu.Lock()
	a, ok := p.actors[key]
	if !ok {
		a = &actor{q: queue.New()}
		p.actors[key] = a
	}
	a.q.Add(task)
	schedule := !a.running
	a.running = true
	p.mu.Unlock()

	// ready can hold one entry per pending task, so this never blocks.
	if schedule {
		p.ready <- key
	}
	return nil
}

func (p *ActorPool) worker(id int) {
	defer p.wg.Done()
	defer monitoring.RecoverPanic(p.logger, "actorPool.worker", map[string]any{"worker_id": id})

	for {
		select {
		case <-p.done:
			return
		case key := <-p.ready:
			p.runNext(key)
		}
	}
}

// runNext runs the oldest task of key. If more are pending, key goes to
// the back of ready so other keys get the worker in between.
func (p *ActorPool) runNext(key int64) {
	p.mu.Lock()
	a := p.actors[key]
	if a == nil || a.q.Length() == 0 {
		if a != nil {
			a.running = false
			delete(p.actors, key)
		}
		p.mu.Unlock()
		return
	}
	task := a.q.Remove().(Task)
	p.mu.Unlock()

	p.run(key, task)
	<-p.slots
	p.updateDepth()

	p.mu.Lock()
	if a.q.Length() == 0 {
		a.running = false
		delete(p.actors, key)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	// Each pending task holds a slot, so ready has room for key.
	p.ready <- key
}

func (p *ActorPool) run(key int64, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			if p.metrics != nil {
				p.metrics.WorkerPanics.Inc()
			}
			monitoring.LogPanicValue(p.logger, r, "actorPool.task", map[string]any{"key": key})
		}
	}()
	task()
	p.executed.Add(1)
}

func (p *ActorPool) updateDepth() {
	if p.metrics != nil {
		p.metrics.WorkerQueueDepth.Set(float64(len(p.slots)))
	}
}

// Stop stops the workers after their current task. Pending tasks are
// discarded.
func (p *ActorPool) Stop() {
	p.stopOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
		p.wg.Wait()
		p.logger.Info().
			Int64("executed", p.executed.Load()).
			Int64("panics", p.panics.Load()).
			Msg("Actor pool stopped")
	})
}

// QueueDepth returns the number of pending tasks.
func (p *ActorPool) QueueDepth() int { return len(p.slots) }

// QueueCapacity returns the maximum number of pending tasks.
func (p *ActorPool) QueueCapacity() int { return cap(p.slots) }

// Executed returns the number of tasks completed.
func (p *ActorPool) Executed() int64 { return p.executed.Load() }
