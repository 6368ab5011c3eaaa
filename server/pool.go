package server

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrInvalidPoolSize = errors.New("worker pool size must be greater than zero")
	ErrPoolClosed      = errors.New("worker pool is shut down")
)

// Job is one unit of work run by exactly one worker.
type Job func()

type PoolStats struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
	Queued  int `json:"queued"`
}

// message is either a job or, when job is nil, a terminate marker.
type message struct {
	job Job
}

// jobQueue is the only state shared between workers and submitters.
type jobQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []message
	closed bool
	active int
}

func newJobQueue() *jobQueue {
	q := &jobQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *jobQueue) push(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrPoolClosed
	}
	q.items = append(q.items, message{job: job})
	q.cond.Signal()
	return nil
}

// pop blocks until a message is available.
func (q *jobQueue) pop() message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	m := q.items[0]
	q.items[0] = message{}
	q.items = q.items[1:]
	if m.job != nil {
		q.active++
	}
	return m
}

func (q *jobQueue) done() {
	q.mu.Lock()
	q.active--
	q.mu.Unlock()
}

// WorkerPool runs jobs on a fixed set of goroutines fed from one FIFO queue.
type WorkerPool struct {
	queue   *jobQueue
	workers []*worker
	log     *zap.Logger

	shutdownOnce sync.Once
}

type worker struct {
	id   int
	done chan struct{}
}

type PoolOption func(*WorkerPool)

func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *WorkerPool) {
		p.log = l
	}
}

// NewWorkerPool starts size workers. size must be positive.
func NewWorkerPool(size int, opts ...PoolOption) (*WorkerPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidPoolSize, size)
	}

	p := &WorkerPool{
		queue:   newJobQueue(),
		workers: make([]*worker, 0, size),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < size; i++ {
		w := &worker{id: i, done: make(chan struct{})}
		p.workers = append(p.workers, w)
		go p.run(w)
	}

	return p, nil
}

func (p *WorkerPool) run(w *worker) {
	defer close(w.done)
	for {
		m := p.queue.pop()
		if m.job == nil {
			p.log.Debug("worker terminating", zap.Int("worker", w.id))
			return
		}
		p.runJob(w, m.job)
		p.queue.done()
	}
}

func (p *WorkerPool) runJob(w *worker, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job panicked", zap.Int("worker", w.id), zap.Any("panic", r))
		}
	}()
	job()
}

// Execute queues job for the next free worker. It never waits for a worker.
func (p *WorkerPool) Execute(job Job) error {
	if job == nil {
		return nil
	}
	return p.queue.push(job)
}

// Executor is a submission handle bound to a pool's queue. It can be handed to
// another goroutine in place of the pool itself.
type Executor struct {
	queue *jobQueue
}

func (p *WorkerPool) Executor() Executor {
	return Executor{queue: p.queue}
}

func (e Executor) Execute(job Job) error {
	if job == nil {
		return nil
	}
	return e.queue.push(job)
}

// Shutdown stops accepting jobs, queues one terminate marker per worker and
// waits for every worker in order. Jobs queued before Shutdown still run.
func (p *WorkerPool) Shutdown() {
	p.shutdownOnce.Do(func() {
		q := p.queue
		q.mu.Lock()
		q.closed = true
		for range p.workers {
			q.items = append(q.items, message{})
		}
		q.cond.Broadcast()
		q.mu.Unlock()

		for _, w := range p.workers {
			<-w.done
		}
		p.log.Debug("worker pool shut down", zap.Int("workers", len(p.workers)))
	})
}

func (p *WorkerPool) Size() int { return len(p.workers) }

func (p *WorkerPool) Stats() PoolStats {
	stats := PoolStats{}
	if p == nil {
		return stats
	}

	p.queue.mu.Lock()
	defer p.queue.mu.Unlock()

	stats.Workers = len(p.workers)
	stats.Active = p.queue.active
	for _, m := range p.queue.items {
		if m.job != nil {
			stats.Queued++
		}
	}
	return stats
}
