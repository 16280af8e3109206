package util

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Task represents a unit of work to be executed
type Task func()

// WorkerPool executes message-handling tasks on a bounded set of
// goroutines so slow handlers cannot stall the receive loop or the
// protocol timers.
type WorkerPool struct {
	logger     *logrus.Logger
	maxWorkers int32
	workers    int32
	taskQueue  chan Task
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc

	submitted int64
	completed int64
	dropped   int64
}

// PoolStats tracks pool activity counters.
type PoolStats struct {
	Submitted int64
	Completed int64
	Dropped   int64
	Workers   int32
	Queued    int32
}

// NewWorkerPool creates a worker pool. maxWorkers <= 0 defaults to
// runtime.NumCPU(), queueSize <= 0 to ten tasks per worker.
func NewWorkerPool(logger *logrus.Logger, maxWorkers, queueSize int) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = maxWorkers * 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		logger:     logger,
		maxWorkers: int32(maxWorkers),
		taskQueue:  make(chan Task, queueSize),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < maxWorkers; i++ {
		pool.addWorker()
	}
	return pool
}

// Submit adds a task to the pool. It returns false when the queue is full
// or the pool is shutting down; the caller logs and drops the work.
func (p *WorkerPool) Submit(task Task) bool {
	if task == nil {
		return false
	}
	select {
	case p.taskQueue <- task:
		atomic.AddInt64(&p.submitted, 1)
		return true
	case <-p.ctx.Done():
		atomic.AddInt64(&p.dropped, 1)
		return false
	default:
		atomic.AddInt64(&p.dropped, 1)
		return false
	}
}

func (p *WorkerPool) addWorker() {
	atomic.AddInt32(&p.workers, 1)
	p.wg.Add(1)
	go p.worker()
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	defer atomic.AddInt32(&p.workers, -1)

	for {
		select {
		case task := <-p.taskQueue:
			if task == nil {
				continue
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						p.logger.WithField("panic", r).Error("Recovered from panic in worker task")
					}
					atomic.AddInt64(&p.completed, 1)
				}()
				task()
			}()
		case <-p.ctx.Done():
			return
		}
	}
}

// Stats returns current pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Dropped:   atomic.LoadInt64(&p.dropped),
		Workers:   atomic.LoadInt32(&p.workers),
		Queued:    int32(len(p.taskQueue)),
	}
}

// Shutdown stops the workers, waiting up to timeout for in-flight tasks.
// Safe to call more than once.
func (p *WorkerPool) Shutdown(timeout time.Duration) {
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("Worker pool shutdown timed out with tasks still running")
	}
}
