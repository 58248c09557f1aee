// Package workerpool runs submitted jobs on a fixed set of goroutines.
package workerpool

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/anime-shed/image-orchestrator/internal/logger"
)

// Stats is a snapshot of pool activity
type Stats struct {
	Workers       int   `json:"workers"`
	TotalJobs     int64 `json:"total_jobs"`
	CompletedJobs int64 `json:"completed_jobs"`
	ActiveWorkers int64 `json:"active_workers"`
}

// WorkerPool manages concurrent background jobs
type WorkerPool struct {
	workers   int
	jobQueue  chan func()
	jobs      sync.WaitGroup
	running   sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool

	totalJobs     atomic.Int64
	completedJobs atomic.Int64
	activeWorkers atomic.Int64
}

// NewWorkerPool creates a new worker pool with the specified number of workers
func NewWorkerPool(workers int) *WorkerPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	return &WorkerPool{
		workers:  workers,
		jobQueue: make(chan func(), workers*2),
	}
}

// Start launches the workers; later calls are no-ops
func (wp *WorkerPool) Start() {
	wp.startOnce.Do(func() {
		wp.running.Add(wp.workers)
		for i := 0; i < wp.workers; i++ {
			go wp.worker()
		}
	})
}

func (wp *WorkerPool) worker() {
	defer wp.running.Done()
	for job := range wp.jobQueue {
		wp.run(job)
	}
}

func (wp *WorkerPool) run(job func()) {
	wp.activeWorkers.Add(1)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("worker pool job panicked")
		}
		wp.activeWorkers.Add(-1)
		wp.completedJobs.Add(1)
		wp.jobs.Done()
	}()
	job()
}

// Submit queues a job, blocking while the queue is full. It reports false
// once the pool is closed.
func (wp *WorkerPool) Submit(job func()) bool {
	return wp.SubmitContext(context.Background(), job)
}

// SubmitContext is Submit that gives up when ctx is done
func (wp *WorkerPool) SubmitContext(ctx context.Context, job func()) bool {
	wp.Start()

	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.closed {
		return false
	}

	wp.jobs.Add(1)
	wp.totalJobs.Add(1)
	select {
	case wp.jobQueue <- job:
		return true
	case <-ctx.Done():
		wp.totalJobs.Add(-1)
		wp.jobs.Done()
		return false
	}
}

// Wait blocks until every accepted job has finished
func (wp *WorkerPool) Wait() {
	wp.jobs.Wait()
}

// Close stops accepting jobs, lets queued ones finish, and waits for the
// workers to exit
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.jobQueue)
		wp.mu.Unlock()
	})
	wp.running.Wait()
}

// GetStats returns current counters
func (wp *WorkerPool) GetStats() Stats {
	return Stats{
		Workers:       wp.workers,
		TotalJobs:     wp.totalJobs.Load(),
		CompletedJobs: wp.completedJobs.Load(),
		ActiveWorkers: wp.activeWorkers.Load(),
	}
}
