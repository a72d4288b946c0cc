package hub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Task is a work item for the fan-out pool.
type Task func()

// workerPool runs broadcast fan-out and observer callbacks on a fixed set of
// goroutines, bounding the concurrency of delivery to many sockets instead of
// spawning a goroutine per recipient.
type workerPool struct {
	workerCount int
	taskQueue   chan Task
	logger      zerolog.Logger
	wg          sync.WaitGroup

	stopMu   sync.RWMutex
	stopped  bool
	stopOnce sync.Once
}

func newWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		taskQueue:   make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

func (wp *workerPool) start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker()
	}
}

// worker drains the queue until it is closed, so tasks accepted before stop
// always run.
func (wp *workerPool) worker() {
	defer wp.wg.Done()
	for task := range wp.taskQueue {
		wp.run(task)
	}
}

func (wp *workerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().Interface("panic", r).Msg("Worker task panicked")
		}
	}()
	task()
}

// submit queues a task, executing inline when the queue is full or the pool
// has stopped, so callers are never silently dropped.
func (wp *workerPool) submit(task Task) {
	wp.stopMu.RLock()
	if wp.stopped {
		wp.stopMu.RUnlock()
		wp.run(task)
		return
	}
	select {
	case wp.taskQueue <- task:
		wp.stopMu.RUnlock()
	default:
		wp.stopMu.RUnlock()
		wp.run(task)
	}
}

// stop closes the queue and waits for workers to finish the backlog.
func (wp *workerPool) stop() {
	wp.stopOnce.Do(func() {
		wp.stopMu.Lock()
		wp.stopped = true
		close(wp.taskQueue)
		wp.stopMu.Unlock()
	})
	wp.wg.Wait()
}
