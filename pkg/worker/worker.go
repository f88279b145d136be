package worker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
)

var (
	ErrTerminated = errors.New("workers terminated")
	ErrNoHandler  = errors.New("worker handler is not set")
)

// WorkerHandler runs one job on the worker with the given index.
type WorkerHandler[T any] func(workerIndex int, job T)

// WorkerManager distributes jobs of type T over a fixed set of goroutines
// until Exit is called. A jobs channel passed in by the caller is never
// closed by the manager.
type WorkerManager[T any] struct {
	jobs    chan T
	workers int
	do      WorkerHandler[T]
	onPanic func(err error)

	quit     chan struct{}
	quitOnce sync.Once
	running  sync.WaitGroup
}

func NewWorkerManager[T any](bufferSize, workers int, jobs chan T) *WorkerManager[T] {
	if jobs == nil {
		jobs = make(chan T, bufferSize)
	}
	return &WorkerManager[T]{
		jobs:    jobs,
		workers: max(workers, 1),
		quit:    make(chan struct{}),
		onPanic: func(err error) {
			logger.Error("worker job failed", "error", err)
		},
	}
}

func (w *WorkerManager[T]) GetUnreadCount() int64 {
	return int64(len(w.jobs))
}

func (w *WorkerManager[T]) Size() int {
	return w.workers
}

func (w *WorkerManager[T]) SetWorker(fn WorkerHandler[T]) {
	w.do = fn
}

// SetErrorHandler receives panics recovered from the worker handler.
func (w *WorkerManager[T]) SetErrorHandler(fn func(err error)) {
	if fn != nil {
		w.onPanic = fn
	}
}

// Enqueue blocks while the buffer is full. It reports false once the manager
// exits.
func (w *WorkerManager[T]) Enqueue(job T) bool {
	select {
	case w.jobs <- job:
		return true
	case <-w.quit:
		return false
	}
}

// TryEnqueue publishes a job only if the buffer has room.
func (w *WorkerManager[T]) TryEnqueue(job T) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

// Start runs the workers and blocks until Exit is called and every running
// job returned.
func (w *WorkerManager[T]) Start() error {
	if w.do == nil {
		return ErrNoHandler
	}

	w.running.Add(w.workers)
	for i := range w.workers {
		go w.loop(i)
	}
	w.running.Wait()

	return ErrTerminated
}

func (w *WorkerManager[T]) loop(index int) {
	defer w.running.Done()
	for {
		select {
		case <-w.quit:
			return
		case job := <-w.jobs:
			w.run(index, job)
		}
	}
}

func (w *WorkerManager[T]) run(index int, job T) {
	defer func() {
		if r := recover(); r != nil {
			w.onPanic(fmt.Errorf("worker %d panicked: %v", index, r))
		}
	}()
	w.do(index, job)
}

// Exit stops every worker after its current job. Safe to call more than once.
func (w *WorkerManager[T]) Exit() {
	w.quitOnce.Do(func() {
		logger.Debug("Worker manager exiting", "workers", w.workers)
		close(w.quit)
	})
}
