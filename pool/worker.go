package pool

import (
	"errors"
	"sync"
	"time"
)

// ErrWorkerPoolExiting signals that a shutdown of the Worker has been
// requested.
var ErrWorkerPoolExiting = errors.New("worker pool exiting")

// DefaultWorkerTimeout is the default duration after which a worker goroutine
// will exit to free up resources after having received no newly submitted
// tasks.
const DefaultWorkerTimeout = 90 * time.Second

type (
	// WorkerConfig parameterizes the behavior of a Worker pool.
	WorkerConfig struct {
		// NumWorkers is the maximum number of concurrent tasks the
		// pool will run. Once the maximum is reached, Submit blocks
		// until a running task finishes and its worker becomes free.
		NumWorkers int

		// WorkerTimeout is the duration after which an idle worker
		// goroutine will exit after having received no newly submitted
		// tasks.
		WorkerTimeout time.Duration
	}

	// Worker maintains a bounded pool of goroutines running submitted
	// task closures. Workers are spawned lazily up to NumWorkers and
	// retired after sitting idle for WorkerTimeout, so a crawl that has
	// wound down to a few slow peers is not holding a full complement of
	// goroutines.
	Worker struct {
		started sync.Once
		stopped sync.Once

		cfg *WorkerConfig

		// requests is a channel where new tasks are submitted. Tasks
		// submitted through this channel may cause a new worker
		// goroutine to be allocated.
		requests chan func()

		// work is a channel where new tasks are submitted, but is only
		// read by active worker goroutines.
		work chan func()

		// workerSem is a channel-based semaphore that is used to limit
		// the total number of worker goroutines to the number
		// prescribed by the WorkerConfig.
		workerSem chan struct{}

		wg   sync.WaitGroup
		quit chan struct{}
	}
)

// NewWorker initializes a new Worker pool using the provided WorkerConfig.
func NewWorker(cfg *WorkerConfig) *Worker {
	return &Worker{
		cfg:       cfg,
		requests:  make(chan func()),
		workerSem: make(chan struct{}, cfg.NumWorkers),
		work:      make(chan func()),
		quit:      make(chan struct{}),
	}
}

// Start safely spins up the Worker pool.
func (w *Worker) Start() error {
	w.started.Do(func() {
		w.wg.Add(1)
		go w.requestHandler()
	})
	return nil
}

// Stop safely shuts down the Worker pool. Tasks already handed to a worker
// run to completion; tasks blocked in Submit fail with
// ErrWorkerPoolExiting.
func (w *Worker) Stop() error {
	w.stopped.Do(func() {
		close(w.quit)
		w.wg.Wait()
	})
	return nil
}

// Submit hands a task closure to the worker pool, blocking until a worker
// accepts it. The task runs asynchronously; any result it produces must
// travel through state the closure itself captures. The only error returned
// is ErrWorkerPoolExiting when a shutdown is requested, making the blocking
// send the pool's sole admission control.
func (w *Worker) Submit(fn func()) error {
	select {

	// Send request to requestHandler, where either a new worker is
	// spawned or the task will be handed to an existing worker.
	case w.requests <- fn:
		return nil

	// Fast path directly to existing worker.
	case w.work <- fn:
		return nil

	case <-w.quit:
		return ErrWorkerPoolExiting
	}
}

// requestHandler processes incoming tasks by either allocating new worker
// goroutines to process the incoming tasks, or by feeding a submitted task
// to an already running worker goroutine.
func (w *Worker) requestHandler() {
	defer w.wg.Done()

	for {
		select {
		case fn := <-w.requests:
			select {

			// If we have not reached our maximum number of
			// workers, spawn one to process the submitted task.
			case w.workerSem <- struct{}{}:
				w.wg.Add(1)
				go w.spawnWorker(fn)

			// Otherwise, submit the task to any of the active
			// workers.
			case w.work <- fn:

			case <-w.quit:
				return
			}

		case <-w.quit:
			return
		}
	}
}

// spawnWorker runs the initial task and then keeps serving the work channel
// until the pool shuts down or no new tasks arrive before the worker's
// timeout elapses.
//
// NOTE: This method MUST be run as a goroutine.
func (w *Worker) spawnWorker(fn func()) {
	defer w.wg.Done()
	defer func() { <-w.workerSem }()

	fn()

	// We'll use a timer to implement the worker timeouts, as this reduces
	// the number of total allocations that would otherwise be necessary
	// with time.After.
	var t *time.Timer
	for {
		select {

		// Process any new tasks that get submitted. We use a
		// non-blocking case first so that under high load we can
		// spare allocating a timeout.
		case fn := <-w.work:
			fn()
			continue

		case <-w.quit:
			return

		default:
		}

		// There was no new task to take immediately from the work
		// channel. Initialize or reset the timeout, which will fire
		// if the worker doesn't receive a new task before needing to
		// exit.
		if t != nil {
			t.Reset(w.cfg.WorkerTimeout)
		} else {
			t = time.NewTimer(w.cfg.WorkerTimeout)
		}

		select {

		// Process any new tasks that get submitted.
		case fn := <-w.work:
			fn()

			// Stop the timer, draining the timer's channel if a
			// notification was already delivered.
			if !t.Stop() {
				<-t.C
			}

		// The timeout has elapsed, meaning the worker did not receive
		// any new tasks. Exit to allow the worker to return and free
		// its resources.
		case <-t.C:
			return

		case <-w.quit:
			return
		}
	}
}
