package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

const jobTimeout = 30 * time.Second

// Task is any detached side effect (notification, stats hook).
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

type job struct {
	id   string
	task Task
}

// Dispatcher runs detached tasks on a fixed pool of workers so slow or
// failing side effects never hold up the request that queued them.
type Dispatcher struct {
	queue  chan job
	log    zerolog.Logger
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(workers, queueSize int, log zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		queue: make(chan job, queueSize),
		log:   log,
	}
	d.wg.Add(workers)
	for range workers {
		go d.worker()
	}
	return d
}

// Submit queues a task without blocking. A full queue drops the task.
func (d *Dispatcher) Submit(task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}

	j := job{id: uuid.NewString(), task: task}
	select {
	case d.queue <- j:
		return nil
	default:
		d.log.Warn().Str("job", j.id).Str("task", task.Name).Msg("dispatcher queue full, dropping task")
		return ErrQueueFull
	}
}

// Close stops accepting work and waits for queued tasks to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.run(j)
	}
}

func (d *Dispatcher) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("job", j.id).Str("task", j.task.Name).Interface("panic", r).Msg("task panicked")
		}
	}()

	if err := j.task.Run(ctx); err != nil {
		d.log.Warn().Err(err).Str("job", j.id).Str("task", j.task.Name).Msg("task failed")
	}
}
