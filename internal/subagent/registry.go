package subagent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle of a background task.
type TaskStatus string

const (
	StatusRunning   TaskStatus = "Running"
	StatusCompleted TaskStatus = "Completed"
	StatusFailed    TaskStatus = "Failed"
)

// ErrTaskStopped is recorded for tasks cancelled through Stop.
var ErrTaskStopped = errors.New("task stopped")

// Entry is a snapshot of a background task.
type Entry struct {
	ID         string     `json:"id"`
	Prompt     string     `json:"prompt"`
	Status     TaskStatus `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// BackgroundWorker is the body of a detached task.
type BackgroundWorker func(ctx context.Context) (string, error)

type registryEntry struct {
	entry   Entry
	cancel  context.CancelFunc
	stopped bool
}

// Registry tracks detached long-running tasks. A single mutex guards the
// map; workers never hold it while running.
type Registry struct {
	mu      sync.Mutex
	tasks   map[string]*registryEntry
	wg      sync.WaitGroup
	onDone  func(Entry)
	baseCtx context.Context
	now     func() time.Time
}

// NewRegistry creates a registry. Workers inherit ctx.
func NewRegistry(ctx context.Context) *Registry {
	return &Registry{
		tasks:   make(map[string]*registryEntry),
		baseCtx: ctx,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnFinish registers fn to run after each task reaches a final state.
func (r *Registry) OnFinish(fn func(Entry)) {
	r.mu.Lock()
	r.onDone = fn
	r.mu.Unlock()
}

// Submit starts worker detached and returns its id.
func (r *Registry) Submit(prompt string, worker BackgroundWorker) string {
	id := uuid.Must(uuid.NewV7()).String()
	ctx, cancel := context.WithCancel(r.baseCtx)

	r.mu.Lock()
	r.tasks[id] = &registryEntry{
		entry:  Entry{ID: id, Prompt: prompt, Status: StatusRunning, StartedAt: r.now()},
		cancel: cancel,
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		output, err := worker(ctx)
		r.finish(id, output, err)
	}()
	return id
}

func (r *Registry) finish(id, output string, err error) {
	finished := r.now()

	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if e.stopped && err != nil {
		err = ErrTaskStopped
	}
	if err != nil {
		e.entry.Status = StatusFailed
		e.entry.Error = err.Error()
	} else {
		e.entry.Status = StatusCompleted
		e.entry.Result = output
	}
	e.entry.FinishedAt = &finished
	snapshot := e.entry
	onDone := r.onDone
	r.mu.Unlock()

	if onDone != nil {
		onDone(snapshot)
	}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tasks[id]
	if !ok {
		return Entry{}, false
	}
	return e.entry, true
}

// List returns copies of all entries ordered by id.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.entry)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RunningCount returns how many tasks are still running.
func (r *Registry) RunningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.tasks {
		if e.entry.Status == StatusRunning {
			n++
		}
	}
	return n
}

// Stop cancels a running task. The worker decides how quickly it exits.
func (r *Registry) Stop(id string) bool {
	r.mu.Lock()
	e, ok := r.tasks[id]
	if !ok || e.entry.Status != StatusRunning {
		r.mu.Unlock()
		return false
	}
	e.stopped = true
	r.mu.Unlock()
	e.cancel()
	return true
}

// Wait blocks until every submitted worker has returned. It is meant for
// shutdown and tests.
func (r *Registry) Wait() {
	r.wg.Wait()
}
