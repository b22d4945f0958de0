// Package scheduler implements the prioritized task scheduler (C7): a
// priority queue feeding a bounded worker pool, with a completed-task
// ring buffer and filter-based querying.
//
// Grounded on db/database.go's sync_queue table — specifically its
// `ORDER BY priority DESC, created_at ASC` ordering clause, which is the
// exact tie-break rule translated here into an in-memory
// container/heap.Interface, since this queue is explicitly memory-backed
// (unbounded submission, no durability requirement) rather than the
// SQL-backed table the teacher used for its simpler single-priority
// local-operation queue.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority levels, highest first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Kind enumerates the task kinds the scheduler dispatches.
type Kind string

const (
	KindUpload          Kind = "upload"
	KindDownload        Kind = "download"
	KindSyncDir         Kind = "sync-dir"
	KindDeleteRemote    Kind = "delete-remote"
	KindRenameRemote    Kind = "rename-remote"
	KindThumbnail       Kind = "thumbnail"
	KindResolveConflict Kind = "resolve-conflict"
	KindCustom          Kind = "custom"
)

// Status is a task's lifecycle stage.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Properties carries a task's target/progress fields.
type Properties struct {
	TargetPath     string
	SourcePath     string
	Progress       float64
	ProcessedBytes int64
	TotalBytes     int64
}

// Task is the externally observable record of a submitted unit of work.
type Task struct {
	ID          string
	MountID     string
	Priority    Priority
	Kind        Kind
	Properties  Properties
	Status      Status
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Error       string
	ResultData  any
}

// Result is what an Executor returns on completion.
type Result struct {
	Success    bool
	Error      error
	ResultData any
}

// Executor performs a task's work. It must honor ctx cancellation at
// suspension points.
type Executor func(ctx context.Context, task *Task) Result

// CompletionCallback is awaited before a task moves from running to
// completed; it is skipped for manually cancelled tasks.
type CompletionCallback func(task *Task, result Result)

type entry struct {
	task    *Task
	exec    Executor
	seq     uint64
	cancel  context.CancelFunc // set once running; nil while pending
	onDone  CompletionCallback
}

// priorityQueue implements container/heap.Interface, ordering by
// Priority descending then seq ascending — the in-memory analogue of
// "ORDER BY priority DESC, created_at ASC".
type priorityQueue []*entry

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool {
	if q[i].task.Priority != q[j].task.Priority {
		return q[i].task.Priority > q[j].task.Priority
	}
	return q[i].seq < q[j].seq
}
func (q priorityQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)   { *q = append(*q, x.(*entry)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Scheduler is a single priority-queue-plus-worker-pool instance,
// intended one per mount (or one per drive manager — caller's choice).
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending priorityQueue
	running map[string]*entry
	byID    map[string]*entry // pending + running, for O(1) lookup before O(n) removal

	completed     []Task
	completedCap  int

	maxWorkers int
	active     int
	seq        uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a Scheduler with the given worker pool size and completed
// ring buffer capacity (spec defaults: 4 workers, 100 completed slots).
func New(maxWorkers, completedBufferSize int) *Scheduler {
	s := &Scheduler{
		running:      make(map[string]*entry),
		byID:         make(map[string]*entry),
		maxWorkers:   maxWorkers,
		completedCap: completedBufferSize,
	}
	s.cond = sync.NewCond(&s.mu)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start launches the dispatcher goroutine that admits tasks to
// execution as the queue is non-empty and the pool has free capacity.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.dispatchLoop()
}

// Stop cancels every running task and returns once the dispatcher and
// every running task have exited.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// Submit enqueues a new task and returns its id. Submission is
// unbounded; the caller is responsible for rate-limiting.
func (s *Scheduler) Submit(mountID string, priority Priority, kind Kind, props Properties, exec Executor, onDone CompletionCallback) string {
	task := &Task{
		ID:         uuid.NewString(),
		MountID:    mountID,
		Priority:   priority,
		Kind:       kind,
		Properties: props,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}

	s.mu.Lock()
	s.seq++
	e := &entry{task: task, exec: exec, seq: s.seq, onDone: onDone}
	heap.Push(&s.pending, e)
	s.byID[task.ID] = e
	s.cond.Broadcast()
	s.mu.Unlock()

	return task.ID
}

// Cancel removes a pending task from the queue (marking it cancelled),
// or aborts a running task via its cancellation token.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	e, ok := s.byID[taskID]
	if !ok {
		s.mu.Unlock()
		return false
	}

	if e.cancel != nil {
		// Running: abort via token; completion path handles bookkeeping.
		cancel := e.cancel
		s.mu.Unlock()
		cancel()
		return true
	}

	// Pending: remove from heap directly.
	for i, item := range s.pending {
		if item == e {
			heap.Remove(&s.pending, i)
			break
		}
	}
	delete(s.byID, taskID)
	e.task.Status = StatusCancelled
	e.task.CompletedAt = time.Now()
	s.appendCompletedLocked(*e.task)
	s.mu.Unlock()
	return true
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for !s.closed && (s.pending.Len() == 0 || s.active >= s.maxWorkers) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.pending).(*entry)
		s.active++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTask(e)
		}()
	}
}

func (s *Scheduler) runTask(e *entry) {
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	e.cancel = cancel
	e.task.Status = StatusRunning
	e.task.StartedAt = time.Now()
	s.running[e.task.ID] = e
	s.mu.Unlock()

	result := e.exec(ctx, e.task)
	wasCancelled := ctx.Err() == context.Canceled && !result.Success
	cancel()

	if e.onDone != nil && !wasCancelled {
		e.onDone(e.task, result)
	}

	s.mu.Lock()
	delete(s.running, e.task.ID)
	delete(s.byID, e.task.ID)
	s.active--
	switch {
	case wasCancelled:
		e.task.Status = StatusCancelled
	case result.Success:
		e.task.Status = StatusCompleted
		e.task.ResultData = result.ResultData
	default:
		e.task.Status = StatusFailed
		if result.Error != nil {
			e.task.Error = result.Error.Error()
		}
	}
	e.task.CompletedAt = time.Now()
	s.appendCompletedLocked(*e.task)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// appendCompletedLocked must be called with s.mu held.
func (s *Scheduler) appendCompletedLocked(t Task) {
	s.completed = append(s.completed, t)
	if s.completedCap > 0 && len(s.completed) > s.completedCap {
		s.completed = s.completed[len(s.completed)-s.completedCap:]
	}
}

// SetCompletedBufferSize resizes the completed ring; shrinking trims the
// oldest entries first.
func (s *Scheduler) SetCompletedBufferSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedCap = n
	if n > 0 && len(s.completed) > n {
		s.completed = s.completed[len(s.completed)-n:]
	}
}

// SetMaxWorkers adjusts the worker pool size; takes effect for future
// dispatch decisions.
func (s *Scheduler) SetMaxWorkers(n int) {
	s.mu.Lock()
	s.maxWorkers = n
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stats holds constant-time pending/running counters.
type Stats struct {
	Pending int
	Running int
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Pending: s.pending.Len(), Running: len(s.running)}
}

// Filter selects tasks for Query; zero-value fields are wildcards.
type Filter struct {
	Kind       Kind
	TargetPath string
	MountID    string
	Status     Status
}

func (f Filter) matches(t *Task) bool {
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.TargetPath != "" && t.Properties.TargetPath != f.TargetPath {
		return false
	}
	if f.MountID != "" && t.MountID != f.MountID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// Query returns every task (pending, running, or in the completed ring)
// matching filter.
func (s *Scheduler) Query(filter Filter) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, e := range s.pending {
		if filter.matches(e.task) {
			out = append(out, *e.task)
		}
	}
	for _, e := range s.running {
		if filter.matches(e.task) {
			out = append(out, *e.task)
		}
	}
	for i := range s.completed {
		if filter.matches(&s.completed[i]) {
			out = append(out, s.completed[i])
		}
	}
	return out
}
