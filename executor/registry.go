package executor

import (
	"bytes"
	"sync"
	"time"
)

type taskState int

const (
	// taskRunning: the transport task is in flight.
	taskRunning taskState = iota
	// taskAwaitingRefresh: the task is queued as a refresh waiter; no
	// transport task is in flight for it.
	taskAwaitingRefresh
)

// pendingTask is the completion state of one in-flight request: accumulated
// response bytes, start time, and the completion callback, which is invoked
// exactly once. The id and state fields are guarded by the registry lock.
type pendingTask struct {
	req        Request
	completion Completion
	start      time.Time
	buf        bytes.Buffer

	id    TaskID
	state taskState
}

// taskRegistry maps transport task identifiers to pending-completion state.
// One lock guards the map and the tasks' id/state fields; it is held only
// for map mutation, never across a network call or a callback.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[TaskID]*pendingTask
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[TaskID]*pendingTask)}
}

// insert registers task under id.
func (r *taskRegistry) insert(id TaskID, task *pendingTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task.id = id
	task.state = taskRunning
	r.tasks[id] = task
}

// appendData accumulates a received chunk. Returns false when no task is
// registered under id.
func (r *taskRegistry) appendData(id TaskID, chunk []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return false
	}
	task.buf.Write(chunk)
	return true
}

// take removes and returns the task registered under id. After take, the
// caller owns the completion callback; a concurrent take for the same id
// returns false, which is what makes completion delivery exactly-once.
func (r *taskRegistry) take(id TaskID) (*pendingTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	delete(r.tasks, id)
	return task, true
}

// rekey atomically moves the task registered under oldID to newID, resetting
// its accumulation buffer and start time for the new exchange. Returns false
// when oldID is no longer registered, in which case the completion has
// already been claimed elsewhere and the new exchange has no owner.
func (r *taskRegistry) rekey(oldID, newID TaskID, start time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[oldID]
	if !ok {
		return false
	}
	delete(r.tasks, oldID)
	task.id = newID
	task.state = taskRunning
	task.start = start
	task.buf.Reset()
	r.tasks[newID] = task
	return true
}

// reinsertAwaitingRefresh puts a taken task back under its old id, marked as
// a refresh waiter. Keeping waiters registered means session invalidation
// clears them like any other pending task.
func (r *taskRegistry) reinsertAwaitingRefresh(id TaskID, task *pendingTask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task.id = id
	task.state = taskAwaitingRefresh
	r.tasks[id] = task
}

// currentID returns the id the task is registered under right now. The id
// changes when a retry re-keys the task.
func (r *taskRegistry) currentID(task *pendingTask) (TaskID, taskState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return task.id, task.state
}

// ids snapshots the identifiers of all registered tasks.
func (r *taskRegistry) ids() []TaskID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TaskID, 0, len(r.tasks))
	for id := range r.tasks {
		out = append(out, id)
	}
	return out
}

// clear removes every entry and returns the abandoned tasks so the caller
// can report them. Their callbacks are not invoked; this is the documented
// non-invocation case on session invalidation.
func (r *taskRegistry) clear() []*pendingTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*pendingTask, 0, len(r.tasks))
	for _, task := range r.tasks {
		out = append(out, task)
	}
	r.tasks = make(map[TaskID]*pendingTask)
	return out
}

func (r *taskRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
