package tunnel

import "sync/atomic"

// TaskRegistry counts outstanding operations (streams and UDP relay
// flows) against one relay connection. The count is a passive signal:
// connection idle logic consults Outstanding and must not close the
// connection while it is above zero.
type TaskRegistry struct {
	count atomic.Int64
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{}
}

// Register creates a live task handle and increments the count.
func (r *TaskRegistry) Register() *Task {
	r.count.Add(1)
	return &Task{reg: r}
}

// Outstanding returns the number of live task handles.
func (r *TaskRegistry) Outstanding() int64 {
	return r.count.Load()
}

// Task is an opaque liveness handle for one logical operation. Done is
// idempotent; Clone creates an additional handle sharing the same
// registry, so the count only reaches zero when every handle is done.
type Task struct {
	reg  *TaskRegistry
	done atomic.Bool
}

// Clone returns a new live handle on the same registry.
func (t *Task) Clone() *Task {
	return t.reg.Register()
}

// Done releases the handle. Calling it more than once has no effect.
func (t *Task) Done() {
	if t.done.CompareAndSwap(false, true) {
		t.reg.count.Add(-1)
	}
}
