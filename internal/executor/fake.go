package executor

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a deterministic Submitter for tests. It records every submitted
// task and, when given a CompletionHandler, can complete tasks on demand
// with a caller-chosen score.
type Fake struct {
	mu      sync.Mutex
	tasks   []Task
	nextID  int
	failErr error
}

var _ Submitter = (*Fake)(nil)

// NewFake creates an empty fake executor.
func NewFake() *Fake {
	return &Fake{}
}

// Submit records the task. Returns the configured error, if any.
func (f *Fake) Submit(ctx context.Context, task Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil {
		return "", f.failErr
	}

	f.nextID++
	if task.ID == "" {
		task.ID = fmt.Sprintf("task-%d", f.nextID)
	}
	f.tasks = append(f.tasks, task)
	return task.ID, nil
}

// FailWith makes subsequent Submit calls return err. Pass nil to clear.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

// Tasks returns all submitted tasks in submission order.
func (f *Fake) Tasks() []Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Task(nil), f.tasks...)
}

// Last returns the most recently submitted task, or false if none.
func (f *Fake) Last() (Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return Task{}, false
	}
	return f.tasks[len(f.tasks)-1], true
}

// Complete invokes the handler for the most recent task with the given
// score, the way a real executor would report back.
func (f *Fake) Complete(ctx context.Context, handler CompletionHandler, score int, output []byte) error {
	task, ok := f.Last()
	if !ok {
		return fmt.Errorf("no task to complete")
	}
	return handler(ctx, task.WorkflowID, task.Stage, score, output)
}
