package dispatch

import (
	"sync"

	"github.com/stewardhq/steward/pkg/api"
)

// waiterSet holds per-task completion futures. The terminal write path
// signals them so AwaitCompletion returns without polling latency; the
// 1s poll in AwaitCompletion remains as a fallback for terminal writes
// performed by other orchestrator instances.
type waiterSet struct {
	mu      sync.Mutex
	waiters map[string][]chan api.Outcome
}

func newWaiterSet() *waiterSet {
	return &waiterSet{waiters: make(map[string][]chan api.Outcome)}
}

// register returns a buffered channel that receives the task's outcome at
// most once. The caller must unregister it when done.
func (w *waiterSet) register(taskID string) chan api.Outcome {
	ch := make(chan api.Outcome, 1)

	w.mu.Lock()
	w.waiters[taskID] = append(w.waiters[taskID], ch)
	w.mu.Unlock()

	return ch
}

func (w *waiterSet) unregister(taskID string, ch chan api.Outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chans := w.waiters[taskID]
	for i, c := range chans {
		if c == ch {
			w.waiters[taskID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(w.waiters[taskID]) == 0 {
		delete(w.waiters, taskID)
	}
}

// signal delivers the outcome to every waiter currently registered for the
// task. Buffered channels make this non-blocking.
func (w *waiterSet) signal(taskID string, outcome api.Outcome) {
	w.mu.Lock()
	chans := w.waiters[taskID]
	delete(w.waiters, taskID)
	w.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- outcome:
		default:
		}
	}
}
