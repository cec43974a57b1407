package httpapi

import (
	"sync"
	"time"
)

type runEvent struct {
	ID      int    `json:"id"`
	State   string `json:"state"`
	Message string `json:"message"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// runTracker buffers progress events per run so SSE clients can attach
// late and replay from a cursor. Events are kept until process exit;
// runs are short-lived and few.
type runTracker struct {
	mu   sync.Mutex
	runs map[string][]runEvent
}

func newRunTracker() *runTracker {
	return &runTracker{runs: map[string][]runEvent{}}
}

func (t *runTracker) append(handle string, evt runEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	evt.ID = len(t.runs[handle]) + 1
	t.runs[handle] = append(t.runs[handle], evt)
}

func (t *runTracker) known(handle string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[handle]
	return ok
}

func (t *runTracker) start(handle string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[handle]; !ok {
		t.runs[handle] = []runEvent{}
	}
}

// since returns events after cursor, waiting up to wait for new ones.
func (t *runTracker) since(handle string, cursor int, wait time.Duration) ([]runEvent, int) {
	deadline := time.Now().Add(wait)
	for {
		t.mu.Lock()
		events := t.runs[handle]
		t.mu.Unlock()
		if len(events) > cursor {
			fresh := events[cursor:]
			return fresh, cursor + len(fresh)
		}
		if time.Now().After(deadline) {
			return nil, cursor
		}
		time.Sleep(50 * time.Millisecond)
	}
}
