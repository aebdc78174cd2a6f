package terminal

import "sync"

// defaultBacklogSize bounds the output kept for late-joining clients.
const defaultBacklogSize = 64 * 1024

// backlog keeps the most recent upstream output so a second tab attaching
// to a running shell sees the current screen instead of a blank terminal.
type backlog struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

func newBacklog(maxLen int) *backlog {
	if maxLen <= 0 {
		maxLen = defaultBacklogSize
	}
	return &backlog{maxLen: maxLen}
}

func (b *backlog) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	if len(b.data) > b.maxLen {
		b.data = append([]byte(nil), b.data[len(b.data)-b.maxLen:]...)
	}
}

func (b *backlog) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
