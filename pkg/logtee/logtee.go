// Keeps the last N log lines in memory so the REST API can serve a log tail
// without touching the journal.
package logtee

import (
	"bytes"
	"io"
	"sync"
)

type Tail struct {
	mu       sync.Mutex
	capacity int
	lines    []string
}

func NewTail(capacity int) *Tail {
	return &Tail{
		capacity: capacity,
		lines:    make([]string, 0, capacity),
	}
}

func (t *Tail) Push(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.lines) == t.capacity {
		copy(t.lines, t.lines[1:])
		t.lines = t.lines[:len(t.lines)-1]
	}

	t.lines = append(t.lines, line)
}

func (t *Tail) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]string(nil), t.lines...)
}

type lineSplitter struct {
	mu      sync.Mutex
	pending []byte
	line    func(string)
}

// Writer tees writes to sink unchanged, and additionally delivers each
// completed line to the tail.
func Writer(sink io.Writer, tail *Tail) io.Writer {
	return io.MultiWriter(sink, &lineSplitter{line: tail.Push})
}

func (l *lineSplitter) Write(data []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = append(l.pending, data...)

	for {
		idx := bytes.IndexByte(l.pending, '\n')
		if idx == -1 {
			break
		}

		l.line(string(l.pending[:idx]))
		l.pending = l.pending[idx+1:]
	}

	return len(data), nil
}
