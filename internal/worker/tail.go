package worker

import (
	"strings"
	"sync"
)

// defaultTailBytes bounds the diagnostic tail kept per local worker.
const defaultTailBytes = 10 * 1024

// tailBuffer keeps the last N bytes of a worker's unstructured output so a
// failing worker's final error context can be logged without unbounded
// memory growth.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = defaultTailBytes
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) WriteLine(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > t.max {
		// Drop whole leading lines, not partial ones, where possible.
		cut := len(t.buf) - t.max
		if nl := strings.IndexByte(string(t.buf[cut:]), '\n'); nl >= 0 {
			cut += nl + 1
		}
		t.buf = t.buf[cut:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
