package sandbox

import (
	"sync"
	"unicode/utf8"
)

// outputBuffer is a fixed-size ring that keeps the most recent bytes written,
// so commands that flood stdout cannot exhaust memory.
type outputBuffer struct {
	buf       []byte
	size      int
	head      int // write position
	tail      int // read position
	full      bool
	truncated bool
	mu        sync.Mutex
}

func newOutputBuffer(size int) *outputBuffer {
	if size <= 0 {
		size = 64 * 1024
	}
	return &outputBuffer{
		buf:  make([]byte, size),
		size: size,
	}
}

// Write implements io.Writer. When the buffer is full the oldest data is
// overwritten.
func (b *outputBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range p {
		if b.full {
			b.tail = (b.tail + 1) % b.size
			b.truncated = true
		}
		b.buf[b.head] = c
		b.head = (b.head + 1) % b.size
		if b.head == b.tail {
			b.full = true
		}
	}
	return len(p), nil
}

// String returns the buffered bytes in write order. After truncation the
// leading bytes of a rune cut in half are dropped.
func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.contents()
	if b.truncated {
		for i := 0; i < utf8.UTFMax && len(s) > 0 && !utf8.RuneStart(s[0]); i++ {
			s = s[1:]
		}
	}
	return s
}

func (b *outputBuffer) contents() string {
	switch {
	case !b.full && b.head == b.tail:
		return ""
	case b.full && b.head == b.tail:
		return string(b.buf[b.tail:]) + string(b.buf[:b.head])
	case b.head > b.tail:
		return string(b.buf[b.tail:b.head])
	default:
		return string(b.buf[b.tail:]) + string(b.buf[:b.head])
	}
}

// Truncated reports whether older output was dropped.
func (b *outputBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
