package encoder

import (
	"bytes"
	"errors"
	"io"
	"sync"
)

// ErrBufferClosed is returned when writing to, or closing, a closed buffer
var ErrBufferClosed = errors.New("frame buffer closed")

// FrameBuffer is the bounded channel between the frame loop and the encoder's
// stdin. Writes block while the buffer is full; nothing is ever dropped.
//
// A single write larger than the capacity waits for the buffer to drain
// completely and is then accepted whole, so oversized frames cannot deadlock
// the producer.
type FrameBuffer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	data     bytes.Buffer
	capacity int
	closed   bool
	abortErr error
	written  int64
}

// NewFrameBuffer creates a buffer holding at most capacity bytes
func NewFrameBuffer(capacity int) *FrameBuffer {
	b := &FrameBuffer{capacity: capacity}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write appends p, suspending the caller until there is room
func (b *FrameBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.abortErr != nil {
			return 0, b.abortErr
		}
		if b.closed {
			return 0, ErrBufferClosed
		}
		if b.data.Len()+len(p) <= b.capacity || b.data.Len() == 0 {
			break
		}
		b.cond.Wait()
	}

	n, _ := b.data.Write(p)
	b.written += int64(n)
	b.cond.Broadcast()
	return n, nil
}

// Read drains buffered bytes, blocking until data arrives. It returns io.EOF
// once the producer has closed and everything was read.
func (b *FrameBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.data.Len() == 0 {
		if b.abortErr != nil {
			return 0, b.abortErr
		}
		if b.closed {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
	if b.abortErr != nil {
		return 0, b.abortErr
	}

	n, _ := b.data.Read(p)
	b.cond.Broadcast()
	return n, nil
}

// Close marks the producer side finished
func (b *FrameBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBufferClosed
	}
	b.closed = true
	b.cond.Broadcast()
	return nil
}

// Abort fails the buffer from the consumer side. Blocked and future writes
// return err instead of waiting for a reader that is gone.
func (b *FrameBuffer) Abort(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.abortErr == nil {
		b.abortErr = err
	}
	b.cond.Broadcast()
}

// Buffered returns the number of bytes waiting to be read
func (b *FrameBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data.Len()
}

// Capacity returns the configured limit in bytes
func (b *FrameBuffer) Capacity() int {
	return b.capacity
}

// Written returns the total number of bytes accepted
func (b *FrameBuffer) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Closed reports whether the producer side has been closed
func (b *FrameBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
