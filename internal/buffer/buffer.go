// Package buffer holds samples between a device's producer and its file writer.
package buffer

import (
	"sync"

	"cxlogger/internal/model"
)

// Buffer is an unbounded FIFO queue of sample records. It is safe for one
// producer and one consumer running concurrently.
type Buffer struct {
	mu    sync.Mutex
	data  []model.SampleRecord
	head  int
	ready chan struct{}
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{ready: make(chan struct{}, 1)}
}

// Push appends a record to the tail of the queue.
func (b *Buffer) Push(rec model.SampleRecord) {
	b.mu.Lock()
	b.data = append(b.data, rec)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// TryPop removes the record at the head of the queue. It never blocks;
// ok is false when the queue is empty.
func (b *Buffer) TryPop() (model.SampleRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.head >= len(b.data) {
		return model.SampleRecord{}, false
	}
	rec := b.data[b.head]
	b.data[b.head] = model.SampleRecord{}
	b.head++
	b.compactLocked()
	return rec, true
}

// Drain removes and returns every queued record in FIFO order.
func (b *Buffer) Drain() []model.SampleRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.head >= len(b.data) {
		b.data = b.data[:0]
		b.head = 0
		return nil
	}
	out := make([]model.SampleRecord, len(b.data)-b.head)
	copy(out, b.data[b.head:])
	b.data = b.data[:0]
	b.head = 0
	return out
}

// Len reports the number of queued records.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.head
}

// Ready is signalled after a Push. A consumer that found the queue empty
// may wait on it instead of polling.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}

// compactLocked reclaims the consumed prefix once it dominates the slice.
func (b *Buffer) compactLocked() {
	if b.head == len(b.data) {
		b.data = b.data[:0]
		b.head = 0
		return
	}
	if b.head >= 1024 && b.head*2 >= len(b.data) {
		n := copy(b.data, b.data[b.head:])
		b.data = b.data[:n]
		b.head = 0
	}
}
