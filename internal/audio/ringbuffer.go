package audio

import "sync/atomic"

// RingBuffer is a bounded single-producer/single-consumer queue.
//
// Exactly one goroutine may call Write and exactly one (possibly different)
// goroutine may call Read. Neither call blocks, locks or allocates. The
// indices grow monotonically and are only reduced modulo the capacity when
// addressing the backing slice, so read <= write <= read+capacity always holds.
type RingBuffer[T any] struct {
	buf      []T
	capacity uint64

	// write is stored by the producer after the data is copied in and loaded
	// by the consumer before copying out; read mirrors that for free space.
	write atomic.Uint64
	read  atomic.Uint64
}

// NewRingBuffer allocates a ring buffer holding up to capacity elements.
// It panics if capacity is less than one.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		panic("audio: ring buffer capacity must be at least 1")
	}
	return &RingBuffer[T]{
		buf:      make([]T, capacity),
		capacity: uint64(capacity),
	}
}

// Write copies as many leading elements of data as fit and returns how many
// were stored. Elements beyond the free space are dropped; counting the loss
// is up to the caller.
func (rb *RingBuffer[T]) Write(data []T) int {
	w := rb.write.Load()
	free := rb.capacity - rb.pending(rb.read.Load(), w)
	n := uint64(len(data))
	if n > free {
		n = free
	}
	if n == 0 {
		return 0
	}

	pos := w % rb.capacity
	first := min(n, rb.capacity-pos)
	copy(rb.buf[pos:pos+first], data[:first])
	if first < n {
		copy(rb.buf[:n-first], data[first:n])
	}

	rb.write.Store(w + n)
	return int(n)
}

// Read copies up to len(data) buffered elements into data in FIFO order and
// returns how many were copied.
func (rb *RingBuffer[T]) Read(data []T) int {
	r := rb.read.Load()
	avail := rb.pending(r, rb.write.Load())
	n := uint64(len(data))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}

	pos := r % rb.capacity
	first := min(n, rb.capacity-pos)
	copy(data[:first], rb.buf[pos:pos+first])
	if first < n {
		copy(data[first:n], rb.buf[:n-first])
	}

	rb.read.Store(r + n)
	return int(n)
}

// Available returns the number of elements waiting to be read.
func (rb *RingBuffer[T]) Available() int {
	r := rb.read.Load()
	return int(rb.pending(r, rb.write.Load()))
}

// pending reports how many elements lie between r and w. Indices that break
// read <= write <= read+capacity, as left by a Clear racing a Read, count as
// empty.
func (rb *RingBuffer[T]) pending(r, w uint64) uint64 {
	if w < r || w-r > rb.capacity {
		return 0
	}
	return w - r
}

// Free returns the number of elements that can be written without loss.
func (rb *RingBuffer[T]) Free() int {
	return int(rb.capacity) - rb.Available()
}

// Cap returns the fixed capacity.
func (rb *RingBuffer[T]) Cap() int {
	return int(rb.capacity)
}

// Clear discards buffered elements by moving the read index up to the write
// index. It must not race with Write; call it only while the producer is
// stopped. A Read that overlaps Clear can hand back elements that were
// discarded, but the indices stay ordered.
func (rb *RingBuffer[T]) Clear() {
	rb.read.Store(rb.write.Load())
}
