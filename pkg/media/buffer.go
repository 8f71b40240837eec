package media

import (
	"errors"
	"fmt"
	"time"
)

// ErrCapacity is matched by [CapacityError] via errors.Is.
var ErrCapacity = errors.New("media: buffer capacity exceeded")

// CapacityError is returned by [Buffer.SetData] when the payload is larger
// than the buffer.
type CapacityError struct {
	Size     int
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("media: %d bytes of data will not fit in a %d byte buffer", e.Size, e.Capacity)
}

// Is reports whether target is [ErrCapacity].
func (e *CapacityError) Is(target error) bool {
	return target == ErrCapacity
}

// Buffer is a fixed-capacity block of memory pushed into a pipeline.
// The capacity is chosen at allocation and never grows.
type Buffer struct {
	data []byte
	size int

	// PTS is the presentation timestamp, relative to the segment start.
	PTS time.Duration
}

// NewBuffer allocates a buffer with the given capacity in bytes.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{data: make([]byte, capacity)}
}

// Cap returns the allocated capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of valid bytes.
func (b *Buffer) Len() int { return b.size }

// Bytes returns the valid content. The slice aliases the buffer memory.
func (b *Buffer) Bytes() []byte { return b.data[:b.size] }

// SetData replaces the buffer content with p. If p does not fit, SetData
// returns a *[CapacityError] and leaves both content and size unchanged;
// it never truncates.
func (b *Buffer) SetData(p []byte) error {
	if len(p) > len(b.data) {
		return &CapacityError{Size: len(p), Capacity: len(b.data)}
	}
	copy(b.data, p)
	b.size = len(p)
	return nil
}
