package engine

// RingBuffer is a fixed-size circular buffer used for the detector's sliding
// measurement windows.
type RingBuffer[T any] struct {
	Buffer []T
	Cursor int
}

func (r *RingBuffer[T]) WriteWrapSingle(value T) {
	r.Cursor = (r.Cursor + 1) % len(r.Buffer)
	r.Buffer[r.Cursor] = value
}

// Reset zeroes the contents, keeping the allocation.
func (r *RingBuffer[T]) Reset() {
	r.Cursor = 0
	l := len(r.Buffer)
	r.Buffer = r.Buffer[:0]
	r.Buffer = append(r.Buffer, make([]T, l)...)
}

// setSliceLength grows the slice to length if needed, reusing capacity.
func setSliceLength[T any](slice *[]T, length int) {
	if len(*slice) < length {
		*slice = append(*slice, make([]T, length-len(*slice))...)
	}
	*slice = (*slice)[:length]
}
