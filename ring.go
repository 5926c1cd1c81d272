package maskirovka

// ring is a bounded ring buffer. Pushing beyond capacity overwrites the
// oldest element. Used for the replay guard's recent-counter history and
// the adapter's threat-signal history; not safe for concurrent use.
type ring[T any] struct {
	buf   []T
	head  int // next write position
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

func (r *ring[T]) Len() int { return r.count }

// Snapshot returns the buffered elements, oldest first.
func (r *ring[T]) Snapshot() []T {
	out := make([]T, 0, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
