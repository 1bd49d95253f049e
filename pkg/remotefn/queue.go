package remotefn

// workQueue is an ordered list consumed by a forward-only cursor. At most one
// taken item is in flight at a time.
type workQueue[T any] struct {
	items    []T
	cursor   int
	inFlight bool
}

func (q *workQueue[T]) push(v T) {
	q.items = append(q.items, v)
}

// next returns the item under the cursor and advances past it. It refuses
// while a previously taken item is still in flight.
func (q *workQueue[T]) next() (T, bool) {
	var zero T
	if q.inFlight || q.cursor >= len(q.items) {
		return zero, false
	}
	v := q.items[q.cursor]
	q.cursor++
	q.inFlight = true
	return v, true
}

// markComplete releases the in-flight slot.
func (q *workQueue[T]) markComplete() {
	q.inFlight = false
}

// exhausted reports whether every item has been taken.
func (q *workQueue[T]) exhausted() bool {
	return q.cursor >= len(q.items)
}

func (q *workQueue[T]) len() int {
	return len(q.items)
}

// replace swaps in a new item list. The cursor is kept, so items already
// taken are never taken again.
func (q *workQueue[T]) replace(items []T) {
	q.items = items
	if q.cursor > len(q.items) {
		q.cursor = len(q.items)
	}
}

// update rewrites the first item matching pred in place.
func (q *workQueue[T]) update(pred func(T) bool, fn func(*T)) bool {
	for i := range q.items {
		if pred(q.items[i]) {
			fn(&q.items[i])
			return true
		}
	}
	return false
}

func (q *workQueue[T]) find(pred func(T) bool) (T, bool) {
	for _, v := range q.items {
		if pred(v) {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func (q *workQueue[T]) snapshot() []T {
	out := make([]T, len(q.items))
	copy(out, q.items)
	return out
}
