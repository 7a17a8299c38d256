package callback

import (
	"sync"

	"github.com/guseggert/guestctl/protocol"
)

// Registry maps sequence counts to live futures. Counts come from a ring that skips
// slots still holding a live future, so a count is only reused after its request completed.
type Registry[T any] struct {
	mu      sync.Mutex
	size    uint32
	next    uint32
	pending map[uint32]*Future[T]
}

// NewRegistry returns a registry with size slots. A size of 0 means protocol.MaxCount.
func NewRegistry[T any](size uint32) *Registry[T] {
	if size == 0 || size > protocol.MaxCount {
		size = protocol.MaxCount
	}
	return &Registry[T]{size: size, pending: map[uint32]*Future[T]{}}
}

// Register allocates a count and a fresh future for it.
func (r *Registry[T]) Register() (uint32, *Future[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for tries := uint32(0); tries < r.size; tries++ {
		count := r.next
		r.next = (r.next + 1) % r.size
		if _, live := r.pending[count]; live {
			continue
		}
		f := New[T]()
		r.pending[count] = f
		return count, f, nil
	}
	return 0, nil, protocol.ErrResourceExhausted
}

// Take removes and returns the future registered for count.
func (r *Registry[T]) Take(count uint32) (*Future[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.pending[count]
	if ok {
		delete(r.pending, count)
	}
	return f, ok
}

func (r *Registry[T]) Remove(count uint32) {
	r.mu.Lock()
	delete(r.pending, count)
	r.mu.Unlock()
}

// CancelAll cancels and removes every pending future, returning how many there were.
func (r *Registry[T]) CancelAll() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = map[uint32]*Future[T]{}
	r.mu.Unlock()

	for _, f := range pending {
		f.Cancel()
	}
	return len(pending)
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
