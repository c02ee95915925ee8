// Package watch provides an observable value with non-blocking fan-out.
//
// Every subscriber owns a one-slot channel. Publishing never blocks: when a
// subscriber has not consumed the previous value yet, the stale value is
// replaced by the new one. Slow readers therefore see the latest value,
// never a backlog.
//
//	v := watch.New(session.State{})
//	ch, _ := v.Subscribe("ui")
//	go func() {
//	    for st := range ch {
//	        render(st)
//	    }
//	}()
//	v.Set(next)
package watch

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrSubscriberExists is returned when Subscribe is called with a duplicate id.
	ErrSubscriberExists = errors.New("watch: subscriber id already exists")

	// ErrSubscriberNotFound is returned when Unsubscribe is called with an unknown id.
	ErrSubscriberNotFound = errors.New("watch: subscriber id not found")

	// ErrClosed is returned when operations are attempted on a closed value.
	ErrClosed = errors.New("watch: value is closed")
)

// Stats are the fan-out counters of a Value.
type Stats struct {
	// Published is the number of Set calls
	Published uint64
	// Sent is the number of deliveries across all subscribers
	Sent uint64
	// Replaced is the number of pending values overwritten before being read
	Replaced uint64
	// Subscribers is the current subscriber count
	Subscribers int
}

// Value is a concurrency-safe observable holding the latest T.
type Value[T any] struct {
	mu          sync.RWMutex
	current     T
	subscribers map[string]chan T
	closed      bool

	published atomic.Uint64
	sent      atomic.Uint64
	replaced  atomic.Uint64
}

// New returns a Value holding initial.
func New[T any](initial T) *Value[T] {
	return &Value[T]{
		current:     initial,
		subscribers: make(map[string]chan T),
	}
}

// Get returns the latest value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// Set stores next and delivers it to every subscriber.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.current = next
	v.published.Add(1)

	for _, ch := range v.subscribers {
		v.offer(ch, next)
	}
}

// offer delivers val, replacing a pending unread value if needed.
// Callers hold v.mu, so this goroutine is the only sender on ch.
func (v *Value[T]) offer(ch chan T, val T) {
	select {
	case ch <- val:
		v.sent.Add(1)
		return
	default:
	}

	select {
	case <-ch:
		v.replaced.Add(1)
	default:
	}

	select {
	case ch <- val:
		v.sent.Add(1)
	default:
	}
}

// Subscribe registers id and returns a channel that immediately holds the
// current value and then receives every later one (latest wins).
func (v *Value[T]) Subscribe(id string) (<-chan T, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrClosed
	}
	if _, exists := v.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}

	ch := make(chan T, 1)
	ch <- v.current
	v.subscribers[id] = ch
	return ch, nil
}

// Unsubscribe removes id and closes its channel.
func (v *Value[T]) Unsubscribe(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}
	ch, ok := v.subscribers[id]
	if !ok {
		return ErrSubscriberNotFound
	}
	delete(v.subscribers, id)
	close(ch)
	return nil
}

// Stats returns a snapshot of the fan-out counters.
func (v *Value[T]) Stats() Stats {
	v.mu.RLock()
	n := len(v.subscribers)
	v.mu.RUnlock()

	return Stats{
		Published:   v.published.Load(),
		Sent:        v.sent.Load(),
		Replaced:    v.replaced.Load(),
		Subscribers: n,
	}
}

// Close closes every subscriber channel. Later Set calls are ignored.
func (v *Value[T]) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.closed = true
	for id, ch := range v.subscribers {
		close(ch)
		delete(v.subscribers, id)
	}
}
