// Package fanout is a broadcast primitive: a registry of key -> set of
// subscriber channels. Broadcast is the only way data reaches subscribers,
// so the delivery rules can be tested without any transport attached.
package fanout

import "sync"

// Fanout delivers values published under a key to every subscriber of that
// key. A subscriber that cannot keep up (its buffer is full) is dropped and
// its channel closed rather than stalling the publisher.
type Fanout[T any] struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription[T]]struct{}
}

// Subscription is one subscriber's channel.
type Subscription[T any] struct {
	C chan T

	key    string
	f      *Fanout[T]
	closed bool
}

func New[T any]() *Fanout[T] {
	return &Fanout[T]{subs: map[string]map[*Subscription[T]]struct{}{}}
}

// Subscribe registers a subscriber with the given buffer size.
func (f *Fanout[T]) Subscribe(key string, buffer int) *Subscription[T] {
	s := &Subscription[T]{C: make(chan T, buffer), key: key, f: f}
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.subs[key]
	if !ok {
		set = map[*Subscription[T]]struct{}{}
		f.subs[key] = set
	}
	set[s] = struct{}{}
	return s
}

// Broadcast sends v to every subscriber of key and returns how many
// received it.
func (f *Fanout[T]) Broadcast(key string, v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	delivered := 0
	for s := range f.subs[key] {
		select {
		case s.C <- v:
			delivered++
		default:
			f.removeLocked(s)
		}
	}
	return delivered
}

// Count returns the number of subscribers of key.
func (f *Fanout[T]) Count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[key])
}

// Keys returns every key with at least one subscriber.
func (f *Fanout[T]) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.subs))
	for k := range f.subs {
		keys = append(keys, k)
	}
	return keys
}

// Close drops every subscriber of key, closing their channels.
func (f *Fanout[T]) Close(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.subs[key] {
		f.removeLocked(s)
	}
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	s.f.removeLocked(s)
}

func (f *Fanout[T]) removeLocked(s *Subscription[T]) {
	if s.closed {
		return
	}
	s.closed = true
	close(s.C)
	if set, ok := f.subs[s.key]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(f.subs, s.key)
		}
	}
}
