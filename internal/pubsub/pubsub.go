// Package pubsub is a small listener registry shared by the models.
package pubsub

import "sync"

// Token identifies a subscription.
type Token uint64

type subscription[E any] struct {
	token Token
	fn    func(E)
}

// Registry delivers events to listeners in registration order. Delivery
// iterates over a snapshot, so listeners may subscribe or unsubscribe while
// being called.
type Registry[E any] struct {
	mu   sync.Mutex
	subs []subscription[E]
	next Token
}

// Subscribe registers fn and returns its token.
func (r *Registry[E]) Subscribe(fn func(E)) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.subs = append(r.subs, subscription[E]{token: r.next, fn: fn})
	return r.next
}

// Unsubscribe removes a listener. Unknown tokens are ignored.
func (r *Registry[E]) Unsubscribe(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s.token == t {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of listeners.
func (r *Registry[E]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Publish calls every listener with e.
func (r *Registry[E]) Publish(e E) {
	r.mu.Lock()
	subs := append([]subscription[E](nil), r.subs...)
	r.mu.Unlock()
	for _, s := range subs {
		s.fn(e)
	}
}
