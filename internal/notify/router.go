// Package notify routes unsolicited device notifications to typed
// subscriptions.
package notify

import (
	"sync"

	"github.com/autopeer-io/gearlink/internal/protocol"
	"github.com/autopeer-io/gearlink/pkg/log"
)

// Extractor picks the events a subscription cares about out of a
// notification. It reports false for notifications that do not match.
type Extractor[T any] func(n *protocol.Notification) (T, bool)

// Router fans each notification out to every active subscription.
// The zero value is not usable; use NewRouter.
type Router struct {
	logger log.Logger

	mu   sync.RWMutex
	subs map[uint64]func(*protocol.Notification)
	next uint64
}

func NewRouter() *Router {
	return &Router{
		logger: log.WithName("notify"),
		subs:   make(map[uint64]func(*protocol.Notification)),
	}
}

// Route offers n to every subscription. A notification may match none,
// one or several of them.
func (r *Router) Route(n *protocol.Notification) {
	r.mu.RLock()
	offers := make([]func(*protocol.Notification), 0, len(r.subs))
	for _, offer := range r.subs {
		offers = append(offers, offer)
	}
	r.mu.RUnlock()

	for _, offer := range offers {
		offer(n)
	}
}

// Len returns the number of active subscriptions.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

func (r *Router) add(offer func(*protocol.Notification)) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.next
	r.next++
	r.subs[id] = offer
	return id
}

func (r *Router) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Subscribe delivers every event extracted from routed notifications on the
// returned channel. Events are dropped when the buffer is full so a slow
// subscriber cannot stall the frame pump. cancel removes the subscription
// and closes the channel; it is safe to call more than once.
func Subscribe[T any](r *Router, extract Extractor[T], buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)

	var (
		mu     sync.Mutex
		closed bool
	)
	id := r.add(func(n *protocol.Notification) {
		v, ok := extract(n)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- v:
		default:
			r.logger.Warn("Subscriber is full, dropping event", "domain", n.Domain.String(), "event", uint8(n.Event))
		}
	})

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.remove(id)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, cancel
}
