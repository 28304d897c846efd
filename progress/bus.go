package progress

import (
	"errors"
	"sync"
)

// DefaultMaxSubscribers bounds the subscriber list of a Bus.
const DefaultMaxSubscribers = 16

var (
	// ErrTooManySubscribers is returned when a bus is at its subscriber limit.
	ErrTooManySubscribers = errors.New("progress: too many subscribers")

	// ErrClosed is returned when subscribing to a bus that already delivered
	// a terminal event.
	ErrClosed = errors.New("progress: bus closed")
)

// Emitter receives progress events from a running task.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Discard is an Emitter that drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})

// Handler observes events delivered by a Bus.
type Handler func(Event)

type subscriber struct {
	id uint64
	h  Handler
}

// Bus delivers one job's events to its subscribers.
//
// Handlers run synchronously on the emitting goroutine in subscription
// order, so delivery order equals emission order. A handler must not call
// Emit on the same bus. Events emitted before a subscriber attached are
// never replayed to it.
type Bus struct {
	// deliver serializes whole deliveries so concurrent emitters cannot
	// interleave events across subscribers.
	deliver sync.Mutex

	mu     sync.Mutex
	subs   []subscriber
	nextID uint64
	closed bool
	max    int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithMaxSubscribers sets the subscriber limit. Values below 1 are ignored.
func WithMaxSubscribers(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.max = n
		}
	}
}

// NewBus creates an open bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{max: DefaultMaxSubscribers}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches h and returns a function that detaches it.
// The returned function is idempotent.
func (b *Bus) Subscribe(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if len(b.subs) >= b.max {
		return nil, ErrTooManySubscribers
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, h: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}, nil
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers e to every current subscriber. After a terminal event the
// bus closes and later events are dropped.
func (b *Bus) Emit(e Event) {
	b.deliver.Lock()
	defer b.deliver.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := b.subs
	if e.Terminal() {
		b.closed = true
		b.subs = nil
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.h(e)
	}
}

// Closed reports whether the bus delivered a terminal event.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Subscribers returns the number of attached subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
