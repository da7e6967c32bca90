package event

import "sync"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Broadcaster fans values out to any number of subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the value.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[int]chan T
	nextID   int
	buffer   int
	replay   bool
	last     T
	hasLast  bool
	isClosed bool
}

// NewBroadcaster creates a broadcaster with the given subscriber buffer size.
func NewBroadcaster[T any](buffer int) *Broadcaster[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster[T]{subs: make(map[int]chan T), buffer: buffer}
}

// NewState creates a broadcaster that replays the latest value to new
// subscribers, for observables that represent current state.
func NewState[T any](initial T) *Broadcaster[T] {
	b := NewBroadcaster[T](DefaultBuffer)
	b.replay = true
	b.last = initial
	b.hasLast = true
	return b
}

// Subscribe returns a receive channel and a cancel func that releases it.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, b.buffer)
	if b.isClosed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	if b.replay && b.hasLast {
		ch <- b.last
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers value to every subscriber without blocking.
func (b *Broadcaster[T]) Publish(value T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed {
		return
	}

	b.last = value
	b.hasLast = true
	for _, ch := range b.subs {
		select {
		case ch <- value:
		default:
		}
	}
}

// Last returns the most recently published value.
func (b *Broadcaster[T]) Last() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed {
		return
	}
	b.isClosed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
