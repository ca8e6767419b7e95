package jblav

import (
	"sync"
)

// ChangeHandler receives attribute changes.
type ChangeHandler func(Change)

// Notifier fans state changes out to independently registered subscribers.
//
// Handlers run synchronously on the publishing goroutine (the session read
// loop), so they must not block. A panicking handler is recovered and logged
// and does not affect the others. Ordering across subscribers is unspecified.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[uint64]ChangeHandler
	nextID   uint64
	logger   Logger
}

// NewNotifier creates a notifier. logger may be nil.
func NewNotifier(logger Logger) *Notifier {
	return &Notifier{
		handlers: make(map[uint64]ChangeHandler),
		logger:   orNop(logger),
	}
}

// Subscribe registers h and returns a function that removes it.
func (n *Notifier) Subscribe(h ChangeHandler) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.handlers[id] = h
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.handlers, id)
			n.mu.Unlock()
		})
	}
}

// Publish delivers each change to every subscriber, one change at a time.
func (n *Notifier) Publish(changes ...Change) {
	if len(changes) == 0 {
		return
	}

	n.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(n.handlers))
	for _, h := range n.handlers {
		handlers = append(handlers, h)
	}
	n.mu.RUnlock()

	for _, c := range changes {
		for _, h := range handlers {
			n.deliver(h, c)
		}
	}
}

func (n *Notifier) deliver(h ChangeHandler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("change handler panicked",
				"attribute", string(c.Attribute),
				"panic", r,
			)
		}
	}()
	h(c)
}

// Subscribers returns the number of registered handlers.
func (n *Notifier) Subscribers() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.handlers)
}
