package events

import "sync"

// Notifier is a broadcast signal: every Notify wakes all current waiters.
type Notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{ch: make(chan struct{})}
}

// Wait returns a channel closed by the next Notify.
func (n *Notifier) Wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *Notifier) Notify() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}

// NotifyOn subscribes the notifier to one event kind on the bus.
func NotifyOn(bus Bus, kind Kind, n *Notifier) (func(), error) {
	return bus.Subscribe(kind, func(Event) { n.Notify() })
}
