package storage

import "sync"

// Broadcaster is an in-process Notifier. Delivery is best effort: a subscriber
// that has not drained its previous message misses the next one.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]map[chan string]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan string]struct{})}
}

func (b *Broadcaster) Publish(topic, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (b *Broadcaster) Subscribe(topic string) (<-chan string, func()) {
	ch := make(chan string, 1)

	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[chan string]struct{})
	}
	b.subs[topic][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[topic], ch)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}
