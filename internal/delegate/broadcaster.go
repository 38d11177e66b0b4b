package delegate

import (
	"sync"

	"go.uber.org/zap"
)

// Broadcaster fans notifications out to subscribers, for example inspector
// websocket clients. It implements the notification capabilities and may
// wrap the embedder's own delegates, which are called first.
//
// Publishing never blocks the scheduler: a subscriber whose buffer is full
// misses the event.
type Broadcaster struct {
	next Delegates

	mu     sync.Mutex
	subs   map[uint64]chan Event
	nextID uint64
	logger *zap.Logger
}

// NewBroadcaster creates a broadcaster in front of next
func NewBroadcaster(next Delegates, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		next:   next.WithDefaults(),
		subs:   make(map[uint64]chan Event),
		logger: logger.Named("events"),
	}
}

// Delegates returns b as the notification capabilities and next's policy
// and warning capabilities.
func (b *Broadcaster) Delegates() Delegates {
	return Delegates{
		Navigation: b,
		Process:    b,
		Gesture:    b,
		Policy:     b.next.Policy,
		Warnings:   b.next.Warnings,
	}
}

// Subscribe registers a subscriber with the given buffer. The returned
// function unsubscribes and closes the channel.
func (b *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.nextID++
	key := b.nextID
	b.subs[key] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, key)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Debug("Subscriber lagging, event dropped",
				zap.Uint64("subscriber", key),
				zap.String("type", string(e.Type)))
		}
	}
}

func (b *Broadcaster) DidStartProvisionalNavigation(e Event) {
	b.next.Navigation.DidStartProvisionalNavigation(e)
	b.publish(e)
}

func (b *Broadcaster) DidReceiveServerRedirect(e Event) {
	b.next.Navigation.DidReceiveServerRedirect(e)
	b.publish(e)
}

func (b *Broadcaster) DidCommitNavigation(e Event) {
	b.next.Navigation.DidCommitNavigation(e)
	b.publish(e)
}

func (b *Broadcaster) DidFailProvisionalNavigation(e Event) {
	b.next.Navigation.DidFailProvisionalNavigation(e)
	b.publish(e)
}

func (b *Broadcaster) DidSameDocumentNavigation(e Event) {
	b.next.Navigation.DidSameDocumentNavigation(e)
	b.publish(e)
}

func (b *Broadcaster) DidStartDownload(e Event) {
	b.next.Navigation.DidStartDownload(e)
	b.publish(e)
}

func (b *Broadcaster) DidFirstPaint(e Event) {
	b.next.Navigation.DidFirstPaint(e)
	b.publish(e)
}

func (b *Broadcaster) DidClose(e Event) {
	b.next.Navigation.DidClose(e)
	b.publish(e)
}

func (b *Broadcaster) DidChangeProcess(e Event) {
	b.next.Process.DidChangeProcess(e)
	b.publish(e)
}

func (b *Broadcaster) ProcessDidTerminate(e Event) bool {
	handled := b.next.Process.ProcessDidTerminate(e)
	b.publish(e)
	return handled
}

func (b *Broadcaster) DidBeginNavigationGesture(e Event) {
	b.next.Gesture.DidBeginNavigationGesture(e)
	b.publish(e)
}

func (b *Broadcaster) WillEndNavigationGesture(e Event) {
	b.next.Gesture.WillEndNavigationGesture(e)
	b.publish(e)
}

func (b *Broadcaster) DidEndNavigationGesture(e Event) {
	b.next.Gesture.DidEndNavigationGesture(e)
	b.publish(e)
}
