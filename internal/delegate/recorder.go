package delegate

import "sync"

// Recorder keeps every notification in order. Scenario runs print it and
// tests assert on it.
type Recorder struct {
	Default

	mu     sync.Mutex
	events []Event
	// Handled is returned from ProcessDidTerminate.
	Handled bool
}

func (r *Recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

// Count returns how many events of type t were recorded
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Last returns the most recent event of type t
func (r *Recorder) Last(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Reset forgets the recorded events
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *Recorder) DidStartProvisionalNavigation(e Event) { r.record(e) }
func (r *Recorder) DidReceiveServerRedirect(e Event)      { r.record(e) }
func (r *Recorder) DidCommitNavigation(e Event)           { r.record(e) }
func (r *Recorder) DidFailProvisionalNavigation(e Event)  { r.record(e) }
func (r *Recorder) DidSameDocumentNavigation(e Event)     { r.record(e) }
func (r *Recorder) DidStartDownload(e Event)              { r.record(e) }
func (r *Recorder) DidFirstPaint(e Event)                 { r.record(e) }
func (r *Recorder) DidClose(e Event)                      { r.record(e) }
func (r *Recorder) DidChangeProcess(e Event)              { r.record(e) }
func (r *Recorder) DidBeginNavigationGesture(e Event)     { r.record(e) }
func (r *Recorder) WillEndNavigationGesture(e Event)      { r.record(e) }
func (r *Recorder) DidEndNavigationGesture(e Event)       { r.record(e) }

func (r *Recorder) ProcessDidTerminate(e Event) bool {
	r.record(e)
	return r.Handled
}
