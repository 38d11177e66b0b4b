package loop

// Step is one asynchronous dependency of a Sequence. It must call next
// exactly once when its work completes; extra calls are ignored.
type Step func(next func())

type namedStep struct {
	name string
	run  Step
}

// Sequence runs steps in order, each continuation resuming on the scheduler.
// A cancelled sequence never runs another step nor its completion callback.
type Sequence struct {
	sched     Scheduler
	steps     []namedStep
	index     int
	started   bool
	cancelled bool
	finished  bool
	onDone    func()
}

// NewSequence creates an empty sequence bound to sched
func NewSequence(sched Scheduler) *Sequence {
	return &Sequence{sched: sched}
}

// Then appends a step. Steps cannot be added after Start.
func (s *Sequence) Then(name string, step Step) *Sequence {
	if s.started {
		panic("loop: Then called on a started sequence")
	}
	s.steps = append(s.steps, namedStep{name: name, run: step})
	return s
}

// Start runs the first step. onDone runs after the last step completes.
func (s *Sequence) Start(onDone func()) {
	if s.started {
		return
	}
	s.started = true
	s.onDone = onDone
	s.runCurrent()
}

func (s *Sequence) runCurrent() {
	if s.cancelled {
		return
	}
	if s.index >= len(s.steps) {
		s.finished = true
		if s.onDone != nil {
			s.onDone()
		}
		return
	}

	idx := s.index
	step := s.steps[idx]
	step.run(func() {
		s.sched.Dispatch(func() {
			if s.cancelled || s.index != idx {
				return
			}
			s.index++
			s.runCurrent()
		})
	})
}

// Cancel stops the sequence. It reports whether the sequence was still
// in progress.
func (s *Sequence) Cancel() bool {
	if s.cancelled || s.finished {
		return false
	}
	s.cancelled = true
	return true
}

// Cancelled reports whether Cancel stopped the sequence
func (s *Sequence) Cancelled() bool { return s.cancelled }

// Finished reports whether every step completed
func (s *Sequence) Finished() bool { return s.finished }

// Current names the step in progress, or "" when not running
func (s *Sequence) Current() string {
	if !s.started || s.cancelled || s.finished || s.index >= len(s.steps) {
		return ""
	}
	return s.steps[s.index].name
}
