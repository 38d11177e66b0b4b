// Package surface models the drawing surface a page presents through.
//
// A surface is created for one content process and swapped atomically when a
// page commits in another process. Whether the old surface can be replaced
// without showing an intermediate empty frame is a capability of the
// platform, queried through SupportsInstantSwap.
package surface

import (
	"github.com/GriffinCanCode/navswap/internal/process"
	"github.com/GriffinCanCode/navswap/internal/shared/id"
)

// Surface is the drawing surface of one page incarnation
type Surface interface {
	ProcessID() id.ProcessID
	// SupportsInstantSwap reports whether replacing this surface shows the
	// new content without an empty frame in between.
	SupportsInstantSwap() bool
	Close()
	Closed() bool
}

// Factory creates surfaces
type Factory interface {
	CreateFor(p *process.Process) Surface
}

// Local is an in-memory surface
type Local struct {
	pid     id.ProcessID
	instant bool
	closed  bool
}

func (s *Local) ProcessID() id.ProcessID   { return s.pid }
func (s *Local) SupportsInstantSwap() bool { return s.instant }
func (s *Local) Close()                    { s.closed = true }
func (s *Local) Closed() bool              { return s.closed }

// LocalFactory creates Local surfaces
type LocalFactory struct {
	InstantSwap bool
}

// CreateFor implements Factory
func (f LocalFactory) CreateFor(p *process.Process) Surface {
	return &Local{pid: p.ID(), instant: f.InstantSwap}
}
