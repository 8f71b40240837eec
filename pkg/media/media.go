// Package media defines the boundary between rtpcast's stream orchestration
// and the media engine that actually moves audio.
//
// The engine owns element construction, property configuration, linking
// (optionally constrained by [Caps]), ghost pads on bin boundaries, the state
// machine of each element and the message [Bus]. rtpcast only composes these
// primitives; it never touches samples directly.
//
// The main abstractions are:
//
//   - [Engine]: named element factories plus bin, pipeline and ghost pad
//     construction.
//   - [Element] / [Bin] / [Pipeline]: typed processing nodes with an ordered
//     property bag, pads and a four-level state machine.
//   - [Bus]: the asynchronous channel carrying [Message] values out of a
//     running pipeline.
//   - [Buffer]: fixed-capacity memory with the capacity-checked
//     [Buffer.SetData] write primitive.
//
// Implementations live in sub-packages: media/soft is a small in-process
// engine and media/mock is a scriptable engine for unit tests.
package media

// State is the lifecycle state of an element or pipeline. Transitions are
// strictly adjacent: NULL ↔ READY ↔ PAUSED ↔ PLAYING.
type State int

const (
	// StateVoid means "no state"; it is used as the pending target when no
	// further transition is outstanding.
	StateVoid State = iota
	StateNull
	StateReady
	StatePaused
	StatePlaying
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateVoid:
		return "VOID_PENDING"
	case StateNull:
		return "NULL"
	case StateReady:
		return "READY"
	case StatePaused:
		return "PAUSED"
	case StatePlaying:
		return "PLAYING"
	default:
		return "UNKNOWN"
	}
}

// Next returns the state adjacent to s in the direction of target. When s
// already equals target, s is returned.
func (s State) Next(target State) State {
	switch {
	case target > s:
		return s + 1
	case target < s:
		return s - 1
	default:
		return s
	}
}

// StateChangeReturn is the immediate result of a state change request.
type StateChangeReturn int

const (
	// StateChangeFailure means the transition failed; the element stays in
	// its previous state.
	StateChangeFailure StateChangeReturn = iota

	// StateChangeSuccess means the transition completed synchronously.
	StateChangeSuccess

	// StateChangeAsync means the transition continues in the background and
	// completion is reported later with a [StateChanged] message.
	StateChangeAsync
)

// String returns the human-readable result name.
func (r StateChangeReturn) String() string {
	switch r {
	case StateChangeFailure:
		return "failure"
	case StateChangeSuccess:
		return "success"
	case StateChangeAsync:
		return "async"
	default:
		return "unknown"
	}
}

// Role is the capability tag of a processing node.
type Role int

const (
	RoleFilter Role = iota
	RoleSource
	RoleSink
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleSink:
		return "sink"
	default:
		return "filter"
	}
}

// PadDirection tells whether data leaves (src) or enters (sink) through a pad.
type PadDirection int

const (
	PadSrc PadDirection = iota
	PadSink
)

// String returns "src" or "sink".
func (d PadDirection) String() string {
	if d == PadSink {
		return "sink"
	}
	return "src"
}
