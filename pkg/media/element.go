package media

import (
	"errors"
	"time"
)

var (
	// ErrNoFactory is returned by [Engine.Make] for an unknown factory name.
	ErrNoFactory = errors.New("media: no such element factory")

	// ErrNotNegotiated is returned when two pads cannot agree on a format,
	// typically because a filtered link's caps do not intersect.
	ErrNotNegotiated = errors.New("media: format not negotiated")

	// ErrAlreadyLinked is returned when linking a pad that already has a peer.
	ErrAlreadyLinked = errors.New("media: pad already linked")

	// ErrNoPad is returned when an element lacks the pad a link requires.
	ErrNoPad = errors.New("media: no such pad")

	// ErrUnknownProperty is returned by [Element.Set] for keys the element
	// does not expose.
	ErrUnknownProperty = errors.New("media: unknown property")

	// ErrWrongDirection is returned when linking two pads of the same
	// direction.
	ErrWrongDirection = errors.New("media: pad direction mismatch")
)

// Pad is a connection point on an element. Ghost pads on a [Bin] forward to
// a pad of an inner element.
type Pad interface {
	// Name returns the pad name, e.g. "src", "sink" or "src_0".
	Name() string

	// Direction tells whether data leaves or enters through this pad.
	Direction() PadDirection

	// Parent returns the owning element (the bin, for ghost pads).
	Parent() Element

	// Caps returns the format this pad produces or accepts. The zero value
	// means any format.
	Caps() Caps

	// Peer returns the linked pad or nil.
	Peer() Pad

	// IsLinked reports whether the pad has a peer.
	IsLinked() bool

	// Link connects this src pad to the given sink pad.
	Link(sink Pad) error

	// SetOffset shifts the running time of data leaving this pad.
	SetOffset(d time.Duration)

	// Offset returns the value last passed to SetOffset.
	Offset() time.Duration
}

// Element is a single typed processing node.
//
// Implementations must be safe for concurrent use: the orchestrator sets
// properties and requests state changes from its event loop and timer
// goroutines while the engine streams.
type Element interface {
	// Name returns the unique element name.
	Name() string

	// Factory returns the factory the element was made from.
	Factory() string

	// Role returns the capability tag (source, filter or sink).
	Role() Role

	// Set assigns a typed property value. Unknown keys return
	// [ErrUnknownProperty]; wrongly typed values return a descriptive error.
	Set(key string, value any) error

	// Get returns a property value.
	Get(key string) (any, bool)

	// Properties returns a copy of the ordered property bag.
	Properties() Properties

	// Pad returns the named pad or nil.
	Pad(name string) Pad

	// Pads returns all pads, static and dynamic.
	Pads() []Pad

	// Link connects this element's src pad to dst's sink pad.
	Link(dst Element) error

	// LinkFiltered is Link with a format constraint. A constraint that
	// cannot be met fails with [ErrNotNegotiated].
	LinkFiltered(dst Element, caps Caps) error

	// SetState requests a transition to target.
	SetState(target State) StateChangeReturn

	// State returns the current state.
	State() State
}

// Bin is an element that contains other elements.
type Bin interface {
	Element

	// Add takes ownership of elems. Names must be unique within the bin.
	Add(elems ...Element) error

	// Remove releases elems from the bin, setting them to NULL first.
	Remove(elems ...Element) error

	// Elements returns the direct children in insertion order.
	Elements() []Element

	// AddPad exposes a ghost pad on the bin boundary.
	AddPad(p Pad) error
}

// Pipeline is a top-level bin with a message bus.
type Pipeline interface {
	Bin

	// Bus returns the pipeline's message bus.
	Bus() Bus
}

// AppSource is implemented by application-fed source elements ("appsrc").
type AppSource interface {
	Element

	// PushBuffer queues b for delivery downstream. The engine copies the
	// buffer content; b may be reused after the call returns.
	PushBuffer(b *Buffer) error
}

// Engine constructs elements and graphs.
type Engine interface {
	// Name identifies the engine implementation for logs and health checks.
	Name() string

	// Make creates an element from the named factory. An empty name lets the
	// engine pick a unique one. Unknown factories return [ErrNoFactory].
	Make(factory, name string) (Element, error)

	// NewBin creates an empty bin.
	NewBin(name string) (Bin, error)

	// NewPipeline creates an empty pipeline with its own bus.
	NewPipeline(name string) (Pipeline, error)

	// NewGhostPad creates a pad that forwards to target. The result still
	// has to be added to a bin with [Bin.AddPad].
	NewGhostPad(name string, target Pad) (Pad, error)
}
