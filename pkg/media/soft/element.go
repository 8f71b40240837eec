package soft

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// hooks is implemented by every concrete element type. change runs one
// adjacent state transition; it is called with the element's transition lock
// held.
type hooks interface {
	change(from, to media.State) error
}

// baser gives access to the shared element core of any soft element.
type baser interface {
	base() *element
}

// propCheck validates the dynamic type of a property value.
type propCheck func(any) bool

func isInt(v any) bool     { _, ok := v.(int); return ok }
func isInt64(v any) bool   { _, ok := v.(int64); return ok }
func isUint32(v any) bool  { _, ok := v.(uint32); return ok }
func isFloat(v any) bool   { _, ok := v.(float64); return ok }
func isString(v any) bool  { _, ok := v.(string); return ok }
func isBool(v any) bool    { _, ok := v.(bool); return ok }
func isCaps(v any) bool    { _, ok := v.(media.Caps); return ok }
func isElement(v any) bool { _, ok := v.(media.Element); return ok }

// element is the core shared by all soft elements. Concrete types embed a
// *element and register themselves as its hooks.
type element struct {
	eng     *Engine
	self    media.Element
	hooks   hooks
	name    string
	factory string
	role    media.Role
	schema  map[string]propCheck

	// transMu serializes state transitions.
	transMu sync.Mutex

	mu     sync.Mutex
	props  media.Properties
	pads   []*pad
	state  media.State
	parent *element
	bus    *media.QueueBus
}

func newElement(eng *Engine, factory, name string, role media.Role, schema map[string]propCheck) *element {
	return &element{eng: eng, factory: factory, name: name, role: role, schema: schema, state: media.StateNull}
}

func (e *element) base() *element { return e }

// Name implements [media.Element].
func (e *element) Name() string { return e.name }

// Factory implements [media.Element].
func (e *element) Factory() string { return e.factory }

// Role implements [media.Element].
func (e *element) Role() media.Role { return e.role }

// Set implements [media.Element].
func (e *element) Set(key string, value any) error {
	check, ok := e.schema[key]
	if !ok {
		return fmt.Errorf("soft: %s.%s: %w", e.name, key, media.ErrUnknownProperty)
	}
	if !check(value) {
		return fmt.Errorf("soft: %s.%s: unsupported value type %T", e.name, key, value)
	}
	e.mu.Lock()
	e.props.Set(key, value)
	e.mu.Unlock()
	if n, ok := e.hooks.(interface{ notify(key string) }); ok {
		n.notify(key)
	}
	return nil
}

// Get implements [media.Element].
func (e *element) Get(key string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.props.Get(key)
}

func (e *element) getString(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

func (e *element) getInt(key string, def int) int {
	if v, ok := e.Get(key); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return def
}

// Properties implements [media.Element].
func (e *element) Properties() media.Properties {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.props.Clone()
}

// Pad implements [media.Element].
func (e *element) Pad(name string) media.Pad {
	if p := e.pad(name); p != nil {
		return p
	}
	return nil
}

func (e *element) pad(name string) *pad {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pads {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Pads implements [media.Element].
func (e *element) Pads() []media.Pad {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]media.Pad, len(e.pads))
	for i, p := range e.pads {
		out[i] = p
	}
	return out
}

func (e *element) addPad(name string, dir media.PadDirection, caps media.Caps) *pad {
	p := &pad{name: name, dir: dir, owner: e, caps: caps}
	e.mu.Lock()
	e.pads = append(e.pads, p)
	e.mu.Unlock()
	return p
}

// Link implements [media.Element].
func (e *element) Link(dst media.Element) error {
	return e.LinkFiltered(dst, media.Caps{})
}

// LinkFiltered implements [media.Element].
func (e *element) LinkFiltered(dst media.Element, caps media.Caps) error {
	src := e.pad("src")
	if src == nil {
		return fmt.Errorf("soft: %s has no src pad: %w", e.name, media.ErrNoPad)
	}
	sink, ok := dst.Pad("sink").(*pad)
	if !ok || sink == nil {
		return fmt.Errorf("soft: %s has no sink pad: %w", dst.Name(), media.ErrNoPad)
	}
	if !caps.Intersects(src.Caps()) || !caps.Intersects(sink.Caps()) {
		return fmt.Errorf("soft: %s -> %s with %s: %w", e.name, dst.Name(), caps, media.ErrNotNegotiated)
	}
	if err := src.Link(sink); err != nil {
		return err
	}
	src.mu.Lock()
	src.filter = caps
	src.mu.Unlock()
	return nil
}

// State implements [media.Element].
func (e *element) State() media.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SetState implements [media.Element]. Plain elements and bins change state
// synchronously, one adjacent step at a time.
func (e *element) SetState(target media.State) media.StateChangeReturn {
	e.transMu.Lock()
	defer e.transMu.Unlock()
	for cur := e.State(); cur != target; cur = e.State() {
		if err := e.step(cur, cur.Next(target)); err != nil {
			e.post(media.Error{Src: e.name, Text: err.Error(), Debug: fmt.Sprintf("%s -> %s", cur, target)})
			return media.StateChangeFailure
		}
	}
	return media.StateChangeSuccess
}

func (e *element) step(from, to media.State) error {
	if err := e.hooks.change(from, to); err != nil {
		return err
	}
	e.mu.Lock()
	e.state = to
	e.mu.Unlock()
	return nil
}

// post delivers msg to the bus of the pipeline this element lives in. Posts
// from elements outside any pipeline are dropped.
func (e *element) post(msg media.Message) {
	for cur := e; cur != nil; {
		cur.mu.Lock()
		bus, parent := cur.bus, cur.parent
		cur.mu.Unlock()
		if bus != nil {
			bus.Post(msg)
			return
		}
		cur = parent
	}
}

func (e *element) setParent(p *element) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.parent != nil && e.parent != p {
		return fmt.Errorf("soft: %s already has parent %s", e.name, e.parent.name)
	}
	e.parent = p
	return nil
}

// nop is the hooks implementation of elements without transition work.
type nop struct{}

func (nop) change(_, _ media.State) error { return nil }

// ─── pads ─────────────────────────────────────────────────────────────────────

// pad implements [media.Pad].
type pad struct {
	mu        sync.Mutex
	name      string
	dir       media.PadDirection
	owner     *element
	caps      media.Caps
	filter    media.Caps
	peer      *pad
	target    *pad
	ghostedBy *pad
	offset    time.Duration
}

// Name implements [media.Pad].
func (p *pad) Name() string { return p.name }

// Direction implements [media.Pad].
func (p *pad) Direction() media.PadDirection { return p.dir }

// Parent implements [media.Pad].
func (p *pad) Parent() media.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner == nil {
		return nil
	}
	return p.owner.self
}

// Caps implements [media.Pad].
func (p *pad) Caps() media.Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target != nil {
		return p.target.Caps()
	}
	return p.caps
}

// Peer implements [media.Pad].
func (p *pad) Peer() media.Pad {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.peer == nil {
		return nil
	}
	return p.peer
}

// IsLinked implements [media.Pad].
func (p *pad) IsLinked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer != nil
}

// Link implements [media.Pad].
func (p *pad) Link(sink media.Pad) error {
	sp, ok := sink.(*pad)
	if !ok || sp == nil {
		return fmt.Errorf("soft: cannot link to foreign pad %T: %w", sink, media.ErrNoPad)
	}
	if p.dir != media.PadSrc || sp.dir != media.PadSink {
		return fmt.Errorf("soft: %s -> %s: %w", p.name, sp.name, media.ErrWrongDirection)
	}
	if !p.Caps().Intersects(sp.Caps()) {
		return fmt.Errorf("soft: %s (%s) -> %s (%s): %w", p.name, p.Caps(), sp.name, sp.Caps(), media.ErrNotNegotiated)
	}
	if p.IsLinked() || sp.IsLinked() {
		return media.ErrAlreadyLinked
	}
	p.mu.Lock()
	p.peer = sp
	p.mu.Unlock()
	sp.mu.Lock()
	sp.peer = p
	sp.mu.Unlock()
	return nil
}

// SetOffset implements [media.Pad].
func (p *pad) SetOffset(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = d
}

// Offset implements [media.Pad].
func (p *pad) Offset() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// linked reports whether data can flow through p, either directly or via
// the ghost pad exposing it.
func (p *pad) linked() bool {
	p.mu.Lock()
	peer, ghost := p.peer, p.ghostedBy
	p.mu.Unlock()
	return peer != nil || ghost != nil
}

// upstream returns the real src pad feeding sink pad p, looking through
// ghost pads on both sides, or nil while nothing is linked.
func (p *pad) upstream() *pad {
	cur := p
	for cur != nil {
		cur.mu.Lock()
		peer, ghost := cur.peer, cur.ghostedBy
		cur.mu.Unlock()
		if peer != nil {
			for {
				peer.mu.Lock()
				target := peer.target
				peer.mu.Unlock()
				if target == nil {
					return peer
				}
				peer = target
			}
		}
		cur = ghost
	}
	return nil
}

func (p *pad) filterCaps() media.Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}
