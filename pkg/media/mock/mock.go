// Package mock provides an in-memory, scriptable implementation of the
// [media.Engine] boundary for unit tests.
//
// Nothing streams. Elements record every property assignment, link and state
// request so tests can assert on them, and exported fields let the test
// control return values. Messages are never generated on their own: a test
// drives a pipeline by posting to its bus with [Pipeline.Post].
//
// Typical usage:
//
//	eng := mock.NewEngine()
//	eng.PipelineResults[media.StatePlaying] = media.StateChangeAsync
//	// ... code under test builds a pipeline ...
//	p := eng.Pipeline("pipeline-s1")
//	p.Post(media.StateChanged{Src: p.Name(), Old: media.StateNull, New: media.StateReady})
package mock

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// Compile-time interface assertions.
var (
	_ media.Engine    = (*Engine)(nil)
	_ media.AppSource = (*Element)(nil)
	_ media.Bin       = (*Bin)(nil)
	_ media.Pipeline  = (*Pipeline)(nil)
	_ media.Pad       = (*Pad)(nil)
)

// roles maps the factories used by rtpcast to their capability tag. Anything
// else is treated as a filter with one sink and one src pad.
var roles = map[string]media.Role{
	"audiotestsrc": media.RoleSource,
	"appsrc":       media.RoleSource,
	"playbin":      media.RoleSource,
	"uridecodebin": media.RoleSource,
	"udpsink":      media.RoleSink,
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a mock implementation of [media.Engine].
type Engine struct {
	mu sync.Mutex

	// MakeErrors maps a factory name to the error Make returns for it.
	MakeErrors map[string]error

	// LinkErrors maps "src->dst" (element names) to the error returned by
	// Link or LinkFiltered between those elements.
	LinkErrors map[string]error

	// PipelineResults maps a requested target state to what
	// Pipeline.SetState returns. Targets not present return
	// [media.StateChangeSuccess].
	PipelineResults map[media.State]media.StateChangeReturn

	// MakeCalls records the factory name of every Make call, in order.
	MakeCalls []string

	elements  map[string]*Element
	pipelines []*Pipeline
	seq       int
}

// NewEngine returns a ready-to-use mock engine.
func NewEngine() *Engine {
	return &Engine{
		MakeErrors:      make(map[string]error),
		LinkErrors:      make(map[string]error),
		PipelineResults: make(map[media.State]media.StateChangeReturn),
		elements:        make(map[string]*Element),
	}
}

// Name implements [media.Engine].
func (e *Engine) Name() string { return "mock" }

// Make implements [media.Engine].
func (e *Engine) Make(factory, name string) (media.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.MakeCalls = append(e.MakeCalls, factory)
	if err := e.MakeErrors[factory]; err != nil {
		return nil, err
	}
	el := e.newElementLocked(factory, name, roles[factory])
	switch {
	case factory == "playbin" || factory == "uridecodebin":
	case el.role == media.RoleSource:
		el.addPad("src", media.PadSrc)
	case el.role == media.RoleSink:
		el.addPad("sink", media.PadSink)
	default:
		el.addPad("sink", media.PadSink)
		el.addPad("src", media.PadSrc)
	}
	return el, nil
}

// NewBin implements [media.Engine].
func (e *Engine) NewBin(name string) (media.Bin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := &Bin{Element: e.newElementLocked("bin", name, media.RoleFilter)}
	b.self = b
	return b, nil
}

// NewPipeline implements [media.Engine].
func (e *Engine) NewPipeline(name string) (media.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &Pipeline{
		Bin: &Bin{Element: e.newElementLocked("pipeline", name, media.RoleFilter)},
		bus: media.NewQueueBus(),
	}
	p.self = p
	p.pipeline = true
	e.pipelines = append(e.pipelines, p)
	return p, nil
}

// NewGhostPad implements [media.Engine].
func (e *Engine) NewGhostPad(name string, target media.Pad) (media.Pad, error) {
	if target == nil {
		return nil, fmt.Errorf("mock: ghost pad %q: %w", name, media.ErrNoPad)
	}
	return &Pad{name: name, dir: target.Direction(), target: target}, nil
}

// Element returns the element created under name, or nil.
func (e *Engine) Element(name string) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.elements[name]
}

// ElementsByFactory returns every element made from factory, in creation order.
func (e *Engine) ElementsByFactory(factory string) []*Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*Element
	for _, el := range e.elements {
		if el.factory == factory {
			out = append(out, el)
		}
	}
	slices.SortFunc(out, func(a, b *Element) int { return a.seq - b.seq })
	return out
}

// Pipeline returns the pipeline created under name, or nil.
func (e *Engine) Pipeline(name string) *Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.pipelines {
		if p.name == name {
			return p
		}
	}
	return nil
}

func (e *Engine) newElementLocked(factory, name string, role media.Role) *Element {
	e.seq++
	if name == "" {
		name = fmt.Sprintf("%s%d", factory, e.seq)
	}
	el := &Element{eng: e, name: name, factory: factory, role: role, state: media.StateNull, seq: e.seq}
	el.self = el
	e.elements[name] = el
	return el
}

func (e *Engine) linkError(src, dst string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.LinkErrors[src+"->"+dst]
}

func (e *Engine) pipelineResult(target media.State) media.StateChangeReturn {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.PipelineResults[target]; ok {
		return r
	}
	return media.StateChangeSuccess
}

// ─── Element ──────────────────────────────────────────────────────────────────

// Element is a mock implementation of [media.Element] and [media.AppSource].
type Element struct {
	mu sync.Mutex

	eng      *Engine
	self     media.Element
	seq      int
	name     string
	factory  string
	role     media.Role
	props    media.Properties
	state    media.State
	pads     []*Pad
	requests []media.State
	pushed   [][]byte
	pipeline bool

	// PushError is returned by PushBuffer when set.
	PushError error

	// SetError is returned by Set when set.
	SetError error
}

// Name implements [media.Element].
func (el *Element) Name() string { return el.name }

// Factory implements [media.Element].
func (el *Element) Factory() string { return el.factory }

// Role implements [media.Element].
func (el *Element) Role() media.Role { return el.role }

// Set implements [media.Element]. Every call is recorded in the property bag.
func (el *Element) Set(key string, value any) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.SetError != nil {
		return el.SetError
	}
	el.props.Set(key, value)
	return nil
}

// Get implements [media.Element].
func (el *Element) Get(key string) (any, bool) {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.props.Get(key)
}

// Properties implements [media.Element].
func (el *Element) Properties() media.Properties {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.props.Clone()
}

// Pad implements [media.Element].
func (el *Element) Pad(name string) media.Pad {
	el.mu.Lock()
	defer el.mu.Unlock()
	for _, p := range el.pads {
		if p.name == name {
			return p
		}
	}
	return nil
}

// Pads implements [media.Element].
func (el *Element) Pads() []media.Pad {
	el.mu.Lock()
	defer el.mu.Unlock()
	out := make([]media.Pad, len(el.pads))
	for i, p := range el.pads {
		out[i] = p
	}
	return out
}

// Link implements [media.Element].
func (el *Element) Link(dst media.Element) error {
	return el.LinkFiltered(dst, media.Caps{})
}

// LinkFiltered implements [media.Element]. Caps that do not intersect the
// src pad's caps fail with [media.ErrNotNegotiated].
func (el *Element) LinkFiltered(dst media.Element, caps media.Caps) error {
	if err := el.eng.linkError(el.name, dst.Name()); err != nil {
		return err
	}
	src, _ := el.Pad("src").(*Pad)
	if src == nil {
		return fmt.Errorf("mock: %s has no src pad: %w", el.name, media.ErrNoPad)
	}
	sink := dst.Pad("sink")
	if sink == nil {
		return fmt.Errorf("mock: %s has no sink pad: %w", dst.Name(), media.ErrNoPad)
	}
	if !caps.Intersects(src.Caps()) || !caps.Intersects(sink.Caps()) {
		return fmt.Errorf("mock: %s -> %s with %s: %w", el.name, dst.Name(), caps, media.ErrNotNegotiated)
	}
	if err := src.Link(sink); err != nil {
		return err
	}
	src.mu.Lock()
	src.filter = caps
	src.mu.Unlock()
	return nil
}

// SetState implements [media.Element]. Pipelines return the engine's
// PipelineResults entry; plain elements always succeed.
func (el *Element) SetState(target media.State) media.StateChangeReturn {
	ret := media.StateChangeSuccess
	if el.pipeline {
		ret = el.eng.pipelineResult(target)
	}
	el.mu.Lock()
	defer el.mu.Unlock()
	el.requests = append(el.requests, target)
	if ret != media.StateChangeFailure {
		el.state = target
	}
	return ret
}

// State implements [media.Element].
func (el *Element) State() media.State {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.state
}

// PushBuffer implements [media.AppSource]. The buffer bytes are copied and
// recorded; see [Element.Pushed].
func (el *Element) PushBuffer(b *media.Buffer) error {
	el.mu.Lock()
	defer el.mu.Unlock()
	if el.PushError != nil {
		return el.PushError
	}
	if el.factory != "appsrc" {
		return errors.New("mock: push-buffer on non-appsrc element")
	}
	el.pushed = append(el.pushed, append([]byte(nil), b.Bytes()...))
	return nil
}

// StateRequests returns every target passed to SetState, in order.
func (el *Element) StateRequests() []media.State {
	el.mu.Lock()
	defer el.mu.Unlock()
	return slices.Clone(el.requests)
}

// Pushed returns copies of every buffer pushed into an appsrc.
func (el *Element) Pushed() [][]byte {
	el.mu.Lock()
	defer el.mu.Unlock()
	return slices.Clone(el.pushed)
}

// AddDynamicPad adds a src pad as a demuxing or decoding element would after
// it discovered a stream. The caller usually follows up with a
// [media.PadAdded] post.
func (el *Element) AddDynamicPad(name string, caps media.Caps) *Pad {
	el.mu.Lock()
	defer el.mu.Unlock()
	p := el.addPad(name, media.PadSrc)
	p.caps = caps
	return p
}

func (el *Element) addPad(name string, dir media.PadDirection) *Pad {
	p := &Pad{name: name, dir: dir, parent: el.self}
	el.pads = append(el.pads, p)
	return p
}

// ─── Bin / Pipeline ───────────────────────────────────────────────────────────

// Bin is a mock implementation of [media.Bin].
type Bin struct {
	*Element

	children []media.Element
	removed  []string
}

// Add implements [media.Bin].
func (b *Bin) Add(elems ...media.Element) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range elems {
		for _, c := range b.children {
			if c.Name() == e.Name() {
				return fmt.Errorf("mock: bin %s already contains %s", b.name, e.Name())
			}
		}
		b.children = append(b.children, e)
	}
	return nil
}

// Remove implements [media.Bin]. Removed elements are set to NULL.
func (b *Bin) Remove(elems ...media.Element) error {
	for _, e := range elems {
		e.SetState(media.StateNull)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range elems {
		b.children = slices.DeleteFunc(b.children, func(c media.Element) bool { return c.Name() == e.Name() })
		b.removed = append(b.removed, e.Name())
	}
	return nil
}

// Elements implements [media.Bin].
func (b *Bin) Elements() []media.Element {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.children)
}

// AddPad implements [media.Bin].
func (b *Bin) AddPad(p media.Pad) error {
	mp, ok := p.(*Pad)
	if !ok {
		return fmt.Errorf("mock: foreign pad type %T", p)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.pads {
		if existing.name == mp.name {
			return fmt.Errorf("mock: bin %s already has pad %s", b.name, mp.name)
		}
	}
	mp.mu.Lock()
	mp.parent = b.self
	mp.mu.Unlock()
	b.pads = append(b.pads, mp)
	return nil
}

// Removed returns the names of elements released through Remove.
func (b *Bin) Removed() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.removed)
}

// Pipeline is a mock implementation of [media.Pipeline].
type Pipeline struct {
	*Bin

	bus *media.QueueBus
}

// Bus implements [media.Pipeline].
func (p *Pipeline) Bus() media.Bus { return p.bus }

// Post queues msg on the pipeline bus.
func (p *Pipeline) Post(msg media.Message) bool { return p.bus.Post(msg) }

// ─── Pad ──────────────────────────────────────────────────────────────────────

// Pad is a mock implementation of [media.Pad].
type Pad struct {
	mu sync.Mutex

	name   string
	dir    media.PadDirection
	parent media.Element
	caps   media.Caps
	filter media.Caps
	peer   media.Pad
	target media.Pad
	offset time.Duration
}

// Name implements [media.Pad].
func (p *Pad) Name() string { return p.name }

// Direction implements [media.Pad].
func (p *Pad) Direction() media.PadDirection { return p.dir }

// Parent implements [media.Pad].
func (p *Pad) Parent() media.Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

// Caps implements [media.Pad]. Ghost pads report their target's caps.
func (p *Pad) Caps() media.Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target != nil {
		return p.target.Caps()
	}
	return p.caps
}

// Peer implements [media.Pad].
func (p *Pad) Peer() media.Pad {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peer
}

// IsLinked implements [media.Pad].
func (p *Pad) IsLinked() bool { return p.Peer() != nil }

// Link implements [media.Pad].
func (p *Pad) Link(sink media.Pad) error {
	ms, ok := sink.(*Pad)
	if !ok {
		return fmt.Errorf("mock: foreign pad type %T", sink)
	}
	if p.dir != media.PadSrc || ms.dir != media.PadSink {
		return media.ErrWrongDirection
	}
	if p.IsLinked() || ms.IsLinked() {
		return media.ErrAlreadyLinked
	}
	p.mu.Lock()
	p.peer = ms
	p.mu.Unlock()
	ms.mu.Lock()
	ms.peer = p
	ms.mu.Unlock()
	return nil
}

// SetOffset implements [media.Pad].
func (p *Pad) SetOffset(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offset = d
}

// Offset implements [media.Pad].
func (p *Pad) Offset() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offset
}

// Target returns the pad a ghost pad forwards to, or nil.
func (p *Pad) Target() media.Pad { return p.target }

// Filter returns the caps passed to LinkFiltered for this src pad.
func (p *Pad) Filter() media.Caps {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}
