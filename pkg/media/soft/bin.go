package soft

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/rtpcast/pkg/media"
)

// bin implements [media.Bin]. State changes are applied to the children,
// sinks first on the way up and sources first on the way down.
type bin struct {
	*element

	childMu  sync.Mutex
	children []media.Element
}

func newBin(eng *Engine, factory, name string) *bin {
	b := &bin{element: newElement(eng, factory, name, media.RoleFilter, nil)}
	b.self = b
	b.hooks = b
	return b
}

// Add implements [media.Bin].
func (b *bin) Add(elems ...media.Element) error {
	b.childMu.Lock()
	defer b.childMu.Unlock()
	for _, el := range elems {
		be, ok := el.(baser)
		if !ok {
			return fmt.Errorf("soft: cannot add foreign element %T to %s", el, b.name)
		}
		for _, c := range b.children {
			if c.Name() == el.Name() {
				return fmt.Errorf("soft: %s already contains an element named %s", b.name, el.Name())
			}
		}
		if err := be.base().setParent(b.element); err != nil {
			return err
		}
		b.children = append(b.children, el)
	}
	return nil
}

// Remove implements [media.Bin].
func (b *bin) Remove(elems ...media.Element) error {
	var errs []error
	for _, el := range elems {
		if el.SetState(media.StateNull) == media.StateChangeFailure {
			errs = append(errs, fmt.Errorf("soft: %s did not reach NULL", el.Name()))
		}
		b.childMu.Lock()
		b.children = slices.DeleteFunc(b.children, func(c media.Element) bool { return c == el })
		b.childMu.Unlock()
		if be, ok := el.(baser); ok {
			be.base().mu.Lock()
			be.base().parent = nil
			be.base().mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// Elements implements [media.Bin].
func (b *bin) Elements() []media.Element {
	b.childMu.Lock()
	defer b.childMu.Unlock()
	return slices.Clone(b.children)
}

// AddPad implements [media.Bin].
func (b *bin) AddPad(p media.Pad) error {
	g, ok := p.(*pad)
	if !ok || g == nil || g.target == nil {
		return fmt.Errorf("soft: %s: only ghost pads can be added to a bin", b.name)
	}
	if b.pad(g.name) != nil {
		return fmt.Errorf("soft: %s already has a pad named %s", b.name, g.name)
	}
	g.mu.Lock()
	g.owner = b.element
	g.mu.Unlock()
	b.mu.Lock()
	b.pads = append(b.pads, g)
	b.mu.Unlock()
	return nil
}

func (b *bin) change(from, to media.State) error {
	children := b.Elements()
	if to > from {
		slices.Reverse(children)
	}
	for _, c := range children {
		if c.SetState(to) == media.StateChangeFailure {
			return fmt.Errorf("soft: %s: child %s failed %s -> %s", b.name, c.Name(), from, to)
		}
	}
	return nil
}

// validate reports every static pad in the subtree that is not linked.
func (b *bin) validate() error {
	var errs []error
	for _, c := range b.Elements() {
		errs = append(errs, validateElement(c))
	}
	return errors.Join(errs...)
}

func validateElement(el media.Element) error {
	switch v := el.(type) {
	case *bin:
		return v.validate()
	case *decoderElement:
		return v.validate()
	}
	be, ok := el.(baser)
	if !ok {
		return nil
	}
	var errs []error
	for _, p := range be.base().padsSnapshot() {
		if !p.linked() {
			errs = append(errs, fmt.Errorf("soft: %s:%s is not linked", el.Name(), p.name))
		}
	}
	return errors.Join(errs...)
}

func (e *element) padsSnapshot() []*pad {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.pads)
}

// ─── pipeline ─────────────────────────────────────────────────────────────────

// pipeline implements [media.Pipeline].
type pipeline struct {
	*bin

	asyncMu   sync.Mutex
	target    media.State
	advancing bool
}

func newPipeline(eng *Engine, name string) *pipeline {
	p := &pipeline{bin: newBin(eng, "pipeline", name)}
	p.self = p
	p.bus = media.NewQueueBus()
	return p
}

// Bus implements [media.Pipeline].
func (p *pipeline) Bus() media.Bus { return p.bus }

// SetState implements [media.Element].
//
// Downward requests and NULL → READY complete synchronously. A request from
// NULL above READY stops at READY and returns Async. Upward requests from
// READY or above return Async and are carried out by a goroutine; every
// completed step is reported with a StateChanged message.
func (p *pipeline) SetState(target media.State) media.StateChangeReturn {
	p.asyncMu.Lock()
	p.target = target
	cur := p.State()

	switch {
	case target <= cur:
		p.asyncMu.Unlock()
		return p.syncTo(target, target)

	case cur == media.StateNull:
		p.asyncMu.Unlock()
		if err := p.validate(); err != nil {
			p.eng.log.Warn("soft: pipeline not ready", "pipeline", p.name, "err", err)
			return media.StateChangeFailure
		}
		if ret := p.syncTo(media.StateReady, target); ret == media.StateChangeFailure || target == media.StateReady {
			return ret
		}
		return media.StateChangeAsync

	default:
		if !p.advancing {
			p.advancing = true
			go p.advance()
		}
		p.asyncMu.Unlock()
		return media.StateChangeAsync
	}
}

// syncTo steps to target under the transition lock. pending is reported in
// the StateChanged messages as the overall goal.
func (p *pipeline) syncTo(target, pending media.State) media.StateChangeReturn {
	p.transMu.Lock()
	defer p.transMu.Unlock()
	for cur := p.State(); cur != target; cur = p.State() {
		next := cur.Next(target)
		if err := p.step(cur, next); err != nil {
			p.post(media.Error{Src: p.name, Text: err.Error()})
			return media.StateChangeFailure
		}
		p.postChanged(cur, next, pending)
	}
	return media.StateChangeSuccess
}

func (p *pipeline) advance() {
	for {
		p.asyncMu.Lock()
		target := p.target
		cur := p.State()
		if target <= cur {
			p.advancing = false
			p.asyncMu.Unlock()
			return
		}
		p.asyncMu.Unlock()

		p.transMu.Lock()
		cur = p.State()
		p.asyncMu.Lock()
		target = p.target
		p.asyncMu.Unlock()
		if target <= cur {
			p.transMu.Unlock()
			continue
		}
		next := cur.Next(target)
		err := p.step(cur, next)
		p.transMu.Unlock()

		if err != nil {
			p.post(media.Error{Src: p.name, Text: err.Error(), Debug: fmt.Sprintf("%s -> %s", cur, next)})
			p.asyncMu.Lock()
			p.advancing = false
			p.asyncMu.Unlock()
			return
		}
		p.postChanged(cur, next, target)
	}
}

func (p *pipeline) postChanged(old, cur, target media.State) {
	pending := media.StateVoid
	if cur != target {
		pending = target
	}
	p.post(media.StateChanged{Src: p.name, Old: old, New: cur, Pending: pending})
}
