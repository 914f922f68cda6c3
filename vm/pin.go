package vm

import "sync"

// pinSet is the collector's set of handles native code holds across
// safepoints. Pinned objects are treated as roots; refcounts allow the same
// handle to be pinned by overlapping scopes.
type pinSet struct {
	mu   sync.Mutex
	refs map[Handle]int
}

func newPinSet() *pinSet {
	return &pinSet{refs: make(map[Handle]int)}
}

func (p *pinSet) pin(h Handle) {
	p.mu.Lock()
	p.refs[h]++
	p.mu.Unlock()
}

func (p *pinSet) unpin(h Handle) {
	p.mu.Lock()
	if n := p.refs[h]; n <= 1 {
		delete(p.refs, h)
	} else {
		p.refs[h] = n - 1
	}
	p.mu.Unlock()
}

// each visits every pinned handle. Called with the world stopped, but the
// lock is still taken because I/O goroutines are not parked by a quiesce.
func (p *pinSet) each(visit func(Handle)) {
	p.mu.Lock()
	for h := range p.refs {
		visit(h)
	}
	p.mu.Unlock()
}

// ---------------------------------------------------------------------------
// PinScope
// ---------------------------------------------------------------------------

// PinScope groups the pins taken for one native call. Release is idempotent:
// both the completion path and the cancellation path may call it, and the
// underlying pins are dropped exactly once.
type PinScope struct {
	set      *pinSet
	mu       sync.Mutex
	handles  []Handle
	released bool
}

func (p *pinSet) newScope() *PinScope {
	return &PinScope{set: p}
}

// Pin adds a handle to the scope and the collector's root set.
func (s *PinScope) Pin(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic("vm: Pin on released PinScope")
	}
	s.set.pin(h)
	s.handles = append(s.handles, h)
}

// Release drops every pin in the scope. Safe to call more than once.
func (s *PinScope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	for _, h := range handles {
		s.set.unpin(h)
	}
}

// Released reports whether the scope has been released.
func (s *PinScope) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
