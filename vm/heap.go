package vm

import (
	"fmt"
	"sync"
)

// Handle identifies a heap object. Handles are arena indexes offset by one so
// the zero Handle is always invalid; they are stable for an object's lifetime
// and reused after the object is swept.
type Handle uint32

// InvalidHandle is the zero Handle.
const InvalidHandle Handle = 0

// ObjTag distinguishes heap object shapes.
type ObjTag byte

const (
	ObjObject  ObjTag = iota // class instance with fields
	ObjArray                 // value array
	ObjString                // immutable byte string
	ObjClosure               // function + capture slots
	ObjCell                  // single-slot indirection for captured locals
)

func (t ObjTag) String() string {
	switch t {
	case ObjObject:
		return "object"
	case ObjArray:
		return "array"
	case ObjString:
		return "string"
	case ObjClosure:
		return "closure"
	case ObjCell:
		return "cell"
	}
	return fmt.Sprintf("objtag(%d)", byte(t))
}

// HeapObject is one allocated object. Fields holds traced slots (object
// fields, array elements, closure captures, cell contents); Bytes holds
// untraced string payloads.
type HeapObject struct {
	Tag        ObjTag
	ClassIndex uint32 // ObjObject: class table index
	FuncIndex  uint32 // ObjClosure: function table index
	Fields     []Value
	Bytes      []byte
}

// accountedSize is the object's contribution to heap byte accounting: a fixed
// header charge plus slot and byte payload.
func (o *HeapObject) accountedSize() uint64 {
	return 16 + 8*uint64(len(o.Fields)) + uint64(len(o.Bytes))
}

// ---------------------------------------------------------------------------
// Heap
// ---------------------------------------------------------------------------

// Heap is a handle-indexed object arena with a side mark bitmap. Arena
// structure (allocation, sweep) is guarded by mu because workers allocate
// concurrently; object field contents are only touched by the worker running
// the owning task, or with the world stopped.
type Heap struct {
	mu      sync.Mutex
	objects []*HeapObject // index = handle-1; nil when free
	free    []Handle      // handles available for reuse
	marks   []uint64      // one bit per arena slot

	liveBytes uint64 // accounted bytes of live objects
	maxBytes  uint64 // hard cap; 0 means unlimited
}

// NewHeap creates a heap with the given byte cap (0 for unlimited).
func NewHeap(maxBytes uint64) *Heap {
	return &Heap{maxBytes: maxBytes}
}

// LiveBytes returns the accounted size of all live objects.
func (h *Heap) LiveBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.liveBytes
}

// ObjectCount returns the number of live objects.
func (h *Heap) ObjectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects) - len(h.free)
}

// Get resolves a handle. Panics on an invalid or freed handle; with verified
// bytecode and a correct collector no such handle can circulate.
func (h *Heap) Get(handle Handle) *HeapObject {
	h.mu.Lock()
	defer h.mu.Unlock()
	if handle == InvalidHandle || int(handle) > len(h.objects) {
		panic(fmt.Sprintf("vm: invalid heap handle %d", handle))
	}
	obj := h.objects[handle-1]
	if obj == nil {
		panic(fmt.Sprintf("vm: dangling heap handle %d", handle))
	}
	return obj
}

// alloc installs an object and returns its handle, reusing freed slots first.
func (h *Heap) alloc(obj *HeapObject) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size := obj.accountedSize()
	if h.maxBytes > 0 && h.liveBytes+size > h.maxBytes {
		return InvalidHandle, fmt.Errorf("%w: %d live + %d requested exceeds cap %d",
			ErrHeapExhausted, h.liveBytes, size, h.maxBytes)
	}
	h.liveBytes += size

	if n := len(h.free); n > 0 {
		handle := h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[handle-1] = obj
		return handle, nil
	}
	h.objects = append(h.objects, obj)
	return Handle(len(h.objects)), nil
}

// AllocObject allocates a class instance with fields initialized to null.
func (h *Heap) AllocObject(classIndex uint32, fieldCount int) (Handle, error) {
	fields := make([]Value, fieldCount)
	for i := range fields {
		fields[i] = Null
	}
	return h.alloc(&HeapObject{Tag: ObjObject, ClassIndex: classIndex, Fields: fields})
}

// AllocArray allocates an array with elements initialized to null.
func (h *Heap) AllocArray(length int) (Handle, error) {
	elems := make([]Value, length)
	for i := range elems {
		elems[i] = Null
	}
	return h.alloc(&HeapObject{Tag: ObjArray, Fields: elems})
}

// AllocString allocates an immutable string.
func (h *Heap) AllocString(s string) (Handle, error) {
	return h.alloc(&HeapObject{Tag: ObjString, Bytes: []byte(s)})
}

// AllocClosure allocates a closure over the given capture slots.
func (h *Heap) AllocClosure(funcIndex uint32, captures []Value) (Handle, error) {
	slots := make([]Value, len(captures))
	copy(slots, captures)
	return h.alloc(&HeapObject{Tag: ObjClosure, FuncIndex: funcIndex, Fields: slots})
}

// AllocCell allocates a one-slot indirection cell.
func (h *Heap) AllocCell(v Value) (Handle, error) {
	return h.alloc(&HeapObject{Tag: ObjCell, Fields: []Value{v}})
}

// Each visits every live object in handle order. Callers must hold the
// world stopped; the visit callback must not allocate.
func (h *Heap) Each(visit func(Handle, *HeapObject)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, obj := range h.objects {
		if obj != nil {
			visit(Handle(i+1), obj)
		}
	}
}

// StringValue returns the contents of a string object.
func (h *Heap) StringValue(handle Handle) string {
	obj := h.Get(handle)
	if obj.Tag != ObjString {
		panic(fmt.Sprintf("vm: handle %d is a %s, not a string", handle, obj.Tag))
	}
	return string(obj.Bytes)
}

// ---------------------------------------------------------------------------
// Mark bitmap
// ---------------------------------------------------------------------------

func (h *Heap) resetMarks() {
	need := (len(h.objects) + 63) / 64
	if cap(h.marks) < need {
		h.marks = make([]uint64, need)
		return
	}
	h.marks = h.marks[:need]
	for i := range h.marks {
		h.marks[i] = 0
	}
}

// mark sets the mark bit; it reports whether the bit was newly set.
func (h *Heap) mark(handle Handle) bool {
	idx := uint32(handle - 1)
	word, bit := idx/64, uint64(1)<<(idx%64)
	if h.marks[word]&bit != 0 {
		return false
	}
	h.marks[word] |= bit
	return true
}

func (h *Heap) marked(handle Handle) bool {
	idx := uint32(handle - 1)
	return h.marks[idx/64]&(uint64(1)<<(idx%64)) != 0
}

// sweep frees every unmarked live object and returns the count and bytes
// reclaimed. Runs with the world stopped; the lock still orders it against
// LiveBytes readers.
func (h *Heap) sweep() (freed int, reclaimed uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, obj := range h.objects {
		if obj == nil {
			continue
		}
		handle := Handle(i + 1)
		if h.marked(handle) {
			continue
		}
		reclaimed += obj.accountedSize()
		h.objects[i] = nil
		h.free = append(h.free, handle)
		freed++
	}
	h.liveBytes -= reclaimed
	return freed, reclaimed
}
