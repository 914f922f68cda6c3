package snapshot

import (
	"fmt"
	"math"
	"time"

	"github.com/rayalang/raya/bytecode"
	"github.com/rayalang/raya/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("raya.snapshot")

// Options controls capture behavior.
type Options struct {
	// AllowPartial writes heap references as opaque ids instead of failing
	// capture. The resulting snapshot is flagged and can never be restored;
	// it exists for offline inspection only.
	AllowPartial bool
}

// Capture quiesces the engine and serializes its task table and global
// state. With strict options (the default) it fails if any captured value is
// a heap reference, since those cannot round-trip.
func Capture(engine *vm.VM, opts Options) ([]byte, error) {
	var out []byte
	err := engine.Quiesce(func(w *vm.World) error {
		payload, partial, err := encodeWorld(engine, w, opts)
		if err != nil {
			return err
		}
		var flags uint32
		if partial {
			flags |= FlagPartial
		}
		out = seal(flags, uint64(time.Now().UnixMilli()), payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("captured %d bytes", len(out))
	return out, nil
}

func encodeWorld(engine *vm.VM, world *vm.World, opts Options) ([]byte, bool, error) {
	enc := &encoder{
		engine:       engine,
		allowPartial: opts.AllowPartial,
		moduleRef:    make(map[*bytecode.Module]uint32),
	}

	mods := world.Modules()
	for i, m := range mods {
		enc.moduleRef[m] = uint32(i)
	}

	w := &enc.w
	w.u32(uint32(len(mods)))
	for _, m := range mods {
		w.str(m.Name)
		w.bufWrite(m.Checksum[:])
	}

	w.u32(uint32(len(mods)))
	for i, m := range mods {
		globals := world.Globals(m.Name)
		w.u32(uint32(i))
		w.u32(uint32(len(globals)))
		for _, v := range globals {
			if err := enc.value(v, fmt.Sprintf("module %q global", m.Name)); err != nil {
				return nil, false, err
			}
		}
	}

	tasks := world.Tasks()
	w.u32(uint32(len(tasks)))
	for _, t := range tasks {
		if err := enc.task(t); err != nil {
			return nil, false, err
		}
	}

	w.u32(uint32(world.NextTaskID()))
	return w.buf.Bytes(), enc.partial, nil
}

type encoder struct {
	engine       *vm.VM
	w            writer
	moduleRef    map[*bytecode.Module]uint32
	allowPartial bool
	partial      bool
}

func (w *writer) bufWrite(b []byte) { w.buf.Write(b) }

func (e *encoder) task(t *vm.Task) error {
	w := &e.w
	w.u32(uint32(t.ID))
	w.u8(byte(t.State))

	switch {
	case t.State == vm.TaskBlocked && t.BlockedOnIO():
		return fmt.Errorf("%w: task %d", ErrPendingIO, t.ID)
	case t.State == vm.TaskBlocked:
		w.u8(blockedAwait)
		w.u32(uint32(t.AwaitTarget()))
	default:
		w.u8(blockedNone)
	}

	where := fmt.Sprintf("task %d", t.ID)
	switch t.State {
	case vm.TaskDone:
		if err := e.value(t.Result(), where+" result"); err != nil {
			return err
		}
	case vm.TaskFailed:
		if err := e.value(t.FailureValue(), where+" failure"); err != nil {
			return err
		}
		w.str(t.FailureMessage())
	}

	w.u32(uint32(len(t.Frames)))
	for i, fr := range t.Frames {
		refIdx, ok := e.moduleRef[fr.Module]
		if !ok {
			return fmt.Errorf("snapshot: task %d frame %d references an unloaded module", t.ID, i)
		}
		w.u32(refIdx)
		w.u32(fr.FuncIndex)
		w.u32(uint32(fr.IP))
		w.u32(uint32(len(fr.Locals)))
		for _, v := range fr.Locals {
			if err := e.value(v, fmt.Sprintf("%s frame %d local", where, i)); err != nil {
				return err
			}
		}
		w.u32(uint32(len(fr.Stack)))
		for _, v := range fr.Stack {
			if err := e.value(v, fmt.Sprintf("%s frame %d stack", where, i)); err != nil {
				return err
			}
		}
		if fr.Closure != vm.InvalidHandle {
			w.u8(1)
			if err := e.ref(vm.FromRef(fr.Closure), where+" frame closure"); err != nil {
				return err
			}
		} else {
			w.u8(0)
		}
	}

	handlers := t.Handlers()
	w.u32(uint32(len(handlers)))
	for _, h := range handlers {
		w.u32(h.CatchPC)
		w.u32(h.FinallyPC)
		w.u32(uint32(h.FrameDepth))
		w.u32(uint32(h.StackDepth))
	}

	waiters := t.Waiters()
	w.u32(uint32(len(waiters)))
	for _, id := range waiters {
		w.u32(uint32(id))
	}
	return nil
}

// value writes one tagged value.
func (e *encoder) value(v vm.Value, where string) error {
	w := &e.w
	switch {
	case v.IsNull():
		w.u8(TagNull)
	case v.IsBool():
		w.u8(TagBool)
		if v.Bool() {
			w.u8(1)
		} else {
			w.u8(0)
		}
	case v.IsInt():
		n := v.Int()
		if n >= -(1<<31) && n < 1<<31 {
			w.u8(TagI32)
			w.u32(uint32(int32(n)))
		} else {
			w.u8(TagI64)
			w.u64(uint64(n))
		}
	case v.IsFloat():
		w.u8(TagF64)
		w.u64(math.Float64bits(v.Float64()))
	case v.IsTask():
		w.u8(TagTask)
		w.u32(uint32(v.Task()))
	case v.IsRef():
		return e.ref(v, where)
	default:
		return fmt.Errorf("snapshot: unencodable value in %s", where)
	}
	return nil
}

// ref writes a heap reference, which is only legal under AllowPartial.
func (e *encoder) ref(v vm.Value, where string) error {
	if !e.allowPartial {
		return fmt.Errorf("%w: %s", ErrHeapReference, where)
	}
	e.partial = true

	h := v.Ref()
	tag := TagObject
	switch e.engine.Heap().Get(h).Tag {
	case vm.ObjString:
		tag = TagString
	case vm.ObjArray:
		tag = TagArray
	case vm.ObjClosure:
		tag = TagClosure
	}
	e.w.u8(tag)
	e.w.u32(uint32(h))
	return nil
}
