package snapshot

import (
	"fmt"
	"math"

	"github.com/rayalang/raya/bytecode"
	"github.com/rayalang/raya/vm"
)

// ReadInfo parses a snapshot's header and module references without decoding
// task state.
func ReadInfo(data []byte) (*Info, error) {
	flags, timestamp, payload, err := open(data)
	if err != nil {
		return nil, err
	}
	r := &reader{data: payload}

	info := &Info{Version: Version, Flags: flags, Timestamp: timestamp}
	nMods := r.u32()
	for i := uint32(0); i < nMods && r.err == nil; i++ {
		ref := ModuleRef{Name: r.str()}
		ref.Checksum = r.checksum()
		info.Modules = append(info.Modules, ref)
	}

	// Skip the global tables to reach the task count.
	nTables := r.u32()
	for i := uint32(0); i < nTables && r.err == nil; i++ {
		r.u32() // module ref
		nVals := r.u32()
		for j := uint32(0); j < nVals && r.err == nil; j++ {
			skipValue(r)
		}
	}
	info.TaskCount = int(r.u32())

	if r.err != nil {
		return nil, r.err
	}
	return info, nil
}

// Restore reconstructs a snapshot into an engine that has the referenced
// modules loaded and no tasks yet. On any error the attempt is discarded and
// the engine's prior state, globals included, is left untouched.
func Restore(engine *vm.VM, data []byte) error {
	flags, _, payload, err := open(data)
	if err != nil {
		return err
	}
	if flags&FlagPartial != 0 {
		return ErrPartial
	}

	r := &reader{data: payload}

	// Module references resolve by checksum; the name is advisory.
	nMods := int(r.u32())
	mods := make([]*bytecode.Module, 0, nMods)
	for i := 0; i < nMods && r.err == nil; i++ {
		name := r.str()
		sum := r.checksum()
		m, ok := engine.ModuleByChecksum(sum)
		if !ok {
			return fmt.Errorf("%w: %q (checksum %x)", ErrModuleMissing, name, sum[:8])
		}
		mods = append(mods, m)
	}

	type globalTable struct {
		module string
		vals   []vm.Value
	}
	var tables []globalTable
	nTables := int(r.u32())
	for i := 0; i < nTables && r.err == nil; i++ {
		refIdx := int(r.u32())
		if refIdx >= len(mods) {
			return fmt.Errorf("snapshot: global table %d references module %d of %d", i, refIdx, len(mods))
		}
		nVals := int(r.u32())
		if nVals != mods[refIdx].GlobalCount {
			return fmt.Errorf("snapshot: module %q has %d globals, snapshot carries %d",
				mods[refIdx].Name, mods[refIdx].GlobalCount, nVals)
		}
		vals := make([]vm.Value, 0, nVals)
		for j := 0; j < nVals && r.err == nil; j++ {
			v, err := decodeValue(r)
			if err != nil {
				return err
			}
			vals = append(vals, v)
		}
		tables = append(tables, globalTable{module: mods[refIdx].Name, vals: vals})
	}

	nTasks := int(r.u32())
	restored := make([]vm.RestoredTask, 0, nTasks)
	for i := 0; i < nTasks && r.err == nil; i++ {
		rt, err := decodeTask(r, mods)
		if err != nil {
			return err
		}
		restored = append(restored, rt)
	}

	nextID := vm.TaskID(r.u32())
	if r.err != nil {
		return r.err
	}

	// Check the install preconditions before applying globals, so a failed
	// restore cannot leave a half-mutated engine behind.
	if engine.TaskCount() != 0 {
		return ErrEngineBusy
	}
	present := make(map[vm.TaskID]bool, len(restored))
	for _, rt := range restored {
		present[rt.ID] = true
	}
	for _, rt := range restored {
		if rt.State == vm.TaskBlocked && !present[rt.AwaitingOn] {
			return fmt.Errorf("snapshot: task %d awaits task %d, which the snapshot does not carry",
				rt.ID, rt.AwaitingOn)
		}
	}

	for _, gt := range tables {
		if err := engine.SetGlobals(gt.module, gt.vals); err != nil {
			return err
		}
	}
	return engine.InstallTasks(restored, nextID)
}

func decodeTask(r *reader, mods []*bytecode.Module) (vm.RestoredTask, error) {
	var rt vm.RestoredTask
	rt.ID = vm.TaskID(r.u32())
	rt.State = vm.TaskState(r.u8())
	switch rt.State {
	case vm.TaskReady, vm.TaskBlocked, vm.TaskDone, vm.TaskFailed, vm.TaskCancelled:
	default:
		return rt, fmt.Errorf("snapshot: task %d has invalid state %d", rt.ID, rt.State)
	}

	switch r.u8() {
	case blockedNone:
		if rt.State == vm.TaskBlocked {
			return rt, fmt.Errorf("snapshot: blocked task %d has no blocked reason", rt.ID)
		}
	case blockedAwait:
		rt.AwaitingOn = vm.TaskID(r.u32())
	default:
		return rt, fmt.Errorf("snapshot: task %d has unknown blocked reason", rt.ID)
	}

	var err error
	switch rt.State {
	case vm.TaskDone:
		if rt.Result, err = decodeValue(r); err != nil {
			return rt, err
		}
	case vm.TaskFailed:
		if rt.Failure, err = decodeValue(r); err != nil {
			return rt, err
		}
		rt.FailureMsg = r.str()
	}

	nFrames := int(r.u32())
	for i := 0; i < nFrames && r.err == nil; i++ {
		refIdx := int(r.u32())
		if refIdx >= len(mods) {
			return rt, fmt.Errorf("snapshot: task %d frame %d references module %d of %d",
				rt.ID, i, refIdx, len(mods))
		}
		mod := mods[refIdx]
		fr := &vm.Frame{
			Module:    mod,
			FuncIndex: r.u32(),
			IP:        int(r.u32()),
		}
		if int(fr.FuncIndex) >= len(mod.Functions) {
			return rt, fmt.Errorf("snapshot: task %d frame %d references function %d of %d",
				rt.ID, i, fr.FuncIndex, len(mod.Functions))
		}
		if fr.IP > len(mod.Functions[fr.FuncIndex].Code) {
			return rt, fmt.Errorf("snapshot: task %d frame %d instruction pointer out of range", rt.ID, i)
		}
		nLocals := int(r.u32())
		fr.Locals = make([]vm.Value, 0, nLocals)
		for j := 0; j < nLocals && r.err == nil; j++ {
			v, err := decodeValue(r)
			if err != nil {
				return rt, err
			}
			fr.Locals = append(fr.Locals, v)
		}
		nStack := int(r.u32())
		fr.Stack = make([]vm.Value, 0, nStack)
		for j := 0; j < nStack && r.err == nil; j++ {
			v, err := decodeValue(r)
			if err != nil {
				return rt, err
			}
			fr.Stack = append(fr.Stack, v)
		}
		if r.u8() != 0 {
			// A closure frame implies a heap reference, which only partial
			// snapshots carry; those were rejected before decoding.
			return rt, fmt.Errorf("%w: task %d frame %d closure", ErrPartial, rt.ID, i)
		}
		rt.Frames = append(rt.Frames, fr)
	}

	nHandlers := int(r.u32())
	for i := 0; i < nHandlers && r.err == nil; i++ {
		h := vm.HandlerRange{
			CatchPC:    r.u32(),
			FinallyPC:  r.u32(),
			FrameDepth: int(r.u32()),
			StackDepth: int(r.u32()),
		}
		if h.FrameDepth >= len(rt.Frames) {
			return rt, fmt.Errorf("snapshot: task %d handler %d frame depth out of range", rt.ID, i)
		}
		rt.Handlers = append(rt.Handlers, h)
	}

	nWaiters := int(r.u32())
	for i := 0; i < nWaiters && r.err == nil; i++ {
		rt.Waiters = append(rt.Waiters, vm.TaskID(r.u32()))
	}
	return rt, r.err
}

func decodeValue(r *reader) (vm.Value, error) {
	switch tag := r.u8(); tag {
	case TagNull:
		return vm.Null, nil
	case TagBool:
		return vm.FromBool(r.u8() != 0), nil
	case TagI32:
		return vm.FromInt(int64(int32(r.u32()))), nil
	case TagI64:
		n := int64(r.u64())
		if n > vm.MaxInt || n < vm.MinInt {
			return vm.Null, fmt.Errorf("snapshot: integer %d outside inline range", n)
		}
		return vm.FromInt(n), nil
	case TagF64:
		return vm.FromFloat64(math.Float64frombits(r.u64())), nil
	case TagTask:
		return vm.FromTask(vm.TaskID(r.u32())), nil
	case TagString, TagObject, TagArray, TagClosure:
		// Heap references only appear in partial snapshots, which restore
		// rejects up front; finding one here means corruption.
		return vm.Null, fmt.Errorf("%w: unexpected heap reference tag 0x%02X", ErrPartial, tag)
	default:
		return vm.Null, fmt.Errorf("snapshot: unknown value tag 0x%02X", tag)
	}
}

// skipValue advances past one tagged value without interpreting it.
func skipValue(r *reader) {
	switch r.u8() {
	case TagNull:
	case TagBool:
		r.u8()
	case TagI32, TagString, TagObject, TagArray, TagClosure, TagTask:
		r.u32()
	case TagI64, TagF64:
		r.u64()
	default:
		r.fail()
	}
}
