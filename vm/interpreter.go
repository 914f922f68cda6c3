package vm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rayalang/raya/bytecode"
)

// outcome is what one interpreter slice produced. The scheduler is the only
// consumer; it decides what runs next.
type outcome byte

const (
	outcomeYield     outcome = iota // quota expired, preempted, or voluntary yield
	outcomeBlocked                  // task parked; unblock condition already registered
	outcomeDone                     // task completed
	outcomeFailed                   // task failed (uncaught exception or fault)
	outcomeCancelled                // task reached the cancelled terminal state
	outcomeFatal                    // engine-fatal error recorded on the VM
)

// run executes t for at most quota instructions. t must be in TaskRunning
// and owned by the calling worker.
func (vm *VM) run(t *Task, quota int) outcome {
	if out, stop := vm.applyResume(t); stop {
		return out
	}

	for steps := quota; ; steps-- {
		if t.preempt.Load() {
			return outcomeYield
		}
		if steps <= 0 {
			return outcomeYield
		}

		fr := t.frame()
		fn := fr.fn()
		code := fn.Code

		if fr.IP >= len(code) {
			// Falling off the end returns null.
			if done := vm.returnValue(t, Null); done {
				return outcomeDone
			}
			continue
		}

		op := bytecode.Opcode(code[fr.IP])
		base := fr.IP + 1
		fr.IP = base + op.OperandWidth()

		switch op {
		case bytecode.OpNop:

		case bytecode.OpPop:
			fr.pop()

		case bytecode.OpDup:
			fr.push(fr.peek())

		case bytecode.OpSwap:
			n := len(fr.Stack)
			fr.Stack[n-1], fr.Stack[n-2] = fr.Stack[n-2], fr.Stack[n-1]

		case bytecode.OpConstNull:
			fr.push(Null)
		case bytecode.OpConstTrue:
			fr.push(True)
		case bytecode.OpConstFalse:
			fr.push(False)
		case bytecode.OpConstI32:
			fr.push(FromInt(int64(int32(binary.LittleEndian.Uint32(code[base:])))))
		case bytecode.OpConstF64:
			fr.push(FromFloat64(math.Float64frombits(binary.LittleEndian.Uint64(code[base:]))))

		case bytecode.OpLoadConst:
			idx := binary.LittleEndian.Uint32(code[base:])
			if int(idx) >= len(fr.Module.Constants) {
				return vm.fault(t, fmt.Sprintf("constant index %d out of range", idx))
			}
			c := fr.Module.Constants[idx]
			switch c.Kind {
			case bytecode.ConstInt:
				if c.Int > MaxInt || c.Int < MinInt {
					return vm.fault(t, fmt.Sprintf("integer constant %d outside inline range", c.Int))
				}
				fr.push(FromInt(c.Int))
			case bytecode.ConstFloat:
				fr.push(FromFloat64(c.Flt))
			case bytecode.ConstString:
				h, err := vm.allocate(t, func(heap *Heap) (Handle, error) {
					return heap.AllocString(c.Str)
				})
				if err != nil {
					return vm.abort(t, err)
				}
				t.frame().push(FromRef(h))
			}

		case bytecode.OpLoadLocal:
			idx := binary.LittleEndian.Uint16(code[base:])
			if int(idx) >= len(fr.Locals) {
				return vm.fault(t, fmt.Sprintf("local index %d out of range", idx))
			}
			fr.push(fr.Locals[idx])
		case bytecode.OpStoreLocal:
			idx := binary.LittleEndian.Uint16(code[base:])
			if int(idx) >= len(fr.Locals) {
				return vm.fault(t, fmt.Sprintf("local index %d out of range", idx))
			}
			fr.Locals[idx] = fr.pop()

		case bytecode.OpIadd, bytecode.OpIsub, bytecode.OpImul, bytecode.OpIdiv, bytecode.OpImod:
			b, a := fr.pop(), fr.pop()
			if !a.IsInt() || !b.IsInt() {
				return vm.fault(t, "integer arithmetic on non-integer operands")
			}
			x, y := a.Int(), b.Int()
			var r int64
			switch op {
			case bytecode.OpIadd:
				r = x + y
			case bytecode.OpIsub:
				r = x - y
			case bytecode.OpImul:
				r = x * y
			case bytecode.OpIdiv, bytecode.OpImod:
				if y == 0 {
					if out, stop := vm.throwString(t, "integer division by zero"); stop {
						return out
					}
					continue
				}
				if op == bytecode.OpIdiv {
					r = x / y
				} else {
					r = x % y
				}
			}
			fr.push(fromIntWrap(r))

		case bytecode.OpIneg:
			a := fr.pop()
			if !a.IsInt() {
				return vm.fault(t, "integer negation on non-integer operand")
			}
			fr.push(fromIntWrap(-a.Int()))

		case bytecode.OpFadd, bytecode.OpFsub, bytecode.OpFmul, bytecode.OpFdiv:
			b, a := fr.pop(), fr.pop()
			if !a.IsFloat() || !b.IsFloat() {
				return vm.fault(t, "float arithmetic on non-float operands")
			}
			x, y := a.Float64(), b.Float64()
			var r float64
			switch op {
			case bytecode.OpFadd:
				r = x + y
			case bytecode.OpFsub:
				r = x - y
			case bytecode.OpFmul:
				r = x * y
			case bytecode.OpFdiv:
				r = x / y
			}
			fr.push(FromFloat64(r))

		case bytecode.OpFneg:
			a := fr.pop()
			if !a.IsFloat() {
				return vm.fault(t, "float negation on non-float operand")
			}
			fr.push(FromFloat64(-a.Float64()))

		case bytecode.OpIeq, bytecode.OpIne, bytecode.OpIlt, bytecode.OpIle, bytecode.OpIgt, bytecode.OpIge:
			b, a := fr.pop(), fr.pop()
			if !a.IsInt() || !b.IsInt() {
				return vm.fault(t, "integer comparison on non-integer operands")
			}
			x, y := a.Int(), b.Int()
			var r bool
			switch op {
			case bytecode.OpIeq:
				r = x == y
			case bytecode.OpIne:
				r = x != y
			case bytecode.OpIlt:
				r = x < y
			case bytecode.OpIle:
				r = x <= y
			case bytecode.OpIgt:
				r = x > y
			case bytecode.OpIge:
				r = x >= y
			}
			fr.push(FromBool(r))

		case bytecode.OpFeq, bytecode.OpFne, bytecode.OpFlt, bytecode.OpFle, bytecode.OpFgt, bytecode.OpFge:
			b, a := fr.pop(), fr.pop()
			if !a.IsFloat() || !b.IsFloat() {
				return vm.fault(t, "float comparison on non-float operands")
			}
			x, y := a.Float64(), b.Float64()
			var r bool
			switch op {
			case bytecode.OpFeq:
				r = x == y
			case bytecode.OpFne:
				r = x != y
			case bytecode.OpFlt:
				r = x < y
			case bytecode.OpFle:
				r = x <= y
			case bytecode.OpFgt:
				r = x > y
			case bytecode.OpFge:
				r = x >= y
			}
			fr.push(FromBool(r))

		case bytecode.OpEq:
			b, a := fr.pop(), fr.pop()
			fr.push(FromBool(a == b))
		case bytecode.OpNe:
			b, a := fr.pop(), fr.pop()
			fr.push(FromBool(a != b))
		case bytecode.OpNot:
			fr.push(FromBool(!fr.pop().IsTruthy()))

		case bytecode.OpJmp:
			fr.IP += int(int32(binary.LittleEndian.Uint32(code[base:])))
		case bytecode.OpJmpIfFalse:
			off := int(int32(binary.LittleEndian.Uint32(code[base:])))
			if !fr.pop().IsTruthy() {
				fr.IP += off
			}
		case bytecode.OpJmpIfTrue:
			off := int(int32(binary.LittleEndian.Uint32(code[base:])))
			if fr.pop().IsTruthy() {
				fr.IP += off
			}
		case bytecode.OpJmpIfNull:
			off := int(int32(binary.LittleEndian.Uint32(code[base:])))
			if fr.pop().IsNull() {
				fr.IP += off
			}
		case bytecode.OpJmpIfNotNull:
			off := int(int32(binary.LittleEndian.Uint32(code[base:])))
			if !fr.pop().IsNull() {
				fr.IP += off
			}

		case bytecode.OpCall:
			funcIndex := binary.LittleEndian.Uint32(code[base:])
			argc := int(binary.LittleEndian.Uint16(code[base+4:]))
			if out, stop := vm.callFunction(t, funcIndex, argc, InvalidHandle); stop {
				return out
			}

		case bytecode.OpCallClosure:
			argc := int(binary.LittleEndian.Uint16(code[base:]))
			// Stack: closure, arg0..argN-1.
			cv := fr.Stack[len(fr.Stack)-argc-1]
			if !cv.IsRef() {
				return vm.fault(t, "closure call on non-reference")
			}
			obj := vm.heap.Get(cv.Ref())
			if obj.Tag != ObjClosure {
				return vm.fault(t, fmt.Sprintf("closure call on %s", obj.Tag))
			}
			if out, stop := vm.callClosure(t, obj.FuncIndex, argc, cv.Ref()); stop {
				return out
			}

		case bytecode.OpReturn:
			if done := vm.returnValue(t, fr.pop()); done {
				return outcomeDone
			}
		case bytecode.OpReturnVoid:
			if done := vm.returnValue(t, Null); done {
				return outcomeDone
			}

		case bytecode.OpCallNative:
			id := binary.LittleEndian.Uint32(code[base:])
			argc := int(binary.LittleEndian.Uint16(code[base+4:]))
			if out, stop := vm.callNative(t, id, argc); stop {
				return out
			}

		case bytecode.OpNew:
			classIndex := binary.LittleEndian.Uint32(code[base:])
			if int(classIndex) >= len(fr.Module.Classes) {
				return vm.fault(t, fmt.Sprintf("class index %d out of range", classIndex))
			}
			fieldCount := fr.Module.Classes[classIndex].FieldCount
			h, err := vm.allocate(t, func(heap *Heap) (Handle, error) {
				return heap.AllocObject(classIndex, fieldCount)
			})
			if err != nil {
				return vm.abort(t, err)
			}
			t.frame().push(FromRef(h))

		case bytecode.OpLoadField:
			offset := int(binary.LittleEndian.Uint16(code[base:]))
			ov := fr.pop()
			if !ov.IsRef() {
				return vm.fault(t, "field load on non-reference")
			}
			obj := vm.heap.Get(ov.Ref())
			if obj.Tag != ObjObject || offset >= len(obj.Fields) {
				return vm.fault(t, fmt.Sprintf("field %d load on %s with %d fields", offset, obj.Tag, len(obj.Fields)))
			}
			fr.push(obj.Fields[offset])
		case bytecode.OpStoreField:
			offset := int(binary.LittleEndian.Uint16(code[base:]))
			v := fr.pop()
			ov := fr.pop()
			if !ov.IsRef() {
				return vm.fault(t, "field store on non-reference")
			}
			obj := vm.heap.Get(ov.Ref())
			if obj.Tag != ObjObject || offset >= len(obj.Fields) {
				return vm.fault(t, fmt.Sprintf("field %d store on %s with %d fields", offset, obj.Tag, len(obj.Fields)))
			}
			obj.Fields[offset] = v

		case bytecode.OpNewArray:
			lv := fr.pop()
			if !lv.IsInt() {
				return vm.fault(t, "array length is not an integer")
			}
			length := lv.Int()
			if length < 0 {
				if out, stop := vm.throwString(t, "negative array length"); stop {
					return out
				}
				continue
			}
			h, err := vm.allocate(t, func(heap *Heap) (Handle, error) {
				return heap.AllocArray(int(length))
			})
			if err != nil {
				return vm.abort(t, err)
			}
			t.frame().push(FromRef(h))

		case bytecode.OpLoadElem:
			iv := fr.pop()
			av := fr.pop()
			obj, idx, out, stop, ok := vm.arrayElem(t, av, iv)
			if !ok {
				if stop {
					return out
				}
				continue
			}
			fr.push(obj.Fields[idx])
		case bytecode.OpStoreElem:
			v := fr.pop()
			iv := fr.pop()
			av := fr.pop()
			obj, idx, out, stop, ok := vm.arrayElem(t, av, iv)
			if !ok {
				if stop {
					return out
				}
				continue
			}
			obj.Fields[idx] = v

		case bytecode.OpArrayLen:
			av := fr.pop()
			if !av.IsRef() {
				return vm.fault(t, "array length of non-reference")
			}
			obj := vm.heap.Get(av.Ref())
			if obj.Tag != ObjArray {
				return vm.fault(t, fmt.Sprintf("array length of %s", obj.Tag))
			}
			fr.push(FromInt(int64(len(obj.Fields))))

		case bytecode.OpSconcat:
			// Operands stay on the stack across the allocation so a
			// collection triggered here still sees them as roots.
			bv := fr.Stack[len(fr.Stack)-1]
			av := fr.Stack[len(fr.Stack)-2]
			as, ok1 := vm.stringOf(av)
			bs, ok2 := vm.stringOf(bv)
			if !ok1 || !ok2 {
				return vm.fault(t, "string concat on non-string operands")
			}
			h, err := vm.allocate(t, func(heap *Heap) (Handle, error) {
				return heap.AllocString(as + bs)
			})
			if err != nil {
				return vm.abort(t, err)
			}
			fr = t.frame()
			fr.Stack = fr.Stack[:len(fr.Stack)-2]
			fr.push(FromRef(h))

		case bytecode.OpSlen:
			sv := fr.pop()
			s, ok := vm.stringOf(sv)
			if !ok {
				return vm.fault(t, "string length of non-string")
			}
			fr.push(FromInt(int64(len(s))))

		case bytecode.OpSpawn:
			funcIndex := binary.LittleEndian.Uint32(code[base:])
			argc := int(binary.LittleEndian.Uint16(code[base+4:]))
			if int(funcIndex) >= len(fr.Module.Functions) {
				return vm.fault(t, fmt.Sprintf("spawn of undefined function %d", funcIndex))
			}
			args := make([]Value, argc)
			copy(args, fr.Stack[len(fr.Stack)-argc:])
			fr.Stack = fr.Stack[:len(fr.Stack)-argc]
			id := vm.sched.spawn(fr.Module, funcIndex, args)
			fr.push(FromTask(id))

		case bytecode.OpAwait:
			tv := fr.pop()
			if !tv.IsTask() {
				return vm.fault(t, "await on non-task value")
			}
			if out, stop := vm.await(t, tv.Task()); stop {
				return out
			}

		case bytecode.OpYield:
			return outcomeYield

		case bytecode.OpThrow:
			v := fr.pop()
			if vm.raise(t, v) {
				return outcomeFailed
			}

		case bytecode.OpLoadGlobal:
			idx := binary.LittleEndian.Uint32(code[base:])
			globals := vm.globalsFor(fr.Module)
			if int(idx) >= len(globals) {
				return vm.fault(t, fmt.Sprintf("global index %d out of range", idx))
			}
			fr.push(globals[idx])
		case bytecode.OpStoreGlobal:
			idx := binary.LittleEndian.Uint32(code[base:])
			globals := vm.globalsFor(fr.Module)
			if int(idx) >= len(globals) {
				return vm.fault(t, fmt.Sprintf("global index %d out of range", idx))
			}
			globals[idx] = fr.pop()

		case bytecode.OpTryPush:
			catchPC := binary.LittleEndian.Uint32(code[base:])
			finallyPC := binary.LittleEndian.Uint32(code[base+4:])
			t.handlers = append(t.handlers, handlerEntry{
				catchPC:    catchPC,
				finallyPC:  finallyPC,
				frameDepth: len(t.Frames) - 1,
				stackDepth: len(fr.Stack),
			})
		case bytecode.OpTryPop:
			if len(t.handlers) == 0 {
				return vm.fault(t, "try pop with no installed handler")
			}
			t.handlers = t.handlers[:len(t.handlers)-1]
		case bytecode.OpEndFinally:
			switch t.pendingUnwind {
			case unwindNone:
			case unwindThrow:
				v := t.pendingVal
				t.pendingUnwind = unwindNone
				t.pendingVal = Null
				if vm.raise(t, v) {
					return outcomeFailed
				}
			case unwindCancel:
				t.pendingUnwind = unwindNone
				if vm.cancelUnwind(t) {
					return outcomeCancelled
				}
			}

		case bytecode.OpMakeClosure:
			funcIndex := binary.LittleEndian.Uint32(code[base:])
			captures := int(binary.LittleEndian.Uint16(code[base+4:]))
			if int(funcIndex) >= len(fr.Module.Functions) {
				return vm.fault(t, fmt.Sprintf("closure over undefined function %d", funcIndex))
			}
			// Captures stay on the stack across the allocation.
			slots := fr.Stack[len(fr.Stack)-captures:]
			h, err := vm.allocate(t, func(heap *Heap) (Handle, error) {
				return heap.AllocClosure(funcIndex, slots)
			})
			if err != nil {
				return vm.abort(t, err)
			}
			fr = t.frame()
			fr.Stack = fr.Stack[:len(fr.Stack)-captures]
			fr.push(FromRef(h))

		case bytecode.OpLoadCaptured:
			idx := int(binary.LittleEndian.Uint16(code[base:]))
			obj, ok := vm.closureOf(fr)
			if !ok || idx >= len(obj.Fields) {
				return vm.fault(t, fmt.Sprintf("capture slot %d out of range", idx))
			}
			fr.push(obj.Fields[idx])
		case bytecode.OpStoreCaptured:
			idx := int(binary.LittleEndian.Uint16(code[base:]))
			obj, ok := vm.closureOf(fr)
			if !ok || idx >= len(obj.Fields) {
				return vm.fault(t, fmt.Sprintf("capture slot %d out of range", idx))
			}
			obj.Fields[idx] = fr.pop()

		case bytecode.OpNewCell:
			// Initial value stays on the stack across the allocation.
			v := fr.peek()
			h, err := vm.allocate(t, func(heap *Heap) (Handle, error) {
				return heap.AllocCell(v)
			})
			if err != nil {
				return vm.abort(t, err)
			}
			fr = t.frame()
			fr.pop()
			fr.push(FromRef(h))
		case bytecode.OpLoadCell:
			cv := fr.pop()
			obj, ok := vm.cellOf(cv)
			if !ok {
				return vm.fault(t, "cell load on non-cell")
			}
			fr.push(obj.Fields[0])
		case bytecode.OpStoreCell:
			v := fr.pop()
			cv := fr.pop()
			obj, ok := vm.cellOf(cv)
			if !ok {
				return vm.fault(t, "cell store on non-cell")
			}
			obj.Fields[0] = v

		default:
			return vm.fault(t, fmt.Sprintf("undefined opcode 0x%02X", byte(op)))
		}
	}
}

// ---------------------------------------------------------------------------
// Resume handling
// ---------------------------------------------------------------------------

// applyResume delivers the outcome of the suspension the task was parked on.
func (vm *VM) applyResume(t *Task) (outcome, bool) {
	action := t.resume
	t.resume = resumeNone

	switch action {
	case resumeNone:
		return 0, false

	case resumePush:
		t.frame().push(t.resumeVal)
		t.resumeVal = Null
		return 0, false

	case resumeThrow:
		v := t.resumeVal
		t.resumeVal = Null
		if vm.raise(t, v) {
			return outcomeFailed, true
		}
		return 0, false

	case resumeIO:
		done, ioErr := t.ioDone, t.ioErr
		t.ioDone, t.ioErr = nil, nil
		pins := t.ioPins
		t.ioPins = nil
		if pins != nil {
			defer pins.Release()
		}
		if ioErr != nil {
			return vm.throwString(t, ioErr.Error())
		}
		env := &Env{vm: vm, task: t}
		v, err := done(env)
		if err != nil {
			return vm.throwString(t, err.Error())
		}
		t.frame().push(v)
		return 0, false

	case resumeCancel:
		if vm.cancelUnwind(t) {
			return outcomeCancelled, true
		}
		return 0, false
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// Calls and returns
// ---------------------------------------------------------------------------

func (vm *VM) callFunction(t *Task, funcIndex uint32, argc int, closure Handle) (outcome, bool) {
	fr := t.frame()
	mod := fr.Module

	targetMod := mod
	targetIdx := funcIndex
	if int(funcIndex) >= len(mod.Functions) {
		inst := vm.instanceOf(mod)
		impIdx := int(funcIndex) - len(mod.Functions)
		if inst == nil || impIdx >= len(inst.imports) {
			return vm.fault(t, fmt.Sprintf("call of undefined function %d", funcIndex)), true
		}
		link := inst.imports[impIdx]
		targetMod, targetIdx = link.module, link.funcIndex
	}

	if len(t.Frames) >= vm.cfg.MaxFrames {
		return vm.fault(t, "frame stack overflow"), true
	}
	fn := &targetMod.Functions[targetIdx]
	if argc != fn.ParamCount {
		return vm.fault(t, fmt.Sprintf("call of %s with %d args, want %d", fn.Name, argc, fn.ParamCount)), true
	}

	args := fr.Stack[len(fr.Stack)-argc:]
	nf := newFrame(targetMod, targetIdx, args, closure)
	fr.Stack = fr.Stack[:len(fr.Stack)-argc]
	t.Frames = append(t.Frames, nf)
	return 0, false
}

func (vm *VM) callClosure(t *Task, funcIndex uint32, argc int, closure Handle) (outcome, bool) {
	fr := t.frame()
	if int(funcIndex) >= len(fr.Module.Functions) {
		return vm.fault(t, fmt.Sprintf("closure over undefined function %d", funcIndex)), true
	}
	if len(t.Frames) >= vm.cfg.MaxFrames {
		return vm.fault(t, "frame stack overflow"), true
	}
	fn := &fr.Module.Functions[funcIndex]
	if argc != fn.ParamCount {
		return vm.fault(t, fmt.Sprintf("closure call of %s with %d args, want %d", fn.Name, argc, fn.ParamCount)), true
	}

	args := fr.Stack[len(fr.Stack)-argc:]
	nf := newFrame(fr.Module, funcIndex, args, closure)
	// Drop args and the closure value.
	fr.Stack = fr.Stack[:len(fr.Stack)-argc-1]
	t.Frames = append(t.Frames, nf)
	return 0, false
}

// returnValue pops the active frame. It reports true when the task is done.
func (vm *VM) returnValue(t *Task, v Value) bool {
	t.Frames = t.Frames[:len(t.Frames)-1]
	vm.dropHandlersBelow(t, len(t.Frames))
	if len(t.Frames) == 0 {
		t.State = TaskDone
		t.result = v
		return true
	}
	t.frame().push(v)
	return false
}

// dropHandlersBelow discards handlers installed in frames that no longer
// exist. Well-formed code pops its own handlers; this is the backstop for
// returns out of a try body.
func (vm *VM) dropHandlersBelow(t *Task, frameCount int) {
	n := len(t.handlers)
	for n > 0 && t.handlers[n-1].frameDepth >= frameCount {
		n--
	}
	t.handlers = t.handlers[:n]
}

// ---------------------------------------------------------------------------
// Exceptions, cancellation, faults
// ---------------------------------------------------------------------------

// raise unwinds t with a guest exception. It reports true when the
// exception escaped every handler and the task is now failed.
func (vm *VM) raise(t *Task, v Value) bool {
	for len(t.handlers) > 0 {
		h := t.handlers[len(t.handlers)-1]
		t.handlers = t.handlers[:len(t.handlers)-1]

		t.Frames = t.Frames[:h.frameDepth+1]
		fr := t.frame()
		fr.Stack = fr.Stack[:h.stackDepth]

		if h.catchPC != bytecode.NoHandlerPC {
			fr.push(v)
			fr.IP = int(h.catchPC)
			return false
		}
		// Finally-only region: run it, then continue unwinding.
		t.pendingUnwind = unwindThrow
		t.pendingVal = v
		fr.IP = int(h.finallyPC)
		return false
	}

	t.State = TaskFailed
	t.failure = v
	t.failureRendered = vm.renderValue(v)
	return true
}

// cancelUnwind unwinds t for cancellation. Catch handlers are skipped, only
// finally blocks run. It reports true when the task reached the cancelled
// terminal state.
func (vm *VM) cancelUnwind(t *Task) bool {
	for len(t.handlers) > 0 {
		h := t.handlers[len(t.handlers)-1]
		t.handlers = t.handlers[:len(t.handlers)-1]

		if h.finallyPC == bytecode.NoHandlerPC {
			continue
		}
		t.Frames = t.Frames[:h.frameDepth+1]
		fr := t.frame()
		fr.Stack = fr.Stack[:h.stackDepth]
		t.pendingUnwind = unwindCancel
		fr.IP = int(h.finallyPC)
		return false
	}

	t.State = TaskCancelled
	t.Frames = nil
	return true
}

// throwString raises a guest exception with a freshly allocated string
// payload. The bool is true when the caller must return the outcome.
func (vm *VM) throwString(t *Task, msg string) (outcome, bool) {
	h, err := vm.allocate(t, func(heap *Heap) (Handle, error) {
		return heap.AllocString(msg)
	})
	if err != nil {
		return vm.abort(t, err), true
	}
	if vm.raise(t, FromRef(h)) {
		return outcomeFailed, true
	}
	return 0, false
}

// fault fails t with an interpreter fault. Faults are not catchable.
func (vm *VM) fault(t *Task, detail string) outcome {
	fr := t.frame()
	f := &Fault{
		TaskID: t.ID,
		Func:   fr.fn().Name,
		PC:     fr.IP,
		Detail: detail,
	}
	t.State = TaskFailed
	t.fault = f
	t.failure = Null
	t.failureRendered = f.Error()
	return outcomeFailed
}

// abort records an engine-fatal error and fails the task.
func (vm *VM) abort(t *Task, err error) outcome {
	t.State = TaskFailed
	t.fault = err
	t.failureRendered = err.Error()
	vm.setFatal(err)
	return outcomeFatal
}

// ---------------------------------------------------------------------------
// Await
// ---------------------------------------------------------------------------

// await resolves or blocks on the target task. The bool is true when the
// caller must return the outcome.
func (vm *VM) await(t *Task, id TaskID) (outcome, bool) {
	target, blocked, ok := vm.sched.awaitOrBlock(t, id)
	if !ok {
		return vm.fault(t, fmt.Sprintf("await on unknown task %d", id)), true
	}
	if blocked {
		return outcomeBlocked, true
	}

	switch target.State {
	case TaskDone:
		t.frame().push(target.result)
		return 0, false
	case TaskFailed:
		if target.fault != nil {
			return vm.throwString(t, target.fault.Error())
		}
		if vm.raise(t, target.failure) {
			return outcomeFailed, true
		}
		return 0, false
	case TaskCancelled:
		return vm.throwString(t, ErrTaskCancelled.Error())
	}
	return vm.fault(t, fmt.Sprintf("await resolved against non-terminal task %d", id)), true
}

// ---------------------------------------------------------------------------
// Native dispatch
// ---------------------------------------------------------------------------

// callNative invokes a registered native. The bool is true when the caller
// must return the outcome.
func (vm *VM) callNative(t *Task, id uint32, argc int) (outcome, bool) {
	fn, ok := vm.natives.lookup(id)
	if !ok {
		return vm.fault(t, fmt.Sprintf("call of unregistered native 0x%X", id)), true
	}

	// Args stay on the stack during the call so they remain rooted if the
	// native allocates.
	fr := t.frame()
	args := fr.Stack[len(fr.Stack)-argc:]
	env := &Env{vm: vm, task: t}
	res := fn(env, args)

	fr = t.frame()
	fr.Stack = fr.Stack[:len(fr.Stack)-argc]

	switch res.kind {
	case nativeValue:
		fr.push(res.value)
		return 0, false
	case nativeThrow:
		if vm.raise(t, res.value) {
			return outcomeFailed, true
		}
		return 0, false
	case nativeSuspend:
		vm.sched.suspendIO(t, res.op)
		return outcomeBlocked, true
	}
	return vm.fault(t, "native returned an invalid result"), true
}

// ---------------------------------------------------------------------------
// Small helpers
// ---------------------------------------------------------------------------

func (vm *VM) stringOf(v Value) (string, bool) {
	if !v.IsRef() {
		return "", false
	}
	obj := vm.heap.Get(v.Ref())
	if obj.Tag != ObjString {
		return "", false
	}
	return string(obj.Bytes), true
}

func (vm *VM) cellOf(v Value) (*HeapObject, bool) {
	if !v.IsRef() {
		return nil, false
	}
	obj := vm.heap.Get(v.Ref())
	if obj.Tag != ObjCell {
		return nil, false
	}
	return obj, true
}

func (vm *VM) closureOf(fr *Frame) (*HeapObject, bool) {
	if fr.Closure == InvalidHandle {
		return nil, false
	}
	obj := vm.heap.Get(fr.Closure)
	if obj.Tag != ObjClosure {
		return nil, false
	}
	return obj, true
}

// arrayElem validates an array access. Wrong types are a fault; out of range
// raises a catchable exception. On failure ok is false and the caller returns
// out when stop is set, otherwise continues with the handler frame.
func (vm *VM) arrayElem(t *Task, av, iv Value) (obj *HeapObject, idx int, out outcome, stop, ok bool) {
	if !av.IsRef() || !iv.IsInt() {
		return nil, 0, vm.fault(t, "array access on wrong operand types"), true, false
	}
	obj = vm.heap.Get(av.Ref())
	if obj.Tag != ObjArray {
		return nil, 0, vm.fault(t, fmt.Sprintf("array access on %s", obj.Tag)), true, false
	}
	i := iv.Int()
	if i < 0 || i >= int64(len(obj.Fields)) {
		out, stop = vm.throwString(t, fmt.Sprintf("array index %d out of range [0,%d)", i, len(obj.Fields)))
		return nil, 0, out, stop, false
	}
	return obj, int(i), 0, false, true
}

// renderValue produces a best-effort display string for diagnostics and the
// print native.
func (vm *VM) renderValue(v Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.IsBool():
		return fmt.Sprintf("%t", v.Bool())
	case v.IsInt():
		return fmt.Sprintf("%d", v.Int())
	case v.IsFloat():
		return fmt.Sprintf("%g", v.Float64())
	case v.IsTask():
		return fmt.Sprintf("task#%d", v.Task())
	case v.IsRef():
		obj := vm.heap.Get(v.Ref())
		switch obj.Tag {
		case ObjString:
			return string(obj.Bytes)
		case ObjArray:
			return fmt.Sprintf("array[%d]", len(obj.Fields))
		case ObjClosure:
			return fmt.Sprintf("closure(fn=%d)", obj.FuncIndex)
		case ObjCell:
			return "cell"
		default:
			return fmt.Sprintf("object(class=%d)", obj.ClassIndex)
		}
	}
	return "?"
}
