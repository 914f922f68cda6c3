package vm

import (
	"sync/atomic"

	"github.com/rayalang/raya/bytecode"
)

// TaskID identifies a task for the lifetime of an engine. IDs are allocated
// sequentially, never reused, and survive snapshot/restore.
type TaskID uint32

// TaskState is a task's scheduling state.
type TaskState byte

const (
	TaskReady     TaskState = iota // runnable, queued
	TaskRunning                    // executing on a worker
	TaskBlocked                    // waiting on await, I/O, or a timer
	TaskDone                       // completed with a result
	TaskFailed                     // terminated by an uncaught exception or fault
	TaskCancelled                  // terminated by cancellation
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	case TaskCancelled:
		return "cancelled"
	}
	return "invalid"
}

// Terminal reports whether s is a final state.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskFailed || s == TaskCancelled
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// Frame is one function activation. Locals and the operand stack are traced
// as GC roots whenever the task is live. Frames carry their own module
// reference because imports let a call chain cross modules.
type Frame struct {
	Module    *bytecode.Module
	FuncIndex uint32
	IP        int
	Locals    []Value
	Stack     []Value
	// Closure is the closure object this frame executes under, or
	// InvalidHandle for a plain function call.
	Closure Handle
}

// fn returns the function this frame executes.
func (f *Frame) fn() *bytecode.Function {
	return &f.Module.Functions[f.FuncIndex]
}

func (f *Frame) push(v Value) { f.Stack = append(f.Stack, v) }

func (f *Frame) pop() Value {
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v
}

func (f *Frame) peek() Value { return f.Stack[len(f.Stack)-1] }

// handlerEntry is one installed try region. frameDepth and stackDepth record
// where to unwind to; catchPC and finallyPC are absolute function-relative
// targets, NoHandlerPC when absent.
type handlerEntry struct {
	catchPC    uint32
	finallyPC  uint32
	frameDepth int
	stackDepth int
}

// resumeAction tells a re-entering task what its suspension produced.
type resumeAction byte

const (
	resumeNone   resumeAction = iota
	resumePush                // push resumeVal and continue
	resumeThrow               // raise resumeVal as a guest exception
	resumeIO                  // apply ioDone/ioErr from a completed operation
	resumeCancel              // unwind for cancellation
)

// unwindKind classifies an in-flight unwind paused by a finally block.
type unwindKind byte

const (
	unwindNone   unwindKind = iota
	unwindThrow             // guest exception in flight
	unwindCancel            // cancellation in flight; not catchable
)

// ---------------------------------------------------------------------------
// Task
// ---------------------------------------------------------------------------

// Task is one cooperative unit of execution. All fields except preempt are
// owned by the worker currently running the task, or by the scheduler while
// the task is queued or blocked; preempt may be set from any goroutine.
type Task struct {
	ID     TaskID
	State  TaskState
	Module *bytecode.Module

	Frames   []*Frame
	handlers []handlerEntry

	// preempt requests that the interpreter surrender at the next
	// instruction boundary. Set by the scheduler for quota expiry, stop-the-
	// world quiesce, and cancellation.
	preempt atomic.Bool

	// cancelRequested is latched by Cancel and consumed at the next
	// safepoint. Guarded by the scheduler mutex.
	cancelRequested bool

	// resume carries the outcome of the suspension the task is parked on.
	resume    resumeAction
	resumeVal Value

	// ioDone and ioErr hold a completed operation's payload until the
	// resuming worker materializes it.
	ioDone Materialize
	ioErr  error

	// pendingUnwind is the unwind paused while a finally block runs.
	pendingUnwind unwindKind
	pendingVal    Value

	// Terminal payloads.
	result          Value
	failure         Value  // thrown value for TaskFailed via guest exception
	failureRendered string // string form captured at failure time
	fault           error  // non-nil when TaskFailed came from a Fault

	// waiters are tasks blocked awaiting this one, in registration order.
	waiters []TaskID

	// awaitingOn is the task this one is blocked awaiting, or zero. Guarded
	// by the scheduler mutex.
	awaitingOn TaskID

	// pins owned by the task's in-flight native call, released exactly once
	// on completion or cancellation.
	ioPins *PinScope

	// ioCancel aborts the in-flight I/O operation, if any. Guarded by the
	// scheduler mutex.
	ioCancel func()

	// ioSeq numbers suspensions so a completion that races cancellation is
	// recognized as stale and discarded.
	ioSeq uint64
}

func newTask(id TaskID, mod *bytecode.Module, funcIndex uint32, args []Value) *Task {
	frame := newFrame(mod, funcIndex, args, InvalidHandle)
	return &Task{
		ID:     id,
		State:  TaskReady,
		Module: mod,
		Frames: []*Frame{frame},
	}
}

func newFrame(mod *bytecode.Module, funcIndex uint32, args []Value, closure Handle) *Frame {
	fn := &mod.Functions[funcIndex]
	locals := make([]Value, fn.LocalCount)
	copy(locals, args)
	for i := len(args); i < len(locals); i++ {
		locals[i] = Null
	}
	return &Frame{
		Module:    mod,
		FuncIndex: funcIndex,
		Locals:    locals,
		Stack:     make([]Value, 0, fn.MaxStack),
		Closure:   closure,
	}
}

// frame returns the active (innermost) frame.
func (t *Task) frame() *Frame { return t.Frames[len(t.Frames)-1] }

// Preempted reports and does not clear the preempt flag.
func (t *Task) Preempted() bool { return t.preempt.Load() }

// requestPreempt asks the task to reach a safepoint soon.
func (t *Task) requestPreempt() { t.preempt.Store(true) }

func (t *Task) clearPreempt() { t.preempt.Store(false) }

// HandlerRange is the exported form of an installed try region, used by the
// snapshot codec.
type HandlerRange struct {
	CatchPC    uint32
	FinallyPC  uint32
	FrameDepth int
	StackDepth int
}

// Handlers returns the task's installed try regions, innermost last. Only
// meaningful with the world stopped.
func (t *Task) Handlers() []HandlerRange {
	out := make([]HandlerRange, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = HandlerRange{
			CatchPC:    h.catchPC,
			FinallyPC:  h.finallyPC,
			FrameDepth: h.frameDepth,
			StackDepth: h.stackDepth,
		}
	}
	return out
}

// AwaitTarget returns the task this one is blocked awaiting, or zero.
func (t *Task) AwaitTarget() TaskID { return t.awaitingOn }

// Waiters returns the tasks awaiting this one, in registration order.
func (t *Task) Waiters() []TaskID {
	return append([]TaskID(nil), t.waiters...)
}

// Result returns the completion value of a done task.
func (t *Task) Result() Value { return t.result }

// FailureValue returns the thrown value of a failed task.
func (t *Task) FailureValue() Value { return t.failure }

// FailureMessage returns the rendered failure description.
func (t *Task) FailureMessage() string { return t.failureRendered }

// BlockedOnIO reports whether the task is parked on a pending native
// operation rather than an await. Only meaningful with the world stopped.
func (t *Task) BlockedOnIO() bool {
	return t.State == TaskBlocked && t.awaitingOn == 0
}

// roots appends every value reachable from the task's frames to the
// collector's worklist sources. Called with the world stopped.
func (t *Task) roots(visit func(Value)) {
	for _, fr := range t.Frames {
		for _, v := range fr.Locals {
			visit(v)
		}
		for _, v := range fr.Stack {
			visit(v)
		}
		if fr.Closure != InvalidHandle {
			visit(FromRef(fr.Closure))
		}
	}
	if t.resume == resumePush || t.resume == resumeThrow {
		visit(t.resumeVal)
	}
	if t.pendingUnwind == unwindThrow {
		visit(t.pendingVal)
	}
	if t.State == TaskDone {
		visit(t.result)
	}
	if t.State == TaskFailed {
		visit(t.failure)
	}
}
