package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's failure classes. Callers distinguish them
// with errors.Is; richer detail travels in the typed errors below.
var (
	// ErrHeapExhausted reports an allocation that would exceed the heap cap
	// even after collection.
	ErrHeapExhausted = errors.New("vm: heap exhausted")

	// ErrTaskCancelled reports a task that was cancelled before completing.
	// Awaiting a cancelled task yields this error, never a user exception.
	ErrTaskCancelled = errors.New("vm: task cancelled")

	// ErrTaskNotFound reports an operation on an unknown task id.
	ErrTaskNotFound = errors.New("vm: no such task")

	// ErrEngineClosed reports use of an engine after Shutdown.
	ErrEngineClosed = errors.New("vm: engine closed")

	// ErrModuleNotLoaded reports a reference to a module the engine has not
	// loaded.
	ErrModuleNotLoaded = errors.New("vm: module not loaded")

	// ErrNoSuchFunction reports a call target that does not exist.
	ErrNoSuchFunction = errors.New("vm: no such function")

	// ErrNoSuchNative reports an unregistered native function id.
	ErrNoSuchNative = errors.New("vm: no such native function")
)

// Fault is an unrecoverable per-task failure caused by malformed or
// malicious bytecode: an undefined opcode, an out-of-range index, a stack
// type violation. A Fault terminates its task but never the engine; user
// handlers cannot catch it.
type Fault struct {
	TaskID  TaskID
	Func    string
	PC      int
	Detail  string
	Wrapped error
}

func (f *Fault) Error() string {
	if f.Wrapped != nil {
		return fmt.Sprintf("vm: fault in task %d at %s+%d: %s: %v",
			f.TaskID, f.Func, f.PC, f.Detail, f.Wrapped)
	}
	return fmt.Sprintf("vm: fault in task %d at %s+%d: %s", f.TaskID, f.Func, f.PC, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Wrapped }

// UserException carries a thrown guest value across the host boundary when
// no guest handler caught it. Payload is only meaningful while the engine
// that produced it is alive.
type UserException struct {
	TaskID  TaskID
	Payload Value
	// Rendered is a best-effort string form of the payload taken at throw
	// time, so the message survives heap reuse.
	Rendered string
}

func (e *UserException) Error() string {
	return fmt.Sprintf("vm: uncaught exception in task %d: %s", e.TaskID, e.Rendered)
}
