package vm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// NativeFunc is a host function callable from bytecode. It runs on the
// worker executing the calling task, between safepoints, so it may touch the
// heap freely through env. Long or blocking work must be returned as a
// suspension instead of performed inline.
type NativeFunc func(env *Env, args []Value) NativeCallResult

// Env is the view of the engine a native function operates through. It is
// valid only for the duration of the call (or, for a Materialize function,
// the duration of the resume).
type Env struct {
	vm   *VM
	task *Task
}

// Heap exposes read access to the engine heap.
func (e *Env) Heap() *Heap { return e.vm.heap }

// AllocString allocates a guest string, collecting first if the heap is due.
func (e *Env) AllocString(s string) (Value, error) {
	h, err := e.vm.allocate(e.task, func(heap *Heap) (Handle, error) {
		return heap.AllocString(s)
	})
	if err != nil {
		return Null, err
	}
	return FromRef(h), nil
}

// AllocArray allocates a guest array of nulls.
func (e *Env) AllocArray(n int) (Value, error) {
	h, err := e.vm.allocate(e.task, func(heap *Heap) (Handle, error) {
		return heap.AllocArray(n)
	})
	if err != nil {
		return Null, err
	}
	return FromRef(h), nil
}

// StringArg resolves argument i as a guest string.
func (e *Env) StringArg(args []Value, i int) (string, error) {
	if i >= len(args) || !args[i].IsRef() {
		return "", fmt.Errorf("vm: native argument %d is not a string", i)
	}
	obj := e.vm.heap.Get(args[i].Ref())
	if obj.Tag != ObjString {
		return "", fmt.Errorf("vm: native argument %d is a %s, not a string", i, obj.Tag)
	}
	return string(obj.Bytes), nil
}

// Pins returns a scope whose handles stay rooted until the pending
// suspension completes or is cancelled. Only meaningful when the call
// returns a suspension.
func (e *Env) Pins() *PinScope {
	if e.task.ioPins == nil {
		e.task.ioPins = e.vm.pins.newScope()
	}
	return e.task.ioPins
}

// ---------------------------------------------------------------------------
// Call results
// ---------------------------------------------------------------------------

// Materialize builds the guest value for a completed I/O operation. It runs
// on the worker resuming the task, where heap access is safe; the pool
// goroutine that produced it never touches the heap.
type Materialize func(env *Env) (Value, error)

// IoOp is the blocking half of a suspended native call. It runs on the I/O
// pool; ctx is cancelled when the task is cancelled or the engine shuts
// down.
type IoOp func(ctx context.Context) (Materialize, error)

type nativeResultKind byte

const (
	nativeValue nativeResultKind = iota
	nativeThrow
	nativeSuspend
)

// NativeCallResult is the outcome of a native call: an immediate value, a
// guest exception, or a suspension onto the I/O pool.
type NativeCallResult struct {
	kind  nativeResultKind
	value Value
	op    IoOp
}

// NativeValue returns v to the calling task immediately.
func NativeValue(v Value) NativeCallResult {
	return NativeCallResult{kind: nativeValue, value: v}
}

// NativeThrow raises v as a catchable guest exception in the calling task.
func NativeThrow(v Value) NativeCallResult {
	return NativeCallResult{kind: nativeThrow, value: v}
}

// NativeSuspend parks the calling task until op completes on the I/O pool.
func NativeSuspend(op IoOp) NativeCallResult {
	return NativeCallResult{kind: nativeSuspend, op: op}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Well-known native ids. Embedders register their own from 0x100 up.
const (
	NativePrint   uint32 = 0x01 // print(string) -> null
	NativeSleepMS uint32 = 0x02 // sleep(ms) -> null
	NativeNowMS   uint32 = 0x03 // now() -> int unix millis
)

type nativeRegistry struct {
	funcs map[uint32]NativeFunc
	names map[uint32]string
}

func newNativeRegistry() *nativeRegistry {
	r := &nativeRegistry{
		funcs: make(map[uint32]NativeFunc),
		names: make(map[uint32]string),
	}
	r.register(NativePrint, "print", nativePrint)
	r.register(NativeSleepMS, "sleep_ms", nativeSleep)
	r.register(NativeNowMS, "now_ms", nativeNow)
	return r
}

func (r *nativeRegistry) register(id uint32, name string, fn NativeFunc) {
	r.funcs[id] = fn
	r.names[id] = name
}

func (r *nativeRegistry) lookup(id uint32) (NativeFunc, bool) {
	fn, ok := r.funcs[id]
	return fn, ok
}

func nativePrint(env *Env, args []Value) NativeCallResult {
	if len(args) != 1 {
		return NativeThrow(env.mustString("print expects 1 argument"))
	}
	fmt.Println(env.vm.renderValue(args[0]))
	return NativeValue(Null)
}

func nativeSleep(env *Env, args []Value) NativeCallResult {
	if len(args) != 1 || !args[0].IsInt() {
		return NativeThrow(env.mustString("sleep_ms expects an integer"))
	}
	d := time.Duration(args[0].Int()) * time.Millisecond
	return NativeSuspend(func(ctx context.Context) (Materialize, error) {
		select {
		case <-time.After(d):
			return func(*Env) (Value, error) { return Null, nil }, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func nativeNow(env *Env, args []Value) NativeCallResult {
	return NativeValue(FromInt(time.Now().UnixMilli()))
}

// mustString allocates a guest string for an error payload, falling back to
// null if the heap is exhausted.
func (e *Env) mustString(s string) Value {
	v, err := e.AllocString(s)
	if err != nil {
		return Null
	}
	return v
}

// ---------------------------------------------------------------------------
// Blocking I/O pool
// ---------------------------------------------------------------------------

// ioPool runs suspended native operations on a bounded set of goroutines.
// Completions are handed back to the scheduler, never applied directly.
type ioPool struct {
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

func newIOPool(limit int) *ioPool {
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	return &ioPool{group: g, ctx: ctx, cancel: cancel}
}

// submit schedules op and routes its completion through done. The per-op
// context is cancelled by task cancellation independently of pool shutdown.
func (p *ioPool) submit(op IoOp, done func(Materialize, error)) context.CancelFunc {
	ctx, cancel := context.WithCancel(p.ctx)
	p.group.Go(func() error {
		m, err := op(ctx)
		done(m, err)
		return nil
	})
	return cancel
}

// shutdown cancels outstanding operations and waits for the pool to drain.
func (p *ioPool) shutdown() {
	p.cancel()
	_ = p.group.Wait()
}
