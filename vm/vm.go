// Package vm implements the runtime engine: a bytecode interpreter over
// NaN-boxed values, an M:N cooperative task scheduler with safepoint-based
// preemption, and a stop-the-world mark-sweep collector over a handle-indexed
// heap.
package vm

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/rayalang/raya/bytecode"
)

// Config holds the engine tunables. Zero fields take defaults.
type Config struct {
	// Workers is the size of the execution slot pool.
	Workers int
	// InstructionQuota bounds one uninterrupted interpreter slice.
	InstructionQuota int
	// GCThreshold is the initial allocation budget between collections.
	GCThreshold uint64
	// GCMaxThreshold caps threshold growth.
	GCMaxThreshold uint64
	// HeapLimit is the hard heap cap in accounted bytes; 0 means unlimited.
	HeapLimit uint64
	// IOPoolSize bounds concurrent blocking native operations.
	IOPoolSize int
	// MaxFrames bounds a task's call depth.
	MaxFrames int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	return Config{
		Workers:          workers,
		InstructionQuota: 10_000,
		GCThreshold:      1 << 20,
		GCMaxThreshold:   1 << 30,
		HeapLimit:        0,
		IOPoolSize:       32,
		MaxFrames:        1024,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.InstructionQuota <= 0 {
		c.InstructionQuota = d.InstructionQuota
	}
	if c.GCThreshold == 0 {
		c.GCThreshold = d.GCThreshold
	}
	if c.GCMaxThreshold == 0 {
		c.GCMaxThreshold = d.GCMaxThreshold
	}
	if c.IOPoolSize <= 0 {
		c.IOPoolSize = d.IOPoolSize
	}
	if c.MaxFrames <= 0 {
		c.MaxFrames = d.MaxFrames
	}
}

// importLink is a resolved cross-module call target.
type importLink struct {
	module    *bytecode.Module
	funcIndex uint32
}

// moduleInstance pairs an immutable module with its mutable global table.
type moduleInstance struct {
	mod     *bytecode.Module
	globals []Value
	imports []importLink
}

// VM is one engine instance. Modules must be loaded before tasks that use
// them are spawned; after that the module table is read-only and accessed
// without locking.
type VM struct {
	cfg     Config
	heap    *Heap
	pins    *pinSet
	gc      *collector
	natives *nativeRegistry
	iopool  *ioPool
	sched   *scheduler

	instances  map[string]*moduleInstance
	byModule   map[*bytecode.Module]*moduleInstance
	byChecksum map[[32]byte]*moduleInstance

	fatalMu  sync.Mutex
	fatalErr error

	closeOnce sync.Once
}

// New creates and starts an engine.
func New(cfg Config) *VM {
	cfg.applyDefaults()
	vm := &VM{
		cfg:        cfg,
		heap:       NewHeap(cfg.HeapLimit),
		pins:       newPinSet(),
		natives:    newNativeRegistry(),
		iopool:     newIOPool(cfg.IOPoolSize),
		instances:  make(map[string]*moduleInstance),
		byModule:   make(map[*bytecode.Module]*moduleInstance),
		byChecksum: make(map[[32]byte]*moduleInstance),
	}
	vm.gc = newCollector(vm.heap, vm.pins, cfg.GCThreshold, cfg.GCMaxThreshold)
	vm.sched = newScheduler(vm)
	vm.sched.start(cfg.Workers)
	return vm
}

// Shutdown stops the workers, aborts in-flight I/O, and waits for both to
// drain. Idempotent.
func (vm *VM) Shutdown() {
	vm.closeOnce.Do(func() {
		vm.sched.close()
		vm.iopool.shutdown()
	})
}

// ---------------------------------------------------------------------------
// Module table
// ---------------------------------------------------------------------------

// LoadModule registers a decoded module and resolves its imports against
// modules loaded earlier. Not safe to call concurrently with running tasks.
func (vm *VM) LoadModule(m *bytecode.Module) error {
	if _, dup := vm.instances[m.Name]; dup {
		return fmt.Errorf("vm: module %q already loaded", m.Name)
	}

	inst := &moduleInstance{mod: m}
	inst.globals = make([]Value, m.GlobalCount)
	for i := range inst.globals {
		inst.globals[i] = Null
	}

	inst.imports = make([]importLink, len(m.Imports))
	for i, imp := range m.Imports {
		dep, ok := vm.instances[imp.Module]
		if !ok {
			return fmt.Errorf("%w: %q imported by %q", ErrModuleNotLoaded, imp.Module, m.Name)
		}
		idx, ok := dep.mod.ExportedFunction(imp.Function)
		if !ok {
			return fmt.Errorf("%w: %q.%q imported by %q", ErrNoSuchFunction, imp.Module, imp.Function, m.Name)
		}
		inst.imports[i] = importLink{module: dep.mod, funcIndex: idx}
	}

	vm.instances[m.Name] = inst
	vm.byModule[m] = inst
	vm.byChecksum[m.Checksum] = inst
	return nil
}

// Module returns a loaded module by name.
func (vm *VM) Module(name string) (*bytecode.Module, bool) {
	inst, ok := vm.instances[name]
	if !ok {
		return nil, false
	}
	return inst.mod, true
}

// ModuleByChecksum returns a loaded module by its content checksum.
func (vm *VM) ModuleByChecksum(sum [32]byte) (*bytecode.Module, bool) {
	inst, ok := vm.byChecksum[sum]
	if !ok {
		return nil, false
	}
	return inst.mod, true
}

func (vm *VM) instanceOf(m *bytecode.Module) *moduleInstance {
	return vm.byModule[m]
}

func (vm *VM) globalsFor(m *bytecode.Module) []Value {
	if inst := vm.byModule[m]; inst != nil {
		return inst.globals
	}
	return nil
}

// RegisterNative installs a host function under the given id. Ids below
// 0x100 are reserved for the built-ins.
func (vm *VM) RegisterNative(id uint32, name string, fn NativeFunc) {
	vm.natives.register(id, name, fn)
}

// ---------------------------------------------------------------------------
// Task lifecycle
// ---------------------------------------------------------------------------

// Spawn starts a task running an exported function and returns its id
// without waiting.
func (vm *VM) Spawn(module, function string, args ...Value) (TaskID, error) {
	if err := vm.fatalError(); err != nil {
		return 0, err
	}
	inst, ok := vm.instances[module]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrModuleNotLoaded, module)
	}
	idx, ok := inst.mod.ExportedFunction(function)
	if !ok {
		if i := inst.mod.FunctionIndex(function); i >= 0 {
			idx = uint32(i)
		} else {
			return 0, fmt.Errorf("%w: %q.%q", ErrNoSuchFunction, module, function)
		}
	}
	fn := &inst.mod.Functions[idx]
	if len(args) != fn.ParamCount {
		return 0, fmt.Errorf("vm: %q takes %d arguments, got %d", function, fn.ParamCount, len(args))
	}
	return vm.sched.spawn(inst.mod, idx, args), nil
}

// Wait blocks until the task terminates. It returns the task's result, or a
// *UserException, a *Fault, or ErrTaskCancelled depending on the outcome.
func (vm *VM) Wait(id TaskID) (Value, error) {
	return vm.sched.waitHost(id)
}

// Run spawns a task and waits for it.
func (vm *VM) Run(module, function string, args ...Value) (Value, error) {
	id, err := vm.Spawn(module, function, args...)
	if err != nil {
		return Null, err
	}
	return vm.Wait(id)
}

// Cancel requests cooperative cancellation of a task. It takes effect at the
// task's next safepoint.
func (vm *VM) Cancel(id TaskID) error {
	return vm.sched.cancel(id)
}

// CancelAfter schedules a cancellation deadline for a task. The returned
// timer can be stopped to rescind the deadline.
func (vm *VM) CancelAfter(id TaskID, d time.Duration) *time.Timer {
	return vm.sched.cancelAfter(id, d)
}

// TaskCount reports the number of tasks the scheduler has ever admitted,
// terminal ones included.
func (vm *VM) TaskCount() int {
	vm.sched.mu.Lock()
	defer vm.sched.mu.Unlock()
	return len(vm.sched.tasks)
}

// TaskState reports a task's current state.
func (vm *VM) TaskState(id TaskID) (TaskState, error) {
	t := vm.sched.task(id)
	if t == nil {
		return 0, ErrTaskNotFound
	}
	return t.State, nil
}

// ---------------------------------------------------------------------------
// Allocation and collection
// ---------------------------------------------------------------------------

// allocate runs an allocation for the task's worker, collecting when the
// allocation budget is spent and retrying once after a full collection when
// the heap cap is hit. A second failure is fatal for the engine.
func (vm *VM) allocate(t *Task, f func(*Heap) (Handle, error)) (Handle, error) {
	h, err := f(vm.heap)
	if err != nil {
		if !errors.Is(err, ErrHeapExhausted) {
			return InvalidHandle, err
		}
		vm.sched.stopTheWorld(t, func() {
			vm.gc.collect(vm.collectRoots)
		})
		h, err = f(vm.heap)
		if err != nil {
			return InvalidHandle, fmt.Errorf("after full collection: %w", err)
		}
	}

	if vm.gc.noteAlloc(vm.heap.Get(h).accountedSize()) {
		// Keep the fresh object alive across the cycle; nothing on the
		// operand stack points at it yet.
		vm.pins.pin(h)
		vm.sched.stopTheWorld(t, func() {
			if vm.gc.due() {
				vm.gc.collect(vm.collectRoots)
			}
		})
		vm.pins.unpin(h)
	}
	return h, nil
}

// collectRoots enumerates the full root set: task frames and terminal
// payloads, module globals. The pin set is added by the collector itself.
// Runs with the world stopped.
func (vm *VM) collectRoots(visit func(Value)) {
	vm.sched.taskRoots(visit)
	for _, inst := range vm.instances {
		for _, g := range inst.globals {
			visit(g)
		}
	}
}

// Collect forces a full collection from the host.
func (vm *VM) Collect() {
	vm.sched.stopTheWorld(nil, func() {
		vm.gc.collect(vm.collectRoots)
	})
}

// GCStats returns collector statistics.
func (vm *VM) GCStats() GCStats {
	var st GCStats
	vm.sched.stopTheWorld(nil, func() {
		st = vm.gc.snapshot()
		st.LiveBytes = vm.heap.LiveBytes()
		st.LiveObjects = vm.heap.ObjectCount()
		st.Threshold = vm.gc.threshold
	})
	return st
}

// SchedulerStats returns scheduler statistics.
func (vm *VM) SchedulerStats() SchedulerStats {
	return vm.sched.snapshotStats()
}

// Heap exposes the engine heap for diagnostics and embedding.
func (vm *VM) Heap() *Heap { return vm.heap }

func (vm *VM) setFatal(err error) {
	vm.fatalMu.Lock()
	if vm.fatalErr == nil {
		vm.fatalErr = err
	}
	vm.fatalMu.Unlock()
}

func (vm *VM) fatalError() error {
	vm.fatalMu.Lock()
	defer vm.fatalMu.Unlock()
	return vm.fatalErr
}

// ---------------------------------------------------------------------------
// Quiesced world access (snapshot support)
// ---------------------------------------------------------------------------

// World is a quiesced view of the engine handed to Quiesce callbacks. It is
// only valid inside the callback.
type World struct {
	vm *VM
}

// Quiesce stops the world and runs fn against the frozen engine state.
func (vm *VM) Quiesce(fn func(w *World) error) error {
	var err error
	vm.sched.stopTheWorld(nil, func() {
		err = fn(&World{vm: vm})
	})
	return err
}

// Tasks returns every task, ordered by id.
func (w *World) Tasks() []*Task {
	out := make([]*Task, 0, len(w.vm.sched.tasks))
	for _, t := range w.vm.sched.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Modules returns every loaded module, ordered by name.
func (w *World) Modules() []*bytecode.Module {
	names := make([]string, 0, len(w.vm.instances))
	for name := range w.vm.instances {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*bytecode.Module, len(names))
	for i, name := range names {
		out[i] = w.vm.instances[name].mod
	}
	return out
}

// Globals returns the global table of a loaded module.
func (w *World) Globals(name string) []Value {
	if inst, ok := w.vm.instances[name]; ok {
		return inst.globals
	}
	return nil
}

// NextTaskID returns the next id the scheduler would assign.
func (w *World) NextTaskID() TaskID {
	return w.vm.sched.nextID + 1
}

// HeapObjects reports the live object count of the frozen heap.
func (w *World) HeapObjects() int {
	return w.vm.heap.ObjectCount()
}

// ---------------------------------------------------------------------------
// Restore support
// ---------------------------------------------------------------------------

// RestoredTask describes one task being reinstated from a snapshot.
type RestoredTask struct {
	ID         TaskID
	State      TaskState // TaskReady or TaskBlocked (awaiting only)
	AwaitingOn TaskID
	Waiters    []TaskID
	Frames     []*Frame
	Handlers   []HandlerRange
	Result     Value // terminal payloads, restored for joiners
	Failure    Value
	FailureMsg string
}

// InstallTasks reinstates a restored task set into an engine that has no
// tasks yet. Ready tasks are queued in id order. The whole set is validated
// before anything is inserted, so a rejected install leaves the engine with
// no tasks.
func (vm *VM) InstallTasks(restored []RestoredTask, nextID TaskID) error {
	vm.sched.mu.Lock()
	defer vm.sched.mu.Unlock()
	if len(vm.sched.tasks) != 0 {
		return errors.New("vm: InstallTasks on an engine with existing tasks")
	}

	ids := make(map[TaskID]bool, len(restored))
	for _, rt := range restored {
		if ids[rt.ID] {
			return fmt.Errorf("vm: duplicate task id %d in restored set", rt.ID)
		}
		ids[rt.ID] = true
	}
	for _, rt := range restored {
		if rt.State == TaskBlocked && !ids[rt.AwaitingOn] {
			return fmt.Errorf("%w: task %d awaits missing task %d",
				ErrTaskNotFound, rt.ID, rt.AwaitingOn)
		}
	}

	for _, rt := range restored {
		t := &Task{
			ID:         rt.ID,
			State:      rt.State,
			Frames:     rt.Frames,
			awaitingOn: rt.AwaitingOn,
			waiters:    append([]TaskID(nil), rt.Waiters...),
			result:     rt.Result,
			failure:    rt.Failure,
		}
		if len(rt.Frames) > 0 {
			t.Module = rt.Frames[0].Module
		}
		if rt.FailureMsg != "" {
			t.failureRendered = rt.FailureMsg
		}
		for _, hr := range rt.Handlers {
			t.handlers = append(t.handlers, handlerEntry{
				catchPC:    hr.CatchPC,
				finallyPC:  hr.FinallyPC,
				frameDepth: hr.FrameDepth,
				stackDepth: hr.StackDepth,
			})
		}
		vm.sched.tasks[t.ID] = t
		if t.State == TaskReady {
			vm.sched.queue = append(vm.sched.queue, t)
		}
	}

	if nextID > vm.sched.nextID {
		vm.sched.nextID = nextID - 1
	}
	vm.sched.cond.Broadcast()
	return nil
}

// SetGlobals overwrites a loaded module's global table during restore.
func (vm *VM) SetGlobals(module string, vals []Value) error {
	inst, ok := vm.instances[module]
	if !ok {
		return fmt.Errorf("%w: %q", ErrModuleNotLoaded, module)
	}
	if len(vals) != len(inst.globals) {
		return fmt.Errorf("vm: module %q has %d globals, snapshot carries %d",
			module, len(inst.globals), len(vals))
	}
	copy(inst.globals, vals)
	return nil
}
