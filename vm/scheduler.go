package vm

import (
	"sync"
	"time"

	"github.com/rayalang/raya/bytecode"
	"github.com/tliron/commonlog"
)

var schedLog = commonlog.GetLogger("raya.sched")

// SchedulerStats is a point-in-time summary of scheduler activity.
type SchedulerStats struct {
	Spawned     uint64
	Completed   uint64
	Failed      uint64
	Cancelled   uint64
	Preemptions uint64
	Quiesces    uint64
	ReadyQueue  int
	LiveTasks   int
}

// scheduler owns every task and decides execution order. One central mutex
// guards the task table, the ready queue, and the quiesce protocol; workers
// hold it only between interpreter slices, never while running bytecode.
type scheduler struct {
	vm *VM

	mu       sync.Mutex
	cond     *sync.Cond // workers: work available or world resumed
	quiesced *sync.Cond // quiesce owner: workers have parked
	termCond *sync.Cond // host joiners: some task reached a terminal state

	tasks  map[TaskID]*Task
	queue  []*Task // FIFO ready queue
	nextID TaskID

	active    int  // workers currently executing a task
	stopWorld bool // quiesce in progress
	closing   bool

	wg    sync.WaitGroup
	stats SchedulerStats
}

func newScheduler(vm *VM) *scheduler {
	s := &scheduler{
		vm:    vm,
		tasks: make(map[TaskID]*Task),
	}
	s.cond = sync.NewCond(&s.mu)
	s.quiesced = sync.NewCond(&s.mu)
	s.termCond = sync.NewCond(&s.mu)
	return s
}

func (s *scheduler) start(workers int) {
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.runWorker(i)
	}
	schedLog.Debugf("started %d workers", workers)
}

// ---------------------------------------------------------------------------
// Worker loop
// ---------------------------------------------------------------------------

func (s *scheduler) runWorker(id int) {
	defer s.wg.Done()

	s.mu.Lock()
	for {
		for !s.closing && (s.stopWorld || len(s.queue) == 0) {
			s.cond.Wait()
		}
		if s.closing {
			s.mu.Unlock()
			schedLog.Debugf("worker %d exiting", id)
			return
		}

		t := s.queue[0]
		s.queue = s.queue[1:]
		if t.State != TaskReady {
			continue // stale queue entry
		}
		t.State = TaskRunning
		t.clearPreempt()
		if t.cancelRequested {
			t.cancelRequested = false
			t.resume = resumeCancel
		}
		s.active++
		s.mu.Unlock()

		out := s.vm.run(t, s.vm.cfg.InstructionQuota)

		s.mu.Lock()
		s.active--
		if s.stopWorld {
			s.quiesced.Broadcast()
		}

		switch out {
		case outcomeYield:
			s.stats.Preemptions++
			t.State = TaskReady
			s.queue = append(s.queue, t)
			s.cond.Signal()
		case outcomeBlocked:
			// Unblock condition registered before the interpreter returned.
		case outcomeDone, outcomeFailed, outcomeCancelled:
			s.finishLocked(t)
		case outcomeFatal:
			s.finishLocked(t)
			s.closing = true
			s.cond.Broadcast()
			s.termCond.Broadcast()
		}
	}
}

// finishLocked settles a task that reached a terminal state: releases its
// pins, releases awaiters in registration order, and wakes host joiners.
func (s *scheduler) finishLocked(t *Task) {
	if t.ioPins != nil {
		t.ioPins.Release()
		t.ioPins = nil
	}

	switch t.State {
	case TaskDone:
		s.stats.Completed++
	case TaskFailed:
		s.stats.Failed++
		schedLog.Debugf("task %d failed: %s", t.ID, t.failureRendered)
	case TaskCancelled:
		s.stats.Cancelled++
	}

	for _, wid := range t.waiters {
		w := s.tasks[wid]
		if w == nil || w.State != TaskBlocked || w.awaitingOn != t.ID {
			continue // waiter was cancelled or already released
		}
		w.awaitingOn = 0
		switch t.State {
		case TaskDone:
			w.resume = resumePush
			w.resumeVal = t.result
		case TaskFailed:
			if t.fault != nil {
				w.resume = resumeIO
				w.ioErr = t.fault
			} else {
				w.resume = resumeThrow
				w.resumeVal = t.failure
			}
		case TaskCancelled:
			w.resume = resumeIO
			w.ioErr = ErrTaskCancelled
		}
		w.State = TaskReady
		s.queue = append(s.queue, w)
		s.cond.Signal()
	}
	t.waiters = nil
	s.termCond.Broadcast()
}

// ---------------------------------------------------------------------------
// Task operations
// ---------------------------------------------------------------------------

// spawn creates a ready task. O(1), never blocks the spawner.
func (s *scheduler) spawn(mod *bytecode.Module, funcIndex uint32, args []Value) TaskID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	t := newTask(id, mod, funcIndex, args)
	s.tasks[id] = t
	s.queue = append(s.queue, t)
	s.stats.Spawned++
	s.cond.Signal()
	return t.ID
}

// awaitOrBlock resolves an await: if the target is terminal the caller reads
// its outcome directly; otherwise the awaiter is parked on the target's
// completion list.
func (s *scheduler) awaitOrBlock(t *Task, id TaskID) (target *Task, blocked, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target = s.tasks[id]
	if target == nil {
		return nil, false, false
	}
	if target.State.Terminal() {
		return target, false, true
	}
	target.waiters = append(target.waiters, t.ID)
	t.State = TaskBlocked
	t.awaitingOn = id
	return target, true, true
}

// suspendIO parks t and hands op to the I/O pool. The completion is matched
// against the suspension sequence number so a completion that races with
// cancellation is recognized as stale.
func (s *scheduler) suspendIO(t *Task, op IoOp) {
	s.mu.Lock()
	t.State = TaskBlocked
	t.ioSeq++
	seq := t.ioSeq
	id := t.ID
	s.mu.Unlock()

	// Submit outside the lock: the pool applies backpressure by blocking
	// when all slots are busy.
	cancel := s.vm.iopool.submit(op, func(m Materialize, err error) {
		s.completeIO(id, seq, m, err)
	})

	s.mu.Lock()
	if t.State == TaskBlocked && t.ioSeq == seq {
		t.ioCancel = cancel
	}
	s.mu.Unlock()
}

// completeIO delivers an I/O completion. Stale completions (the task was
// cancelled or resumed since the operation was issued) are discarded after
// releasing any pins the operation held.
func (s *scheduler) completeIO(id TaskID, seq uint64, m Materialize, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if t == nil {
		return
	}
	if t.State != TaskBlocked || t.ioSeq != seq {
		if t.ioPins != nil {
			t.ioPins.Release()
		}
		return
	}
	t.ioDone, t.ioErr = m, err
	t.resume = resumeIO
	t.ioCancel = nil
	t.State = TaskReady
	s.queue = append(s.queue, t)
	s.cond.Signal()
}

// cancel marks a task for cancellation. The mark takes effect at the task's
// next safepoint; a blocked task is readmitted so it reaches one.
func (s *scheduler) cancel(id TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	if t == nil {
		return ErrTaskNotFound
	}
	if t.State.Terminal() {
		return nil
	}
	t.cancelRequested = true
	t.requestPreempt()
	if t.State == TaskBlocked {
		if t.ioCancel != nil {
			t.ioCancel()
			t.ioCancel = nil
		}
		t.awaitingOn = 0
		t.State = TaskReady
		s.queue = append(s.queue, t)
		s.cond.Signal()
	}
	return nil
}

// cancelAfter schedules a cancellation deadline. Timeouts are just deferred
// cancellations.
func (s *scheduler) cancelAfter(id TaskID, d time.Duration) *time.Timer {
	return time.AfterFunc(d, func() {
		_ = s.cancel(id)
	})
}

// waitHost blocks the calling host goroutine until the task terminates.
func (s *scheduler) waitHost(id TaskID) (Value, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := s.vm.fatalError(); err != nil {
			return Null, err
		}
		t := s.tasks[id]
		if t == nil {
			return Null, ErrTaskNotFound
		}
		switch t.State {
		case TaskDone:
			return t.result, nil
		case TaskFailed:
			if t.fault != nil {
				return Null, t.fault
			}
			return t.failure, &UserException{TaskID: t.ID, Payload: t.failure, Rendered: t.failureRendered}
		case TaskCancelled:
			return Null, ErrTaskCancelled
		}
		if s.closing {
			return Null, ErrEngineClosed
		}
		s.termCond.Wait()
	}
}

// ---------------------------------------------------------------------------
// Quiesce protocol
// ---------------------------------------------------------------------------

// stopTheWorld brings every worker to a safepoint, runs fn with the world
// stopped, then resumes. owner is the task whose worker initiated the stop
// (nil for host-initiated stops); that worker keeps running fn while all
// others park. fn runs with the scheduler lock held, so no task state moves
// underneath it.
func (s *scheduler) stopTheWorld(owner *Task, fn func()) {
	s.mu.Lock()

	for s.stopWorld {
		// Another stop is in progress. A worker initiator counts itself as
		// parked so that stop can proceed; a host initiator holds no active
		// slot to give up and just waits its turn.
		if owner != nil {
			s.active--
			s.quiesced.Broadcast()
			s.cond.Wait()
			s.active++
		} else {
			s.cond.Wait()
		}
	}

	s.stopWorld = true
	s.stats.Quiesces++

	minActive := 0
	if owner != nil {
		minActive = 1
	}
	for _, t := range s.tasks {
		if t.State == TaskRunning && t != owner {
			t.requestPreempt()
		}
	}
	for s.active > minActive {
		s.quiesced.Wait()
	}

	fn()

	s.stopWorld = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Introspection and shutdown
// ---------------------------------------------------------------------------

// taskRoots visits every root value held by live tasks. Must be called with
// the world stopped (inside a stopTheWorld fn).
func (s *scheduler) taskRoots(visit func(Value)) {
	for _, t := range s.tasks {
		t.roots(visit)
	}
}

func (s *scheduler) task(id TaskID) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id]
}

func (s *scheduler) snapshotStats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.ReadyQueue = len(s.queue)
	live := 0
	for _, t := range s.tasks {
		if !t.State.Terminal() {
			live++
		}
	}
	st.LiveTasks = live
	return st
}

// close stops the workers and waits for them to exit. In-flight tasks are
// preempted at their next safepoint and left in place.
func (s *scheduler) close() {
	s.mu.Lock()
	s.closing = true
	for _, t := range s.tasks {
		if t.State == TaskRunning {
			t.requestPreempt()
		}
	}
	s.cond.Broadcast()
	s.termCond.Broadcast()
	s.mu.Unlock()
	s.wg.Wait()
}
