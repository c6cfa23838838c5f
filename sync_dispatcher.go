package hsm

// This file implements the synchronous dispatcher (spec §4.4): macrosteps
// run on the caller's own goroutine inside Deliver, with no background
// worker. Grounded on
// _examples/original_source/src/detail/eventdispatcher.hpp's
// synchronous_event_dispatcher, adapted to a goroutine-reentrancy guard in
// place of a recursive mutex (Go's sync.Mutex has none, spec §5's documented
// deviation).

// Deliver enqueues ev and, unless the instance isn't running or a macrostep
// is already in progress on the calling goroutine, drains the queue one
// macrostep per event until it is empty. A call made while already inside a
// macrostep on this goroutine - e.g. from a guard, action or hook calling
// Deliver reentrantly - merely enqueues and returns (spec §7's reentrancy
// guarantee); it is the caller's responsibility not to call Deliver
// reentrantly from a *different* goroutine while this one holds the machine
// lock, which blocks exactly as any other contended mutex would.
//
// A guard or action panic is not caught by the engine itself (spec §7: only
// entry/exit/invoke exceptions are routed through the state-exception hook).
// Here at the dispatcher boundary it is recovered just long enough to unwind
// per spec §4.4 - clear the enabled set, force-leave the configuration, clear
// running - before being re-raised to the caller exactly as it was thrown.
func (inst *StateMachineInstance[E]) Deliver(ev Event) error {
	if inst.dispatching {
		// Reentrant call on the same goroutine: the lock is already held by
		// the in-progress Deliver further up this goroutine's call stack, so
		// we must not try to take it again. Merely enqueue.
		return inst.queue.PushBack(ev)
	}

	inst.lock()
	if err := inst.queue.PushBack(ev); err != nil {
		inst.unlock()
		return err
	}
	if !inst.running {
		inst.unlock()
		return nil
	}

	inst.dispatching = true
	defer func() {
		r := recover()
		inst.dispatching = false
		if r != nil {
			inst.forceLeaveAfterPanic()
			inst.running = false
		}
		inst.unlock()
		if r != nil {
			panic(r)
		}
	}()

	for !inst.queue.Empty() {
		e := inst.queue.PopFront()
		if err := inst.runMacrostep(e); err != nil {
			inst.clearTransient()
			inst.running = false
			return err
		}
	}
	return nil
}
