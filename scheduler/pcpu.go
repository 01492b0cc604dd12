package scheduler

import "sync"

// PCPU is one physical CPU's scheduler: a FIFO ready list, a sleep list,
// a single idle task, and a per-CPU lock (spec.md §4.B "Model: parallel
// threads. One scheduler per pCPU").
type PCPU struct {
	ID int

	mu      sync.Mutex
	ready   []*Task
	sleep   []*Task
	current *Task
	idle    *Task

	// wakeCh is the direct Go analogue of "send IPI vector IPI_SCHED to
	// wake a pCPU blocked in WFI": the run loop selects on this channel
	// while idle instead of issuing a real WFI instruction.
	wakeCh chan struct{}
}

// NewPCPU returns a scheduler for pCPU id with idle as its idle task
// (run whenever the ready list is empty).
func NewPCPU(id int, idle *Task) *PCPU {
	idle.State = StateReady

	return &PCPU{
		ID:     id,
		idle:   idle,
		wakeCh: make(chan struct{}, 1),
	}
}

// WakeChannel exposes the IPI_SCHED channel so a run loop can select on it
// while parked with nothing ready.
func (p *PCPU) WakeChannel() <-chan struct{} { return p.wakeCh }

func (p *PCPU) notify() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// AddReadyTail implements spec.md §4.B "add_to_ready_tail(task)" on the
// current pCPU.
func (p *PCPU) AddReadyTail(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.State = StateReady
	p.ready = append(p.ready, t)
}

// AddReadyHead implements spec.md §4.B "add_to_ready_head(task)".
func (p *PCPU) AddReadyHead(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.State = StateReady
	p.ready = append([]*Task{t}, p.ready...)
}

// AddReadyTailRemote implements spec.md §4.B
// "add_to_ready_*_remote(task, pcpu)": acquire the target pCPU's lock,
// enqueue, then send IPI_SCHED.
func (p *PCPU) AddReadyTailRemote(t *Task) {
	p.mu.Lock()
	t.State = StateReady
	p.ready = append(p.ready, t)
	p.mu.Unlock()

	p.notify()
}

// SetSleep implements spec.md §4.B "set_sleep(task, ticks)": move task
// from RUNNING/READY to WAITING until wakeTick.
func (p *PCPU) SetSleep(t *Task, wakeTick uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t.State = StateWaiting
	t.sleepUntil = wakeTick
	p.sleep = append(p.sleep, t)
}

// Wakeup implements spec.md §4.B "wakeup(task)": move task from WAITING
// to READY on its owning pCPU. Safe to call from another pCPU's goroutine
// (that is the "remote wake" path §3 carves out as legal without holding
// the owning pCPU's scheduler lock from the caller's side).
func (p *PCPU) Wakeup(t *Task) {
	p.mu.Lock()

	for i, s := range p.sleep {
		if s == t {
			p.sleep = append(p.sleep[:i], p.sleep[i+1:]...)

			break
		}
	}

	t.State = StateReady
	p.ready = append(p.ready, t)
	p.mu.Unlock()

	p.notify()
}

// Tick implements the quantum-decrement half of spec.md §4.B's timer-tick
// handler: decrement the running task's quantum, and move any sleeping
// task whose wake tick has arrived back to the ready tail. needsReschedule
// reports whether the running task's quantum just expired.
func (p *PCPU) Tick(now uint64) (needsReschedule bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stillAsleep []*Task

	for _, s := range p.sleep {
		if now >= s.sleepUntil {
			s.State = StateReady
			p.ready = append(p.ready, s)
		} else {
			stillAsleep = append(stillAsleep, s)
		}
	}

	p.sleep = stillAsleep

	if p.current == nil || p.current == p.idle {
		return false
	}

	p.current.quantum--
	if p.current.quantum <= 0 {
		p.current.quantum = SysTaskTick

		return true
	}

	return false
}

// popReady removes and returns the ready-queue head, or the idle task if
// the ready queue is empty (spec.md §4.B "schedule()").
func (p *PCPU) popReady() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.ready) == 0 {
		return p.idle
	}

	t := p.ready[0]
	p.ready = p.ready[1:]

	return t
}

// Requeue puts the currently running (non-idle) task back at the ready
// tail, used on quantum expiry (spec.md §4.B "when zero, requeue at tail
// and yield").
func (p *PCPU) Requeue() {
	p.mu.Lock()
	cur := p.current
	p.mu.Unlock()

	if cur == nil || cur == p.idle {
		return
	}

	p.AddReadyTail(cur)
}

// Current returns the task currently assigned to this pCPU, or nil before
// the first Schedule call.
func (p *PCPU) Current() *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.current
}

// IsIdle reports whether t is this pCPU's designated idle task. The
// hypervisor's run loop uses this to decide whether to call t.VCPU.Run()
// or to simply block on WakeChannel until something is ready.
func (p *PCPU) IsIdle(t *Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return t == p.idle
}
