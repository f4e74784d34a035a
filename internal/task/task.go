// Package task implements Task_t, the kernel's schedulable unit: an
// owning address space, a capability table, a QoS class and affinity
// mask, and the run-state machine a task moves through from spawn to
// exit. It adapts biscuit's Tnote_t/Threadinfo_t (tinfo/tinfo.go) --
// the same "state plus Alive/Killed/Doomed flags kept in a registry
// map" shape -- from biscuit's per-thread-inside-a-process model to a
// one-capability-table-per-task model, since Neuron has no
// process/thread split.
package task

import (
	"sync"

	"github.com/open-nexus-os/neuron/internal/capability"
	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/vm"
)

// QoS_t is a task's scheduling class. Lower values run first when
// runnable, per the kernel's QoS-then-FIFO selection rule.
type QoS_t int

const (
	QoSRealtime QoS_t = iota
	QoSNormal
	QoSBackground
)

// State_t is a task's run-state.
type State_t int

const (
	StateRunnable State_t = iota
	StateRunning
	StateBlocked
	StateExited
)

func (s State_t) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Registers_t is the saved register file restored on context switch
// back to user mode. Only the fields the trap dispatcher and loader
// actually touch are modeled; there is no reason to carry the rest of
// the RISC-V integer register file through a hosted simulation.
type Registers_t struct {
	PC   uintptr
	SP   uintptr
	A0   uintptr // syscall arg0 / return value
	A1   uintptr
	A2   uintptr
	A3   uintptr
	A7   uintptr // syscall number
}

// Task_t is one schedulable task.
type Task_t struct {
	mu sync.Mutex

	id      defs.Tid_t
	service defs.ServiceId_t
	as      *vm.AddressSpace_t
	caps    *capability.Table_t
	regs    Registers_t

	qos      QoS_t
	affinity uint64 // bitmask of CPUs this task may run on
	home     defs.Cpu_t
	parent   defs.Tid_t // zero means no parent (the root task)

	state    State_t
	killed   bool
	exitCode int

	exited   chan struct{}
	exitOnce sync.Once
}

// New creates a task bound to address space as, with a fresh empty
// capability table, the given QoS class, affinity mask, and home CPU.
func New(id defs.Tid_t, service defs.ServiceId_t, as *vm.AddressSpace_t, qos QoS_t, affinity uint64, home defs.Cpu_t) *Task_t {
	return &Task_t{
		id:       id,
		service:  service,
		as:       as,
		caps:     capability.NewTable(),
		qos:      qos,
		affinity: affinity,
		home:     home,
		state:    StateRunnable,
		exited:   make(chan struct{}),
	}
}

func (t *Task_t) Id() defs.Tid_t             { return t.id }
func (t *Task_t) ServiceId() defs.ServiceId_t { return t.service }
func (t *Task_t) AddressSpace() *vm.AddressSpace_t { return t.as }
func (t *Task_t) Caps() *capability.Table_t  { return t.caps }
func (t *Task_t) QoS() QoS_t                 { return t.qos }
func (t *Task_t) Home() defs.Cpu_t           { return t.home }
func (t *Task_t) Parent() defs.Tid_t         { return t.parent }

// ExitedChan returns a channel closed exactly once, when the task
// transitions to Exited, for a parent's wait to block on.
func (t *Task_t) ExitedChan() <-chan struct{} { return t.exited }

// Affinity reports whether cpu is in this task's allowed set.
func (t *Task_t) Affinity(cpu defs.Cpu_t) bool {
	if cpu < 0 || cpu >= 64 {
		return false
	}
	return t.affinity&(1<<uint(cpu)) != 0
}

// Regs returns a copy of the saved register file.
func (t *Task_t) Regs() Registers_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.regs
}

// SetRegs overwrites the saved register file, e.g. after the loader
// stages the entry point and stack pointer.
func (t *Task_t) SetRegs(r Registers_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.regs = r
}

// State reports the task's current run-state.
func (t *Task_t) State() State_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState transitions the task to s. Transitioning out of Exited is
// rejected (a panic, not an error return) since it can only indicate
// a scheduler bug -- an exited task is never rescheduled.
func (t *Task_t) SetState(s State_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateExited {
		panic("task: transition out of exited state")
	}
	t.state = s
}

// Kill marks the task doomed; the scheduler observes this the next
// time the task would otherwise be selected to run and forces it to
// Exited instead.
func (t *Task_t) Kill(code int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = true
	t.exitCode = code
}

// Killed reports whether Kill has been called.
func (t *Task_t) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// Exit transitions the task to Exited with the given code and wakes
// any parent blocked in wait.
func (t *Task_t) Exit(code int) {
	t.mu.Lock()
	t.state = StateExited
	t.exitCode = code
	t.mu.Unlock()
	t.exitOnce.Do(func() { close(t.exited) })
}

// ExitCode reports the code passed to Exit or Kill.
func (t *Task_t) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Table_t is the kernel-wide registry of live tasks, keyed by id --
// the generalization of biscuit's Threadinfo_t.Notes map from threads
// inside one process to every task in the system.
type Table_t struct {
	mu   sync.Mutex
	next defs.Tid_t
	byId map[defs.Tid_t]*Task_t
}

// NewTable creates an empty task table.
func NewTable() *Table_t {
	return &Table_t{next: 1, byId: make(map[defs.Tid_t]*Task_t)}
}

// Spawn allocates a fresh task id, creates a task under it and
// registers it, returning the new task. parent is the spawning task's id, or zero for a
// root task with no parent to reap it via wait.
func (tb *Table_t) Spawn(service defs.ServiceId_t, as *vm.AddressSpace_t, qos QoS_t, affinity uint64, home defs.Cpu_t, parent defs.Tid_t) *Task_t {
	tb.mu.Lock()
	id := tb.next
	tb.next++
	tb.mu.Unlock()

	t := New(id, service, as, qos, affinity, home)
	t.parent = parent
	tb.mu.Lock()
	tb.byId[id] = t
	tb.mu.Unlock()
	return t
}

// Lookup returns the task with the given id.
func (tb *Table_t) Lookup(id defs.Tid_t) (*Task_t, defs.Err_t) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.byId[id]
	if !ok {
		return nil, defs.ENOTFOUND
	}
	return t, 0
}

// Remove drops a task from the table, e.g. once its parent has
// reaped its exit status via wait.
func (tb *Table_t) Remove(id defs.Tid_t) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.byId, id)
}

// All returns a snapshot of every live task, for diagnostics.
func (tb *Table_t) All() []*Task_t {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	out := make([]*Task_t, 0, len(tb.byId))
	for _, t := range tb.byId {
		out = append(out, t)
	}
	return out
}
