// Package trap implements the fixed syscall dispatch table: argument
// marshaling out of a task's saved registers, per-handler validation
// of capability rights and user-pointer bounds before any side
// effect, and the closed mapping from syscall number to handler.
// Adapted from biscuit's big per-syscall switch (there called from
// the trap vector into Syscall/Sys_* functions) but collapsed to a
// fixed 15-entry table rather than POSIX's.
package trap

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/open-nexus-os/neuron/internal/capability"
	"github.com/open-nexus-os/neuron/internal/defs"
	"github.com/open-nexus-os/neuron/internal/ipc"
	"github.com/open-nexus-os/neuron/internal/sched"
	"github.com/open-nexus-os/neuron/internal/stats"
	"github.com/open-nexus-os/neuron/internal/task"
	"github.com/open-nexus-os/neuron/internal/uart"
	"github.com/open-nexus-os/neuron/internal/vm"
	"github.com/open-nexus-os/neuron/internal/vmo"
)

// No_t is a syscall number. The table is fixed and closed: there is no
// registration mechanism, only this enumeration.
type No_t int

const (
	SysYield No_t = iota
	SysNsec
	SysSend
	SysRecv
	SysMap
	SysVmoCreate
	SysVmoWrite
	SysSpawn
	SysCapTransfer
	SysAsCreate
	SysAsMap
	SysMmioMap
	SysExit
	SysWait
	SysDebugPutc
	numSyscalls
)

// Dispatcher_t wires every kernel subsystem a syscall handler may need
// to touch.
type Dispatcher_t struct {
	Tasks  *task.Table_t
	Sched  *sched.Scheduler_t
	Router *ipc.Router_t
	Vmos   *vmo.Registry_t
	VM     *vm.Manager_t
	Boot   time.Time

	Calls [numSyscalls]stats.Counter_t

	// replyMu guards the two maps below, which correlate a reply nonce
	// truncated to the 8 bytes the register-width syscall ABI can carry
	// back to the full ipc.Router_t bookkeeping the nonce actually
	// lives in: awaiting holds the channel a requester's filtered recv
	// blocks on, replyTargets holds the full nonce a replier echoes
	// back on its next send.
	replyMu      sync.Mutex
	awaiting     map[uint64]chan ipc.Message_t
	replyTargets map[uint64]uuid.UUID
}

// replySentinel in A0 marks a send as a reply to an outstanding nonce
// (carried in A3) rather than a new message to a capability-addressed
// endpoint -- a task that received a request is trusted to answer it
// without separately holding a Send capability on the inbox.
const replySentinel = ^uintptr(0)

// NewDispatcher builds a dispatcher over the given subsystems.
func NewDispatcher(tasks *task.Table_t, s *sched.Scheduler_t, r *ipc.Router_t, vmos *vmo.Registry_t, vmm *vm.Manager_t) *Dispatcher_t {
	return &Dispatcher_t{
		Tasks:        tasks,
		Sched:        s,
		Router:       r,
		Vmos:         vmos,
		VM:           vmm,
		Boot:         time.Now(),
		awaiting:     make(map[uint64]chan ipc.Message_t),
		replyTargets: make(map[uint64]uuid.UUID),
	}
}

// Dispatch executes the syscall named by t's saved A7 register against
// t's current arguments, writing the result into A0 and returning the
// raw error code. The syscall number's range is checked: an
// out-of-range number is InvalidArgs, never a panic.
func (d *Dispatcher_t) Dispatch(t *task.Task_t) defs.Err_t {
	r := t.Regs()
	no := No_t(r.A7)
	if no < 0 || no >= numSyscalls {
		r.A0 = 0
		t.SetRegs(r)
		return defs.EINVAL
	}

	d.Calls[no].Inc()

	var ret uintptr
	var err defs.Err_t

	switch no {
	case SysYield:
		err = d.sysYield(t)
	case SysNsec:
		ret, err = d.sysNsec()
	case SysSend:
		ret, err = d.sysSend(t, r)
	case SysRecv:
		ret, err = d.sysRecv(t, r)
	case SysMap:
		err = d.sysMap(t, r)
	case SysVmoCreate:
		ret, err = d.sysVmoCreate(r)
	case SysVmoWrite:
		err = d.sysVmoWrite(t, r)
	case SysSpawn:
		ret, err = d.sysSpawn(t, r)
	case SysCapTransfer:
		err = d.sysCapTransfer(t, r)
	case SysAsCreate:
		ret, err = d.sysAsCreate(r)
	case SysAsMap:
		err = d.sysAsMap(t, r)
	case SysMmioMap:
		err = d.sysMmioMap(t, r)
	case SysExit:
		err = d.sysExit(t, r)
	case SysWait:
		ret, err = d.sysWait(t, r)
	case SysDebugPutc:
		err = d.sysDebugPutc(t, r)
	default:
		err = defs.EINVAL
	}

	r = t.Regs()
	r.A0 = ret
	t.SetRegs(r)
	return err
}

func (d *Dispatcher_t) sysYield(t *task.Task_t) defs.Err_t {
	t.SetState(task.StateRunnable)
	return 0
}

func (d *Dispatcher_t) sysNsec() (uintptr, defs.Err_t) {
	return uintptr(time.Since(d.Boot).Nanoseconds()), 0
}

// requireCap fetches the capability at slot in t and verifies it has
// every bit set in need, failing closed on either a missing slot or
// insufficient rights -- every handler below validates before acting,
// never the reverse.
func requireCap(t *task.Task_t, slot int, kind capability.Kind_t, need capability.Rights_t) (capability.Cap_t, defs.Err_t) {
	c, err := t.Caps().Get(slot)
	if err != 0 {
		return capability.Cap_t{}, err
	}
	if c.Object.Kind != kind {
		return capability.Cap_t{}, defs.EINVAL
	}
	if !need.Subset(c.Rights) {
		return capability.Cap_t{}, defs.EPERM
	}
	return c, 0
}

// sysSend either enqueues a new message on the endpoint named by the
// capability at A0, or -- when A0 is replySentinel -- delivers a reply
// to the nonce in A3 that a prior filtered recv handed back to this
// task. Both paths read the payload from A1/A2.
func (d *Dispatcher_t) sysSend(t *task.Task_t, r task.Registers_t) (uintptr, defs.Err_t) {
	if r.A0 == replySentinel {
		return 0, d.sysReply(t, r)
	}

	c, err := requireCap(t, int(r.A0), capability.KindEndpoint, capability.Send)
	if err != 0 {
		return 0, err
	}
	payload, err := d.VM.CopyIn(t.AddressSpace(), r.A1, int(r.A2))
	if err != 0 {
		return 0, err
	}
	wantReply := r.A3 != 0
	nonce, err := d.Router.Send(ipc.Id_t(c.Object.Handle), t.ServiceId(), payload, nil, wantReply)
	if err != 0 {
		return 0, err
	}
	if !wantReply {
		return 0, 0
	}
	truncated := binary.LittleEndian.Uint64(nonce[:8])
	ch := d.Router.AwaitReply(nonce)
	d.replyMu.Lock()
	d.awaiting[truncated] = ch
	d.replyMu.Unlock()
	return uintptr(truncated), 0
}

// sysReply answers the request correlated by the nonce in A3, looked
// up against the table sysRecv populated when it delivered that
// request.
func (d *Dispatcher_t) sysReply(t *task.Task_t, r task.Registers_t) defs.Err_t {
	key := uint64(r.A3)
	d.replyMu.Lock()
	nonce, ok := d.replyTargets[key]
	if ok {
		delete(d.replyTargets, key)
	}
	d.replyMu.Unlock()
	if !ok {
		return defs.ENOTFOUND
	}
	payload, err := d.VM.CopyIn(t.AddressSpace(), r.A1, int(r.A2))
	if err != 0 {
		return err
	}
	return d.Router.Reply(nonce, t.ServiceId(), payload)
}

// sysRecv either dequeues the next message FIFO from the endpoint
// named by the capability at A0 (A2 == 0), or -- when A2 carries a
// nonce truncated to 8 bytes by a prior sysSend -- blocks only on that
// specific reply, so a task with several outstanding requests is never
// handed one nonce's reply while filtering for another: out-of-order
// replies on a shared inbox must not misassociate. A message that
// itself carries a reply nonce echoes it back in A3 so the receiver
// can answer it later via sysSend's reply path.
func (d *Dispatcher_t) sysRecv(t *task.Task_t, r task.Registers_t) (uintptr, defs.Err_t) {
	if r.A2 != 0 {
		return d.sysRecvReply(t, r)
	}

	c, err := requireCap(t, int(r.A0), capability.KindEndpoint, capability.Recv)
	if err != 0 {
		return 0, err
	}
	msg, err := d.Router.Recv(ipc.Id_t(c.Object.Handle))
	if err != 0 {
		return 0, err
	}
	if werr := d.VM.CopyOut(t.AddressSpace(), r.A1, msg.Payload); werr != 0 {
		return 0, werr
	}
	if msg.ReplyNonce != (uuid.UUID{}) {
		truncated := binary.LittleEndian.Uint64(msg.ReplyNonce[:8])
		d.replyMu.Lock()
		d.replyTargets[truncated] = msg.ReplyNonce
		d.replyMu.Unlock()
		regs := t.Regs()
		regs.A3 = uintptr(truncated)
		t.SetRegs(regs)
	}
	return uintptr(len(msg.Payload)), 0
}

func (d *Dispatcher_t) sysRecvReply(t *task.Task_t, r task.Registers_t) (uintptr, defs.Err_t) {
	key := uint64(r.A2)
	d.replyMu.Lock()
	ch, ok := d.awaiting[key]
	if ok {
		delete(d.awaiting, key)
	}
	d.replyMu.Unlock()
	if !ok {
		return 0, defs.ENOTFOUND
	}
	msg, ok := <-ch
	if !ok {
		return 0, defs.ECLOSED
	}
	if werr := d.VM.CopyOut(t.AddressSpace(), r.A1, msg.Payload); werr != 0 {
		return 0, werr
	}
	return uintptr(len(msg.Payload)), 0
}

func (d *Dispatcher_t) sysMap(t *task.Task_t, r task.Registers_t) defs.Err_t {
	c, err := requireCap(t, int(r.A3), capability.KindAddressSpace, capability.Map)
	if err != 0 {
		return err
	}
	as, err := d.VM.Lookup(vm.Id_t(c.Object.Handle))
	if err != 0 {
		return err
	}
	prot := vm.Prot_t(r.A2)
	return d.VM.Map(as, r.A0, r.A1, prot, vm.Source_t{Anon: true})
}

func (d *Dispatcher_t) sysVmoCreate(r task.Registers_t) (uintptr, defs.Err_t) {
	id, err := d.Vmos.Create(d.VM.Phys, int(r.A0))
	return uintptr(id), err
}

func (d *Dispatcher_t) sysVmoWrite(t *task.Task_t, r task.Registers_t) defs.Err_t {
	c, err := requireCap(t, int(r.A0), capability.KindVmo, capability.Write)
	if err != 0 {
		return err
	}
	v, err := d.Vmos.Lookup(vmo.Id_t(c.Object.Handle))
	if err != 0 {
		return err
	}
	src, err := d.VM.CopyIn(t.AddressSpace(), r.A2, int(r.A3))
	if err != 0 {
		return err
	}
	return v.Write(int(r.A1), src)
}

func (d *Dispatcher_t) sysSpawn(t *task.Task_t, r task.Registers_t) (uintptr, defs.Err_t) {
	c, err := requireCap(t, int(r.A0), capability.KindAddressSpace, capability.Map)
	if err != 0 {
		return 0, err
	}
	as, err := d.VM.Lookup(vm.Id_t(c.Object.Handle))
	if err != 0 {
		return 0, err
	}
	qos := task.QoS_t(r.A2)
	child := d.Tasks.Spawn(defs.ServiceId_t(r.A1), as, qos, ^uint64(0), t.Home(), t.Id())
	return uintptr(child.Id()), 0
}

func (d *Dispatcher_t) sysCapTransfer(t *task.Task_t, r task.Registers_t) defs.Err_t {
	dst, err := d.Tasks.Lookup(defs.Tid_t(r.A1))
	if err != 0 {
		return err
	}
	mask := capability.Rights_t(r.A3)
	return capability.TransferCap(t.Caps(), int(r.A0), dst.Caps(), int(r.A2), mask)
}

func (d *Dispatcher_t) sysAsCreate(r task.Registers_t) (uintptr, defs.Err_t) {
	id, err := d.VM.Create(r.A0 != 0)
	return uintptr(id), err
}

func (d *Dispatcher_t) sysAsMap(t *task.Task_t, r task.Registers_t) defs.Err_t {
	return d.sysMap(t, r)
}

func (d *Dispatcher_t) sysMmioMap(t *task.Task_t, r task.Registers_t) defs.Err_t {
	c, err := requireCap(t, int(r.A3), capability.KindDeviceMmio, capability.Map)
	if err != 0 {
		return err
	}
	as := t.AddressSpace()
	if as.Privileged() {
		return defs.EPERM
	}
	base, length := r.A0, r.A1
	if base < c.Object.Mmio.Base || base+length > c.Object.Mmio.Base+c.Object.Mmio.Len {
		return defs.EOUTOFRANGE
	}
	prot := vm.Prot_t(r.A2)
	if prot&vm.ProtX != 0 {
		return defs.EWX
	}
	return d.VM.Map(as, base, length, prot, vm.Source_t{Anon: true})
}

func (d *Dispatcher_t) sysExit(t *task.Task_t, r task.Registers_t) defs.Err_t {
	t.Exit(int(r.A0))
	return 0
}

// sysWait blocks the caller until the child named by A0 exits, reaps
// it from the task table, and returns its exit code. Waiting on
// anything but one of the caller's own children is rejected -- a
// child is only ever destroyed once its actual parent observes the
// exit, not by a general wait-for-any-task.
func (d *Dispatcher_t) sysWait(t *task.Task_t, r task.Registers_t) (uintptr, defs.Err_t) {
	child, err := d.Tasks.Lookup(defs.Tid_t(r.A0))
	if err != 0 {
		return 0, err
	}
	if child.Parent() != t.Id() {
		return 0, defs.EPERM
	}
	<-child.ExitedChan()
	code := child.ExitCode()
	d.Tasks.Remove(child.Id())
	return uintptr(code), 0
}

func (d *Dispatcher_t) sysDebugPutc(t *task.Task_t, r task.Registers_t) defs.Err_t {
	uart.Markerf("%c", byte(r.A0))
	return 0
}
