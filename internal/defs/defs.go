// Package defs holds the scalar types and closed error taxonomy shared
// by every kernel package, mirroring the role biscuit's defs package
// plays for the whole kernel.
package defs

import "fmt"

// Err_t is a kernel error code. Zero means success; every failure is a
// small negative integer drawn from the closed taxonomy below. No
// kernel call panics on a recoverable user error -- it returns an
// Err_t instead.
type Err_t int

const (
	EINVAL Err_t = -(iota + 1)
	EPERM
	ENOENT
	EBUSY
	ENOTMAPPED
	EOVERLAP
	EWX
	EOUTOFRANGE
	ENOMEM
	EAGAIN
	ETIMEDOUT
	EEMPTY
	ECLOSED
	ENOTFOUND
	EFAULT
	EOVERLIMIT
	ERATELIMIT
)

var names = map[Err_t]string{
	EINVAL:      "InvalidArgs",
	EPERM:       "InsufficientRights",
	ENOENT:      "NoSuchSlot",
	EBUSY:       "DstSlotBusy",
	ENOTMAPPED:  "NotMapped",
	EOVERLAP:    "Overlap",
	EWX:         "WXViolation",
	EOUTOFRANGE: "OutOfRange",
	ENOMEM:      "OutOfMemory",
	EAGAIN:      "WouldBlock",
	ETIMEDOUT:   "TimedOut",
	EEMPTY:      "Empty",
	ECLOSED:     "Closed",
	ENOTFOUND:   "NotFound",
	EFAULT:      "Fault",
	EOVERLIMIT:  "OverLimit",
	ERATELIMIT:  "RateLimited",
}

// String renders the closed-taxonomy name for an error code, falling
// back to the numeric value for the zero (success) case or anything
// unrecognized.
func (e Err_t) String() string {
	if e == 0 {
		return "OK"
	}
	if s, ok := names[e]; ok {
		return s
	}
	return fmt.Sprintf("Err(%d)", int(e))
}

// Error satisfies the error interface so an Err_t can be returned from
// Go code that expects one, without losing its identity as a taxonomy
// member (callers that need the code back use errors.As with FaultErr
// or a direct Err_t type assertion).
func (e Err_t) Error() string {
	return e.String()
}

// FaultKind_t enumerates the causes of a Fault error, carried
// alongside the faulting address.
type FaultKind_t int

const (
	FaultPage FaultKind_t = iota
	FaultIllegalInstruction
)

func (k FaultKind_t) String() string {
	switch k {
	case FaultPage:
		return "page-fault"
	case FaultIllegalInstruction:
		return "illegal-instruction"
	default:
		return "unknown-fault"
	}
}

// FaultErr carries the kind and address of a task-terminating fault,
// per spec: Fault{kind, addr}.
type FaultErr struct {
	Kind FaultKind_t
	Addr uintptr
}

func (f *FaultErr) Error() string {
	return fmt.Sprintf("Fault{%s, 0x%x}", f.Kind, f.Addr)
}

// Code reports the Err_t this fault is surfaced as to callers that only
// care about the taxonomy bucket (always EFAULT).
func (f *FaultErr) Code() Err_t { return EFAULT }

// Tid_t identifies a task (the schedulable unit).
type Tid_t int

// Cpu_t identifies a logical CPU.
type Cpu_t int

// ServiceId_t is the kernel-assigned identity stamped on every IPC
// message and the sole identity any policy decision may trust. It is
// never supplied by the caller; the kernel derives it from the sending
// task at send time.
type ServiceId_t uint64
