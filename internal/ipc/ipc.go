// Package ipc implements the IPC router: endpoints with bounded FIFO
// message queues, capability transfer between sender and receiver
// capability tables, and reply correlation. The queue
// itself is internal/circbuf's generic ring, generalized from
// biscuit's single-purpose byte Circbuf_t the same way biscuit
// generalizes a page of bytes into whatever a daemon puts in it.
package ipc

import (
	"sync"

	"github.com/google/uuid"

	"github.com/open-nexus-os/neuron/internal/capability"
	"github.com/open-nexus-os/neuron/internal/circbuf"
	"github.com/open-nexus-os/neuron/internal/defs"
)

// Id_t identifies an endpoint.
type Id_t uint64

// CapGrant_t is one capability, with a rights Mask, carried alongside
// a message's payload. The router delivers it unchanged inside the
// message; Send and Recv do not install it in any capability table.
type CapGrant_t struct {
	Cap  capability.Cap_t
	Mask capability.Rights_t
}

// Message_t is one IPC envelope. SenderService is stamped by the
// router at send time from the sending task's kernel-assigned
// identity and can never be set by the caller -- sender identity is
// not forgeable.
type Message_t struct {
	SenderService defs.ServiceId_t
	Payload       []byte
	Grant         *CapGrant_t
	ReplyNonce    uuid.UUID // zero value means "no reply expected"
}

// waiter tracks an outstanding recv that is blocked waiting for a
// message, so Send can wake it rather than making it poll.
type waiter struct {
	ch chan Message_t
}

// Endpoint_t is a bounded-capacity mailbox. Capacity is fixed at
// creation; Send fails with WouldBlock rather than growing the queue,
// enforcing a hard bounded-queue invariant.
type Endpoint_t struct {
	mu      sync.Mutex
	id      Id_t
	q       *circbuf.Ring[Message_t]
	waiters []waiter
}

// Router_t owns every live endpoint and the table of outstanding
// reply nonces awaiting correlation.
type Router_t struct {
	mu     sync.Mutex
	next   Id_t
	ep     map[Id_t]*Endpoint_t
	awaits map[uuid.UUID]chan Message_t
}

// NewRouter creates an empty IPC router.
func NewRouter() *Router_t {
	return &Router_t{
		next:   1,
		ep:     make(map[Id_t]*Endpoint_t),
		awaits: make(map[uuid.UUID]chan Message_t),
	}
}

// CreateEndpoint allocates a new endpoint with the given bounded
// queue depth.
func (r *Router_t) CreateEndpoint(depth int) (Id_t, defs.Err_t) {
	if depth <= 0 {
		return 0, defs.EINVAL
	}
	ep := &Endpoint_t{q: circbuf.New[Message_t](depth)}
	r.mu.Lock()
	id := r.next
	r.next++
	ep.id = id
	r.ep[id] = ep
	r.mu.Unlock()
	return id, 0
}

// DestroyEndpoint removes an endpoint; any task still blocked in Recv
// on it observes Closed.
func (r *Router_t) DestroyEndpoint(id Id_t) defs.Err_t {
	r.mu.Lock()
	ep, ok := r.ep[id]
	if ok {
		delete(r.ep, id)
	}
	r.mu.Unlock()
	if !ok {
		return defs.ENOTFOUND
	}
	ep.mu.Lock()
	waiters := ep.waiters
	ep.waiters = nil
	ep.mu.Unlock()
	for _, w := range waiters {
		close(w.ch)
	}
	return 0
}

func (r *Router_t) lookup(id Id_t) (*Endpoint_t, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.ep[id]
	if !ok {
		return nil, defs.ENOTFOUND
	}
	return ep, 0
}

// Send enqueues msg on the named endpoint's mailbox, stamping the
// sender's kernel identity. If a task is already blocked in Recv, the
// message is handed to it directly rather than round-tripping
// through the queue, bounding the number of enqueued-but-unconsumed
// messages a waiting receiver ever causes. Returns WouldBlock if the
// queue is full and no one is waiting.
func (r *Router_t) Send(id Id_t, sender defs.ServiceId_t, payload []byte, grant *CapGrant_t, wantReply bool) (uuid.UUID, defs.Err_t) {
	ep, err := r.lookup(id)
	if err != 0 {
		return uuid.UUID{}, err
	}
	msg := Message_t{SenderService: sender, Payload: payload, Grant: grant}
	if wantReply {
		msg.ReplyNonce = uuid.New()
	}

	ep.mu.Lock()
	if len(ep.waiters) > 0 {
		w := ep.waiters[0]
		ep.waiters = ep.waiters[1:]
		ep.mu.Unlock()
		w.ch <- msg
		return msg.ReplyNonce, 0
	}
	pushErr := ep.q.Push(msg)
	ep.mu.Unlock()
	if pushErr != 0 {
		return uuid.UUID{}, defs.EAGAIN
	}
	return msg.ReplyNonce, 0
}

// Recv blocks (logically; callers drive this from a scheduler wait
// channel) until a message is available on id, returning it. If the
// queue already holds a message it is returned immediately; otherwise
// the caller is registered as a waiter and recv is satisfied by a
// concurrent Send. Returns Closed if the endpoint is destroyed while
// waiting.
func (r *Router_t) Recv(id Id_t) (Message_t, defs.Err_t) {
	ep, err := r.lookup(id)
	if err != 0 {
		return Message_t{}, err
	}
	ep.mu.Lock()
	if !ep.q.Empty() {
		m, _ := ep.q.Pop()
		ep.mu.Unlock()
		return m, 0
	}
	ch := make(chan Message_t, 1)
	ep.waiters = append(ep.waiters, waiter{ch: ch})
	ep.mu.Unlock()

	m, ok := <-ch
	if !ok {
		return Message_t{}, defs.ECLOSED
	}
	return m, 0
}

// AwaitReply registers nonce as an outstanding reply correlation and
// returns a channel that receives the reply message once Reply is
// called with the same nonce.
func (r *Router_t) AwaitReply(nonce uuid.UUID) chan Message_t {
	ch := make(chan Message_t, 1)
	r.mu.Lock()
	r.awaits[nonce] = ch
	r.mu.Unlock()
	return ch
}

// Reply delivers a reply to whoever is waiting on nonce. Returns
// NotFound if no one is waiting on that nonce (it already timed out,
// or was never issued).
func (r *Router_t) Reply(nonce uuid.UUID, sender defs.ServiceId_t, payload []byte) defs.Err_t {
	r.mu.Lock()
	ch, ok := r.awaits[nonce]
	if ok {
		delete(r.awaits, nonce)
	}
	r.mu.Unlock()
	if !ok {
		return defs.ENOTFOUND
	}
	ch <- Message_t{SenderService: sender, Payload: payload}
	return 0
}
