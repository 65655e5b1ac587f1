// Package irq implements the interrupt number to handler registry and
// the dispatch algorithm spec.md §4.11 describes: the GIC acknowledges
// the interrupt ID, the dispatcher looks it up under a short-held lock,
// copies out the handler, drops the lock, then invokes it outside the
// lock. Handlers must be non-allocating and must not acquire any lock
// above this registry in the documented hierarchy
// (internal/ksync.AssertOrder). The copy-out pattern itself is grounded
// on internal/ksync's SpinLock.WithLock idiom, generalized here to a
// lock-then-copy-then-unlock sequence since the protected critical
// section (a map lookup) must not extend across the handler call.
package irq

import "github.com/kestrelos/kestrel/internal/ksync"

// Acknowledger is the minimal GIC surface the dispatcher drives:
// acknowledge the pending interrupt and signal completion. Satisfied by
// *internal/devices/gic.GIC.
type Acknowledger interface {
	Ack() (irq uint32, ok bool)
	EOI(irq uint32)
}

// Handler is invoked with the acknowledged interrupt number. It runs
// with no locks held by the dispatcher and must not block.
type Handler func(irq uint32)

// Registry maps interrupt numbers to handlers, written once at device
// init time and read on every dispatch via copy-out (spec.md: "IRQ
// registry: read via copy-out; write only at init").
type Registry struct {
	lock     ksync.SpinLock
	handlers map[uint32]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint32]Handler)}
}

// Register installs handler for irq, replacing any existing handler.
// Called only during device init, before interrupts are unmasked at the
// GIC distributor.
func (r *Registry) Register(irqNum uint32, handler Handler) {
	s := r.lock.Lock()
	r.handlers[irqNum] = handler
	r.lock.Unlock(s)
}

// Unregister removes the handler for irq, if any.
func (r *Registry) Unregister(irqNum uint32) {
	s := r.lock.Lock()
	delete(r.handlers, irqNum)
	r.lock.Unlock(s)
}

// lookup copies out the handler under the registry lock without holding
// the lock across invocation.
func (r *Registry) lookup(irqNum uint32) (Handler, bool) {
	s := r.lock.Lock()
	h, ok := r.handlers[irqNum]
	r.lock.Unlock(s)
	return h, ok
}

// Dispatch runs one full IRQ-entry cycle: acknowledge at the GIC,
// look up and invoke the registered handler, then signal end-of-
// interrupt. A spurious acknowledge (no interrupt pending) is a no-op.
// An acknowledged interrupt with no registered handler still receives
// its EOI, so the GIC is not left waiting on a handler that will never
// run.
func Dispatch(gic Acknowledger, reg *Registry) {
	irqNum, ok := gic.Ack()
	if !ok {
		return
	}
	if h, ok := reg.lookup(irqNum); ok {
		h(irqNum)
	}
	gic.EOI(irqNum)
}
