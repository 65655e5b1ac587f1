package irq

import "testing"

type fakeGIC struct {
	pending  uint32
	hasPend  bool
	eoiCalls []uint32
}

func (g *fakeGIC) Ack() (uint32, bool) {
	if !g.hasPend {
		return 0, false
	}
	g.hasPend = false
	return g.pending, true
}

func (g *fakeGIC) EOI(irqNum uint32) {
	g.eoiCalls = append(g.eoiCalls, irqNum)
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	reg := NewRegistry()
	var got uint32
	reg.Register(30, func(irqNum uint32) { got = irqNum })

	gic := &fakeGIC{pending: 30, hasPend: true}
	Dispatch(gic, reg)

	if got != 30 {
		t.Fatalf("expected handler invoked with 30, got %d", got)
	}
	if len(gic.eoiCalls) != 1 || gic.eoiCalls[0] != 30 {
		t.Fatalf("expected EOI(30), got %v", gic.eoiCalls)
	}
}

func TestDispatchSpuriousIsNoop(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(30, func(uint32) { called = true })

	gic := &fakeGIC{hasPend: false}
	Dispatch(gic, reg)

	if called {
		t.Fatal("expected no handler invocation on spurious ack")
	}
	if len(gic.eoiCalls) != 0 {
		t.Fatal("expected no EOI on spurious ack")
	}
}

func TestDispatchUnregisteredIRQStillEOIs(t *testing.T) {
	reg := NewRegistry()
	gic := &fakeGIC{pending: 99, hasPend: true}

	Dispatch(gic, reg)

	if len(gic.eoiCalls) != 1 || gic.eoiCalls[0] != 99 {
		t.Fatalf("expected EOI(99) even with no handler, got %v", gic.eoiCalls)
	}
}

func TestUnregisterRemovesHandler(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(5, func(uint32) { called = true })
	reg.Unregister(5)

	gic := &fakeGIC{pending: 5, hasPend: true}
	Dispatch(gic, reg)

	if called {
		t.Fatal("expected no handler invocation after Unregister")
	}
}
