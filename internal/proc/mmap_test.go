package proc

import "testing"

func TestBrkStartsAtCodeEndAndRespectsMmapBase(t *testing.T) {
	p := &Process{}
	p.InitMemory(0x10000, 0x30000000)

	if got, _ := p.Brk(0); got != 0x10000 {
		t.Fatalf("expected initial brk == code_end, got %#x", got)
	}
	if got, err := p.Brk(0x20000); err != nil || got != 0x20000 {
		t.Fatalf("expected brk to grow to 0x20000, got %#x err=%v", got, err)
	}
	if _, err := p.Brk(0x40000000); err != ErrInvalidBrk {
		t.Fatalf("expected ErrInvalidBrk growing past mmap_base, got %v", err)
	}
	if _, err := p.Brk(0x1000); err != ErrInvalidBrk {
		t.Fatalf("expected ErrInvalidBrk shrinking below code_end, got %v", err)
	}
}

func TestMmapBumpAllocatorNeverReusesAddresses(t *testing.T) {
	p := &Process{}
	p.InitMemory(0x10000, 0x30000000)

	r1, _, err := p.Mem.Reserve(0x1000, 0, false, 3)
	if err != nil {
		t.Fatal(err)
	}
	if r1.Start != 0x30000000 {
		t.Fatalf("expected first mmap at mmap_base, got %#x", r1.Start)
	}

	p.Mem.Release(r1.Start, r1.Len)

	r2, _, err := p.Mem.Reserve(0x1000, 0, false, 3)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Start <= r1.Start {
		t.Fatalf("expected bump allocator to keep advancing past a freed region, got %#x after %#x", r2.Start, r1.Start)
	}
}

func TestMmapFixedDisplacesOverlapping(t *testing.T) {
	p := &Process{}
	p.InitMemory(0x10000, 0x30000000)

	r1, _, err := p.Mem.Reserve(0x2000, 0, false, 3)
	if err != nil {
		t.Fatal(err)
	}

	r2, displaced, err := p.Mem.Reserve(0x2000, r1.Start, true, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(displaced) != 1 || displaced[0].Start != r1.Start {
		t.Fatalf("expected fixed mmap to displace the prior region, got %+v", displaced)
	}
	if r2.Start != r1.Start {
		t.Fatalf("expected fixed mmap to land exactly at requested address")
	}
}

func TestReleaseSplitsPartialOverlap(t *testing.T) {
	p := &Process{}
	p.InitMemory(0x10000, 0x30000000)

	r, _, err := p.Mem.Reserve(0x4000, 0, false, 3)
	if err != nil {
		t.Fatal(err)
	}

	freed := p.Mem.Release(r.Start+0x1000, 0x1000)
	if len(freed) != 1 || freed[0].Start != r.Start+0x1000 || freed[0].Len != 0x1000 {
		t.Fatalf("expected exactly the middle sub-range freed, got %+v", freed)
	}

	remaining := p.Mem.Regions()
	if len(remaining) != 2 {
		t.Fatalf("expected the region split into two remaining pieces, got %d", len(remaining))
	}
}
