package kdebug

import "testing"

func TestRecordDrainOrder(t *testing.T) {
	r := New(4)
	r.Record(LevelInfo, 0, "first")
	r.Record(LevelWarn, 33, "second")
	entries := r.Drain()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Msg != "first" || entries[1].Msg != "second" {
		t.Fatalf("unexpected order: %+v", entries)
	}
	if entries[1].IRQ != 33 {
		t.Fatalf("expected irq 33, got %d", entries[1].IRQ)
	}
}

func TestRecordOverwritesOldest(t *testing.T) {
	r := New(2)
	r.Record(LevelInfo, 0, "a")
	r.Record(LevelInfo, 0, "b")
	r.Record(LevelInfo, 0, "c")
	entries := r.Drain()
	if len(entries) != 2 {
		t.Fatalf("expected ring capacity to cap entries at 2, got %d", len(entries))
	}
	if entries[0].Msg != "b" || entries[1].Msg != "c" {
		t.Fatalf("expected oldest entry dropped, got %+v", entries)
	}
}

func TestRecordTruncatesLongMessages(t *testing.T) {
	r := New(1)
	long := make([]byte, maxMsgLen*2)
	for i := range long {
		long[i] = 'x'
	}
	r.Record(LevelError, 0, string(long))
	entries := r.Drain()
	if len(entries[0].Msg) != maxMsgLen {
		t.Fatalf("expected message truncated to %d bytes, got %d", maxMsgLen, len(entries[0].Msg))
	}
}
