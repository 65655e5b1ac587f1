// Package kdebug implements a non-allocating structured log ring buffer
// for use from IRQ context, where spec.md §4.2 forbids `format!`-style
// allocating print primitives ("a non-allocating stack-buffered print
// primitive is used instead"). It is grounded on
// _grounding/debug.go's thread-safe binary logger (internal/debug in
// the teacher), adapted from "write arbitrary-length records to a host
// file, addressed by atomically-reserved offset" to "write fixed-size
// records into a preallocated ring, overwriting the oldest entry when
// full" — a kernel ring buffer has no host file to grow, and a handler
// that's about to call into this package is, by definition, not allowed
// to allocate.
package kdebug

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Level mirrors the small set of severities IRQ-context code needs.
// Kept distinct from slog.Level so this package never imports slog's
// formatting path on the hot write side.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// maxMsgLen bounds a record's message to a fixed size so Record never
// allocates: the message is copied, truncated if necessary, into a
// preallocated array.
const maxMsgLen = 96

// record is one fixed-size ring-buffer slot.
type record struct {
	seq     uint64
	level   Level
	irq     uint32 // interrupt number, 0 if not recorded from an IRQ
	msgLen  uint8
	msg     [maxMsgLen]byte
}

// Ring is a fixed-capacity circular buffer of records. Its zero value is
// not usable; construct with New. Concurrent Record calls claim distinct
// slots through one atomic add on next; the slot contents themselves are
// not synchronized, and Drain skips a slot whose sequence number does
// not match. There is deliberately no mutex, since a mutex acquired from within an
// IRQ handler would violate the lock hierarchy (internal/ksync) by
// potentially blocking on a holder that itself takes an interrupt.
type Ring struct {
	buf  []record
	next atomic.Uint64 // monotonic sequence number; buf[next%len(buf)] is the next write slot
}

// New allocates a ring of the given capacity (a power of two is not
// required; indexing uses modulo). capacity is sized once at boot from
// internal/bootcfg and never grows.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]record, capacity)}
}

// Record writes one entry, overwriting the oldest if the ring is full.
// Safe to call with IRQs disabled and allocates nothing: msg is copied
// byte-for-byte into the slot's fixed array, never formatted.
func (r *Ring) Record(level Level, irqNum uint32, msg string) {
	seq := r.next.Add(1) - 1
	slot := &r.buf[seq%uint64(len(r.buf))]
	slot.seq = seq
	slot.level = level
	slot.irq = irqNum
	n := copy(slot.msg[:], msg)
	slot.msgLen = uint8(n)
}

// Entry is a decoded view of one ring slot, produced only outside IRQ
// context (e.g. by Drain, called from the boot thread's periodic flush).
type Entry struct {
	Seq   uint64
	Level Level
	IRQ   uint32
	Msg   string
}

// Drain returns every record currently in the ring, oldest first, in
// ascending sequence order. It allocates, so it must never be called
// from IRQ context — only from the periodic flush loop in internal/boot
// that forwards entries to slog.
func (r *Ring) Drain() []Entry {
	total := r.next.Load()
	n := uint64(len(r.buf))
	count := n
	if total < n {
		count = total
	}
	out := make([]Entry, 0, count)
	start := total - count
	for seq := start; seq < total; seq++ {
		slot := &r.buf[seq%n]
		if slot.seq != seq {
			// Overwritten mid-drain by a concurrent Record; skip rather
			// than report a torn record.
			continue
		}
		out = append(out, Entry{Seq: slot.seq, Level: slot.level, IRQ: slot.irq, Msg: string(slot.msg[:slot.msgLen])})
	}
	return out
}

// FlushTo forwards every currently-buffered entry to logger, formatting
// only at this point (never on the Record hot path).
func (r *Ring) FlushTo(logger *slog.Logger) {
	ctx := context.Background()
	for _, e := range r.Drain() {
		if e.IRQ != 0 {
			logger.Log(ctx, e.Level.slogLevel(), e.Msg, slog.Uint64("irq", uint64(e.IRQ)), slog.Uint64("seq", e.Seq))
		} else {
			logger.Log(ctx, e.Level.slogLevel(), e.Msg, slog.Uint64("seq", e.Seq))
		}
	}
}

// Fatal renders a diagnostic through the non-allocating path and is the
// last thing called before a fatal halt (spec.md §7: "Response: halt
// with a diagnostic printed via the non-allocating print primitive").
// It still must not allocate, so callers pass an already-formatted
// short reason rather than arguments to format here.
func (r *Ring) Fatal(reason string) {
	r.Record(LevelError, 0, reason)
}
