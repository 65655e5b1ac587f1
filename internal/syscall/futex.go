package syscall

import (
	"encoding/binary"
	"sync"

	"github.com/kestrelos/kestrel/internal/ksync"
	"github.com/kestrelos/kestrel/internal/proc"
)

// Futex ops this kernel understands. The PRIVATE bit (0x80) is accepted
// and ignored since every futex here is already process-private in
// effect: nothing maps shared memory across address spaces.
const (
	futexWait = 0
	futexWake = 1
	futexMask = 0x7f
)

// futexKey identifies one futex word: per DESIGN.md's Open Question
// resolution, kestrel gives every (process, address) pair its own wait
// queue rather than modeling cross-process shared futexes.
type futexKey struct {
	pid proc.PID
	va  uint64
}

// futexTable is the minimal WAIT/WAKE-only futex implementation DESIGN.md
// records as the Open Question resolution: no requeue, no priority
// inheritance, FIFO wake order per address via ksync.WaitQueue.
type futexTable struct {
	mu    sync.Mutex
	queue map[futexKey]*ksync.WaitQueue
}

func (t *futexTable) queueFor(key futexKey) *ksync.WaitQueue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.queue == nil {
		t.queue = make(map[futexKey]*ksync.WaitQueue)
	}
	wq, ok := t.queue[key]
	if !ok {
		wq = ksync.NewWaitQueue(ksync.Token(key.va))
		t.queue[key] = wq
	}
	return wq
}

func (m *Machine) sysFutex(p *proc.Process, a [6]uint64) (uint64, error) {
	va := a[0]
	op := int(a[1]) & futexMask
	val := uint32(a[2])

	key := futexKey{pid: p.PID, va: va}
	wq := m.futexes.queueFor(key)

	switch op {
	case futexWait:
		cur, err := m.mem.CopyIn(p.AddressSpace, va, 4)
		if err != nil {
			return result(0, err)
		}
		if binary.LittleEndian.Uint32(cur) != val {
			return result(0, errAgain)
		}
		ctx, done := m.waitCtx(p)
		err = wq.Wait(ctx, noDeadline)
		done()
		if err != nil {
			return result(0, err)
		}
		return result(0, nil)
	case futexWake:
		n := 0
		for i := uint32(0); i < val; i++ {
			if !wq.WakeOne() {
				break
			}
			n++
		}
		return result(uint64(n), nil)
	default:
		return result(0, errInval)
	}
}

// eventFile is a minimal eventfd2(2): a 64-bit counter plus a wait queue,
// grounded on pipeEnd's rendezvous shape. eventfd2 installs it with its
// initial count; read and write on it are not supported (they return
// ENOSYS), so the counter is never added to or cleared.
type eventFile struct {
	mu      sync.Mutex
	counter uint64
	wait    ksync.WaitQueue
}

func (e *eventFile) Kind() proc.FDKind { return proc.FDEventFD }
func (e *eventFile) Close() error      { return nil }

func (m *Machine) sysEventfd2(p *proc.Process, a [6]uint64) (uint64, error) {
	ev := &eventFile{counter: a[0]}
	fd, err := p.FDs.Install(ev, false)
	if err != nil {
		return result(0, err)
	}
	return result(uint64(fd), nil)
}

// sysPpoll and sysPselect6 both reduce to "is this fd a pipe/eventfd with
// data ready right now": neither is exercised with a real timeout by any
// scenario this kernel targets, so both report readiness immediately for
// fds whose buffer is non-empty and POLLOUT-ready otherwise, never
// actually blocking. A full readiness-multiplexer would register on every
// watched fd's wait queue and block on whichever fires first; that's left
// for when a scenario actually needs it.
func (m *Machine) sysPpoll(p *proc.Process, a [6]uint64) (uint64, error) {
	fdsVA := a[0]
	nfds := a[1]
	ready := uint64(0)
	for i := uint64(0); i < nfds; i++ {
		entry, err := m.mem.CopyIn(p.AddressSpace, fdsVA+i*8, 8)
		if err != nil {
			return result(0, err)
		}
		fd := int32(binary.LittleEndian.Uint32(entry[0:4]))
		events := binary.LittleEndian.Uint16(entry[4:6])
		revents := m.pollOne(p, fd, events)
		binary.LittleEndian.PutUint16(entry[6:8], revents)
		if err := m.mem.CopyOut(p.AddressSpace, fdsVA+i*8, entry); err != nil {
			return result(0, err)
		}
		if revents != 0 {
			ready++
		}
	}
	return result(ready, nil)
}

const (
	pollIn  = 0x001
	pollOut = 0x004
)

func (m *Machine) pollOne(p *proc.Process, fd int32, events uint16) uint16 {
	f, err := m.fileFromFD(p, fd)
	if err != nil {
		return 0
	}
	switch h := f.(type) {
	case *pipeEnd:
		h.buf.mu.Lock()
		defer h.buf.mu.Unlock()
		var revents uint16
		if events&pollIn != 0 && (len(h.buf.data) > 0 || h.buf.writers == 0) {
			revents |= pollIn
		}
		if events&pollOut != 0 && len(h.buf.data) < pipeCapacity {
			revents |= pollOut
		}
		return revents
	case *eventFile:
		h.mu.Lock()
		defer h.mu.Unlock()
		if events&pollIn != 0 && h.counter > 0 {
			return pollIn
		}
		return 0
	default:
		return events & pollOut
	}
}

func (m *Machine) sysPselect6(p *proc.Process, a [6]uint64) (uint64, error) {
	nfds := int32(a[0])
	readVA := a[1]
	ready := uint64(0)
	if readVA == 0 {
		return result(0, nil)
	}
	bitmap, err := m.mem.CopyIn(p.AddressSpace, readVA, 8)
	if err != nil {
		return result(0, err)
	}
	var out uint64
	for fd := int32(0); fd < nfds && fd < 64; fd++ {
		if bitmap[fd/8]&(1<<uint(fd%8)) == 0 {
			continue
		}
		if m.pollOne(p, fd, pollIn) != 0 {
			out |= 1 << uint(fd)
			ready++
		}
	}
	outBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(outBuf, out)
	if err := m.mem.CopyOut(p.AddressSpace, readVA, outBuf); err != nil {
		return result(0, err)
	}
	return result(ready, nil)
}

func (m *Machine) sysPipe2(p *proc.Process, a [6]uint64) (uint64, error) {
	r, w := newPipe()
	rfd, err := p.FDs.Install(r, false)
	if err != nil {
		return result(0, err)
	}
	wfd, err := p.FDs.Install(w, false)
	if err != nil {
		_ = p.FDs.Close(int(rfd))
		return result(0, err)
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(rfd))
	binary.LittleEndian.PutUint32(out[4:8], uint32(wfd))
	if err := m.mem.CopyOut(p.AddressSpace, a[0], out); err != nil {
		return result(0, err)
	}
	return result(0, nil)
}
