package syscall

import (
	"github.com/kestrelos/kestrel/internal/proc"
)

// sysSetTidAddress and sysSetRobustList are both glibc/musl startup
// bookkeeping calls this kernel has nothing to act on: no userspace
// CLONE_VM thread ever actually observes the address clear_child_tid
// writes to, and the robust-list head is only consulted on an owning
// thread's unexpected death, which this kernel doesn't model beyond
// whole-process Exit. Both report the caller's PID/success per Linux's
// own "return tid"/"always succeeds" contract.
func (m *Machine) sysSetTidAddress(p *proc.Process, a [6]uint64) (uint64, error) {
	return result(uint64(p.PID), nil)
}

func (m *Machine) sysSetRobustList(p *proc.Process, a [6]uint64) (uint64, error) {
	return result(0, nil)
}

// sysSigaltstack is a no-op: this kernel delivers signals by setting a
// pending bit a thread observes at the next syscall return (spec.md
// §4.7), never by diverting execution to a user-supplied alternate
// stack, so there is nothing to record.
func (m *Machine) sysSigaltstack(p *proc.Process, a [6]uint64) (uint64, error) {
	return result(0, nil)
}

const (
	sigDFL = 0
	sigIGN = 1
)

func (m *Machine) sysRtSigaction(p *proc.Process, a [6]uint64) (uint64, error) {
	sig := proc.Signal(a[0])
	actVA := a[1]
	if actVA != 0 {
		raw, err := m.mem.CopyIn(p.AddressSpace, actVA, 8)
		if err != nil {
			return result(0, err)
		}
		handler := leUint64(raw)
		switch handler {
		case sigDFL:
			p.SetDisposition(sig, proc.DispositionDefault)
		case sigIGN:
			p.SetDisposition(sig, proc.DispositionIgnore)
		default:
			p.SetDisposition(sig, proc.DispositionHandled)
		}
	}
	return result(0, nil)
}

// sysRtSigprocmask is a bookkeeping no-op: every scenario this kernel
// targets delivers signals as an always-pending bit rather than honoring
// a blocked-signal mask, so SIG_BLOCK/SIG_UNBLOCK/SIG_SETMASK all
// succeed without changing delivery behavior.
func (m *Machine) sysRtSigprocmask(p *proc.Process, a [6]uint64) (uint64, error) {
	return result(0, nil)
}

// rlimit values this kernel reports: generous fixed numbers, since
// nothing here enforces per-process resource limits beyond what
// internal/proc/mmap.go's bump allocator already bounds implicitly.
const (
	rlimFDs       = 1024
	rlimAddrSpace = ^uint64(0)
)

func (m *Machine) sysGetrlimit(p *proc.Process, a [6]uint64) (uint64, error) {
	return m.writeRlimit(p, a[1])
}

func (m *Machine) sysPrlimit64(p *proc.Process, a [6]uint64) (uint64, error) {
	if a[3] != 0 {
		return m.writeRlimit(p, a[3])
	}
	return result(0, nil)
}

func (m *Machine) writeRlimit(p *proc.Process, va uint64) (uint64, error) {
	if va == 0 {
		return result(0, nil)
	}
	buf := make([]byte, 16)
	for i := 0; i < 8; i++ {
		buf[i] = byte(rlimFDs >> (8 * i))
		buf[8+i] = byte(rlimAddrSpace >> (8 * i))
	}
	if err := m.mem.CopyOut(p.AddressSpace, va, buf); err != nil {
		return result(0, err)
	}
	return result(0, nil)
}
