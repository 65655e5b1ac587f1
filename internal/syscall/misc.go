package syscall

import (
	"crypto/rand"

	"github.com/kestrelos/kestrel/internal/proc"
)

// utsField is one 65-byte NUL-padded struct utsname member.
func utsField(s string) []byte {
	buf := make([]byte, 65)
	copy(buf, s)
	return buf
}

func (m *Machine) sysUname(p *proc.Process, a [6]uint64) (uint64, error) {
	fields := [][]byte{
		utsField("Linux"),
		utsField("kestrel"),
		utsField("1.0.0"),
		utsField("#1 SMP PREEMPT"),
		utsField("aarch64"),
		utsField(""),
	}
	buf := make([]byte, 0, 65*6)
	for _, f := range fields {
		buf = append(buf, f...)
	}
	if err := m.mem.CopyOut(p.AddressSpace, a[0], buf); err != nil {
		return result(0, err)
	}
	return result(0, nil)
}

func (m *Machine) sysGetrandom(p *proc.Process, a [6]uint64) (uint64, error) {
	length := a[1]
	if length > 4096 {
		length = 4096
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return result(0, errInval)
	}
	if err := m.mem.CopyOut(p.AddressSpace, a[0], buf); err != nil {
		return result(0, err)
	}
	return result(uint64(length), nil)
}

// Termios ioctl subset fixed by SPEC_FULL.md §4 (DESIGN.md Open Question
// #4): TCGETS/TCSETS family report a fixed raw-ish termios snapshot and
// accept any write without actually changing line discipline, since
// this kernel has no TTY line discipline to reconfigure; TIOCGWINSZ/
// TIOCSWINSZ/TIOCGPGRP/TIOCSPGRP round out the subset a typical libc
// isatty()/tcgetattr() startup path probes.
const (
	tcgets     = 0x5401
	tcsets     = 0x5402
	tcsetsw    = 0x5403
	tcsetsf    = 0x5404
	tiocgwinsz = 0x5413
	tiocswinsz = 0x5414
	tiocgpgrp  = 0x540f
	tiocspgrp  = 0x5410
)

func (m *Machine) sysIoctl(p *proc.Process, a [6]uint64) (uint64, error) {
	fd := int32(a[0])
	req := a[1]
	argVA := a[2]

	if _, err := m.fileFromFD(p, fd); err != nil {
		return result(0, err)
	}

	switch req {
	case tcgets:
		buf := make([]byte, 36)
		return result(0, m.mem.CopyOut(p.AddressSpace, argVA, buf))
	case tcsets, tcsetsw, tcsetsf:
		return result(0, nil)
	case tiocgwinsz:
		buf := make([]byte, 8)
		buf[0], buf[1] = 24, 0 // ws_row
		buf[2], buf[3] = 80, 0 // ws_col
		return result(0, m.mem.CopyOut(p.AddressSpace, argVA, buf))
	case tiocswinsz:
		return result(0, nil)
	case tiocgpgrp:
		buf := make([]byte, 4)
		buf[0] = byte(p.PID)
		return result(0, m.mem.CopyOut(p.AddressSpace, argVA, buf))
	case tiocspgrp:
		return result(0, nil)
	default:
		return result(0, errUnimplemented)
	}
}
