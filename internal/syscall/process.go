package syscall

import (
	"context"

	"github.com/kestrelos/kestrel/internal/elfload"
	"github.com/kestrelos/kestrel/internal/mmu"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/proc"
)

// cloneVM is the one clone(2) flag this simplified kernel distinguishes:
// fork(2) and vfork(2) both reach here as clone() with a fixed flag
// combination on AArch64 (spec.md §4.10's "fork (via clone)"), and
// neither ever sets CLONE_VM.
const cloneVM = 0x00000100

func (m *Machine) sysClone(p *proc.Process, a [6]uint64) (uint64, error) {
	flags := a[0]
	if flags&cloneVM != 0 {
		// Thread creation (CLONE_VM, sharing the address space) isn't
		// exercised by any scenario in spec.md §8 — every one forks whole
		// processes — so it's reported as unsupported rather than silently
		// aliasing the parent's memory.
		return result(0, errInval)
	}

	childAS, err := m.mmuMgr.Fork(p.AddressSpace, m.ram)
	if err != nil {
		return result(0, err)
	}
	child := m.procs.Fork(p, childAS)

	th, err := m.sched.SpawnUser(int(child.PID), "user", func(ctx context.Context) int {
		<-ctx.Done()
		return 0
	})
	if err != nil {
		m.procs.Exit(child, -1)
		return result(0, err)
	}
	m.bindThread(child, th)

	return result(uint64(child.PID), nil)
}

func (m *Machine) sysExecve(p *proc.Process, a [6]uint64) (uint64, error) {
	pathStr, err := m.mem.CopyInString(p.AddressSpace, a[0], 4096)
	if err != nil {
		return result(0, err)
	}
	argv, err := m.readStringVec(p, a[1])
	if err != nil {
		return result(0, err)
	}
	envp, err := m.readStringVec(p, a[2])
	if err != nil {
		return result(0, err)
	}
	if err := m.loadAndExec(p, pathStr, argv, envp); err != nil {
		return result(0, err)
	}
	return result(0, nil)
}

// loadAndExec resolves path relative to p's cwd/root, loads it into a
// fresh address space, builds its initial stack, and installs both as
// p's — the body shared by sysExecve and SpawnInit (internal/boot's
// entry point for starting PID 1, which has no prior image to replace).
func (m *Machine) loadAndExec(p *proc.Process, pathStr string, argv, envp []string) error {
	node, err := m.resolver.Resolve(p.CWD(), pathStr, p.Root, true)
	if err != nil {
		return err
	}
	attr, err := node.Stat()
	if err != nil {
		return err
	}
	data, err := node.ReadAt(0, uint32(attr.Size))
	if err != nil {
		return err
	}

	newAS, err := m.mmuMgr.NewAddressSpace()
	if err != nil {
		return err
	}

	loader := &elfload.Loader{
		Map:   m.mmuMgr,
		Alloc: m.pmmMgr,
		Write: func(pa pmm.PhysAddr, data []byte) { m.writeFrame(pa, data) },
		ReadFile: func(path string) ([]byte, error) {
			n, rerr := m.resolver.Resolve(p.CWD(), path, p.Root, true)
			if rerr != nil {
				return nil, rerr
			}
			a, serr := n.Stat()
			if serr != nil {
				return nil, serr
			}
			return n.ReadAt(0, uint32(a.Size))
		},
		PatchWord: m.patchWord,
	}
	img, err := loader.Load(newAS, data)
	if err != nil {
		// "On loader failure, the process is terminated with a well-defined
		// signal; the caller is gone" (spec.md §4.7).
		m.procs.Kill(p, proc.SIGSEGV)
		return err
	}

	stackImg, err := elfload.BuildStack(img, argv, envp)
	if err != nil {
		m.procs.Kill(p, proc.SIGSEGV)
		return err
	}
	stackPhys, err := m.pmmMgr.AllocFrames(elfload.StackSize / elfload.PageSize)
	if err != nil {
		m.procs.Kill(p, proc.SIGSEGV)
		return err
	}
	if err := m.mmuMgr.Map(newAS, mmu.VAddr(elfload.StackBottom), stackPhys,
		mmu.ProtRead|mmu.ProtWrite|mmu.ProtUser, elfload.StackSize, true); err != nil {
		m.procs.Kill(p, proc.SIGSEGV)
		return err
	}
	m.writeFrame(stackPhys, stackImg.Bytes)

	p.Execve(newAS, argv, envp)
	p.InitMemory(img.CodeEnd, img.MmapBase)
	m.installInfoPage(p)
	return nil
}

// SpawnInit is internal/boot's entry point for starting PID 1: it spawns
// a fresh top-level process rooted at root/cwd, loads path into it the
// same way execve(2) would, and schedules a user thread for it. Unlike
// sysClone's placeholder thread body, the thread actually blocks on its
// cancellable context — there is no instruction-level execution of the
// loaded image in this kernel, only the syscalls it issues through
// Dispatch, so "running" a user thread means keeping it alive until
// something (exit, a fatal signal) ends it.
func (m *Machine) SpawnInit(root, cwd, path string, argv, envp []string) (*proc.Process, error) {
	p := m.procs.Spawn(root, cwd, 0)
	as, err := m.mmuMgr.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	p.AddressSpace = as

	if err := m.loadAndExec(p, path, argv, envp); err != nil {
		return nil, err
	}

	th, err := m.sched.SpawnUser(int(p.PID), "init", func(ctx context.Context) int {
		<-ctx.Done()
		return 0
	})
	if err != nil {
		return nil, err
	}
	m.bindThread(p, th)
	return p, nil
}

func (m *Machine) sysExit(p *proc.Process, a [6]uint64) (uint64, error) {
	m.procs.Exit(p, int(a[0]))
	return 0, nil
}

func (m *Machine) sysExitGroup(p *proc.Process, a [6]uint64) (uint64, error) {
	m.procs.Exit(p, int(a[0]))
	return 0, nil
}

func (m *Machine) sysWait4(p *proc.Process, a [6]uint64) (uint64, error) {
	ctx, done := m.waitCtx(p)
	defer done()
	for {
		if res, ok := m.procs.TryReapAny(p); ok {
			if a[1] != 0 {
				status := uint32(res.ExitCode&0xff) << 8
				if err := m.mem.CopyOut(p.AddressSpace, a[1], le32(status)); err != nil {
					return result(0, err)
				}
			}
			return result(uint64(res.PID), nil)
		}
		if err := p.WaitQueueFor().Wait(ctx, noDeadline); err != nil {
			return result(0, err)
		}
	}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func (m *Machine) sysGetpid(p *proc.Process, a [6]uint64) (uint64, error) {
	return result(uint64(p.PID), nil)
}

func (m *Machine) sysGetppid(p *proc.Process, a [6]uint64) (uint64, error) {
	return result(uint64(p.PPID), nil)
}

func (m *Machine) sysKill(p *proc.Process, a [6]uint64) (uint64, error) {
	target, ok := m.procs.Lookup(proc.PID(int32(a[0])))
	if !ok {
		return result(0, errInval)
	}
	sig := proc.Signal(a[1])
	m.procs.Kill(target, sig)
	m.wakeForSignal(target.PID, sig)
	return result(0, nil)
}

func (m *Machine) sysTgkill(p *proc.Process, a [6]uint64) (uint64, error) {
	target, ok := m.procs.Lookup(proc.PID(int32(a[0])))
	if !ok {
		return result(0, errInval)
	}
	sig := proc.Signal(a[2])
	m.procs.Kill(target, sig)
	m.wakeForSignal(target.PID, sig)
	return result(0, nil)
}

// wakeForSignal ends any blocking nanosleep/read/wait4/futex currently
// parked for pid after sig was just delivered to it (spec.md §8: "SIGINT
// interrupts nanosleep, returns -EINTR, signal observed once"). SIGKILL
// tears the process's persistent context down for good since it never
// runs again; every other signal only interrupts whatever is parked
// right now, leaving the process free to block again afterward.
func (m *Machine) wakeForSignal(pid proc.PID, sig proc.Signal) {
	if sig == proc.SIGKILL {
		m.cancel(pid)
		return
	}
	m.interrupt(pid)
}

func (m *Machine) readStringVec(p *proc.Process, va uint64) ([]string, error) {
	if va == 0 {
		return nil, nil
	}
	var out []string
	for i := 0; ; i++ {
		raw, err := m.mem.CopyIn(p.AddressSpace, va+uint64(i*8), 8)
		if err != nil {
			return nil, err
		}
		ptr := leUint64(raw)
		if ptr == 0 {
			break
		}
		s, err := m.mem.CopyInString(p.AddressSpace, ptr, 4096)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
		if len(out) > 256 {
			return nil, errInval
		}
	}
	return out, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
