package proc

import "testing"

type stubFile struct {
	kind   FDKind
	closed bool
}

func (s *stubFile) Kind() FDKind { return s.kind }
func (s *stubFile) Close() error { s.closed = true; return nil }

func TestFDTableInstallAndGet(t *testing.T) {
	tbl := NewFDTable()
	f := &stubFile{kind: FDRegular}
	fd, err := tbl.Install(f, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if fd != 0 {
		t.Fatalf("expected first fd to be 0, got %d", fd)
	}
	got, ok := tbl.Get(fd)
	if !ok || got != f {
		t.Fatalf("Get(%d) = %v, %v; want %v, true", fd, got, ok, f)
	}
}

func TestFDTableCloseOnExec(t *testing.T) {
	tbl := NewFDTable()
	keep := &stubFile{kind: FDRegular}
	drop := &stubFile{kind: FDPipe}
	kfd, _ := tbl.Install(keep, false)
	dfd, _ := tbl.Install(drop, true)

	tbl.CloseOnExec()

	if !drop.closed {
		t.Fatal("expected FD_CLOEXEC entry to be closed")
	}
	if _, ok := tbl.Get(dfd); ok {
		t.Fatalf("expected fd %d to be gone after CloseOnExec", dfd)
	}
	if keep.closed {
		t.Fatal("expected non-cloexec entry to survive")
	}
	if _, ok := tbl.Get(kfd); !ok {
		t.Fatalf("expected fd %d to still be installed", kfd)
	}
}

func TestFDTableForkSharesFilesNewSlots(t *testing.T) {
	tbl := NewFDTable()
	f := &stubFile{kind: FDRegular}
	fd, _ := tbl.Install(f, false)

	dup := tbl.Fork()
	got, ok := dup.Get(fd)
	if !ok || got != f {
		t.Fatalf("expected forked table to share the same File at fd %d", fd)
	}

	// Closing through the original table must not affect the fork's
	// slot — only the underlying File identity is shared.
	tbl.Close(fd)
	if _, ok := tbl.Get(fd); ok {
		t.Fatal("expected original table's fd to be gone")
	}
	if _, ok := dup.Get(fd); !ok {
		t.Fatal("expected forked table's fd to remain installed")
	}
}

func TestForkAssignsNewPIDAndLinksParent(t *testing.T) {
	tab := NewTable()
	parent := tab.Spawn("/", "/", 0)

	child := tab.Fork(parent, nil)
	if child.PID == parent.PID {
		t.Fatal("expected child to receive a distinct pid")
	}
	if child.PPID != parent.PID {
		t.Fatalf("expected child ppid %d, got %d", parent.PID, child.PPID)
	}
	if got, ok := tab.Lookup(child.PID); !ok || got != child {
		t.Fatal("expected child to be registered in the table")
	}
}

func TestExitThenWaitReapsChild(t *testing.T) {
	tab := NewTable()
	parent := tab.Spawn("/", "/", 0)
	child := tab.Fork(parent, nil)

	if _, ok := tab.TryReapAny(parent); ok {
		t.Fatal("expected no reapable child before exit")
	}

	tab.Exit(child, 7)
	if child.State() != StateZombie {
		t.Fatalf("expected child to become Zombie, got %v", child.State())
	}

	res, ok := tab.TryReapAny(parent)
	if !ok {
		t.Fatal("expected TryReapAny to find the zombie child")
	}
	if res.PID != child.PID || res.ExitCode != 7 {
		t.Fatalf("unexpected wait result: %+v", res)
	}
	if _, ok := tab.Lookup(child.PID); ok {
		t.Fatal("expected reaped child to be removed from the table")
	}
}

func TestOrphanReparentsToInit(t *testing.T) {
	tab := NewTable()
	parent := tab.Spawn("/", "/", 0)
	child := tab.Fork(parent, nil)

	tab.Exit(parent, 0)

	if child.PPID != InitPID {
		t.Fatalf("expected orphan to reparent to init (pid %d), got ppid %d", InitPID, child.PPID)
	}
}

func TestKillSIGKILLTerminatesImmediately(t *testing.T) {
	tab := NewTable()
	p := tab.Spawn("/", "/", 0)
	tab.Kill(p, SIGKILL)
	if p.State() != StateZombie {
		t.Fatalf("expected SIGKILL to terminate immediately, got %v", p.State())
	}
}

func TestPendingSignalObservedExactlyOnce(t *testing.T) {
	tab := NewTable()
	p := tab.Spawn("/", "/", 0)
	tab.Kill(p, SIGINT)

	sig, ok := p.TakePendingSignal()
	if !ok || sig != SIGINT {
		t.Fatalf("expected to observe SIGINT, got %v, %v", sig, ok)
	}
	if _, ok := p.TakePendingSignal(); ok {
		t.Fatal("expected the signal to be observed exactly once")
	}
}

func TestChdirUpdatesProcessAndInfoPageAtomically(t *testing.T) {
	tab := NewTable()
	p := tab.Spawn("/", "/", 0)
	p.Chdir("/home/user")

	if p.CWD() != "/home/user" {
		t.Fatalf("expected cwd to update, got %q", p.CWD())
	}
	if p.InfoPage().CWD != "/home/user" {
		t.Fatalf("expected ProcessInfo page cwd to update, got %q", p.InfoPage().CWD)
	}
}

func TestExecveClosesCloexecAndResetsHandledDispositions(t *testing.T) {
	tab := NewTable()
	p := tab.Spawn("/", "/", 0)
	f := &stubFile{kind: FDRegular}
	fd, _ := p.FDs.Install(f, true)
	p.SetDisposition(SIGINT, DispositionHandled)
	p.SetDisposition(SIGCHLD, DispositionIgnore)

	p.Execve(nil, []string{"/bin/sh"}, []string{"PATH=/bin"})

	if !f.closed {
		t.Fatal("expected cloexec fd to be closed across execve")
	}
	if _, ok := p.FDs.Get(fd); ok {
		t.Fatal("expected cloexec fd slot to be empty after execve")
	}
	if p.Disposition(SIGINT) != DispositionDefault {
		t.Fatalf("expected handled disposition to reset to default, got %v", p.Disposition(SIGINT))
	}
	if p.Disposition(SIGCHLD) != DispositionIgnore {
		t.Fatalf("expected non-handled disposition to survive execve, got %v", p.Disposition(SIGCHLD))
	}
}

func TestContainerCloseKillsAllMembers(t *testing.T) {
	tab := NewTable()
	alloc := NewContainerAllocator()
	boxID := alloc.Alloc()

	a := tab.Spawn("/boxes/b", "/", boxID)
	b := tab.Spawn("/boxes/b", "/", boxID)
	outside := tab.Spawn("/", "/", 0)

	killed := tab.CloseContainer(boxID)
	if len(killed) != 2 {
		t.Fatalf("expected 2 processes killed, got %d", len(killed))
	}
	if a.State() != StateZombie || b.State() != StateZombie {
		t.Fatal("expected both container members to be Zombie")
	}
	if outside.State() != StateRunning {
		t.Fatal("expected process outside the container to be unaffected")
	}
}

func TestListContainerFiltersByID(t *testing.T) {
	tab := NewTable()
	alloc := NewContainerAllocator()
	boxA := alloc.Alloc()
	boxB := alloc.Alloc()

	tab.Spawn("/a", "/", boxA)
	tab.Spawn("/a", "/", boxA)
	tab.Spawn("/b", "/", boxB)

	members := tab.ListContainer(boxA)
	if len(members) != 2 {
		t.Fatalf("expected 2 members of box A, got %d", len(members))
	}
	for _, m := range members {
		if m.Container != boxA {
			t.Fatalf("ListContainer leaked a process from another container: %+v", m)
		}
	}
}
