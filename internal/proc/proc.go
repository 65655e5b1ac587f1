// Package proc implements the process table: pid/ppid bookkeeping, fd
// tables, fork/execve/wait, signal delivery, and containers ("boxes")
// (spec.md §4.7). It owns the ProcessInfo page convention (a 4 KiB
// read-only page mapped at user VA 0x1000 in every process) without
// itself performing the MMU mapping — internal/syscall maps and writes
// the page after each load and rewrites it after each chdir.
package proc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kestrelos/kestrel/internal/ksync"
	"github.com/kestrelos/kestrel/internal/mmu"
)

// PID identifies a process. PID 1 is init; orphaned children reparent to
// it (spec.md §4.7).
type PID int

const InitPID PID = 1

// ContainerID identifies a box (spec.md's "containers").
type ContainerID uint64

// State is a process's lifecycle state.
type State int

const (
	StateRunning State = iota
	StateZombie
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateZombie:
		return "zombie"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Signal numbers this kernel recognizes, matching Linux AArch64 values
// for the subset spec.md names.
type Signal int

const (
	SIGINT  Signal = 2
	SIGKILL Signal = 9
	SIGSEGV Signal = 11
	SIGCHLD Signal = 17
	SIGSTOP Signal = 19
	SIGCONT Signal = 18
)

// Disposition is how a process will react to a delivered signal.
type Disposition int

const (
	DispositionDefault Disposition = iota
	DispositionIgnore
	DispositionHandled
)

// FDKind distinguishes the polymorphic open-file handle variants named
// in spec.md §3.
type FDKind int

const (
	FDRegular FDKind = iota
	FDPipe
	FDSocket
	FDTTY
	FDEventFD
	FDProcSynthetic
)

func (k FDKind) String() string {
	switch k {
	case FDRegular:
		return "regular"
	case FDPipe:
		return "pipe"
	case FDSocket:
		return "socket"
	case FDTTY:
		return "tty"
	case FDEventFD:
		return "eventfd"
	case FDProcSynthetic:
		return "proc"
	default:
		return "unknown"
	}
}

// File is the polymorphic open-file object an fd table entry points at.
// Concrete VFS/pipe/socket implementations satisfy this; proc only needs
// enough to honor FD_CLOEXEC bookkeeping and close-on-drop.
type File interface {
	Kind() FDKind
	Close() error
}

type fdEntry struct {
	file    File
	cloexec bool
}

const maxFDs = 256 // "fixed small capacity" per spec.md §3

// FDTable is a process's fixed-capacity descriptor table. Entries are
// strong references to shared File handles; fork duplicates the table
// (same File pointers, fresh slots) per spec.md §4.7.
type FDTable struct {
	mu      sync.Mutex
	entries [maxFDs]*fdEntry
}

// NewFDTable returns an empty table.
func NewFDTable() *FDTable {
	return &FDTable{}
}

// ErrNoFreeFD is returned when every slot in the table is in use.
var ErrNoFreeFD = fmt.Errorf("proc: no free file descriptor")

// Install places f in the lowest-numbered free slot, Linux's classic
// allocation policy.
func (t *FDTable) Install(f File, cloexec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i] == nil {
			t.entries[i] = &fdEntry{file: f, cloexec: cloexec}
			return i, nil
		}
	}
	return -1, ErrNoFreeFD
}

// InstallAt places f at exactly fd, closing whatever was there (dup2
// semantics).
func (t *FDTable) InstallAt(fd int, f File, cloexec bool) error {
	if fd < 0 || fd >= maxFDs {
		return fmt.Errorf("proc: fd %d out of range", fd)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if old := t.entries[fd]; old != nil {
		old.file.Close()
	}
	t.entries[fd] = &fdEntry{file: f, cloexec: cloexec}
	return nil
}

// Get returns the File installed at fd.
func (t *FDTable) Get(fd int) (File, bool) {
	if fd < 0 || fd >= maxFDs {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[fd]
	if e == nil {
		return nil, false
	}
	return e.file, true
}

// Close releases fd, calling the underlying File's Close.
func (t *FDTable) Close(fd int) error {
	if fd < 0 || fd >= maxFDs {
		return fmt.Errorf("proc: fd %d out of range", fd)
	}
	t.mu.Lock()
	e := t.entries[fd]
	t.entries[fd] = nil
	t.mu.Unlock()
	if e == nil {
		return fmt.Errorf("proc: fd %d is not open", fd)
	}
	return e.file.Close()
}

// CloseOnExec closes every fd marked FD_CLOEXEC, called by Execve after
// the point of no return.
func (t *FDTable) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e != nil && e.cloexec {
			e.file.Close()
			t.entries[i] = nil
		}
	}
}

// List returns the fd numbers currently installed, ascending, for the
// synthetic /proc/<pid>/fd directory listing.
func (t *FDTable) List() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	for i, e := range t.entries {
		if e != nil {
			out = append(out, i)
		}
	}
	return out
}

// Fork duplicates the table: same File references (shared open-file
// objects), a fresh table and slot numbering.
func (t *FDTable) Fork() *FDTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := &FDTable{}
	for i, e := range t.entries {
		if e != nil {
			dup := *e
			n.entries[i] = &dup
		}
	}
	return n
}

// ProcessInfo mirrors the read-only page mapped at user VA 0x1000
// (spec.md §4.7). chdir must update both this struct and the process
// record atomically; Process.Chdir does both under one lock.
type ProcessInfo struct {
	PID PID
	CWD string
}

// Process is one process-table slot.
type Process struct {
	mu sync.Mutex

	PID         PID
	PPID        PID
	state       State
	exitCode    int
	Container   ContainerID
	Root        string // container-root path prefix, spec.md §4.7
	cwd         string
	AddressSpace *mmu.AddressSpace
	FDs         *FDTable
	Argv        []string
	Envp        []string
	Mem         MemState // brk/mmap bump allocator bookkeeping, see mmap.go

	pendingSignals map[Signal]bool
	dispositions   map[Signal]Disposition

	children []*Process
	parent   *Process

	// infoPage caches the last ProcessInfo written to user VA 0x1000, so
	// Chdir's "atomically update both" requirement (spec.md §4.7) can be
	// checked by tests without going through the MMU.
	infoPage ProcessInfo

	waiters ksync.WaitQueue // woken when this process becomes Zombie
}

// Table is the whole process table: pid allocation, the parent/child
// forest, and container membership.
type Table struct {
	mu       sync.Mutex
	procs    map[PID]*Process
	nextPID  PID
	init     *Process
}

// NewTable creates a table and installs init (pid 1).
func NewTable() *Table {
	t := &Table{procs: make(map[PID]*Process), nextPID: 2}
	initProc := &Process{
		PID:            InitPID,
		PPID:           0,
		state:          StateRunning,
		Root:           "/",
		cwd:            "/",
		FDs:            NewFDTable(),
		pendingSignals: make(map[Signal]bool),
		dispositions:   make(map[Signal]Disposition),
	}
	t.procs[InitPID] = initProc
	t.init = initProc
	return t
}

// Spawn creates a new top-level process not descended from any other
// (used for the first user program the boot sequence execves).
func (t *Table) Spawn(root, cwd string, container ContainerID) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Process{
		PID:            t.nextPID,
		PPID:           InitPID,
		state:          StateRunning,
		Root:           root,
		cwd:            cwd,
		Container:      container,
		FDs:            NewFDTable(),
		pendingSignals: make(map[Signal]bool),
		dispositions:   make(map[Signal]Disposition),
		parent:         t.init,
	}
	p.infoPage = ProcessInfo{PID: p.PID, CWD: cwd}
	t.nextPID++
	t.procs[p.PID] = p
	t.init.children = append(t.init.children, p)
	return p
}

// Fork creates a child of parent: copies the address space handle
// (caller is responsible for actually performing the copy-on-write or
// eager page copy through internal/mmu before calling Fork, since only
// the caller holds the right ExecutionContext to do that safely),
// duplicates the fd table, inherits cwd/root/dispositions, assigns a new
// pid with ppid=parent.pid, and links it into the parent/child graph.
func (t *Table) Fork(parent *Process, childAS *mmu.AddressSpace) *Process {
	parent.mu.Lock()
	disp := make(map[Signal]Disposition, len(parent.dispositions))
	for k, v := range parent.dispositions {
		disp[k] = v
	}
	child := &Process{
		PPID:           parent.PID,
		state:          StateRunning,
		Root:           parent.Root,
		cwd:            parent.cwd,
		Container:      parent.Container,
		AddressSpace:   childAS,
		FDs:            parent.FDs.Fork(),
		Argv:           append([]string(nil), parent.Argv...),
		Envp:           append([]string(nil), parent.Envp...),
		pendingSignals: make(map[Signal]bool),
		dispositions:   disp,
		parent:         parent,
	}
	parent.mu.Unlock()

	t.mu.Lock()
	child.PID = t.nextPID
	t.nextPID++
	child.infoPage = ProcessInfo{PID: child.PID, CWD: child.cwd}
	t.procs[child.PID] = child
	t.mu.Unlock()

	parent.mu.Lock()
	parent.children = append(parent.children, child)
	parent.mu.Unlock()

	return child
}

// Lookup finds a process by pid.
func (t *Table) Lookup(pid PID) (*Process, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.procs[pid]
	return p, ok
}

// Exit transitions p to Zombie with the given exit code, reparents its
// children to init, and wakes any thread parked on its own or its
// parent's wait queue. A process is only fully removed from the table
// when its parent reaps it through TryReapAny, per spec.md §4.7.
func (t *Table) Exit(p *Process, code int) {
	p.mu.Lock()
	if p.state == StateZombie {
		p.mu.Unlock()
		return
	}
	p.state = StateZombie
	p.exitCode = code
	kids := p.children
	p.children = nil
	parent := p.parent
	p.mu.Unlock()

	for _, c := range kids {
		c.mu.Lock()
		c.parent = t.init
		c.PPID = InitPID
		c.mu.Unlock()
		t.init.mu.Lock()
		t.init.children = append(t.init.children, c)
		t.init.mu.Unlock()
	}

	p.waiters.WakeAll()
	if parent != nil {
		// wait4's blocking loop parks on the parent's own queue and
		// re-polls TryReapAny, since it waits for any child rather than
		// one specific pid (spec.md §4.7).
		parent.waiters.WakeAll()
	}
}

// WaitResult is what TryReapAny returns for a reaped child.
type WaitResult struct {
	PID      PID
	ExitCode int
}

// TryReapAny reaps one Zombie child of parent, if there is one, and
// removes it from the table; it never blocks. The blocking wait4 loops
// TryReapAny + WaitQueue.Wait on parent's WaitQueueFor queue.
func (t *Table) TryReapAny(parent *Process) (*WaitResult, bool) {
	parent.mu.Lock()
	defer parent.mu.Unlock()
	for i, c := range parent.children {
		c.mu.Lock()
		if c.state == StateZombie {
			res := &WaitResult{PID: c.PID, ExitCode: c.exitCode}
			c.mu.Unlock()
			parent.children = append(parent.children[:i:i], parent.children[i+1:]...)
			t.mu.Lock()
			delete(t.procs, res.PID)
			t.mu.Unlock()
			return res, true
		}
		c.mu.Unlock()
	}
	return nil, false
}

// WaitQueueFor returns the wait queue signaled when p becomes Zombie, so
// the syscall layer can park a thread on it between TryReapAny polls.
func (p *Process) WaitQueueFor() *ksync.WaitQueue { return &p.waiters }

// State reports p's current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Chdir atomically updates both the process record's cwd and the cached
// ProcessInfo page (spec.md §4.7: "chdir must atomically update both").
// Real page-table synchronization (writing the new string into the
// mapped physical frame at VA 0x1000) is the caller's responsibility
// once this call confirms the logical state is consistent; InfoPage
// exposes the value to write.
func (p *Process) Chdir(newCWD string) {
	p.mu.Lock()
	p.cwd = newCWD
	p.infoPage.CWD = newCWD
	p.mu.Unlock()
}

// CWD returns the process's current working directory.
func (p *Process) CWD() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cwd
}

// InfoPage returns the ProcessInfo snapshot that should currently be
// resident at user VA 0x1000.
func (p *Process) InfoPage() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoPage
}

// StatusSnapshot is a point-in-time read of a process's table fields,
// used by the synthetic /proc filesystem to render /proc/<pid>/status
// without racing on individual field accesses.
type StatusSnapshot struct {
	PID       PID
	PPID      PID
	State     State
	Container ContainerID
}

// Snapshot returns a consistent read of p's identity and lifecycle
// fields under one lock acquisition.
func (p *Process) Snapshot() StatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return StatusSnapshot{PID: p.PID, PPID: p.PPID, State: p.state, Container: p.Container}
}

// Kill raises signal against p, per the per-process pending mask
// described in spec.md §3/§4.7. SIGKILL bypasses dispositions and
// terminates immediately, matching Linux. Waking a target parked in a
// blocking nanosleep/read/wait4/futex is the syscall dispatch layer's
// job (Machine.wakeForSignal), not this table's — it has no visibility
// into per-syscall wait queues — so every caller raising a non-fatal
// signal here must also call that after Kill returns.
func (t *Table) Kill(target *Process, sig Signal) {
	if sig == SIGKILL {
		t.Exit(target, 128+int(SIGKILL))
		return
	}
	target.mu.Lock()
	target.pendingSignals[sig] = true
	target.mu.Unlock()
}

// SetDisposition records how target will react to sig.
func (p *Process) SetDisposition(sig Signal, d Disposition) {
	p.mu.Lock()
	p.dispositions[sig] = d
	p.mu.Unlock()
}

// Disposition reports the current handling for sig.
func (p *Process) Disposition(sig Signal) Disposition {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.dispositions[sig]; ok {
		return d
	}
	return DispositionDefault
}

// TakePendingSignal returns and clears one pending signal for delivery
// at the next return-to-user boundary, observed exactly once per
// spec.md's edge-case requirement. Lower signal numbers are taken first,
// for deterministic test behavior; real priority ordering is an Open
// Question the teacher's own scheduler never had to answer since it has
// no signal-delivery concept at all.
func (p *Process) TakePendingSignal() (Signal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingSignals) == 0 {
		return 0, false
	}
	sigs := make([]Signal, 0, len(p.pendingSignals))
	for s := range p.pendingSignals {
		sigs = append(sigs, s)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i] < sigs[j] })
	chosen := sigs[0]
	delete(p.pendingSignals, chosen)
	return chosen, true
}

// ResetHandledDispositions reverts any disposition the process had set
// to DispositionHandled back to default, called by Execve per spec.md
// §4.7 ("resets signal dispositions that were user-handled to default").
func (p *Process) ResetHandledDispositions() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sig, d := range p.dispositions {
		if d == DispositionHandled {
			delete(p.dispositions, sig)
		}
	}
}

// Execve replaces p's address space and argv/envp in place, preserving
// pid and fd table. Callers perform the actual ELF load (internal/
// elfload) and pass in the resulting AddressSpace; Execve's job is the
// process-table bookkeeping half of spec.md §4.7: honoring
// FD_CLOEXEC, resetting handled dispositions, and swapping argv/envp.
func (p *Process) Execve(newAS *mmu.AddressSpace, argv, envp []string) {
	p.FDs.CloseOnExec()
	p.ResetHandledDispositions()
	p.mu.Lock()
	p.AddressSpace = newAS
	p.Argv = argv
	p.Envp = envp
	p.mu.Unlock()
}

// ContainerAllocator is a monotonic allocator for box ids (spec.md §4.7:
// "Creating a box allocates a container id").
type ContainerAllocator struct {
	mu   sync.Mutex
	next ContainerID
}

// NewContainerAllocator starts id allocation at 1; 0 means "no
// container" throughout this package.
func NewContainerAllocator() *ContainerAllocator {
	return &ContainerAllocator{next: 1}
}

// Alloc returns the next unused ContainerID.
func (a *ContainerAllocator) Alloc() ContainerID {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

// CloseContainer terminates every process in the table that bears
// `id` (spec.md §4.7: "closing it terminates all processes bearing that
// id").
func (t *Table) CloseContainer(id ContainerID) []PID {
	t.mu.Lock()
	var victims []*Process
	for _, p := range t.procs {
		p.mu.Lock()
		if p.Container == id && p.state == StateRunning {
			victims = append(victims, p)
		}
		p.mu.Unlock()
	}
	t.mu.Unlock()

	var killed []PID
	for _, v := range victims {
		t.Exit(v, 128+int(SIGKILL))
		killed = append(killed, v.PID)
	}
	return killed
}

// ListContainer returns every process currently bearing `id`, for the
// /proc synthetic filesystem's container-filtered listing.
func (t *Table) ListContainer(id ContainerID) []*Process {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Process
	for _, p := range t.procs {
		p.mu.Lock()
		if p.Container == id {
			out = append(out, p)
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}
