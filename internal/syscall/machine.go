package syscall

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kestrelos/kestrel/internal/mmu"
	"github.com/kestrelos/kestrel/internal/netsock"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/ram"
	"github.com/kestrelos/kestrel/internal/sched"
	"github.com/kestrelos/kestrel/internal/timer"
	"github.com/kestrelos/kestrel/internal/vfs"
)

// handlerFunc is one syscall's implementation: register arguments in,
// the X0 return value (or -errno) out.
type handlerFunc func(p *proc.Process, args [6]uint64) (uint64, error)

// Machine is every kernel subsystem the dispatch table needs a handle
// to, wired together once at boot (internal/boot) and shared by every
// syscall invocation. It plays the same "one struct holds the whole
// running system" role the teacher's hv.Machine does for a guest VM,
// generalized from "drives a guest's vCPU" to "dispatches one process's
// syscall".
type Machine struct {
	logger *slog.Logger

	procs    *proc.Table
	mmuMgr   *mmu.Manager
	pmmMgr   *pmm.Manager
	ram      *ram.RAM
	resolver *vfs.Resolver
	sched    *sched.Pool
	ticker   *timer.Ticker
	net      *netsock.Stack
	mem      *Memory

	bootTime time.Time

	mu           sync.Mutex
	threads      map[proc.PID]*sched.Thread
	ctxs         map[proc.PID]context.Context
	cancels      map[proc.PID]context.CancelFunc
	interrupts   map[proc.PID]map[uint64]context.CancelFunc
	interruptSeq uint64
	futexes      futexTable

	table map[int]handlerFunc
}

// NewMachine wires a dispatch table over the given subsystems. net may
// be nil if the boot configuration didn't bring up networking, in which
// case socket syscalls return ENOSYS.
func NewMachine(logger *slog.Logger, procs *proc.Table, mmuMgr *mmu.Manager, pmmMgr *pmm.Manager, r *ram.RAM, resolver *vfs.Resolver, pool *sched.Pool, ticker *timer.Ticker, net *netsock.Stack) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Machine{
		logger:   logger,
		procs:    procs,
		mmuMgr:   mmuMgr,
		pmmMgr:   pmmMgr,
		ram:      r,
		resolver: resolver,
		sched:    pool,
		ticker:   ticker,
		net:      net,
		threads:    make(map[proc.PID]*sched.Thread),
		ctxs:       make(map[proc.PID]context.Context),
		cancels:    make(map[proc.PID]context.CancelFunc),
		interrupts: make(map[proc.PID]map[uint64]context.CancelFunc),
		bootTime:   time.Now(),
	}
	m.mem = NewMemory(mmuMgr, r)
	m.buildTable()
	return m
}

func (m *Machine) buildTable() {
	m.table = map[int]handlerFunc{
		unix.SYS_OPENAT:       m.sysOpenat,
		unix.SYS_READ:         m.sysRead,
		unix.SYS_WRITE:        m.sysWrite,
		unix.SYS_READV:        m.sysReadv,
		unix.SYS_WRITEV:       m.sysWritev,
		unix.SYS_CLOSE:        m.sysClose,
		unix.SYS_LSEEK:        m.sysLseek,
		unix.SYS_FSTAT:        m.sysFstat,
		unix.SYS_NEWFSTATAT:   m.sysNewfstatat,
		unix.SYS_UNLINKAT:     m.sysUnlinkat,
		unix.SYS_MKDIRAT:      m.sysMkdirat,
		unix.SYS_SYMLINKAT:    m.sysSymlinkat,
		unix.SYS_READLINKAT:   m.sysReadlinkat,
		unix.SYS_FCHMODAT:     m.sysFchmodat,
		unix.SYS_FCHOWNAT:     m.sysFchownat,
		unix.SYS_RENAMEAT:     m.sysRenameat,
		unix.SYS_CHDIR:        m.sysChdir,
		unix.SYS_GETCWD:       m.sysGetcwd,

		unix.SYS_CLONE:      m.sysClone,
		unix.SYS_EXECVE:     m.sysExecve,
		unix.SYS_EXIT:       m.sysExit,
		unix.SYS_EXIT_GROUP: m.sysExitGroup,
		unix.SYS_WAIT4:      m.sysWait4,
		unix.SYS_GETPID:     m.sysGetpid,
		unix.SYS_GETPPID:    m.sysGetppid,
		unix.SYS_KILL:       m.sysKill,
		unix.SYS_TGKILL:     m.sysTgkill,

		unix.SYS_BRK:      m.sysBrk,
		unix.SYS_MMAP:     m.sysMmap,
		unix.SYS_MPROTECT: m.sysMprotect,
		unix.SYS_MUNMAP:   m.sysMunmap,
		unix.SYS_MADVISE:  m.sysMadvise,

		unix.SYS_PIPE2:    m.sysPipe2,
		unix.SYS_EVENTFD2: m.sysEventfd2,
		unix.SYS_FUTEX:    m.sysFutex,
		unix.SYS_PPOLL:    m.sysPpoll,
		unix.SYS_PSELECT6: m.sysPselect6,

		unix.SYS_SOCKET:   m.sysSocket,
		unix.SYS_BIND:     m.sysBind,
		unix.SYS_CONNECT:  m.sysConnect,
		unix.SYS_ACCEPT:   m.sysAccept,
		unix.SYS_SENDTO:   m.sysSendto,
		unix.SYS_RECVFROM: m.sysRecvfrom,
		unix.SYS_SENDMSG:  m.sysSendmsg,
		unix.SYS_RECVMSG:  m.sysRecvmsg,
		unix.SYS_LISTEN:   m.sysListen,

		unix.SYS_SET_TID_ADDRESS: m.sysSetTidAddress,
		unix.SYS_SET_ROBUST_LIST: m.sysSetRobustList,
		unix.SYS_SIGALTSTACK:     m.sysSigaltstack,
		unix.SYS_RT_SIGACTION:    m.sysRtSigaction,
		unix.SYS_RT_SIGPROCMASK:  m.sysRtSigprocmask,
		unix.SYS_PRLIMIT64:       m.sysPrlimit64,
		unix.SYS_GETRLIMIT:       m.sysGetrlimit,

		unix.SYS_NANOSLEEP:     m.sysNanosleep,
		unix.SYS_CLOCK_GETTIME: m.sysClockGettime,
		unix.SYS_GETTIMEOFDAY:  m.sysGettimeofday,

		unix.SYS_UNAME:     m.sysUname,
		unix.SYS_GETRANDOM: m.sysGetrandom,
		unix.SYS_IOCTL:     m.sysIoctl,
	}
}

// Dispatch is the SVC entry point: num is read from X8, args from
// X0-X5, and the returned value goes in X0 (spec.md §4.10).
func (m *Machine) Dispatch(p *proc.Process, num int, args [6]uint64) uint64 {
	h, ok := m.table[num]
	if !ok {
		ret, _ := result(0, errUnimplemented)
		m.logger.Debug("syscall: unimplemented", "pid", p.PID, "num", num)
		return ret
	}
	ret, err := h(p, args)
	if err != nil {
		m.logger.Debug("syscall error", "pid", p.PID, "num", num, "err", err)
	}
	return ret
}

// ctx returns the context a blocking syscall for p should wait on. It's
// cancelled by cancel when p is torn down by a fatal signal, so a
// goroutine parked in read/wait4/futex/nanosleep doesn't outlive its
// process. bindThread installs it before a thread can make its first
// syscall; fall back to Background for the handful of unit tests that
// call a handler directly without going through clone/execve.
func (m *Machine) ctx(p *proc.Process) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.ctxs[p.PID]; ok {
		return c
	}
	return context.Background()
}

// waitCtx returns the context one blocking wait should park on, plus a
// done func the caller must defer to release its interrupt registration
// once the wait returns. Unlike ctx, which is only ever cancelled once
// (tearing the process down), waitCtx's context can be cancelled and the
// next call still gets a fresh, live one — interrupt cancels only the
// waits parked right now, per spec.md §8's "SIGINT interrupts nanosleep,
// signal observed once" case, without blocking the process from making
// further syscalls afterward.
func (m *Machine) waitCtx(p *proc.Process) (context.Context, func()) {
	ctx, cancel := context.WithCancel(m.ctx(p))
	m.mu.Lock()
	m.interruptSeq++
	id := m.interruptSeq
	if m.interrupts[p.PID] == nil {
		m.interrupts[p.PID] = make(map[uint64]context.CancelFunc)
	}
	m.interrupts[p.PID][id] = cancel
	m.mu.Unlock()
	return ctx, func() {
		m.mu.Lock()
		delete(m.interrupts[p.PID], id)
		m.mu.Unlock()
		cancel()
	}
}

// interrupt cancels every wait currently parked for pid, surfacing
// ksync.ErrInterrupted (EINTR) to each one without touching pid's
// persistent ctx — the process is still alive and can block again right
// after. Used for non-fatal signal delivery; fatal delivery uses cancel
// instead, which tears the persistent context down for good.
func (m *Machine) interrupt(pid proc.PID) {
	m.mu.Lock()
	cancels := m.interrupts[pid]
	delete(m.interrupts, pid)
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func (m *Machine) bindThread(p *proc.Process, th *sched.Thread) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[p.PID] = th
	if _, ok := m.cancels[p.PID]; !ok {
		ctx, cancel := context.WithCancel(context.Background())
		m.ctxs[p.PID] = ctx
		m.cancels[p.PID] = cancel
	}
}

// cancel unblocks every syscall currently parked on p's context, used
// when a fatal signal tears p down from under a blocking read/wait4/
// futex/nanosleep. Safe to call more than once.
func (m *Machine) cancel(pid proc.PID) {
	m.mu.Lock()
	c, ok := m.cancels[pid]
	if ok {
		delete(m.cancels, pid)
		delete(m.ctxs, pid)
	}
	m.mu.Unlock()
	if ok {
		c()
	}
}

func (m *Machine) writeFrame(pa pmm.PhysAddr, data []byte) {
	dst, err := m.ram.Bytes(pa, uint64(len(data)))
	if err != nil {
		return
	}
	copy(dst, data)
}

func (m *Machine) patchWord(pa pmm.PhysAddr, offset uint64, value uint64) {
	dst, err := m.ram.Bytes(pa+pmm.PhysAddr(offset), 8)
	if err != nil {
		return
	}
	binary.LittleEndian.PutUint64(dst, value)
}

// installInfoPage maps (if not already mapped) and writes the
// read-only ProcessInfo page at user VA 0x1000 (spec.md §4.7).
func (m *Machine) installInfoPage(p *proc.Process) {
	const infoPageVA = 0x1000
	info := p.InfoPage()
	buf := make([]byte, pageSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(info.PID))
	cwd := []byte(info.CWD)
	if len(cwd) > pageSize-16 {
		cwd = cwd[:pageSize-16]
	}
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(cwd)))
	copy(buf[16:], cwd)

	if _, _, ok := m.mmuMgr.Translate(p.AddressSpace, mmu.VAddr(infoPageVA)); !ok {
		pa, err := m.pmmMgr.AllocFrame()
		if err != nil {
			return
		}
		_ = m.mmuMgr.Map(p.AddressSpace, mmu.VAddr(infoPageVA), pa, mmu.ProtRead|mmu.ProtUser, pageSize, true)
	}
	pa, _, ok := m.mmuMgr.Translate(p.AddressSpace, mmu.VAddr(infoPageVA))
	if ok {
		m.writeFrame(pa, buf)
	}
}
