package procfs

import (
	"strconv"
	"strings"
	"testing"

	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/vfs"
)

type stubFile struct{ kind proc.FDKind }

func (s stubFile) Kind() proc.FDKind { return s.kind }
func (s stubFile) Close() error      { return nil }

func pidName(p proc.PID) string { return strconv.Itoa(int(p)) }

func TestReaddirListsOnlyContainerProcesses(t *testing.T) {
	table := proc.NewTable()
	a := table.Spawn("/", "/", proc.ContainerID(1))
	table.Spawn("/", "/", proc.ContainerID(2))

	fs := New(table, proc.ContainerID(1), 9)
	entries, err := fs.Root().Readdir()
	if err != nil {
		t.Fatalf("Readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one process in container 1, got %d", len(entries))
	}
	if entries[0].Name != pidName(a.PID) {
		t.Fatalf("expected pid %d listed, got %q", a.PID, entries[0].Name)
	}
}

func TestLookupProcessOutsideContainerFails(t *testing.T) {
	table := proc.NewTable()
	other := table.Spawn("/", "/", proc.ContainerID(2))

	fs := New(table, proc.ContainerID(1), 9)
	if _, err := fs.Root().Lookup(pidName(other.PID)); err != vfs.ErrNotFound {
		t.Fatalf("expected ErrNotFound for a process in a different container, got %v", err)
	}
}

func TestStatusFileReportsPidAndState(t *testing.T) {
	table := proc.NewTable()
	p := table.Spawn("/", "/", proc.ContainerID(1))

	fs := New(table, proc.ContainerID(1), 9)
	dirNode, err := fs.Root().Lookup(pidName(p.PID))
	if err != nil {
		t.Fatalf("Lookup pid dir: %v", err)
	}
	statusNode, err := dirNode.Lookup("status")
	if err != nil {
		t.Fatalf("Lookup status: %v", err)
	}
	attr, err := statusNode.Stat()
	if err != nil {
		t.Fatalf("Stat status: %v", err)
	}
	body, err := statusNode.ReadAt(0, uint32(attr.Size))
	if err != nil {
		t.Fatalf("ReadAt status: %v", err)
	}
	if !strings.Contains(string(body), "State:\trunning") {
		t.Fatalf("expected status to report running state, got %q", body)
	}
}

func TestCwdSymlinkReflectsChdir(t *testing.T) {
	table := proc.NewTable()
	p := table.Spawn("/", "/home", proc.ContainerID(1))
	p.Chdir("/var/log")

	fs := New(table, proc.ContainerID(1), 9)
	dirNode, _ := fs.Root().Lookup(pidName(p.PID))
	cwdNode, err := dirNode.Lookup("cwd")
	if err != nil {
		t.Fatalf("Lookup cwd: %v", err)
	}
	target, err := cwdNode.Readlink()
	if err != nil {
		t.Fatalf("Readlink cwd: %v", err)
	}
	if target != "/var/log" {
		t.Fatalf("expected /var/log, got %q", target)
	}
}

func TestFdDirectoryListsInstalledDescriptors(t *testing.T) {
	table := proc.NewTable()
	p := table.Spawn("/", "/", proc.ContainerID(1))
	fd, err := p.FDs.Install(stubFile{kind: proc.FDSocket}, false)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	fs := New(table, proc.ContainerID(1), 9)
	dirNode, _ := fs.Root().Lookup(pidName(p.PID))
	fdDir, err := dirNode.Lookup("fd")
	if err != nil {
		t.Fatalf("Lookup fd: %v", err)
	}
	entries, err := fdDir.Readdir()
	if err != nil {
		t.Fatalf("Readdir fd: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != strconv.Itoa(fd) {
		t.Fatalf("expected exactly fd %d listed, got %v", fd, entries)
	}
	link, err := fdDir.Lookup(strconv.Itoa(fd))
	if err != nil {
		t.Fatalf("Lookup fd link: %v", err)
	}
	target, err := link.Readlink()
	if err != nil {
		t.Fatalf("Readlink fd: %v", err)
	}
	if !strings.HasPrefix(target, "socket:[") {
		t.Fatalf("expected a socket: descriptor, got %q", target)
	}
}
