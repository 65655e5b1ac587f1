package syscall

import "testing"

func TestSocketWithoutNetworkingReportsENOSYS(t *testing.T) {
	m, p := newTestMachine(t)
	ret, err := m.sysSocket(p, [6]uint64{2, 1, 0})
	if err == nil {
		t.Fatal("expected socket(2) to fail when no network stack is configured")
	}
	if int64(ret) >= 0 {
		t.Fatalf("expected negative errno return, got %d", ret)
	}
}
