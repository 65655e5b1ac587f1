package netsock

import (
	"net"
	"testing"
)

func testStack(t *testing.T) *Stack {
	t.Helper()
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	s, err := New(nil, mac, net.IPv4(10, 0, 2, 15), 24, net.IPv4(10, 0, 2, 2))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewSocketRejectsUnsupportedDomain(t *testing.T) {
	s := testStack(t)
	if _, err := s.NewSocket(10 /* AF_INET6, unsupported */, SockStream); err != ErrUnsupportedDomain {
		t.Fatalf("expected ErrUnsupportedDomain, got %v", err)
	}
}

func TestNewSocketRejectsUnsupportedType(t *testing.T) {
	s := testStack(t)
	if _, err := s.NewSocket(AFInet, 3 /* SOCK_RAW, unsupported */); err != ErrUnsupportedType {
		t.Fatalf("expected ErrUnsupportedType, got %v", err)
	}
}

func TestSocketKindIsSocket(t *testing.T) {
	s := testStack(t)
	sock, err := s.NewSocket(AFInet, SockStream)
	if err != nil {
		t.Fatal(err)
	}
	if sock.Kind().String() != "socket" {
		t.Fatalf("expected Kind() to report socket, got %s", sock.Kind())
	}
}

func TestReadWriteBeforeConnectFails(t *testing.T) {
	s := testStack(t)
	sock, err := s.NewSocket(AFInet, SockStream)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := sock.Read(make([]byte, 8)); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if _, err := sock.Write([]byte("x")); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestListenAfterBindThenClose(t *testing.T) {
	s := testStack(t)
	sock, err := s.NewSocket(AFInet, SockStream)
	if err != nil {
		t.Fatal(err)
	}
	if err := sock.Bind(net.IPv4(10, 0, 2, 15), 8080); err != nil {
		t.Fatal(err)
	}
	if err := sock.Listen(16); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	if err := sock.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestAcceptWithoutListenFails(t *testing.T) {
	s := testStack(t)
	sock, err := s.NewSocket(AFInet, SockStream)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := sock.Accept(); err != ErrNotListening {
		t.Fatalf("expected ErrNotListening, got %v", err)
	}
}
