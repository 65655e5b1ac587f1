package syscall

import (
	"encoding/binary"
	"net"

	"github.com/kestrelos/kestrel/internal/netsock"
	"github.com/kestrelos/kestrel/internal/proc"
)

// sockaddrIn decodes a struct sockaddr_in: u16 family (host order), u16
// port (network order), 4-byte address (network order). Only AF_INET is
// accepted; the remaining padding bytes are unused.
func sockaddrIn(raw []byte) (ip net.IP, port int, err error) {
	if len(raw) < 8 {
		return nil, 0, errInval
	}
	family := binary.LittleEndian.Uint16(raw[0:2])
	if family != netsock.AFInet {
		return nil, 0, errInval
	}
	port = int(binary.BigEndian.Uint16(raw[2:4]))
	ip = net.IPv4(raw[4], raw[5], raw[6], raw[7])
	return ip, port, nil
}

func encodeSockaddrIn(addr net.Addr) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint16(buf[0:2], netsock.AFInet)
	if tcp, ok := addr.(*net.TCPAddr); ok {
		binary.BigEndian.PutUint16(buf[2:4], uint16(tcp.Port))
		if ip4 := tcp.IP.To4(); ip4 != nil {
			copy(buf[4:8], ip4)
		}
	} else if udp, ok := addr.(*net.UDPAddr); ok {
		binary.BigEndian.PutUint16(buf[2:4], uint16(udp.Port))
		if ip4 := udp.IP.To4(); ip4 != nil {
			copy(buf[4:8], ip4)
		}
	}
	return buf
}

func (m *Machine) sysSocket(p *proc.Process, a [6]uint64) (uint64, error) {
	if m.net == nil {
		return result(0, errUnimplemented)
	}
	domain, typ := int(a[0]), int(a[1])&0xff
	sock, err := m.net.NewSocket(domain, typ)
	if err != nil {
		return result(0, errInval)
	}
	fd, err := p.FDs.Install(sock, false)
	if err != nil {
		return result(0, err)
	}
	return result(uint64(fd), nil)
}

func (m *Machine) socketFromFD(p *proc.Process, fd int32) (*netsock.Socket, error) {
	f, err := m.fileFromFD(p, fd)
	if err != nil {
		return nil, err
	}
	sock, ok := f.(*netsock.Socket)
	if !ok {
		return nil, errBadFD
	}
	return sock, nil
}

func (m *Machine) sysBind(p *proc.Process, a [6]uint64) (uint64, error) {
	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	raw, err := m.mem.CopyIn(p.AddressSpace, a[1], a[2])
	if err != nil {
		return result(0, err)
	}
	ip, port, err := sockaddrIn(raw)
	if err != nil {
		return result(0, err)
	}
	return result(0, sock.Bind(ip, port))
}

func (m *Machine) sysListen(p *proc.Process, a [6]uint64) (uint64, error) {
	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	return result(0, sock.Listen(int(a[1])))
}

func (m *Machine) sysConnect(p *proc.Process, a [6]uint64) (uint64, error) {
	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	raw, err := m.mem.CopyIn(p.AddressSpace, a[1], a[2])
	if err != nil {
		return result(0, err)
	}
	ip, port, err := sockaddrIn(raw)
	if err != nil {
		return result(0, err)
	}
	return result(0, sock.Connect(ip, port))
}

func (m *Machine) sysAccept(p *proc.Process, a [6]uint64) (uint64, error) {
	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	child, addr, err := sock.Accept()
	if err != nil {
		return result(0, err)
	}
	fd, err := p.FDs.Install(child, false)
	if err != nil {
		return result(0, err)
	}
	if a[1] != 0 {
		if werr := m.mem.CopyOut(p.AddressSpace, a[1], encodeSockaddrIn(addr)); werr != nil {
			return result(0, werr)
		}
	}
	return result(uint64(fd), nil)
}

func (m *Machine) sysSendto(p *proc.Process, a [6]uint64) (uint64, error) {
	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	data, err := m.mem.CopyIn(p.AddressSpace, a[1], a[2])
	if err != nil {
		return result(0, err)
	}
	var ip net.IP
	port := 0
	if a[4] != 0 {
		raw, rerr := m.mem.CopyIn(p.AddressSpace, a[4], a[5])
		if rerr != nil {
			return result(0, rerr)
		}
		ip, port, err = sockaddrIn(raw)
		if err != nil {
			return result(0, err)
		}
	}
	n, err := sock.SendTo(data, ip, port)
	return result(uint64(n), err)
}

func (m *Machine) sysRecvfrom(p *proc.Process, a [6]uint64) (uint64, error) {
	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	buf := make([]byte, a[2])
	n, from, err := sock.RecvFrom(buf)
	if err != nil {
		return result(0, err)
	}
	if werr := m.mem.CopyOut(p.AddressSpace, a[1], buf[:n]); werr != nil {
		return result(0, werr)
	}
	if a[4] != 0 && from != nil {
		if werr := m.mem.CopyOut(p.AddressSpace, a[4], encodeSockaddrIn(from)); werr != nil {
			return result(0, werr)
		}
	}
	return result(uint64(n), nil)
}

// msghdr layout (AArch64 Linux): msg_name, msg_namelen, msg_iov,
// msg_iovlen, msg_control, msg_controllen, msg_flags — only the name and
// iov fields are read, since nothing in this corpus's scenarios uses
// ancillary control messages.
func (m *Machine) sysSendmsg(p *proc.Process, a [6]uint64) (uint64, error) {
	hdr, err := m.mem.CopyIn(p.AddressSpace, a[1], 56)
	if err != nil {
		return result(0, err)
	}
	nameVA := binary.LittleEndian.Uint64(hdr[0:8])
	nameLen := binary.LittleEndian.Uint64(hdr[8:16])
	iovVA := binary.LittleEndian.Uint64(hdr[16:24])
	iovLen := binary.LittleEndian.Uint64(hdr[24:32])

	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	iovs, err := m.readIovecs(p, iovVA, int(iovLen))
	if err != nil {
		return result(0, err)
	}
	var ip net.IP
	port := 0
	if nameVA != 0 && nameLen > 0 {
		raw, rerr := m.mem.CopyIn(p.AddressSpace, nameVA, nameLen)
		if rerr != nil {
			return result(0, rerr)
		}
		ip, port, err = sockaddrIn(raw)
		if err != nil {
			return result(0, err)
		}
	}
	var total uint64
	for _, iov := range iovs {
		data, rerr := m.mem.CopyIn(p.AddressSpace, iov.base, iov.len)
		if rerr != nil {
			return result(0, rerr)
		}
		n, werr := sock.SendTo(data, ip, port)
		if werr != nil {
			return result(0, werr)
		}
		total += uint64(n)
	}
	return result(total, nil)
}

func (m *Machine) sysRecvmsg(p *proc.Process, a [6]uint64) (uint64, error) {
	hdr, err := m.mem.CopyIn(p.AddressSpace, a[1], 56)
	if err != nil {
		return result(0, err)
	}
	nameVA := binary.LittleEndian.Uint64(hdr[0:8])
	iovVA := binary.LittleEndian.Uint64(hdr[16:24])
	iovLen := binary.LittleEndian.Uint64(hdr[24:32])

	sock, err := m.socketFromFD(p, int32(a[0]))
	if err != nil {
		return result(0, err)
	}
	iovs, err := m.readIovecs(p, iovVA, int(iovLen))
	if err != nil {
		return result(0, err)
	}
	var total uint64
	for _, iov := range iovs {
		buf := make([]byte, iov.len)
		n, from, rerr := sock.RecvFrom(buf)
		if rerr != nil {
			return result(0, rerr)
		}
		if werr := m.mem.CopyOut(p.AddressSpace, iov.base, buf[:n]); werr != nil {
			return result(0, werr)
		}
		total += uint64(n)
		if nameVA != 0 && from != nil {
			if werr := m.mem.CopyOut(p.AddressSpace, nameVA, encodeSockaddrIn(from)); werr != nil {
				return result(0, werr)
			}
		}
		break
	}
	return result(total, nil)
}
