package syscall

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kestrelos/kestrel/internal/ksync"
	"github.com/kestrelos/kestrel/internal/proc"
)

// noDeadline means "wait indefinitely" to ksync.WaitQueue.Wait, which
// treats a zero time.Time as no deadline.
var noDeadline time.Time

var errBrokenPipe = errors.New("syscall: broken pipe")

// pipeCapacity bounds an unread pipe buffer, matching Linux's default
// of 64 KiB.
const pipeCapacity = 64 * 1024

// pipeEnd is one half of a pipe2() pair. Both ends share the same
// ring buffer and wait queues; isRead distinguishes which half an fd
// table entry refers to for read/write-direction checks.
type pipeEnd struct {
	buf    *pipeBuffer
	isRead bool
}

type pipeBuffer struct {
	mu         sync.Mutex
	data       []byte
	readers    int
	writers    int
	readWait   ksync.WaitQueue
	writeWait  ksync.WaitQueue
}

func newPipe() (*pipeEnd, *pipeEnd) {
	buf := &pipeBuffer{readers: 1, writers: 1}
	return &pipeEnd{buf: buf, isRead: true}, &pipeEnd{buf: buf, isRead: false}
}

func (p *pipeEnd) Kind() proc.FDKind { return proc.FDPipe }

func (p *pipeEnd) Close() error {
	p.buf.mu.Lock()
	if p.isRead {
		p.buf.readers--
	} else {
		p.buf.writers--
	}
	closedReaders := p.buf.readers == 0
	closedWriters := p.buf.writers == 0
	p.buf.mu.Unlock()
	if closedWriters {
		// Readers blocked on an empty buffer must observe EOF.
		p.buf.readWait.WakeAll()
	}
	if closedReaders {
		p.buf.writeWait.WakeAll()
	}
	return nil
}

// Read implements the blocking half of the pipe rendezvous scenario
// (spec.md §8.3): it parks on readWait until data arrives or every
// writer has closed (EOF, n=0), without holding buf.mu across the
// suspension.
func (p *pipeEnd) Read(ctx context.Context, out []byte) (int, error) {
	if !p.isRead {
		return 0, errBadFD
	}
	for {
		p.buf.mu.Lock()
		if len(p.buf.data) > 0 {
			n := copy(out, p.buf.data)
			p.buf.data = p.buf.data[n:]
			p.buf.mu.Unlock()
			p.buf.writeWait.WakeOne()
			return n, nil
		}
		if p.buf.writers == 0 {
			p.buf.mu.Unlock()
			return 0, nil
		}
		p.buf.mu.Unlock()

		if err := p.buf.readWait.Wait(ctx, noDeadline); err != nil {
			return 0, err
		}
	}
}

// Write implements the non-blocking-until-full half: it blocks only
// when the buffer is at capacity, otherwise appends immediately.
func (p *pipeEnd) Write(ctx context.Context, in []byte) (int, error) {
	if p.isRead {
		return 0, errBadFD
	}
	written := 0
	for written < len(in) {
		p.buf.mu.Lock()
		if p.buf.readers == 0 {
			p.buf.mu.Unlock()
			return written, errBrokenPipe
		}
		space := pipeCapacity - len(p.buf.data)
		if space <= 0 {
			p.buf.mu.Unlock()
			if err := p.buf.writeWait.Wait(ctx, noDeadline); err != nil {
				return written, err
			}
			continue
		}
		n := len(in) - written
		if n > space {
			n = space
		}
		p.buf.data = append(p.buf.data, in[written:written+n]...)
		written += n
		p.buf.mu.Unlock()
		p.buf.readWait.WakeOne()
	}
	return written, nil
}
