package gbn

import (
	"errors"
	"net"
	"sync"
	"time"
)

// memAddr is a trivial net.Addr used by the in-memory packet pipe.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type memDatagram struct {
	data []byte
	from net.Addr
}

// memPacketConn is a minimal in-memory net.PacketConn. Two instances
// created by newMemPipe are wired to each other's inbox, letting tests
// exercise the real wire codec and state machine without binding real
// UDP sockets.
type memPacketConn struct {
	local memAddr
	peer  *memPacketConn

	mu     sync.Mutex
	inbox  []memDatagram
	cond   *sync.Cond
	closed bool

	deadline time.Time
}

func newMemPipe() (*memPacketConn, *memPacketConn) {
	a := &memPacketConn{local: "a"}
	b := &memPacketConn{local: "b"}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer = b
	b.peer = a
	return a, b
}

func (c *memPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.inbox) == 0 && !c.closed {
		if !c.deadline.IsZero() && time.Now().After(c.deadline) {
			return 0, nil, &timeoutError{}
		}
		waitCh := make(chan struct{})
		go func() {
			time.Sleep(5 * time.Millisecond)
			close(waitCh)
		}()
		c.mu.Unlock()
		<-waitCh
		c.mu.Lock()
	}
	if c.closed && len(c.inbox) == 0 {
		return 0, nil, errors.New("closed")
	}
	dg := c.inbox[0]
	c.inbox = c.inbox[1:]
	n := copy(p, dg.data)
	return n, dg.from, nil
}

func (c *memPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.peer == nil {
		return 0, errors.New("closed")
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	c.peer.mu.Lock()
	c.peer.inbox = append(c.peer.inbox, memDatagram{data: buf, from: c.local})
	c.peer.mu.Unlock()
	return len(p), nil
}

func (c *memPacketConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *memPacketConn) LocalAddr() net.Addr { return c.local }

func (c *memPacketConn) SetDeadline(t time.Time) error      { return nil }
func (c *memPacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}
func (c *memPacketConn) SetWriteDeadline(t time.Time) error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
