// Package sshtest provides an in-memory SSH client handle for tests of
// code that opens forwarding channels.
package sshtest

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"
)

// Call records one ForwardOut or ForwardIn invocation.
type Call struct {
	SrcHost string
	SrcPort int
	DstHost string
	DstPort int
}

// Handler serves the far end of a channel opened with ForwardOut.
type Handler func(conn net.Conn, call Call)

// Echo writes back everything it reads.
func Echo(conn net.Conn, _ Call) {
	defer conn.Close()
	io.Copy(conn, conn)
}

// FakeClient satisfies the forwarder SSH client interface without a
// network. Channels are net.Pipe pairs served by Handler.
type FakeClient struct {
	// Handler serves outbound channels. Defaults to Echo.
	Handler Handler
	// OpenErr, when set, fails every ForwardOut.
	OpenErr error
	// ListenErr, when set, fails every ForwardIn.
	ListenErr error
	// OpenDelay holds every ForwardOut for this long before it completes.
	OpenDelay time.Duration

	mu        sync.Mutex
	outCalls  []Call
	inCalls   []Call
	listeners map[string]*Listener
	opened    chan Call
}

// NewFakeClient returns a client whose channels echo.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		listeners: make(map[string]*Listener),
		opened:    make(chan Call, 64),
	}
}

// ForwardOut records the call and returns the near end of a pipe.
func (c *FakeClient) ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error) {
	call := Call{SrcHost: srcHost, SrcPort: srcPort, DstHost: dstHost, DstPort: dstPort}

	c.mu.Lock()
	c.outCalls = append(c.outCalls, call)
	openErr := c.OpenErr
	handler := c.Handler
	delay := c.OpenDelay
	c.mu.Unlock()

	select {
	case c.opened <- call:
	default:
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if openErr != nil {
		return nil, openErr
	}
	if handler == nil {
		handler = Echo
	}

	near, far := net.Pipe()
	go handler(far, call)
	return near, nil
}

// ForwardIn registers a fake remote listener on remoteHost:remotePort.
func (c *FakeClient) ForwardIn(ctx context.Context, remoteHost string, remotePort int) (net.Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.inCalls = append(c.inCalls, Call{DstHost: remoteHost, DstPort: remotePort})
	if c.ListenErr != nil {
		return nil, c.ListenErr
	}

	addr := net.JoinHostPort(remoteHost, strconv.Itoa(remotePort))
	if _, ok := c.listeners[addr]; ok {
		return nil, errors.New("tcpip-forward request denied by peer")
	}
	ln := newListener(addr, func() {
		c.mu.Lock()
		delete(c.listeners, addr)
		c.mu.Unlock()
	})
	c.listeners[addr] = ln
	return ln, nil
}

// SetOpenErr changes the error returned by ForwardOut.
func (c *FakeClient) SetOpenErr(err error) {
	c.mu.Lock()
	c.OpenErr = err
	c.mu.Unlock()
}

// OutCalls returns the recorded ForwardOut calls.
func (c *FakeClient) OutCalls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.outCalls...)
}

// InCalls returns the recorded ForwardIn calls.
func (c *FakeClient) InCalls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.inCalls...)
}

// Opened delivers every ForwardOut call as it happens.
func (c *FakeClient) Opened() <-chan Call {
	return c.opened
}

// Listener returns the active remote listener for addr.
func (c *FakeClient) Listener(addr string) (*Listener, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ln, ok := c.listeners[addr]
	return ln, ok
}

// Listener is a remote listener fed by Connect.
type Listener struct {
	addr    fakeAddr
	conns   chan net.Conn
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newListener(addr string, onClose func()) *Listener {
	return &Listener{
		addr:    fakeAddr(addr),
		conns:   make(chan net.Conn),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Connect simulates a client connecting to the remote port. It returns the
// client side of the connection.
func (l *Listener) Connect(ctx context.Context) (net.Conn, error) {
	client, server := net.Pipe()
	select {
	case l.conns <- server:
		return client, nil
	case <-l.done:
		client.Close()
		server.Close()
		return nil, net.ErrClosed
	case <-ctx.Done():
		client.Close()
		server.Close()
		return nil, ctx.Err()
	}
}

func (l *Listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		if l.onClose != nil {
			l.onClose()
		}
	})
	return nil
}

func (l *Listener) Addr() net.Addr { return l.addr }

// Closed reports whether Close was called.
func (l *Listener) Closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }
