package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
)

// session holds the lifecycle shared by all forwarder types: one listener,
// one accept loop and a set of live piped connections.
type session struct {
	rule   forward.Rule
	client SSHClient
	opts   Options

	mu       sync.Mutex
	listener net.Listener
	started  bool
	stopped  bool
	conns    map[io.Closer]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
}

func newSession(rule forward.Rule, client SSHClient, opts Options) *session {
	return &session{
		rule:   rule,
		client: client,
		opts:   opts.withDefaults(),
		conns:  make(map[io.Closer]struct{}),
	}
}

// RuleID returns the rule ID.
func (s *session) RuleID() string {
	return s.rule.ID
}

// Addr returns the bound listener address.
func (s *session) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// run installs ln and starts the accept loop. handle is called in its own
// goroutine for every accepted connection.
func (s *session) run(ctx context.Context, ln net.Listener, handle func(net.Conn)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		ln.Close()
		return fmt.Errorf("forward %s already started", s.rule.ID)
	}
	s.started = true
	s.listener = ln
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.opts.Recorder.Init(s.rule.ID)

	s.acceptWG.Add(1)
	go s.acceptLoop(ln, handle)
	return nil
}

func (s *session) acceptLoop(ln net.Listener, handle func(net.Conn)) {
	defer s.acceptWG.Done()

	bo := acceptBackoff()
	attempt := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isClosedError(err) {
				logger.Warn("listener closed", "forward_id", s.rule.ID, "addr", ln.Addr().String())
				return
			}
			attempt++
			logger.Warn("accept error, retrying", "forward_id", s.rule.ID, "attempt", attempt, "error", err)
			if !waitBackoff(s.ctx, bo) {
				return
			}
			continue
		}
		if attempt > 0 {
			attempt = 0
			bo.Reset()
		}

		if !s.track(conn) {
			conn.Close()
			return
		}
		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer s.untrack(conn)
			handle(conn)
		}()
	}
}

// track registers c for force-close on Stop. It returns false once the
// session is stopping.
func (s *session) track(c io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *session) untrack(c io.Closer) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// serve runs the lifecycle of one accepted connection: it opens the far
// side and pipes. Bytes from peer are accounted as inbound.
func (s *session) serve(peer net.Conn, target string, open func(ctx context.Context) (io.ReadWriteCloser, error)) {
	defer s.countConnection()()

	far, err := s.open(open)
	if err != nil {
		peer.Close()
		s.reportError(&forward.ChannelOpenError{Target: target, Err: err})
		return
	}
	s.pipeTracked(peer, far, target)
}

// countConnection counts a new connection and returns the func that
// counts its close.
func (s *session) countConnection() func() {
	id := s.rule.ID
	s.opts.Recorder.IncrementConnection(id)
	return func() {
		s.opts.Recorder.DecrementConnection(id)
		if s.opts.OnConnectionClosed != nil {
			s.opts.OnConnectionClosed(id)
		}
	}
}

// open calls fn bounded by the channel-open timeout.
func (s *session) open(fn func(ctx context.Context) (io.ReadWriteCloser, error)) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.ChannelOpenTimeout)
	defer cancel()
	return fn(ctx)
}

// pipeTracked tracks far for force-close and pipes it with peer.
func (s *session) pipeTracked(peer net.Conn, far io.ReadWriteCloser, target string) {
	if !s.track(far) {
		far.Close()
		peer.Close()
		return
	}
	defer s.untrack(far)

	id := s.rule.ID
	rec := s.opts.Recorder
	logger.Debug("connection piped", "forward_id", id, "peer", peer.RemoteAddr().String(), "target", target)
	pipe(peer, far,
		func(n int64) { rec.Record(id, n, 0) },
		func(n int64) { rec.Record(id, 0, n) },
	)
}

func (s *session) reportError(err error) {
	logger.Warn("forward connection failed", "forward_id", s.rule.ID, "error", err)
	if s.opts.OnError != nil {
		s.opts.OnError(s.rule.ID, err)
	}
}

// stop closes the listener and cancels the session. With CloseConnections
// it also closes live connections and waits for them, bounded by
// StopTimeout.
func (s *session) stop() error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln := s.listener
	var live []io.Closer
	if s.opts.CloseConnections {
		for c := range s.conns {
			live = append(live, c)
		}
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if cerr := ln.Close(); cerr != nil && !isClosedError(cerr) {
		err = cerr
	}
	s.acceptWG.Wait()

	if s.opts.CloseConnections {
		for _, c := range live {
			c.Close()
		}
		done := make(chan struct{})
		go func() {
			s.connWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.opts.StopTimeout):
			err = errors.Join(err, fmt.Errorf("connections still open after %s", s.opts.StopTimeout))
		}
	}

	return err
}

// listenLocal binds the rule's local address. Bind failures are returned
// as *forward.BindError.
func (s *session) listenLocal() (net.Listener, error) {
	addr := s.rule.LocalAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		berr := &forward.BindError{Addr: addr, Err: err}
		if errors.Is(err, syscall.EADDRINUSE) && s.opts.PortOwner != nil {
			berr.Owner = s.opts.PortOwner(s.rule.LocalPort)
		}
		return nil, berr
	}
	return ln, nil
}

// splitAddr splits a net.Addr into host and port, falling back to
// 127.0.0.1:0 when the address is not a TCP address.
func splitAddr(addr net.Addr) (string, int) {
	if addr == nil {
		return forward.DefaultHost, 0
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return forward.DefaultHost, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}
