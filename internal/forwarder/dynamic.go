package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
	"github.com/orris-inc/sshfwd/internal/socks5"
)

// DynamicForwarder runs a SOCKS5 proxy on localHost:localPort. Each CONNECT
// request is tunneled to its destination through the SSH client.
type DynamicForwarder struct {
	*session
}

// NewDynamicForwarder creates a SOCKS5 forwarder for rule.
func NewDynamicForwarder(rule forward.Rule, client SSHClient, opts Options) *DynamicForwarder {
	return &DynamicForwarder{session: newSession(rule, client, opts)}
}

// Start binds the SOCKS5 listener.
func (f *DynamicForwarder) Start(ctx context.Context) error {
	ln, err := f.listenLocal()
	if err != nil {
		return err
	}
	if err := f.run(ctx, ln, f.handle); err != nil {
		return err
	}

	logger.Info("dynamic forward started", "forward_id", f.rule.ID, "addr", ln.Addr().String())
	return nil
}

// Stop closes the listener.
func (f *DynamicForwarder) Stop() error {
	err := f.stop()
	logger.Info("dynamic forward stopped", "forward_id", f.rule.ID)
	return err
}

func (f *DynamicForwarder) handle(conn net.Conn) {
	defer f.countConnection()()

	conn.SetDeadline(time.Now().Add(f.opts.HandshakeTimeout))
	req, err := socks5.Handshake(conn)
	if err != nil {
		// Unsupported address types and malformed frames close the
		// connection without a reply.
		logger.Debug("socks5 handshake failed", "forward_id", f.rule.ID, "error", err)
		conn.Close()
		return
	}
	// Channel opens are bounded by ChannelOpenTimeout, not the handshake
	// deadline.
	conn.SetDeadline(time.Time{})

	if req.Command != socks5.CmdConnect {
		logger.Debug("socks5 command not supported", "forward_id", f.rule.ID, "command", req.Command)
		socks5.WriteReply(conn, socks5.ReplyCommandNotSupported)
		conn.Close()
		return
	}

	target := req.Address()
	srcHost, srcPort := splitAddr(conn.RemoteAddr())
	far, err := f.open(func(ctx context.Context) (io.ReadWriteCloser, error) {
		return f.client.ForwardOut(ctx, srcHost, srcPort, req.Host, req.Port)
	})
	if err != nil {
		socks5.WriteReply(conn, socks5.ReplyGeneralFailure)
		conn.Close()
		f.reportError(&forward.ChannelOpenError{Target: target, Err: err})
		return
	}

	if err := socks5.WriteReply(conn, socks5.ReplySucceeded); err != nil {
		far.Close()
		conn.Close()
		if !errors.Is(err, net.ErrClosed) {
			logger.Debug("socks5 reply failed", "forward_id", f.rule.ID, "error", err)
		}
		return
	}

	f.pipeTracked(conn, far, target)
}
