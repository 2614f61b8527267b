package forwarder

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
)

// RemoteForwarder asks the SSH server to listen on remoteHost:remotePort
// and connects every remotely accepted connection to localHost:localPort.
type RemoteForwarder struct {
	*session
}

// NewRemoteForwarder creates a remote forwarder for rule.
func NewRemoteForwarder(rule forward.Rule, client SSHClient, opts Options) *RemoteForwarder {
	return &RemoteForwarder{session: newSession(rule, client, opts)}
}

// Start registers the remote listener.
func (f *RemoteForwarder) Start(ctx context.Context) error {
	openCtx, cancel := context.WithTimeout(ctx, f.opts.ChannelOpenTimeout)
	defer cancel()

	ln, err := f.client.ForwardIn(openCtx, f.rule.RemoteHost, f.rule.RemotePort)
	if err != nil {
		return &forward.BindError{Addr: "remote " + f.rule.RemoteAddr(), Err: err}
	}
	if err := f.run(ctx, ln, f.handle); err != nil {
		return err
	}

	logger.Info("remote forward started",
		"forward_id", f.rule.ID,
		"addr", f.rule.RemoteAddr(),
		"target", f.rule.LocalAddr())
	return nil
}

// Stop cancels the remote registration.
func (f *RemoteForwarder) Stop() error {
	err := f.stop()
	logger.Info("remote forward stopped", "forward_id", f.rule.ID)
	return err
}

// handle dials the local target for one remotely accepted connection. The
// remote peer is the listening side, so its bytes count as inbound.
func (f *RemoteForwarder) handle(conn net.Conn) {
	target := f.rule.LocalAddr()
	f.serve(conn, target, func(ctx context.Context) (io.ReadWriteCloser, error) {
		dialer := &net.Dialer{Timeout: f.opts.DialTimeout}
		c, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, fmt.Errorf("dial local target: %w", err)
		}
		return c, nil
	})
}
