package forwarder

import (
	"context"
	"io"
	"net"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/logger"
)

// LocalForwarder listens on localHost:localPort and tunnels every accepted
// connection to remoteHost:remotePort through the SSH client.
type LocalForwarder struct {
	*session
}

// NewLocalForwarder creates a local forwarder for rule.
func NewLocalForwarder(rule forward.Rule, client SSHClient, opts Options) *LocalForwarder {
	return &LocalForwarder{session: newSession(rule, client, opts)}
}

// Start binds the local listener.
func (f *LocalForwarder) Start(ctx context.Context) error {
	ln, err := f.listenLocal()
	if err != nil {
		return err
	}
	if err := f.run(ctx, ln, f.handle); err != nil {
		return err
	}

	logger.Info("local forward started",
		"forward_id", f.rule.ID,
		"addr", ln.Addr().String(),
		"target", f.rule.RemoteAddr())
	return nil
}

// Stop closes the listener.
func (f *LocalForwarder) Stop() error {
	err := f.stop()
	logger.Info("local forward stopped", "forward_id", f.rule.ID)
	return err
}

func (f *LocalForwarder) handle(conn net.Conn) {
	srcHost, srcPort := splitAddr(conn.RemoteAddr())
	f.serve(conn, f.rule.RemoteAddr(), func(ctx context.Context) (io.ReadWriteCloser, error) {
		return f.client.ForwardOut(ctx, srcHost, srcPort, f.rule.RemoteHost, f.rule.RemotePort)
	})
}
