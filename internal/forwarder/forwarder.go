// Package forwarder runs forwarding rules over an SSH client handle: local
// listeners tunneled to a remote target, remote listeners tunneled back to
// a local target, and local SOCKS5 proxies.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/orris-inc/sshfwd/internal/forward"
)

// SSHClient is the capability a forwarder needs from an SSH connection.
// Implementations must allow concurrent calls.
type SSHClient interface {
	// ForwardOut opens a direct-tcpip channel to dstHost:dstPort on behalf
	// of the peer at srcHost:srcPort.
	ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error)
	// ForwardIn asks the server to listen on remoteHost:remotePort. Each
	// Accept on the returned listener is one remotely accepted connection;
	// Close cancels the registration.
	ForwardIn(ctx context.Context, remoteHost string, remotePort int) (net.Listener, error)
}

// Recorder receives traffic accounting. *traffic.Counter implements it.
type Recorder interface {
	Init(id string)
	Record(id string, bytesIn, bytesOut int64)
	IncrementConnection(id string)
	DecrementConnection(id string)
}

// Forwarder is one running forwarding rule.
type Forwarder interface {
	Start(ctx context.Context) error
	Stop() error
	RuleID() string
	// Addr is the bound listen address, or "" before Start.
	Addr() string
}

const (
	DefaultChannelOpenTimeout = 15 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultStopTimeout        = 5 * time.Second
	DefaultDialTimeout        = 10 * time.Second
)

// Options tunes a forwarder. Zero values select defaults.
type Options struct {
	ChannelOpenTimeout time.Duration
	HandshakeTimeout   time.Duration
	DialTimeout        time.Duration
	StopTimeout        time.Duration
	// CloseConnections makes Stop close piped connections instead of
	// letting them drain.
	CloseConnections bool

	Recorder Recorder
	// OnError is called for per-connection failures.
	OnError func(ruleID string, err error)
	// OnConnectionClosed is called after a piped connection has closed.
	OnConnectionClosed func(ruleID string)
	// PortOwner describes the process holding a local port, if any.
	PortOwner func(port int) string
}

func (o Options) withDefaults() Options {
	if o.ChannelOpenTimeout <= 0 {
		o.ChannelOpenTimeout = DefaultChannelOpenTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	return o
}

// New creates the forwarder for rule's type.
func New(rule forward.Rule, client SSHClient, opts Options) (Forwarder, error) {
	if client == nil {
		return nil, &forward.ConfigError{Msg: "start " + rule.ID, Err: forward.ErrNoClient}
	}

	switch rule.Type {
	case forward.TypeLocal:
		return NewLocalForwarder(rule, client, opts), nil
	case forward.TypeRemote:
		return NewRemoteForwarder(rule, client, opts), nil
	case forward.TypeDynamic:
		return NewDynamicForwarder(rule, client, opts), nil
	default:
		return nil, forward.NewConfigError(fmt.Sprintf("unsupported forward type %q", rule.Type))
	}
}

type nopRecorder struct{}

func (nopRecorder) Init(string)                 {}
func (nopRecorder) Record(string, int64, int64) {}
func (nopRecorder) IncrementConnection(string)  {}
func (nopRecorder) DecrementConnection(string)  {}

// isClosedError checks if the error is due to a closed listener or
// connection.
func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
