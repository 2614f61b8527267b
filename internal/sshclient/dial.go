package sshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/orris-inc/sshfwd/internal/logger"
)

// Hop is one SSH server on the way to a connection's target.
type Hop struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"-"`
	IdentityFile string `json:"identityFile,omitempty"`
	Passphrase   string `json:"-"`
	UseAgent     bool   `json:"useAgent,omitempty"`
}

// Addr returns host:port, defaulting the port to 22.
func (h Hop) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(h.Host, strconv.Itoa(port))
}

// Endpoint describes a named SSH connection.
type Endpoint struct {
	ID string `json:"id"`
	Hop
	// KnownHosts is a known_hosts file checked for every hop. Host keys are
	// not verified when it is empty.
	KnownHosts  string `json:"knownHosts,omitempty"`
	AutoConnect bool   `json:"autoConnect"`
	// Jumps are traversed in order before the target hop.
	Jumps []Hop `json:"jumps,omitempty"`
}

// Validate checks the fields required to dial.
func (e Endpoint) Validate() error {
	if e.ID == "" {
		return errors.New("connection id is required")
	}
	for i, h := range e.hops() {
		if h.Host == "" {
			return fmt.Errorf("connection %s: hop %d: host is required", e.ID, i)
		}
		if h.User == "" {
			return fmt.Errorf("connection %s: hop %s: user is required", e.ID, h.Host)
		}
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("connection %s: hop %s: port %d out of range", e.ID, h.Host, h.Port)
		}
	}
	return nil
}

func (e Endpoint) hops() []Hop {
	hops := make([]Hop, 0, len(e.Jumps)+1)
	hops = append(hops, e.Jumps...)
	return append(hops, e.Hop)
}

// DialOptions tunes Dial.
type DialOptions struct {
	// Timeout bounds the TCP connect and handshake of each hop.
	Timeout time.Duration
}

// Dial connects to e, walking its jump hosts in order. Each hop's stream
// through the previous client carries the next hop's handshake.
func Dial(ctx context.Context, e Endpoint, opts DialOptions) (*Client, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	hostKeys, err := hostKeyCallback(e)
	if err != nil {
		return nil, err
	}

	var chain []*ssh.Client
	closeChain := func() {
		for i := len(chain) - 1; i >= 0; i-- {
			chain[i].Close()
		}
	}

	for i, hop := range e.hops() {
		cfg, release, err := clientConfig(hop, hostKeys, opts.Timeout)
		if err != nil {
			closeChain()
			return nil, err
		}

		addr := hop.Addr()
		var conn net.Conn
		if i == 0 {
			d := net.Dialer{Timeout: opts.Timeout}
			conn, err = d.DialContext(ctx, "tcp", addr)
		} else {
			conn, err = chain[i-1].DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			release()
			closeChain()
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}

		client, err := handshake(ctx, conn, addr, cfg, opts.Timeout)
		release()
		if err != nil {
			conn.Close()
			closeChain()
			return nil, err
		}
		chain = append(chain, client)

		if i < len(e.Jumps) {
			logger.Debug("jump host connected", "connection_id", e.ID, "addr", addr)
		}
	}

	last := len(chain) - 1
	logger.Info("ssh connected", "connection_id", e.ID, "addr", e.Hop.Addr(), "jumps", len(e.Jumps))
	return &Client{id: e.ID, client: chain[last], jumps: chain[:last]}, nil
}

// handshake runs the SSH handshake on conn, bounded by timeout and ctx.
func handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ssh handshake %s: %w", addr, ctx.Err())
		}
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// clientConfig builds the config for one hop. release closes resources the
// auth methods hold and must be called once the handshake is over.
func clientConfig(h Hop, hostKeys ssh.HostKeyCallback, timeout time.Duration) (*ssh.ClientConfig, func(), error) {
	auths, release, err := authMethods(h)
	if err != nil {
		return nil, nil, err
	}
	if len(auths) == 0 {
		release()
		return nil, nil, fmt.Errorf("hop %s: no authentication method configured", h.Addr())
	}
	return &ssh.ClientConfig{
		User:            h.User,
		Auth:            auths,
		HostKeyCallback: hostKeys,
		Timeout:         timeout,
	}, release, nil
}

func authMethods(h Hop) ([]ssh.AuthMethod, func(), error) {
	var (
		auths     []ssh.AuthMethod
		agentConn net.Conn
	)
	release := func() {
		if agentConn != nil {
			agentConn.Close()
		}
	}

	if h.IdentityFile != "" {
		signer, err := loadSigner(h.IdentityFile, h.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}

	if h.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Warn("ssh agent unavailable", "error", err)
			} else {
				agentConn = conn
				auths = append(auths, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}

	if h.Password != "" {
		auths = append(auths, ssh.Password(h.Password))
	}
	return auths, release, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(key)
	}
	if err != nil {
		return nil, fmt.Errorf("parse identity file %s: %w", path, err)
	}
	return signer, nil
}

func hostKeyCallback(e Endpoint) (ssh.HostKeyCallback, error) {
	if e.KnownHosts == "" {
		logger.Warn("host key verification disabled", "connection_id", e.ID)
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(expandHome(e.KnownHosts))
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return cb, nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
