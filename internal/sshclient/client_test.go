package sshclient

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/orris-inc/sshfwd/internal/forward"
)

const testPassword = "s3cret"

type testServer struct {
	addr    string
	signer  gossh.Signer
	direct  chan channelOpenDirectMsg
	forward *gliderssh.ForwardedTCPHandler
	srv     *gliderssh.Server
}

func startServer(t *testing.T, configure ...func(*gliderssh.Server)) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := gossh.NewSignerFromKey(priv)
	require.NoError(t, err)

	ts := &testServer{
		signer:  signer,
		direct:  make(chan channelOpenDirectMsg, 16),
		forward: &gliderssh.ForwardedTCPHandler{},
	}
	ts.srv = &gliderssh.Server{
		Handler: func(s gliderssh.Session) { s.Exit(0) },
		PasswordHandler: func(ctx gliderssh.Context, password string) bool {
			return password == testPassword
		},
		LocalPortForwardingCallback: func(ctx gliderssh.Context, host string, port uint32) bool {
			return true
		},
		ReversePortForwardingCallback: func(ctx gliderssh.Context, host string, port uint32) bool {
			return true
		},
		ChannelHandlers: map[string]gliderssh.ChannelHandler{
			"session": gliderssh.DefaultSessionHandler,
			"direct-tcpip": func(srv *gliderssh.Server, conn *gossh.ServerConn, ch gossh.NewChannel, ctx gliderssh.Context) {
				var msg channelOpenDirectMsg
				if err := gossh.Unmarshal(ch.ExtraData(), &msg); err == nil {
					select {
					case ts.direct <- msg:
					default:
					}
				}
				gliderssh.DirectTCPIPHandler(srv, conn, ch, ctx)
			},
		},
		RequestHandlers: map[string]gliderssh.RequestHandler{
			"tcpip-forward":        ts.forward.HandleSSHRequest,
			"cancel-tcpip-forward": ts.forward.HandleSSHRequest,
		},
	}
	ts.srv.AddHostKey(signer)
	for _, fn := range configure {
		fn(ts.srv)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts.addr = ln.Addr().String()
	go ts.srv.Serve(ln)
	t.Cleanup(func() { ts.srv.Close() })
	return ts
}

func (ts *testServer) hop(t *testing.T) Hop {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ts.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Hop{Host: host, Port: port, User: "tester", Password: testPassword}
}

func startEcho(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func dialTest(t *testing.T, e Endpoint) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, e, DialOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func roundTrip(t *testing.T, rw io.ReadWriter, msg string) {
	t.Helper()
	_, err := rw.Write([]byte(msg))
	require.NoError(t, err)
	buf := make([]byte, len(msg))
	_, err = io.ReadFull(rw, buf)
	require.NoError(t, err)
	assert.Equal(t, msg, string(buf))
}

func TestForwardOut(t *testing.T) {
	ts := startServer(t)
	host, port := startEcho(t)

	c := dialTest(t, Endpoint{ID: "conn-1", Hop: ts.hop(t)})
	assert.Equal(t, "conn-1", c.ID())

	ch, err := c.ForwardOut(context.Background(), "127.0.0.1", 50123, host, port)
	require.NoError(t, err)
	defer ch.Close()

	roundTrip(t, ch, "hello through ssh")

	select {
	case msg := <-ts.direct:
		assert.Equal(t, host, msg.DestAddr)
		assert.Equal(t, uint32(port), msg.DestPort)
		assert.Equal(t, "127.0.0.1", msg.OriginAddr)
		assert.Equal(t, uint32(50123), msg.OriginPort)
	case <-time.After(time.Second):
		t.Fatal("direct-tcpip open not observed")
	}
}

func TestForwardOutRejected(t *testing.T) {
	ts := startServer(t, func(srv *gliderssh.Server) {
		srv.LocalPortForwardingCallback = func(ctx gliderssh.Context, host string, port uint32) bool {
			return false
		}
	})

	c := dialTest(t, Endpoint{ID: "conn-1", Hop: ts.hop(t)})
	_, err := c.ForwardOut(context.Background(), "127.0.0.1", 1, "127.0.0.1", 9)
	require.ErrorContains(t, err, "direct-tcpip")
}

func TestForwardIn(t *testing.T) {
	ts := startServer(t)
	c := dialTest(t, Endpoint{ID: "conn-1", Hop: ts.hop(t)})

	// The server keys registrations by the requested address, so cancel
	// only matches when a concrete port was asked for.
	port := freePort(t)
	ln, err := c.ForwardIn(context.Background(), "127.0.0.1", port)
	require.NoError(t, err)
	assert.Equal(t, port, ln.Addr().(*net.TCPAddr).Port)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	defer peer.Close()

	var remote net.Conn
	select {
	case remote = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded connection not accepted")
	}
	defer remote.Close()

	go io.Copy(remote, remote)
	roundTrip(t, peer, "reverse")

	require.NoError(t, ln.Close())
	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 100*time.Millisecond)
		if err != nil {
			return true
		}
		conn.Close()
		return false
	}, 2*time.Second, 50*time.Millisecond)

	again, err := c.ForwardIn(context.Background(), "127.0.0.1", port)
	require.NoError(t, err, "port must be free for a new registration after Close")
	again.Close()
}

func TestDialJumpChain(t *testing.T) {
	jump := startServer(t)
	target := startServer(t)
	host, port := startEcho(t)

	c := dialTest(t, Endpoint{
		ID:    "via-bastion",
		Hop:   target.hop(t),
		Jumps: []Hop{jump.hop(t)},
	})
	require.Len(t, c.jumps, 1)

	select {
	case msg := <-jump.direct:
		assert.Equal(t, target.addr, net.JoinHostPort(msg.DestAddr, strconv.Itoa(int(msg.DestPort))))
	case <-time.After(time.Second):
		t.Fatal("jump host did not carry the target connection")
	}

	ch, err := c.ForwardOut(context.Background(), "127.0.0.1", 1, host, port)
	require.NoError(t, err)
	defer ch.Close()
	roundTrip(t, ch, "two hops")

	require.NoError(t, c.Close())
	assert.Error(t, c.jumps[0].Wait())
}

func TestDialWrongPassword(t *testing.T) {
	ts := startServer(t)
	hop := ts.hop(t)
	hop.Password = "wrong"

	_, err := Dial(context.Background(), Endpoint{ID: "conn-1", Hop: hop}, DialOptions{Timeout: 2 * time.Second})
	require.Error(t, err)
	assert.True(t, isAuthError(err))
}

func TestDialAgentReleasesSocket(t *testing.T) {
	_, userKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyring := agent.NewKeyring()
	require.NoError(t, keyring.Add(agent.AddedKey{PrivateKey: userKey}))
	userPub, err := gossh.NewPublicKey(userKey.Public())
	require.NoError(t, err)

	sock := filepath.Join(t.TempDir(), "agent.sock")
	agentLn, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { agentLn.Close() })

	served := make(chan struct{}, 4)
	go func() {
		for {
			conn, err := agentLn.Accept()
			if err != nil {
				return
			}
			go func() {
				agent.ServeAgent(keyring, conn)
				conn.Close()
				served <- struct{}{}
			}()
		}
	}()
	t.Setenv("SSH_AUTH_SOCK", sock)

	ts := startServer(t, func(srv *gliderssh.Server) {
		srv.PasswordHandler = nil
		srv.PublicKeyHandler = func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return gliderssh.KeysEqual(key, userPub)
		}
	})
	h := ts.hop(t)
	h.Password = ""
	h.UseAgent = true

	dialTest(t, Endpoint{ID: "conn-1", Hop: h})

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("agent connection left open after the handshake")
	}
}

func TestDialKnownHosts(t *testing.T) {
	ts := startServer(t)
	dir := t.TempDir()

	good := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(ts.addr)}, ts.signer.PublicKey())
	require.NoError(t, os.WriteFile(good, []byte(line+"\n"), 0o600))

	dialTest(t, Endpoint{ID: "conn-1", Hop: ts.hop(t), KnownHosts: good})

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := gossh.NewSignerFromKey(other)
	require.NoError(t, err)

	bad := filepath.Join(dir, "known_hosts_bad")
	line = knownhosts.Line([]string{knownhosts.Normalize(ts.addr)}, otherSigner.PublicKey())
	require.NoError(t, os.WriteFile(bad, []byte(line+"\n"), 0o600))

	_, err = Dial(context.Background(), Endpoint{ID: "conn-1", Hop: ts.hop(t), KnownHosts: bad}, DialOptions{Timeout: 2 * time.Second})
	require.ErrorContains(t, err, "key mismatch")
	assert.True(t, isAuthError(err))
}

func TestEndpointValidate(t *testing.T) {
	tests := []struct {
		name string
		e    Endpoint
		ok   bool
	}{
		{"valid", Endpoint{ID: "a", Hop: Hop{Host: "h", User: "u"}}, true},
		{"missing id", Endpoint{Hop: Hop{Host: "h", User: "u"}}, false},
		{"missing host", Endpoint{ID: "a", Hop: Hop{User: "u"}}, false},
		{"missing user", Endpoint{ID: "a", Hop: Hop{Host: "h"}}, false},
		{"bad port", Endpoint{ID: "a", Hop: Hop{Host: "h", User: "u", Port: 70000}}, false},
		{"bad jump", Endpoint{ID: "a", Hop: Hop{Host: "h", User: "u"}, Jumps: []Hop{{Host: "j"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.e.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
	assert.Equal(t, "h:22", Hop{Host: "h"}.Addr())
}

func TestPoolReusesConnection(t *testing.T) {
	ts := startServer(t)
	disconnected := make(chan string, 1)

	pool, err := NewPool([]Endpoint{{ID: "conn-1", Hop: ts.hop(t)}}, PoolOptions{
		DialTimeout:  2 * time.Second,
		OnDisconnect: func(id string, requested bool) {
			if requested {
				disconnected <- id
			}
		},
	})
	require.NoError(t, err)
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Client(ctx, "conn-1")
	require.NoError(t, err)
	second, err := pool.Client(ctx, "conn-1")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, pool.Connected("conn-1"))

	infos := pool.Endpoints()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Connected)

	require.NoError(t, pool.Disconnect("conn-1"))
	select {
	case id := <-disconnected:
		assert.Equal(t, "conn-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
	assert.False(t, pool.Connected("conn-1"))
}

func TestPoolUnknownConnection(t *testing.T) {
	pool, err := NewPool(nil, PoolOptions{})
	require.NoError(t, err)

	_, err = pool.Client(context.Background(), "missing")
	assert.True(t, forward.IsNotFound(err))
	assert.True(t, forward.IsNotFound(pool.Disconnect("missing")))
}

func TestPoolDuplicateEndpoint(t *testing.T) {
	e := Endpoint{ID: "a", Hop: Hop{Host: "h", User: "u"}}
	_, err := NewPool([]Endpoint{e, e}, PoolOptions{})
	assert.Error(t, err)
}

func TestPoolRetry(t *testing.T) {
	e := Endpoint{ID: "a", Hop: Hop{Host: "h", User: "u"}}

	var attempts atomic.Int32
	pool, err := NewPool([]Endpoint{e}, PoolOptions{
		MaxRetries: 2,
		Dial: func(ctx context.Context, e Endpoint) (*Client, error) {
			attempts.Add(1)
			return nil, errors.New("connection refused")
		},
	})
	require.NoError(t, err)

	_, err = pool.Connect(context.Background(), "a")
	require.Error(t, err)
	assert.Equal(t, int32(2), attempts.Load())
	assert.False(t, pool.Connected("a"))

	attempts.Store(0)
	pool, err = NewPool([]Endpoint{e}, PoolOptions{
		MaxRetries: 5,
		Dial: func(ctx context.Context, e Endpoint) (*Client, error) {
			attempts.Add(1)
			return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate")
		},
	})
	require.NoError(t, err)

	_, err = pool.Connect(context.Background(), "a")
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}
