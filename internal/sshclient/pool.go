package sshclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/forwarder"
	"github.com/orris-inc/sshfwd/internal/logger"
)

// DialFunc establishes a connection to an endpoint.
type DialFunc func(ctx context.Context, e Endpoint) (*Client, error)

// PoolOptions configures a Pool.
type PoolOptions struct {
	DialTimeout time.Duration
	// MaxRetries bounds connect attempts. Zero means 3.
	MaxRetries uint
	// OnDisconnect is called once a pooled connection has ended.
	// requested is true when Disconnect or Close ended it.
	OnDisconnect func(connectionID string, requested bool)
	// Dial replaces Dial, mainly for tests.
	Dial DialFunc
}

// ConnectionInfo describes a configured connection.
type ConnectionInfo struct {
	ID        string `json:"id"`
	Addr      string `json:"addr"`
	User      string `json:"user"`
	Jumps     int    `json:"jumps"`
	Connected bool   `json:"connected"`
}

type pooled struct {
	client *Client
	// dialing is closed when a connect attempt ends.
	dialing   chan struct{}
	err       error
	requested atomic.Bool
}

// Pool owns the SSH connections of the configured endpoints.
type Pool struct {
	opts      PoolOptions
	endpoints map[string]Endpoint

	mu      sync.Mutex
	conns   map[string]*pooled
	closing bool
}

// NewPool creates a pool over endpoints. Nothing is dialed until a
// connection is first requested.
func NewPool(endpoints []Endpoint, opts PoolOptions) (*Pool, error) {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.Dial == nil {
		timeout := opts.DialTimeout
		opts.Dial = func(ctx context.Context, e Endpoint) (*Client, error) {
			return Dial(ctx, e, DialOptions{Timeout: timeout})
		}
	}

	p := &Pool{
		opts:      opts,
		endpoints: make(map[string]Endpoint, len(endpoints)),
		conns:     make(map[string]*pooled),
	}
	for _, e := range endpoints {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := p.endpoints[e.ID]; dup {
			return nil, fmt.Errorf("duplicate connection id %q", e.ID)
		}
		p.endpoints[e.ID] = e
	}
	return p, nil
}

// Endpoints lists the configured connections in id order.
func (p *Pool) Endpoints() []ConnectionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]ConnectionInfo, 0, len(p.endpoints))
	for id, e := range p.endpoints {
		c, ok := p.conns[id]
		out = append(out, ConnectionInfo{
			ID:        id,
			Addr:      e.Hop.Addr(),
			User:      e.User,
			Jumps:     len(e.Jumps),
			Connected: ok && c.client != nil,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AutoConnect returns the ids of the endpoints marked auto_connect.
func (p *Pool) AutoConnect() []string {
	var ids []string
	for id, e := range p.endpoints {
		if e.AutoConnect {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Connected reports whether id currently has a live connection.
func (p *Pool) Connected(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conns[id]
	return ok && c.client != nil
}

// Client returns the live connection of id, dialing it when needed.
func (p *Pool) Client(ctx context.Context, id string) (forwarder.SSHClient, error) {
	c, err := p.Connect(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Connect dials id unless it is already connected. Concurrent callers
// share one attempt.
func (p *Pool) Connect(ctx context.Context, id string) (*Client, error) {
	e, ok := p.endpoints[id]
	if !ok {
		return nil, forward.NotFoundError("connection", id)
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, errors.New("connection pool closed")
	}
	if c, ok := p.conns[id]; ok {
		p.mu.Unlock()
		select {
		case <-c.dialing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if c.client != nil {
			return c.client, nil
		}
		return nil, c.err
	}
	c := &pooled{dialing: make(chan struct{})}
	p.conns[id] = c
	p.mu.Unlock()

	client, err := p.dial(ctx, e)

	p.mu.Lock()
	if err != nil {
		delete(p.conns, id)
		c.err = err
	} else {
		c.client = client
	}
	p.mu.Unlock()
	close(c.dialing)

	if err != nil {
		return nil, err
	}
	go p.watch(id, c)
	return client, nil
}

func (p *Pool) dial(ctx context.Context, e Endpoint) (*Client, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second

	op := func() (*Client, error) {
		c, err := p.opts.Dial(ctx, e)
		if err != nil && isAuthError(err) {
			return nil, backoff.Permanent(err)
		}
		return c, err
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.opts.MaxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("ssh connect failed, retrying", "connection_id", e.ID, "error", err, "retry_in", next)
		}),
	)
}

// isAuthError reports failures that a retry cannot fix.
func isAuthError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "no authentication method") ||
		strings.Contains(msg, "knownhosts:")
}

// watch removes c once its connection ends and reports the loss.
func (p *Pool) watch(id string, c *pooled) {
	err := c.client.Wait()

	p.mu.Lock()
	if p.conns[id] == c {
		delete(p.conns, id)
	}
	p.mu.Unlock()

	logger.Info("ssh disconnected", "connection_id", id, "error", err)
	if p.opts.OnDisconnect != nil {
		p.opts.OnDisconnect(id, c.requested.Load())
	}
}

// Disconnect closes the connection of id. Disconnecting an idle
// connection is a no-op.
func (p *Pool) Disconnect(id string) error {
	if _, ok := p.endpoints[id]; !ok {
		return forward.NotFoundError("connection", id)
	}
	p.mu.Lock()
	c, ok := p.conns[id]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	<-c.dialing
	if c.client == nil {
		return nil
	}
	c.requested.Store(true)
	return c.client.Close()
}

// Close disconnects every connection. Later Connect calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closing = true
	ids := make([]string, 0, len(p.conns))
	for id := range p.conns {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := p.Disconnect(id); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
