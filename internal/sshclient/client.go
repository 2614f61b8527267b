// Package sshclient adapts golang.org/x/crypto/ssh connections to the
// forwarding engine and keeps them in a pool keyed by connection id.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"golang.org/x/crypto/ssh"
)

// Client is an established SSH connection, possibly reached through a
// chain of jump hosts.
type Client struct {
	id     string
	client *ssh.Client
	// jumps are the intermediate clients, outermost first.
	jumps []*ssh.Client
}

// NewClient wraps an established connection.
func NewClient(id string, c *ssh.Client) *Client {
	return &Client{id: id, client: c}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// channelOpenDirectMsg is the payload of a direct-tcpip channel open
// (RFC 4254 7.2).
type channelOpenDirectMsg struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

type channelResult struct {
	ch  ssh.Channel
	err error
}

// ForwardOut opens a direct-tcpip channel to dstHost:dstPort announcing
// srcHost:srcPort as the originator.
func (c *Client) ForwardOut(ctx context.Context, srcHost string, srcPort int, dstHost string, dstPort int) (io.ReadWriteCloser, error) {
	msg := channelOpenDirectMsg{
		DestAddr:   dstHost,
		DestPort:   uint32(dstPort),
		OriginAddr: srcHost,
		OriginPort: uint32(srcPort),
	}

	done := make(chan channelResult, 1)
	go func() {
		ch, reqs, err := c.client.OpenChannel("direct-tcpip", ssh.Marshal(&msg))
		if err != nil {
			done <- channelResult{err: err}
			return
		}
		go ssh.DiscardRequests(reqs)
		done <- channelResult{ch: ch}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("open direct-tcpip to %s: %w", net.JoinHostPort(dstHost, strconv.Itoa(dstPort)), r.err)
		}
		return r.ch, nil
	case <-ctx.Done():
		// The open may still complete; release the channel when it does.
		go func() {
			if r := <-done; r.ch != nil {
				r.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

type listenResult struct {
	ln  net.Listener
	err error
}

// ForwardIn sends a tcpip-forward request for remoteHost:remotePort.
// Closing the listener cancels the forwarding on the server.
func (c *Client) ForwardIn(ctx context.Context, remoteHost string, remotePort int) (net.Listener, error) {
	done := make(chan listenResult, 1)
	go func() {
		var (
			ln  net.Listener
			err error
		)
		if ip := net.ParseIP(remoteHost); ip != nil {
			ln, err = c.client.ListenTCP(&net.TCPAddr{IP: ip, Port: remotePort})
		} else {
			ln, err = c.client.Listen("tcp", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)))
		}
		done <- listenResult{ln: ln, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("tcpip-forward %s: %w", net.JoinHostPort(remoteHost, strconv.Itoa(remotePort)), r.err)
		}
		return r.ln, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.ln != nil {
				r.ln.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Wait blocks until the connection is closed.
func (c *Client) Wait() error {
	return c.client.Wait()
}

// Close closes the connection and every jump host behind it.
func (c *Client) Close() error {
	errs := []error{ignoreClosed(c.client.Close())}
	for i := len(c.jumps) - 1; i >= 0; i-- {
		errs = append(errs, ignoreClosed(c.jumps[i].Close()))
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
