package socks5

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rw joins a canned input with a capture buffer.
type rw struct {
	io.Reader
	out bytes.Buffer
}

func (c *rw) Write(p []byte) (int, error) { return c.out.Write(p) }

func TestHandshake_GreetingReply(t *testing.T) {
	in := []byte{0x05, 0x01, 0x00}
	in = append(in, 0x05, 0x01, 0x00, 0x01, 93, 184, 216, 34, 0x00, 0x50)
	conn := &rw{Reader: bytes.NewReader(in)}

	req, err := Handshake(conn)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x05, 0x00}, conn.out.Bytes())
	assert.Equal(t, byte(CmdConnect), req.Command)
	assert.Equal(t, "93.184.216.34", req.Host)
	assert.Equal(t, 80, req.Port)
	assert.Equal(t, "93.184.216.34:80", req.Address())
}

func TestReadRequest(t *testing.T) {
	testCases := []struct {
		name     string
		in       []byte
		wantHost string
		wantPort int
		wantCmd  byte
	}{
		{
			name:     "ipv4",
			in:       []byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 7, 0x15, 0x38},
			wantHost: "10.0.0.7",
			wantPort: 5432,
			wantCmd:  CmdConnect,
		},
		{
			name:     "domain",
			in:       append(append([]byte{0x05, 0x01, 0x00, 0x03, 11}, "example.com"...), 0x01, 0xbb),
			wantHost: "example.com",
			wantPort: 443,
			wantCmd:  CmdConnect,
		},
		{
			name:     "bind command is parsed",
			in:       []byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x16},
			wantHost: "127.0.0.1",
			wantPort: 22,
			wantCmd:  CmdBind,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := ReadRequest(bytes.NewReader(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.wantHost, req.Host)
			assert.Equal(t, tc.wantPort, req.Port)
			assert.Equal(t, tc.wantCmd, req.Command)
		})
	}
}

func TestReadRequest_LeavesPayloadUnread(t *testing.T) {
	in := []byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50}
	r := bytes.NewReader(append(in, "GET / HTTP/1.1\r\n"...))

	_, err := ReadRequest(r)
	require.NoError(t, err)

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "GET / HTTP/1.1\r\n", string(rest))
}

func TestReadRequest_UnsupportedAddressType(t *testing.T) {
	in := []byte{0x05, 0x01, 0x00, 0x04}
	in = append(in, make([]byte, 18)...)

	_, err := ReadRequest(bytes.NewReader(in))
	assert.ErrorIs(t, err, ErrUnsupportedAddressType)
}

func TestHandshake_Malformed(t *testing.T) {
	testCases := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"bad version", []byte{0x04, 0x01, 0x00}},
		{"truncated methods", []byte{0x05, 0x03, 0x00}},
		{"truncated request header", []byte{0x05, 0x01, 0x00, 0x05, 0x01}},
		{"truncated ipv4", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 10, 0}},
		{"missing port", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1}},
		{"empty domain", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 0x00, 0x00, 0x50}},
		{"short domain", []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x03, 0x08, 'a', 'b'}},
		{"request version", []byte{0x05, 0x01, 0x00, 0x04, 0x01, 0x00, 0x01, 1, 1, 1, 1, 0, 80}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Handshake(&rw{Reader: bytes.NewReader(tc.in)})
			require.Error(t, err)

			var perr *ProtocolError
			assert.True(t, errors.As(err, &perr), "want ProtocolError, got %v", err)
		})
	}
}

func TestWriteReply(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReply(&buf, ReplySucceeded))
	assert.Equal(t, []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, buf.Bytes())

	buf.Reset()
	require.NoError(t, WriteReply(&buf, ReplyGeneralFailure))
	assert.Equal(t, []byte{0x05, 0x01, 0x00, 0x01, 0, 0, 0, 0, 0, 0}, buf.Bytes())
}
