// Package socks5 implements the server side of the SOCKS5 negotiation
// needed to proxy one CONNECT request per connection. Only the "no
// authentication" method is offered.
package socks5

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

const Version = 0x05

// Commands.
const (
	CmdConnect   = 0x01
	CmdBind      = 0x02
	CmdAssociate = 0x03
)

// Address types.
const (
	AddrIPv4   = 0x01
	AddrDomain = 0x03
	AddrIPv6   = 0x04
)

// Reply codes.
const (
	ReplySucceeded           = 0x00
	ReplyGeneralFailure      = 0x01
	ReplyCommandNotSupported = 0x07
)

const methodNoAuth = 0x00

// ErrUnsupportedAddressType is returned by ReadRequest for address types
// other than IPv4 and domain name. The caller closes the connection
// without a reply.
var ErrUnsupportedAddressType = errors.New("socks5: unsupported address type")

// ProtocolError reports a malformed or truncated handshake frame.
type ProtocolError struct {
	Stage string
	Err   error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("socks5 %s: %v", e.Stage, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Request is a parsed client request.
type Request struct {
	Command  byte
	AddrType byte
	Host     string
	Port     int
}

// Address returns the destination as host:port.
func (r *Request) Address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ReadGreeting reads the client greeting: version, method count and the
// offered methods. The offered methods are not enforced.
func ReadGreeting(r io.Reader) error {
	var hdr [2]byte
	if err := readFull(r, hdr[:], "greeting"); err != nil {
		return err
	}
	if hdr[0] != Version {
		return &ProtocolError{Stage: "greeting", Err: fmt.Errorf("unsupported version %d", hdr[0])}
	}

	methods := make([]byte, hdr[1])
	return readFull(r, methods, "greeting")
}

// WriteMethodSelection accepts the connection without authentication.
func WriteMethodSelection(w io.Writer) error {
	_, err := w.Write([]byte{Version, methodNoAuth})
	return err
}

// ReadRequest reads one request frame. Reads are exact, so payload bytes
// sent after the request stay unread.
func ReadRequest(r io.Reader) (*Request, error) {
	// VER CMD RSV ATYP
	var hdr [4]byte
	if err := readFull(r, hdr[:], "request"); err != nil {
		return nil, err
	}
	if hdr[0] != Version {
		return nil, &ProtocolError{Stage: "request", Err: fmt.Errorf("unsupported version %d", hdr[0])}
	}

	req := &Request{Command: hdr[1], AddrType: hdr[3]}

	switch req.AddrType {
	case AddrIPv4:
		var ip [4]byte
		if err := readFull(r, ip[:], "request address"); err != nil {
			return nil, err
		}
		req.Host = net.IP(ip[:]).String()
	case AddrDomain:
		var n [1]byte
		if err := readFull(r, n[:], "request address"); err != nil {
			return nil, err
		}
		if n[0] == 0 {
			return nil, &ProtocolError{Stage: "request address", Err: errors.New("empty domain name")}
		}
		name := make([]byte, n[0])
		if err := readFull(r, name, "request address"); err != nil {
			return nil, err
		}
		req.Host = string(name)
	default:
		return nil, ErrUnsupportedAddressType
	}

	var port [2]byte
	if err := readFull(r, port[:], "request port"); err != nil {
		return nil, err
	}
	req.Port = int(binary.BigEndian.Uint16(port[:]))

	return req, nil
}

// WriteReply writes a reply with a zeroed IPv4 bound address.
func WriteReply(w io.Writer, code byte) error {
	_, err := w.Write([]byte{Version, code, 0x00, AddrIPv4, 0, 0, 0, 0, 0, 0})
	return err
}

// Handshake runs the greeting, the method selection and reads the request.
func Handshake(rw io.ReadWriter) (*Request, error) {
	if err := ReadGreeting(rw); err != nil {
		return nil, err
	}
	if err := WriteMethodSelection(rw); err != nil {
		return nil, fmt.Errorf("write method selection: %w", err)
	}
	return ReadRequest(rw)
}

func readFull(r io.Reader, buf []byte, stage string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return &ProtocolError{Stage: stage, Err: err}
	}
	return nil
}
