package goodmitm

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/josexy/goodmitm/buf"
)

var (
	ErrInvalidSocks5Version     = errors.New("invalid socks5 version")
	ErrInvalidSocks5MethodCount = errors.New("invalid socks5 method count")
	ErrNoAcceptableSocks5Method = errors.New("no acceptable socks5 auth method")
	ErrInvalidSocks5Address     = errors.New("invalid socks5 address")
	ErrUnsupportedSocks5Command = errors.New("unsupported socks5 command")
)

const (
	socks5Version = 0x05

	socks5MethodNoAuth       = 0x00
	socks5MethodNoAcceptable = 0xff

	socks5CmdConnect = 0x01

	socks5AddrIPv4   = 0x01
	socks5AddrDomain = 0x03
	socks5AddrIPv6   = 0x04

	socks5ReplySucceeded          = 0x00
	socks5ReplyGeneralFailure     = 0x01
	socks5ReplyHostUnreachable    = 0x04
	socks5ReplyCommandUnsupported = 0x07
)

// version, cmd/method count, reserved, atyp, 255 byte domain, port
var socksBufferPool = buf.NewBytes(4 + 1 + 255 + 2)

// readSocks5Request runs the no-auth greeting and reads a CONNECT request.
// The reply is left to the caller, which knows whether the target is
// reachable.
func readSocks5Request(rw io.ReadWriter) (string, error) {
	p := socksBufferPool.Get()
	defer socksBufferPool.Put(p)
	b := *p

	if _, err := io.ReadFull(rw, b[:2]); err != nil {
		return "", err
	}
	if b[0] != socks5Version {
		return "", ErrInvalidSocks5Version
	}
	nmethods := int(b[1])
	if nmethods == 0 {
		return "", ErrInvalidSocks5MethodCount
	}
	if _, err := io.ReadFull(rw, b[:nmethods]); err != nil {
		return "", err
	}
	noAuth := false
	for _, m := range b[:nmethods] {
		if m == socks5MethodNoAuth {
			noAuth = true
			break
		}
	}
	if !noAuth {
		rw.Write([]byte{socks5Version, socks5MethodNoAcceptable})
		return "", ErrNoAcceptableSocks5Method
	}
	if _, err := rw.Write([]byte{socks5Version, socks5MethodNoAuth}); err != nil {
		return "", err
	}

	if _, err := io.ReadFull(rw, b[:4]); err != nil {
		return "", err
	}
	if b[0] != socks5Version {
		return "", ErrInvalidSocks5Version
	}
	cmd, atyp := b[1], b[3]
	host, err := readSocks5Host(rw, b, atyp)
	if err != nil {
		return "", err
	}
	if _, err := io.ReadFull(rw, b[:2]); err != nil {
		return "", err
	}
	port := binary.BigEndian.Uint16(b[:2])
	if cmd != socks5CmdConnect {
		writeSocks5Reply(rw, socks5ReplyCommandUnsupported)
		return "", ErrUnsupportedSocks5Command
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port))), nil
}

func readSocks5Host(r io.Reader, b []byte, atyp byte) (string, error) {
	switch atyp {
	case socks5AddrIPv4:
		if _, err := io.ReadFull(r, b[:net.IPv4len]); err != nil {
			return "", err
		}
		return net.IP(b[:net.IPv4len]).String(), nil
	case socks5AddrIPv6:
		if _, err := io.ReadFull(r, b[:net.IPv6len]); err != nil {
			return "", err
		}
		return net.IP(b[:net.IPv6len]).String(), nil
	case socks5AddrDomain:
		if _, err := io.ReadFull(r, b[:1]); err != nil {
			return "", err
		}
		n := int(b[0])
		if n == 0 {
			return "", ErrInvalidSocks5Address
		}
		if _, err := io.ReadFull(r, b[:n]); err != nil {
			return "", err
		}
		return string(b[:n]), nil
	}
	return "", ErrInvalidSocks5Address
}

// writeSocks5Reply answers with an unspecified IPv4 bind address.
func writeSocks5Reply(w io.Writer, rep byte) error {
	_, err := w.Write([]byte{socks5Version, rep, 0, socks5AddrIPv4, 0, 0, 0, 0, 0, 0})
	return err
}
