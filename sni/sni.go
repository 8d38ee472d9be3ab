// Package sni extracts the server name from a TLS ClientHello without
// losing the bytes it had to read.
package sni

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
)

const (
	recordTypeHandshake    = 22
	handshakeTypeHello     = 1
	extensionServerName    = 0
	serverNameTypeHostName = 0
	recordHeaderLen        = 5
	maxRecordLen           = 1<<14 + 2048
)

var (
	ErrNotHandshake   = errors.New("sni: not a tls handshake record")
	ErrNotClientHello = errors.New("sni: not a client hello")
	ErrMalformed      = errors.New("sni: malformed client hello")
	ErrNoServerName   = errors.New("sni: no server name extension")
)

// ReadServerName reads the first ClientHello from r and returns the host
// name it announces together with every byte consumed from r. A hello split
// across several handshake records is reassembled.
func ReadServerName(r io.Reader) (host string, consumed []byte, err error) {
	rec := &recorder{r: r}
	hello, err := readHandshake(rec)
	if err != nil {
		return "", rec.buf.Bytes(), err
	}
	host, err = parseClientHello(hello)
	return host, rec.buf.Bytes(), err
}

type recorder struct {
	r   io.Reader
	buf bytes.Buffer
}

func (r *recorder) readFull(n int) ([]byte, error) {
	start := r.buf.Len()
	if _, err := io.CopyN(&r.buf, r.r, int64(n)); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return r.buf.Bytes()[start:], nil
}

// readHandshake returns the ClientHello body, i.e. the handshake message
// without its 4-byte header.
func readHandshake(rec *recorder) ([]byte, error) {
	var msg []byte
	need := -1
	for need < 0 || len(msg) < need {
		hdr, err := rec.readFull(recordHeaderLen)
		if err != nil {
			return nil, err
		}
		if hdr[0] != recordTypeHandshake {
			return nil, ErrNotHandshake
		}
		n := int(binary.BigEndian.Uint16(hdr[3:5]))
		if n == 0 || n > maxRecordLen {
			return nil, ErrMalformed
		}
		payload, err := rec.readFull(n)
		if err != nil {
			return nil, err
		}
		msg = append(msg, payload...)
		if need < 0 && len(msg) >= 4 {
			if msg[0] != handshakeTypeHello {
				return nil, ErrNotClientHello
			}
			need = 4 + (int(msg[1])<<16 | int(msg[2])<<8 | int(msg[3]))
		}
	}
	return msg[4:need], nil
}

func parseClientHello(b []byte) (string, error) {
	s := cursor(b)
	// legacy_version(2) + random(32)
	if !s.skip(34) {
		return "", ErrMalformed
	}
	if !s.skipVector(1) || !s.skipVector(2) || !s.skipVector(1) {
		return "", ErrMalformed
	}
	if len(s) == 0 {
		return "", ErrNoServerName
	}
	exts, ok := s.vector(2)
	if !ok {
		return "", ErrMalformed
	}
	for len(exts) > 0 {
		typ, ok := exts.uint16()
		if !ok {
			return "", ErrMalformed
		}
		data, ok := exts.vector(2)
		if !ok {
			return "", ErrMalformed
		}
		if typ != extensionServerName {
			continue
		}
		list, ok := data.vector(2)
		if !ok {
			return "", ErrMalformed
		}
		for len(list) > 0 {
			nameType, ok := list.uint8()
			if !ok {
				return "", ErrMalformed
			}
			name, ok := list.vector(2)
			if !ok {
				return "", ErrMalformed
			}
			if nameType == serverNameTypeHostName && len(name) > 0 {
				return string(name), nil
			}
		}
	}
	return "", ErrNoServerName
}

type cursor []byte

func (s *cursor) skip(n int) bool {
	if len(*s) < n {
		return false
	}
	*s = (*s)[n:]
	return true
}

func (s *cursor) uint8() (uint8, bool) {
	if len(*s) < 1 {
		return 0, false
	}
	v := (*s)[0]
	*s = (*s)[1:]
	return v, true
}

func (s *cursor) uint16() (uint16, bool) {
	if len(*s) < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(*s)
	*s = (*s)[2:]
	return v, true
}

func (s *cursor) vector(lenBytes int) (cursor, bool) {
	var n int
	switch lenBytes {
	case 1:
		v, ok := s.uint8()
		if !ok {
			return nil, false
		}
		n = int(v)
	case 2:
		v, ok := s.uint16()
		if !ok {
			return nil, false
		}
		n = int(v)
	}
	if len(*s) < n {
		return nil, false
	}
	v := (*s)[:n]
	*s = (*s)[n:]
	return v, true
}

func (s *cursor) skipVector(lenBytes int) bool {
	_, ok := s.vector(lenBytes)
	return ok
}

// Conn replays a prefix before reading from the wrapped connection.
type Conn struct {
	net.Conn
	prefix []byte
}

func NewConn(conn net.Conn, prefix []byte) *Conn {
	return &Conn{Conn: conn, prefix: prefix}
}

func (c *Conn) Read(p []byte) (int, error) {
	if len(c.prefix) > 0 {
		n := copy(p, c.prefix)
		c.prefix = c.prefix[n:]
		return n, nil
	}
	return c.Conn.Read(p)
}
