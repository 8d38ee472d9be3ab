// Package decoder undoes HTTP content codings on message bodies.
package decoder

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	headerContentEncoding = "Content-Encoding"
	headerContentLength   = "Content-Length"
)

// ErrDecode is matched by every decoding failure, keeping them apart from
// network errors.
var ErrDecode = errors.New("decode error")

type DecodeError struct {
	Encoding string
	Err      error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decode %q: unsupported content encoding", e.Encoding)
	}
	return fmt.Sprintf("decode %q: %v", e.Encoding, e.Err)
}

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

func (e *DecodeError) Unwrap() error { return e.Err }

// Encodings returns the content codings listed in h, in the order they were
// applied by the sender.
func Encodings(h http.Header) []string {
	var encodings []string
	for _, value := range h.Values(headerContentEncoding) {
		for _, enc := range strings.Split(value, ",") {
			if enc = strings.ToLower(strings.TrimSpace(enc)); enc != "" {
				encodings = append(encodings, enc)
			}
		}
	}
	return encodings
}

// NewReader stacks decoders over r, undoing encodings from last to first.
func NewReader(r io.Reader, encodings []string) (io.ReadCloser, error) {
	closers := make([]io.Closer, 0, len(encodings))
	for i := len(encodings) - 1; i >= 0; i-- {
		next, closer, err := wrap(r, encodings[i])
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		r = next
	}
	return &decodedReader{Reader: r, closers: closers}, nil
}

func wrap(r io.Reader, encoding string) (io.Reader, io.Closer, error) {
	switch encoding {
	case "identity":
		return r, nil, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, &DecodeError{Encoding: encoding, Err: err}
		}
		return zr, zr, nil
	case "deflate":
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, nil, &DecodeError{Encoding: encoding, Err: err}
		}
		return zr, zr, nil
	case "br":
		return brotli.NewReader(r), nil, nil
	case "zstd":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, &DecodeError{Encoding: encoding, Err: err}
		}
		return zr, closerFunc(func() error { zr.Close(); return nil }), nil
	default:
		return nil, nil, &DecodeError{Encoding: encoding}
	}
}

// DecodeResponse replaces res.Body with its decoded form and drops the
// Content-Encoding and Content-Length headers. An empty body is left as is.
func DecodeResponse(res *http.Response) error {
	encodings := Encodings(res.Header)
	res.Header.Del(headerContentEncoding)

	if cl := res.Header.Get(headerContentLength); cl != "" {
		res.Header.Del(headerContentLength)
		if cl == "0" {
			return nil
		}
	}
	if len(encodings) == 0 || res.Body == nil || res.Body == http.NoBody {
		return nil
	}

	decoded, err := NewReader(res.Body, encodings)
	if err != nil {
		return err
	}
	res.Body = &bodyReader{decoded: decoded, orig: res.Body}
	res.ContentLength = -1
	res.Uncompressed = true
	return nil
}

// DecodeRequest is the request counterpart of DecodeResponse.
func DecodeRequest(req *http.Request) error {
	encodings := Encodings(req.Header)
	req.Header.Del(headerContentEncoding)
	if len(encodings) == 0 || req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	decoded, err := NewReader(req.Body, encodings)
	if err != nil {
		return err
	}
	req.Header.Del(headerContentLength)
	req.Body = &bodyReader{decoded: decoded, orig: req.Body}
	req.ContentLength = -1
	return nil
}

type decodedReader struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedReader) Read(p []byte) (int, error) {
	n, err := d.Reader.Read(p)
	if err != nil && err != io.EOF {
		var netErr net.Error
		if !errors.As(err, &netErr) {
			err = &DecodeError{Encoding: "stream", Err: err}
		}
	}
	return n, err
}

func (d *decodedReader) Close() error {
	closeAll(d.closers)
	return nil
}

type bodyReader struct {
	decoded io.ReadCloser
	orig    io.Closer
}

func (b *bodyReader) Read(p []byte) (int, error) { return b.decoded.Read(p) }

func (b *bodyReader) Close() error {
	b.decoded.Close()
	return b.orig.Close()
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].Close()
	}
}
