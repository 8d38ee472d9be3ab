// Package iocopy splices byte streams with pooled buffers.
package iocopy

import (
	"errors"
	"io"
	"net"

	"github.com/josexy/goodmitm/buf"
)

const bufferSize = 16 * 1024

var pool = buf.NewBytes(bufferSize)

// IoCopyBidirectional copies in both directions until either side fails or
// reaches EOF, then closes both. A clean EOF or a closed connection is not an
// error.
func IoCopyBidirectional(dst, src io.ReadWriteCloser) error {
	defer dst.Close()
	defer src.Close()
	errCh := make(chan error, 2)
	go func() { errCh <- IoCopy(dst, src) }()
	go func() { errCh <- IoCopy(src, dst) }()
	err := <-errCh
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func IoCopy(dst io.Writer, src io.Reader) error {
	var b []byte
	_, wt := src.(io.WriterTo)
	_, rf := dst.(io.ReaderFrom)
	if !wt && !rf {
		p := pool.Get()
		defer pool.Put(p)
		b = *p
	}
	_, err := io.CopyBuffer(dst, src, b)
	return err
}
