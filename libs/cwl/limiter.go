// Package cwl provides io.Copy with a token-bucket ceiling, for serving
// loops that must not saturate the link they are measuring.
package cwl

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// CopyWithLimit is io.Copy subject to limiter (nil for unlimited); callback,
// when non-nil, observes every chunk size before it is written out.
func CopyWithLimit(dst io.Writer, src io.Reader, limiter *rate.Limiter, callback func(int)) (n int, err error) {
	buf := make([]byte, 32*1024)
	for {
		nr, er := src.Read(buf)
		if nr > 0 {
			if callback != nil {
				callback(nr)
			}
			if limiter != nil {
				limiter.WaitN(context.Background(), nr)
			}
			nw, ew := dst.Write(buf[0:nr])
			if nw > 0 {
				n += nw
			}
			if ew != nil {
				err = ew
				break
			}
			if nr != nw {
				err = io.ErrShortWrite
				break
			}
		}
		if er != nil {
			if er != io.EOF {
				err = er
			}
			break
		}
	}
	return
}
