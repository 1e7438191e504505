package raptconn

import (
	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

// uncork pushes everything the last engine pass produced onto the wire.
// Runs under the session lock; the queue holds pooled buffers only.
func (s *UDPSession) uncork() {
	if len(s.txqueue) == 0 {
		return
	}
	nbytes := 0
	npkts := 0
	for k := range s.txqueue {
		if n, err := s.conn.WriteTo(s.txqueue[k].Buffers[0], s.txqueue[k].Addr); err == nil {
			nbytes += n
			npkts++
			pool.Put(s.txqueue[k].Buffers[0])
			s.txqueue[k].Buffers = nil
		} else {
			s.notifyErr(errors.WithStack(err))
			break
		}
	}
	s.txqueue = s.txqueue[:0]
	atomicAdd(&DefaultSnmp.OutPkts, uint64(npkts))
	atomicAdd(&DefaultSnmp.OutBytes, uint64(nbytes))
}
