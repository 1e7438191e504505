package rapt

import (
	"encoding/binary"

	pool "github.com/libp2p/go-buffer-pool"
)

// Protocol commands. These go on the wire and must match on both peers.
const (
	cmdPush = 81 // data segment
	cmdAck  = 82 // acknowledgement
	cmdWask = 83 // window probe request
	cmdWins = 84 // window size advertisement
)

const (
	probeAskSend = 1 // a WASK must go out on next flush
	probeAskTell = 2 // a WINS must go out on next flush
)

// Wire overhead of one segment header, in bytes.
const Overhead = 24

// segment is the unit of transmission. The first eight fields are on the
// wire; the rest is retransmission bookkeeping local to the sender.
type segment struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	data []byte

	resendTS uint32
	rto      uint32
	fastack  uint32
	xmit     uint32
}

// encode writes the 24-byte header into ptr and returns the remainder.
// The payload is appended separately by the flush loop.
func (seg *segment) encode(ptr []byte) []byte {
	ptr = encode32u(ptr, seg.conv)
	ptr = encode8u(ptr, seg.cmd)
	ptr = encode8u(ptr, seg.frg)
	ptr = encode16u(ptr, seg.wnd)
	ptr = encode32u(ptr, seg.ts)
	ptr = encode32u(ptr, seg.sn)
	ptr = encode32u(ptr, seg.una)
	ptr = encode32u(ptr, uint32(len(seg.data)))
	return ptr
}

func encode8u(p []byte, c byte) []byte {
	p[0] = c
	return p[1:]
}

func decode8u(p []byte, c *byte) []byte {
	*c = p[0]
	return p[1:]
}

func encode16u(p []byte, w uint16) []byte {
	binary.LittleEndian.PutUint16(p, w)
	return p[2:]
}

func decode16u(p []byte, w *uint16) []byte {
	*w = binary.LittleEndian.Uint16(p)
	return p[2:]
}

func encode32u(p []byte, l uint32) []byte {
	binary.LittleEndian.PutUint32(p, l)
	return p[4:]
}

func decode32u(p []byte, l *uint32) []byte {
	*l = binary.LittleEndian.Uint32(p)
	return p[4:]
}

// PeekConv extracts the conversation ID from the first four bytes of a raw
// datagram, so an embedder can route it to the right instance before any
// parsing happens. ok is false if the buffer is too short.
func PeekConv(raw []byte) (conv uint32, ok bool) {
	if len(raw) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(raw), true
}

// newSegData grabs a pooled payload buffer of the given size.
func newSegData(size int) []byte {
	if size == 0 {
		return nil
	}
	return pool.Get(size)
}

// freeSegData recycles a payload buffer. Safe on nil.
func freeSegData(seg *segment) {
	if seg.data != nil {
		pool.Put(seg.data)
		seg.data = nil
	}
}

func min32(a, b uint32) uint32 {
	if a <= b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a >= b {
		return a
	}
	return b
}

func bound32(lower, middle, upper uint32) uint32 {
	return min32(max32(lower, middle), upper)
}

// timediff orders 32-bit sequence numbers and timestamps across wrap-around.
// Never compare sn or ts values with unsigned less-than.
func timediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}
