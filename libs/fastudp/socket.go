// Package fastudp wraps a UDP socket with sendmmsg/recvmmsg-style batching
// so a chatty ARQ flow does not pay one syscall per datagram.
package fastudp

import (
	"io"
	"log"
	"net"
	"runtime"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v1"
)

const sendQuantum = 16

// Conn batches reads and writes on an underlying UDPConn.
type Conn struct {
	sock  *net.UDPConn
	pconn *ipv4.PacketConn
	death *tomb.Tomb

	writeBuf chan ipv4.Message
	readBuf  []ipv4.Message
	readPtr  int
}

var warnLimiter = rate.NewLimiter(1, 10)

// NewConn wraps conn with batching. Batch syscalls only exist on Linux;
// elsewhere the socket is returned as-is after its buffers are enlarged.
func NewConn(conn *net.UDPConn) net.PacketConn {
	if err := conn.SetWriteBuffer(262144); err != nil {
		panic(err)
	}
	if err := conn.SetReadBuffer(262144); err != nil {
		panic(err)
	}
	if runtime.GOOS != "linux" {
		return conn
	}
	c := &Conn{
		sock:     conn,
		pconn:    ipv4.NewPacketConn(conn),
		writeBuf: make(chan ipv4.Message, sendQuantum*2),
		death:    new(tomb.Tomb),
		readPtr:  -1,
	}
	for i := 0; i < sendQuantum; i++ {
		c.readBuf = append(c.readBuf, ipv4.Message{
			Buffers: [][]byte{malloc(2048)},
		})
	}
	go c.bkgWrite()
	return c
}

func (conn *Conn) bkgWrite() {
	defer conn.pconn.Close()
	defer conn.sock.Close()
	var towrite []ipv4.Message
	for {
		select {
		case first := <-conn.writeBuf:
			towrite = append(towrite, first)
			for len(towrite) < sendQuantum {
				select {
				case next := <-conn.writeBuf:
					towrite = append(towrite, next)
				default:
					goto out
				}
			}
		out:
			ptr := towrite
			for len(ptr) > 0 {
				n, err := conn.pconn.WriteBatch(ptr, 0)
				if err != nil {
					if warnLimiter.Allow() {
						log.Println("fastudp: write batch:", err)
					}
					conn.death.Kill(err)
					return
				}
				for i := 0; i < n; i++ {
					free(ptr[i].Buffers[0])
					ptr[i].Buffers = nil
				}
				ptr = ptr[n:]
			}
			towrite = towrite[:0]
		case <-conn.death.Dying():
			return
		}
	}
}

// ReadFrom reads one packet, refilling the batch buffer when drained.
func (conn *Conn) ReadFrom(p []byte) (n int, addr net.Addr, err error) {
	if conn.readPtr >= len(conn.readBuf) {
		conn.readPtr = -1
	}
	for conn.readPtr < 0 {
		conn.readBuf = conn.readBuf[:sendQuantum]
		fillCnt, e := conn.pconn.ReadBatch(conn.readBuf, 0)
		if e != nil {
			conn.death.Kill(e)
			err = e
			return
		}
		if fillCnt > 0 {
			conn.readBuf = conn.readBuf[:fillCnt]
			conn.readPtr = 0
		}
	}
	msg := conn.readBuf[conn.readPtr]
	conn.readPtr++
	copy(p, msg.Buffers[0][:msg.N])
	n = msg.N
	addr = msg.Addr
	return
}

// WriteTo queues one packet for batched sending, blocking while the send
// queue is full.
func (conn *Conn) WriteTo(p []byte, addr net.Addr) (n int, err error) {
	pCopy := malloc(len(p))
	copy(pCopy, p)
	msg := ipv4.Message{
		Buffers: [][]byte{pCopy},
		Addr:    addr,
	}
	select {
	case conn.writeBuf <- msg:
	case <-conn.death.Dying():
		free(pCopy)
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// Close closes the underlying socket.
func (conn *Conn) Close() error {
	err := conn.sock.Close()
	conn.death.Kill(io.ErrClosedPipe)
	return err
}

// SetDeadline sets a deadline on the underlying socket.
func (conn *Conn) SetDeadline(t time.Time) error {
	return conn.sock.SetDeadline(t)
}

// SetReadDeadline sets a read deadline.
func (conn *Conn) SetReadDeadline(t time.Time) error {
	return conn.sock.SetReadDeadline(t)
}

// SetWriteDeadline sets a write deadline.
func (conn *Conn) SetWriteDeadline(t time.Time) error {
	return conn.sock.SetWriteDeadline(t)
}

// LocalAddr returns the local address.
func (conn *Conn) LocalAddr() net.Addr {
	return conn.sock.LocalAddr()
}
