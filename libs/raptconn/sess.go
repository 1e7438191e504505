// Package raptconn runs rapt engines over UDP-like packet connections: it
// supplies the clock, the flush scheduling, peer demultiplexing, optional
// Reed-Solomon forward error correction, and a net.Conn face, so callers
// can treat a lossy datagram path as an ordinary ordered connection.
package raptconn

import (
	"log"
	"net"
	"os"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"gopkg.in/tomb.v1"

	"github.com/rapt-net/rapt/libs/fastudp"
	"github.com/rapt-net/rapt/libs/rapt"
)

var doLogging = false

func init() {
	doLogging = os.Getenv("RAPTLOG") != ""
}

// monotonic reference point for the engine's millisecond clock
var refTime = time.Now()

func currentMs() uint32 { return uint32(time.Since(refTime) / time.Millisecond) }

const (
	defaultMtu = 1400
	// Write blocks once the send backlog reaches this multiple of the send
	// window
	writeBacklogFactor = 2
)

var errTimeout = errors.New("raptconn: i/o timeout")
var errClosed = errors.New("raptconn: session closed")

// UDPSession is one rapt conversation bound to a remote address. It
// implements net.Conn; Read and Write block on a condition variable until
// the engine has data or window to give.
type UDPSession struct {
	eng     *rapt.Rapt
	conn    net.PacketConn
	ownConn bool
	remote  net.Addr
	l       *Listener // nil on the dialing side

	cvar     *sync.Cond
	death    tomb.Tomb
	deatherr error

	// staging for partially consumed inbound messages; grown whenever a
	// pending message outsizes it
	recvbuf []byte
	bufptr  []byte

	ackNoDelay bool

	txqueue []ipv4.Message

	fecEnc *fecEncoder
	fecDec *fecDecoder

	rdDeadline time.Time
	wrDeadline time.Time

	updaterIdx int
}

// NewConn2 establishes a session to raddr over an existing PacketConn.
// dataShards/parityShards enable FEC when both are positive; 0,0 disables
// it. The caller keeps ownership of pconn.
func NewConn2(raddr net.Addr, conv uint32, dataShards, parityShards int, pconn net.PacketConn) (*UDPSession, error) {
	if pconn == nil {
		return nil, errors.New("raptconn: nil PacketConn")
	}
	s := newUDPSession(conv, dataShards, parityShards, nil, pconn, false, raddr)
	go s.readLoop()
	return s, nil
}

// Dial opens a UDP socket and a session to raddr.
func Dial(raddr string, conv uint32) (*UDPSession, error) {
	return DialWithOptions(raddr, conv, 0, 0)
}

// DialWithOptions is Dial plus FEC parameters.
func DialWithOptions(raddr string, conv uint32, dataShards, parityShards int) (*UDPSession, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	s := newUDPSession(conv, dataShards, parityShards, nil, fastudp.NewConn(conn), true, udpaddr)
	go s.readLoop()
	return s, nil
}

func newUDPSession(conv uint32, dataShards, parityShards int, l *Listener, conn net.PacketConn, ownConn bool, remote net.Addr) *UDPSession {
	s := &UDPSession{
		conn:       conn,
		ownConn:    ownConn,
		l:          l,
		remote:     remote,
		recvbuf:    make([]byte, 65536),
		updaterIdx: -1,
	}
	s.cvar = sync.NewCond(new(sync.Mutex))

	if dataShards > 0 && parityShards > 0 {
		s.fecEnc = newFECEncoder(dataShards, parityShards)
		s.fecDec = newFECDecoder(dataShards, parityShards)
	}

	s.eng = rapt.New(conv, func(buf []byte) {
		if len(buf) < rapt.Overhead {
			return
		}
		s.outputTo(buf)
	})
	if s.fecEnc != nil {
		// leave room for the FEC header and the shard size prefix
		s.eng.SetMtu(defaultMtu - fecHeaderSizePlus2)
	}

	go func() {
		<-s.death.Dying()
		s.cvar.L.Lock()
		if s.deatherr == nil {
			s.deatherr = s.death.Err()
		}
		s.cvar.Broadcast()
		s.cvar.L.Unlock()
	}()
	defaultUpdater.addSession(s)
	return s
}

// outputTo runs under the session lock (the engine calls it from flush).
// Datagrams are cloned into pooled buffers and batched; tx happens on
// uncork, outside the engine.
func (s *UDPSession) outputTo(buf []byte) {
	if s.fecEnc == nil {
		bts := pool.Get(len(buf))
		copy(bts, buf)
		s.txqueue = append(s.txqueue, ipv4.Message{Buffers: [][]byte{bts}, Addr: s.remote})
		return
	}
	shards := s.fecEnc.encode(buf)
	for _, shard := range shards {
		s.txqueue = append(s.txqueue, ipv4.Message{Buffers: [][]byte{shard}, Addr: s.remote})
	}
}

// Read reads as much of the next message as fits, staging any remainder.
func (s *UDPSession) Read(b []byte) (n int, err error) {
	s.cvar.L.Lock()
	defer s.cvar.L.Unlock()
	for {
		if len(s.bufptr) > 0 {
			n = copy(b, s.bufptr)
			s.bufptr = s.bufptr[n:]
			return n, nil
		}
		if size := s.eng.PeekSize(); size > 0 {
			if size <= len(b) {
				n, err := s.eng.Recv(b)
				return n, err
			}
			if size > len(s.recvbuf) {
				s.recvbuf = make([]byte, size)
			}
			if n, err = s.eng.Recv(s.recvbuf); err != nil {
				return 0, err
			}
			s.bufptr = s.recvbuf[:n]
			n = copy(b, s.bufptr)
			s.bufptr = s.bufptr[n:]
			return n, nil
		}
		if s.deatherr != nil {
			return 0, s.deatherr
		}
		if !s.rdDeadline.IsZero() && time.Now().After(s.rdDeadline) {
			return 0, errTimeout
		}
		s.waitEvent(s.rdDeadline)
	}
}

// Write queues b on the engine, blocking while the send backlog is at least
// twice the send window.
func (s *UDPSession) Write(b []byte) (n int, err error) {
	s.cvar.L.Lock()
	defer s.cvar.L.Unlock()

	maxUnit := s.eng.Mss() * 127
	for len(b) > 0 {
		for s.eng.WaitSnd() >= s.eng.SndWnd()*writeBacklogFactor {
			if s.deatherr != nil {
				return n, s.deatherr
			}
			if !s.wrDeadline.IsZero() && time.Now().After(s.wrDeadline) {
				return n, errTimeout
			}
			s.waitEvent(s.wrDeadline)
		}
		if s.deatherr != nil {
			return n, s.deatherr
		}
		unit := b
		if len(unit) > maxUnit {
			unit = unit[:maxUnit]
		}
		if err := s.eng.Send(unit); err != nil {
			return n, err
		}
		n += len(unit)
		b = b[len(unit):]
	}
	s.eng.Flush()
	s.uncork()
	defaultUpdater.wakeup()
	return n, nil
}

// waitEvent sleeps on the condition variable, waking at the deadline if one
// is set.
func (s *UDPSession) waitEvent(deadline time.Time) {
	var timer *time.Timer
	if !deadline.IsZero() {
		timer = time.AfterFunc(time.Until(deadline), func() {
			s.cvar.L.Lock()
			s.cvar.Broadcast()
			s.cvar.L.Unlock()
		})
	}
	s.cvar.Wait()
	if timer != nil {
		timer.Stop()
	}
}

// packetInput feeds one raw datagram into the engine, running FEC recovery
// first when enabled.
func (s *UDPSession) packetInput(data []byte) {
	s.cvar.L.Lock()
	defer s.cvar.L.Unlock()
	if s.deatherr != nil {
		return
	}
	if s.fecDec == nil {
		if ret := s.eng.Input(data); ret != 0 && doLogging {
			log.Println("raptconn: engine rejected datagram:", ret)
		}
	} else {
		for _, dgram := range s.fecDec.decode(data) {
			if ret := s.eng.Input(dgram); ret != 0 && doLogging {
				log.Println("raptconn: engine rejected datagram:", ret)
			}
		}
	}
	if s.eng.DeadLink() {
		s.notifyErr(errors.New("raptconn: dead link"))
	}
	if s.ackNoDelay {
		s.eng.FlushAcks()
	}
	s.uncork()
	s.cvar.Broadcast()
}

// update is driven by the shared updater goroutine. It returns how long to
// wait before the next call, or 0 to deregister the session.
func (s *UDPSession) update() time.Duration {
	s.cvar.L.Lock()
	defer s.cvar.L.Unlock()
	if s.deatherr != nil {
		return 0
	}
	now := currentMs()
	s.eng.Update(now)
	s.uncork()
	if s.eng.DeadLink() {
		s.notifyErr(errors.New("raptconn: dead link"))
		return 0
	}
	s.cvar.Broadcast()
	next := s.eng.Check(now)
	wait := time.Duration(next-now) * time.Millisecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait
}

// notifyErr must run under the session lock.
func (s *UDPSession) notifyErr(err error) {
	if s.deatherr == nil {
		s.deatherr = err
	}
	s.death.Kill(err)
	s.cvar.Broadcast()
}

// readLoop pumps the socket on the dialing side; listener-owned sessions
// are fed by the listener instead.
func (s *UDPSession) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			s.cvar.L.Lock()
			s.notifyErr(errors.WithStack(err))
			s.cvar.L.Unlock()
			return
		}
		if addr.String() != s.remote.String() {
			continue
		}
		if conv, ok := rapt.PeekConv(buf[:n]); !ok || (s.fecDec == nil && conv != s.eng.Conv()) {
			continue
		}
		atomicAdd(&DefaultSnmp.InPkts, 1)
		atomicAdd(&DefaultSnmp.InBytes, uint64(n))
		s.packetInput(buf[:n])
	}
}

// Close tears the session down and releases engine buffers. Closing twice
// is an error.
func (s *UDPSession) Close() error {
	s.cvar.L.Lock()
	if s.deatherr != nil {
		err := s.deatherr
		s.cvar.L.Unlock()
		return err
	}
	s.notifyErr(errClosed)
	s.eng.Release()
	s.cvar.L.Unlock()

	defaultUpdater.removeSession(s)
	if s.l != nil {
		s.l.closeSession(s.remote)
	}
	if s.ownConn {
		return s.conn.Close()
	}
	return nil
}

// LocalAddr returns the address of the underlying socket.
func (s *UDPSession) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// RemoteAddr returns the peer's address.
func (s *UDPSession) RemoteAddr() net.Addr { return s.remote }

// SetDeadline sets both read and write deadlines.
func (s *UDPSession) SetDeadline(t time.Time) error {
	s.cvar.L.Lock()
	s.rdDeadline = t
	s.wrDeadline = t
	s.cvar.Broadcast()
	s.cvar.L.Unlock()
	return nil
}

// SetReadDeadline sets the read deadline.
func (s *UDPSession) SetReadDeadline(t time.Time) error {
	s.cvar.L.Lock()
	s.rdDeadline = t
	s.cvar.Broadcast()
	s.cvar.L.Unlock()
	return nil
}

// SetWriteDeadline sets the write deadline.
func (s *UDPSession) SetWriteDeadline(t time.Time) error {
	s.cvar.L.Lock()
	s.wrDeadline = t
	s.cvar.Broadcast()
	s.cvar.L.Unlock()
	return nil
}

// SetMtu adjusts the datagram budget. Call it before any data flows.
func (s *UDPSession) SetMtu(mtu int) error {
	s.cvar.L.Lock()
	defer s.cvar.L.Unlock()
	if s.fecEnc != nil {
		mtu -= fecHeaderSizePlus2
	}
	return s.eng.SetMtu(mtu)
}

// SetWindowSize sets send and receive windows in segments.
func (s *UDPSession) SetWindowSize(sndwnd, rcvwnd int) {
	s.cvar.L.Lock()
	s.eng.WndSize(sndwnd, rcvwnd)
	s.cvar.L.Unlock()
}

// SetNoDelay passes the latency profile through to the engine.
func (s *UDPSession) SetNoDelay(nodelay, interval, resend, nc int) {
	s.cvar.L.Lock()
	s.eng.NoDelay(nodelay, interval, resend, nc)
	s.cvar.L.Unlock()
	defaultUpdater.wakeup()
}

// SetStreamMode toggles write coalescing.
func (s *UDPSession) SetStreamMode(stream bool) {
	s.cvar.L.Lock()
	s.eng.SetStreamMode(stream)
	s.cvar.L.Unlock()
}

// SetACKNoDelay makes acknowledgements leave right after the datagram that
// earned them instead of riding the next scheduled flush. Cheaper RTTs,
// more packets.
func (s *UDPSession) SetACKNoDelay(nodelay bool) {
	s.cvar.L.Lock()
	s.ackNoDelay = nodelay
	s.cvar.L.Unlock()
}

// Conv returns the session's conversation ID.
func (s *UDPSession) Conv() uint32 { return s.eng.Conv() }

// WaitSnd is the current send backlog in segments.
func (s *UDPSession) WaitSnd() int {
	s.cvar.L.Lock()
	defer s.cvar.L.Unlock()
	return s.eng.WaitSnd()
}
