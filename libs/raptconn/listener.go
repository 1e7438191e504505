package raptconn

import (
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"gopkg.in/tomb.v1"

	"github.com/rapt-net/rapt/libs/fastudp"
	"github.com/rapt-net/rapt/libs/rapt"
)

const acceptBacklog = 128

// Listener demultiplexes one packet socket among remote peers: the first
// datagram from a new address whose conversation ID matches spawns a
// session that lands in Accept. With FEC enabled the ID is not checked
// here, so any datagram from a new address spawns one.
type Listener struct {
	conn         net.PacketConn
	ownConn      bool
	conv         uint32
	dataShards   int
	parityShards int

	sessions    map[string]*UDPSession
	sessionLock sync.Mutex
	chAccepts   chan *UDPSession
	death       tomb.Tomb

	// recently closed peers; their stray datagrams must not resurrect a
	// session
	tombstones *cache.Cache
}

// Listen binds a UDP address and serves sessions for conv.
func Listen(laddr string, conv uint32) (*Listener, error) {
	return ListenWithOptions(laddr, conv, 0, 0)
}

// ListenWithOptions is Listen plus FEC parameters.
func ListenWithOptions(laddr string, conv uint32, dataShards, parityShards int) (*Listener, error) {
	udpaddr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conn, err := net.ListenUDP("udp", udpaddr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	l := serveConn(conv, dataShards, parityShards, fastudp.NewConn(conn), true)
	return l, nil
}

// ServeConn serves sessions on a caller-owned PacketConn.
func ServeConn(conv uint32, dataShards, parityShards int, conn net.PacketConn) (*Listener, error) {
	if conn == nil {
		return nil, errors.New("raptconn: nil PacketConn")
	}
	return serveConn(conv, dataShards, parityShards, conn, false), nil
}

func serveConn(conv uint32, dataShards, parityShards int, conn net.PacketConn, ownConn bool) *Listener {
	l := &Listener{
		conn:         conn,
		ownConn:      ownConn,
		conv:         conv,
		dataShards:   dataShards,
		parityShards: parityShards,
		sessions:     make(map[string]*UDPSession),
		chAccepts:    make(chan *UDPSession, acceptBacklog),
		tombstones:   cache.New(time.Minute, time.Minute*5),
	}
	go l.readLoop()
	return l
}

func (l *Listener) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, addr, err := l.conn.ReadFrom(buf)
		if err != nil {
			l.death.Kill(errors.WithStack(err))
			l.closeAllSessions(err)
			return
		}
		atomicAdd(&DefaultSnmp.InPkts, 1)
		atomicAdd(&DefaultSnmp.InBytes, uint64(n))
		l.dispatch(buf[:n], addr)
	}
}

func (l *Listener) dispatch(data []byte, addr net.Addr) {
	key := addr.String()
	if _, dead := l.tombstones.Get(key); dead {
		return
	}

	l.sessionLock.Lock()
	s := l.sessions[key]
	if s == nil {
		// without FEC the conversation ID sits in the first 4 bytes;
		// with FEC it is checked by the engine after decoding
		if l.dataShards == 0 {
			conv, ok := rapt.PeekConv(data)
			if !ok || conv != l.conv {
				l.sessionLock.Unlock()
				return
			}
		}
		s = newUDPSession(l.conv, l.dataShards, l.parityShards, l, l.conn, false, addr)
		l.sessions[key] = s
		l.sessionLock.Unlock()
		select {
		case l.chAccepts <- s:
		default:
			// accept queue jammed; drop the newborn
			s.Close()
			return
		}
	} else {
		l.sessionLock.Unlock()
	}
	s.packetInput(data)
}

// closeSession is called by a listener-owned session on Close.
func (l *Listener) closeSession(remote net.Addr) {
	key := remote.String()
	l.sessionLock.Lock()
	delete(l.sessions, key)
	l.sessionLock.Unlock()
	l.tombstones.SetDefault(key, true)
}

func (l *Listener) closeAllSessions(err error) {
	l.sessionLock.Lock()
	sessions := make([]*UDPSession, 0, len(l.sessions))
	for _, s := range l.sessions {
		sessions = append(sessions, s)
	}
	l.sessionLock.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

// AcceptRapt waits for the next incoming session.
func (l *Listener) AcceptRapt() (*UDPSession, error) {
	select {
	case s := <-l.chAccepts:
		return s, nil
	case <-l.death.Dying():
		return nil, l.death.Err()
	}
}

// Accept satisfies net.Listener.
func (l *Listener) Accept() (net.Conn, error) {
	return l.AcceptRapt()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close stops accepting and closes every live session.
func (l *Listener) Close() error {
	l.death.Kill(errClosed)
	l.closeAllSessions(errClosed)
	if l.ownConn {
		return l.conn.Close()
	}
	return nil
}
