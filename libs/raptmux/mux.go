// Package raptmux multiplexes many logical streams over pooled rapt
// sessions, one session per remote host, so dialing a stream to a host you
// already talk to costs no new transport setup.
package raptmux

import (
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/xtaci/smux"
	"gopkg.in/tomb.v1"

	"github.com/rapt-net/rapt/libs/raptconn"
)

var connPool struct {
	locks  sync.Map // host => *sync.RWMutex
	smuxes sync.Map // host => *smux.Session
}

func getLock(host string) *sync.RWMutex {
	lok, _ := connPool.locks.LoadOrStore(host, new(sync.RWMutex))
	return lok.(*sync.RWMutex)
}

var smuxConf = &smux.Config{
	Version:           2,
	KeepAliveInterval: time.Minute * 1,
	KeepAliveTimeout:  time.Minute * 2,
	MaxFrameSize:      32768,
	MaxReceiveBuffer:  16 * 1024 * 1024,
	MaxStreamBuffer:   1024 * 1024,
}

// tune puts a session into the low-latency stream profile every mux user
// wants.
func tune(s *raptconn.UDPSession) {
	s.SetNoDelay(1, 10, 2, 1)
	s.SetStreamMode(true)
	s.SetWindowSize(1024, 1024)
}

// Dial opens a stream to host, reusing the pooled session if one exists.
func Dial(host string, conv uint32) (conn net.Conn, err error) {
	getLock(host).Lock()
	defer getLock(host).Unlock()
	if s, ok := connPool.smuxes.Load(host); ok {
		ssess := s.(*smux.Session)
		conn, err = ssess.OpenStream()
		if err == nil {
			return
		}
		connPool.smuxes.Delete(host)
	}

	rawConn, err := raptconn.Dial(host, conv)
	if err != nil {
		return nil, err
	}
	tune(rawConn)
	ssess, err := smux.Client(rawConn, smuxConf)
	if err != nil {
		rawConn.Close()
		return nil, err
	}
	connPool.smuxes.Store(host, ssess)
	return ssess.OpenStream()
}

// Listener accepts multiplexed streams from every remote session.
type Listener struct {
	death      tomb.Tomb
	incoming   chan net.Conn
	underlying *raptconn.Listener
}

// Listen serves streams on a UDP address.
func Listen(addr string, conv uint32) (net.Listener, error) {
	rListener, err := raptconn.Listen(addr, conv)
	if err != nil {
		return nil, err
	}
	toret := &Listener{incoming: make(chan net.Conn), underlying: rListener}
	go func() {
		defer toret.death.Kill(io.ErrClosedPipe)
		for {
			rawConn, err := rListener.AcceptRapt()
			if err != nil {
				break
			}
			tune(rawConn)
			go func() {
				defer rawConn.Close()
				srv, err := smux.Server(rawConn, smuxConf)
				if err != nil {
					log.Println("raptmux: smux create:", err)
					return
				}
				for {
					conn, err := srv.AcceptStream()
					if err != nil {
						return
					}
					select {
					case toret.incoming <- conn:
					case <-toret.death.Dying():
						srv.Close()
						return
					}
				}
			}()
		}
	}()
	return toret, nil
}

// Accept returns the next incoming stream, regardless of which session it
// arrived on.
func (l *Listener) Accept() (conn net.Conn, err error) {
	select {
	case conn = <-l.incoming:
	case <-l.death.Dying():
		err = l.death.Err()
	}
	return
}

// Addr is the address of the underlying listener.
func (l *Listener) Addr() net.Addr {
	return l.underlying.Addr()
}

// Close shuts the listener and its sessions down.
func (l *Listener) Close() error {
	l.death.Kill(io.ErrClosedPipe)
	return l.underlying.Close()
}
