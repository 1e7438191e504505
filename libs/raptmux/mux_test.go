package raptmux

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMuxedStreams(t *testing.T) {
	l, err := Listen("127.0.0.1:0", 0xcafe)
	assert.Nil(t, err)
	defer l.Close()

	go func() {
		for {
			stream, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if _, err := c.Write(buf[:n]); err != nil {
						return
					}
				}
			}(stream)
		}
	}()

	// several streams over what must be a single pooled session
	for i := 0; i < 3; i++ {
		stream, err := Dial(l.Addr().String(), 0xcafe)
		assert.Nil(t, err)
		msg := fmt.Sprintf("stream %d says hi", i)
		_, err = stream.Write([]byte(msg))
		assert.Nil(t, err)

		stream.SetReadDeadline(time.Now().Add(5 * time.Second))
		buf := make([]byte, 256)
		n, err := stream.Read(buf)
		assert.Nil(t, err)
		assert.Equal(t, msg, string(buf[:n]))
		stream.Close()
	}
}
