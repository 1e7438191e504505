package raptconn

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFECRoundTrip(t *testing.T) {
	enc := newFECEncoder(3, 2)
	dec := newFECDecoder(3, 2)
	assert.NotNil(t, enc)
	assert.NotNil(t, dec)

	var sent, got [][]byte
	for i := 0; i < 6; i++ {
		d := []byte(fmt.Sprintf("datagram number %d", i))
		sent = append(sent, d)
		for _, pkt := range enc.encode(d) {
			for _, out := range dec.decode(pkt) {
				cp := make([]byte, len(out))
				copy(cp, out)
				got = append(got, cp)
			}
		}
	}
	assert.Equal(t, sent, got)
}

func TestFECRecoversLoss(t *testing.T) {
	enc := newFECEncoder(3, 1)
	dec := newFECDecoder(3, 1)

	var wire [][]byte
	var sent [][]byte
	for i := 0; i < 3; i++ {
		d := []byte(fmt.Sprintf("payload-%d-%s", i, "x"))
		sent = append(sent, d)
		wire = append(wire, enc.encode(d)...)
	}
	// 3 data + 1 parity; drop the second data shard
	assert.Equal(t, 4, len(wire))
	var got [][]byte
	for i, pkt := range wire {
		if i == 1 {
			continue
		}
		for _, out := range dec.decode(pkt) {
			cp := make([]byte, len(out))
			copy(cp, out)
			got = append(got, cp)
		}
	}
	assert.Equal(t, 3, len(got))
	// delivery order: shard 0 and 2 direct, shard 1 reconstructed last
	assert.Equal(t, sent[0], got[0])
	assert.Equal(t, sent[2], got[1])
	assert.Equal(t, sent[1], got[2])
}

func TestFECGroupExpiry(t *testing.T) {
	dec := newFECDecoder(2, 1)
	enc := newFECEncoder(2, 1)

	// leave group 0 forever incomplete: deliver its first shard only and
	// lose the rest of the group on the floor
	first := enc.encode([]byte("lonely"))
	dec.decode(first[0])
	assert.Equal(t, 1, len(dec.groups))

	var later [][]byte
	for i := 0; i < (fecExpire+2)*2; i++ {
		later = append(later, enc.encode([]byte("filler"))...)
	}
	for _, pkt := range later[2:] {
		dec.decode(pkt)
	}
	_, stale := dec.groups[0]
	assert.False(t, stale)
}

func TestFECOverUDP(t *testing.T) {
	l, err := ListenWithOptions("127.0.0.1:0", 0x5eed, 3, 2)
	assert.Nil(t, err)
	defer l.Close()
	echoServer(t, l)

	c, err := DialWithOptions(l.Addr().String(), 0x5eed, 3, 2)
	assert.Nil(t, err)
	defer c.Close()
	c.SetNoDelay(1, 10, 2, 1)

	msg := []byte("shielded by parity")
	_, err = c.Write(msg)
	assert.Nil(t, err)
	buf := make([]byte, 256)
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := c.Read(buf)
	assert.Nil(t, err)
	assert.Equal(t, msg, buf[:n])
}
