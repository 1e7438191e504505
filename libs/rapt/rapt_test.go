package rapt

import (
	"bytes"
	"testing"
)

// buildSegment encodes a raw wire segment for hand-fed Input tests.
func buildSegment(conv uint32, cmd, frg uint8, wnd uint16, ts, sn, una uint32, payload []byte) []byte {
	seg := segment{
		conv: conv,
		cmd:  cmd,
		frg:  frg,
		wnd:  wnd,
		ts:   ts,
		sn:   sn,
		una:  una,
		data: payload,
	}
	buf := make([]byte, Overhead+len(payload))
	seg.encode(buf)
	copy(buf[Overhead:], payload)
	return buf
}

func TestHeaderCodec(t *testing.T) {
	in := segment{
		conv: 0xdeadbeef,
		cmd:  cmdPush,
		frg:  3,
		wnd:  77,
		ts:   0xfffffffe,
		sn:   12345678,
		una:  87654321,
		data: []byte("xyzzy"),
	}
	buf := make([]byte, Overhead)
	rest := in.encode(buf)
	if len(rest) != 0 {
		t.Fatal("header must be exactly 24 bytes")
	}

	var conv, ts, sn, una, length uint32
	var wnd uint16
	var cmd, frg uint8
	p := buf
	p = decode32u(p, &conv)
	p = decode8u(p, &cmd)
	p = decode8u(p, &frg)
	p = decode16u(p, &wnd)
	p = decode32u(p, &ts)
	p = decode32u(p, &sn)
	p = decode32u(p, &una)
	decode32u(p, &length)

	if conv != in.conv || cmd != in.cmd || frg != in.frg || wnd != in.wnd ||
		ts != in.ts || sn != in.sn || una != in.una || length != 5 {
		t.Fatal("decoded header differs from encoded one")
	}
}

func TestPeekConv(t *testing.T) {
	raw := buildSegment(424242, cmdPush, 0, 1, 0, 0, 0, []byte("hi"))
	conv, ok := PeekConv(raw)
	if !ok || conv != 424242 {
		t.Fatal("conv extraction failed")
	}
	if _, ok := PeekConv([]byte{1, 2, 3}); ok {
		t.Fatal("short buffer must fail")
	}
}

func TestTimediffWrap(t *testing.T) {
	if timediff(2, 0xfffffffe) != 4 {
		t.Fatal("wrap-around distance wrong")
	}
	if timediff(0xfffffffe, 2) != -4 {
		t.Fatal("reverse wrap-around distance wrong")
	}
	if timediff(5, 5) != 0 {
		t.Fatal("equal values must compare as zero")
	}
}

func TestSendEmpty(t *testing.T) {
	r := New(1, func(buf []byte) {})
	if err := r.Send(nil); err != ErrEmptyData {
		t.Fatal("empty send must fail with ErrEmptyData")
	}
	if r.WaitSnd() != 0 {
		t.Fatal("failed send must not queue anything")
	}
}

func TestSendTooLarge(t *testing.T) {
	r := New(1, func(buf []byte) {})
	huge := make([]byte, int(r.rcvWnd)*int(r.mss)+1)
	if err := r.Send(huge); err != ErrFragmentTooLarge {
		t.Fatal("oversized message must fail with ErrFragmentTooLarge")
	}
	if r.WaitSnd() != 0 {
		t.Fatal("failed send must not queue anything")
	}
}

func TestOutOfOrderReassembly(t *testing.T) {
	r := New(7, func(buf []byte) {})
	segs := [][]byte{
		buildSegment(7, cmdPush, 0, 128, 0, 2, 0, []byte("CCC")),
		buildSegment(7, cmdPush, 2, 128, 0, 0, 0, []byte("AAA")),
		buildSegment(7, cmdPush, 1, 128, 0, 1, 0, []byte("BBB")),
	}
	for _, s := range segs {
		if ret := r.Input(s); ret != 0 {
			t.Fatal("input rejected a well-formed segment:", ret)
		}
	}
	buf := make([]byte, 64)
	n, err := r.Recv(buf)
	if err != nil {
		t.Fatal("recv:", err)
	}
	if !bytes.Equal(buf[:n], []byte("AAABBBCCC")) {
		t.Fatalf("reassembly produced %q", buf[:n])
	}
}

func TestInputResultCodes(t *testing.T) {
	r := New(9, func(buf []byte) {})
	if r.Input(make([]byte, 10)) != -1 {
		t.Fatal("short datagram must return -1")
	}
	if r.Input(buildSegment(8, cmdPush, 0, 1, 0, 0, 0, nil)) != -1 {
		t.Fatal("conv mismatch must return -1")
	}
	trunc := buildSegment(9, cmdPush, 0, 1, 0, 0, 0, []byte("abcdef"))
	if r.Input(trunc[:Overhead+3]) != -2 {
		t.Fatal("truncated payload must return -2")
	}
	if r.Input(buildSegment(9, 99, 0, 1, 0, 0, 0, nil)) != -3 {
		t.Fatal("unknown command must return -3")
	}
	if r.Input(buildSegment(9, cmdWins, 0, 1, 0, 0, 0, nil)) != 0 {
		t.Fatal("WINS must be accepted and dropped")
	}
}

func TestRecvErrors(t *testing.T) {
	r := New(3, func(buf []byte) {})
	buf := make([]byte, 16)
	if _, err := r.Recv(buf); err != ErrNoData {
		t.Fatal("empty queue must give ErrNoData")
	}

	// head fragment present, tail missing
	r.Input(buildSegment(3, cmdPush, 1, 128, 0, 0, 0, []byte("part")))
	if _, err := r.Recv(buf); err != ErrFragmentIncomplete {
		t.Fatal("partial message must give ErrFragmentIncomplete")
	}
	if r.PeekSize() != -1 {
		t.Fatal("peek on a partial message must be -1")
	}

	r.Input(buildSegment(3, cmdPush, 0, 128, 0, 1, 0, []byte("whole")))
	if r.PeekSize() != 9 {
		t.Fatal("peek must sum fragment lengths")
	}
	if _, err := r.Recv(buf[:4]); err != ErrBufferTooSmall {
		t.Fatal("undersized buffer must give ErrBufferTooSmall")
	}
	n, err := r.Recv(buf)
	if err != nil || !bytes.Equal(buf[:n], []byte("partwhole")) {
		t.Fatal("recv after complete message failed")
	}
}

func TestWindowProbe(t *testing.T) {
	r := New(5, nil)
	var cmds []uint8
	r.SetOutput(func(buf []byte) {
		for len(buf) >= Overhead {
			var length uint32
			cmds = append(cmds, buf[4])
			decode32u(buf[20:], &length)
			buf = buf[Overhead+int(length):]
		}
	})
	r.rmtWnd = 0
	for ts := uint32(0); ts < 9000; ts += 100 {
		r.Update(ts)
	}
	probed := false
	for _, c := range cmds {
		if c == cmdWask || c == cmdWins {
			probed = true
		}
	}
	if !probed {
		t.Fatal("zero remote window must trigger a probe")
	}
}

func TestProbeBackoff(t *testing.T) {
	r := New(5, func(buf []byte) {})
	r.rmtWnd = 0
	r.Update(0)
	if r.probeWait != probeInit {
		t.Fatal("first stall must arm the initial probe delay")
	}
	for ts := uint32(0); ts < 700000; ts += 1000 {
		r.Update(ts)
	}
	if r.probeWait > probeLimit {
		t.Fatal("probe backoff must stay capped")
	}
}

func TestFlushAcks(t *testing.T) {
	r := New(4, nil)
	var cmds []uint8
	r.SetOutput(func(buf []byte) {
		for len(buf) >= Overhead {
			var length uint32
			cmds = append(cmds, buf[4])
			decode32u(buf[20:], &length)
			buf = buf[Overhead+int(length):]
		}
	})

	// before the first update nothing may go out
	r.Input(buildSegment(4, cmdPush, 0, 128, 0, 0, 0, []byte("x")))
	r.FlushAcks()
	if len(cmds) != 0 {
		t.Fatal("ack flush must be a no-op before the first update")
	}

	r.Update(0)
	cmds = nil
	r.Input(buildSegment(4, cmdPush, 0, 128, 0, 1, 0, []byte("y")))
	r.FlushAcks()
	if len(cmds) == 0 {
		t.Fatal("pending acks must be emitted")
	}
	for _, c := range cmds {
		if c != cmdAck {
			t.Fatal("ack flush must emit acknowledgements only")
		}
	}
	if len(r.acklist) != 0 {
		t.Fatal("ack ledger must be cleared")
	}

	cmds = nil
	r.FlushAcks()
	if len(cmds) != 0 {
		t.Fatal("an empty ledger must emit nothing")
	}
}

func TestStreamCoalesce(t *testing.T) {
	r := New(1, func(buf []byte) {})
	r.SetStreamMode(true)
	r.Send([]byte("Hel"))
	r.Send([]byte("lo"))
	if r.WaitSnd() != 1 {
		t.Fatal("stream mode must coalesce into the tail segment")
	}
	if string(r.sndQueue[0].data) != "Hello" {
		t.Fatal("coalesced payload corrupted")
	}
	if r.sndQueue[0].frg != 0 {
		t.Fatal("stream fragments always carry frg 0")
	}
}

func TestSetMtu(t *testing.T) {
	r := New(1, func(buf []byte) {})
	if err := r.SetMtu(49); err != ErrInvalidMtu {
		t.Fatal("mtu below minimum must fail")
	}
	if err := r.SetMtu(512); err != nil {
		t.Fatal(err)
	}
	if r.Mss() != 512-Overhead {
		t.Fatal("mss must track mtu")
	}
	if len(r.buffer) != (512+Overhead)*3 {
		t.Fatal("scratch buffer not resized")
	}
}

func TestNoDelayConfig(t *testing.T) {
	r := New(1, func(buf []byte) {})
	r.NoDelay(1, 5, 2, 1)
	if r.rxMinRTO != rtoNoDelay {
		t.Fatal("nodelay must lower the minimum RTO")
	}
	if r.interval != minInterval {
		t.Fatal("interval must clamp at the floor")
	}
	r.NoDelay(0, 99999, -1, -1)
	if r.rxMinRTO != rtoMin || r.interval != maxInterval {
		t.Fatal("interval must clamp at the ceiling")
	}
	if r.fastresend != 2 || !r.nocwnd {
		t.Fatal("negative fields must leave prior values in place")
	}
}

func TestWndSizeFloor(t *testing.T) {
	r := New(1, func(buf []byte) {})
	r.WndSize(64, 32)
	if r.sndWnd != 64 {
		t.Fatal("send window not applied")
	}
	if r.rcvWnd != defaultWndRcv {
		t.Fatal("receive window must not drop below the default")
	}
	r.WndSize(0, 1024)
	if r.sndWnd != 64 || r.rcvWnd != 1024 {
		t.Fatal("zero fields must be left unchanged")
	}
}

func TestCheckBeforeUpdate(t *testing.T) {
	r := New(1, func(buf []byte) {})
	if r.Check(12345) != 12345 {
		t.Fatal("check before the first update must return current")
	}
	r.Update(1000)
	next := r.Check(1000)
	if timediff(next, 1000) < 0 || timediff(next, 1000+r.interval) > 0 {
		t.Fatal("next deadline must fall within one interval")
	}
}

func TestDeadLink(t *testing.T) {
	r := New(1, func(buf []byte) {})
	r.NoDelay(2, 10, 0, 1)
	r.SetDeadLink(4)
	r.Send([]byte("doomed"))
	for ts := uint32(0); ts < 60000 && !r.DeadLink(); ts += 10 {
		r.Update(ts)
	}
	if !r.DeadLink() {
		t.Fatal("unacknowledged segment must eventually kill the link")
	}
}

func TestSndBufInvariant(t *testing.T) {
	r := New(1, func(buf []byte) {})
	r.Send(make([]byte, int(r.mss)*4))
	r.Update(0)
	if timediff(r.sndNxt, r.sndUna) < 0 {
		t.Fatal("snd_una must never pass snd_nxt")
	}
	if len(r.sndBuf) > 0 && r.sndUna != r.sndBuf[0].sn {
		t.Fatal("snd_una must equal the smallest in-flight sn")
	}
	for i := 1; i < len(r.sndBuf); i++ {
		if timediff(r.sndBuf[i].sn, r.sndBuf[i-1].sn) <= 0 {
			t.Fatal("snd_buf must be strictly increasing")
		}
	}
}

func TestRcvBufInvariant(t *testing.T) {
	r := New(1, func(buf []byte) {})
	// sprinkle a window's worth of out-of-order data with duplicates
	order := []uint32{5, 2, 2, 9, 0, 7, 5, 1}
	for _, sn := range order {
		r.Input(buildSegment(1, cmdPush, 0, 128, 0, sn, 0, []byte{byte(sn)}))
	}
	seen := make(map[uint32]bool)
	for i := range r.rcvBuf {
		seg := &r.rcvBuf[i]
		if timediff(seg.sn, r.rcvNxt) < 0 || timediff(seg.sn, r.rcvNxt+r.rcvWnd) >= 0 {
			t.Fatal("rcv_buf element outside the admission window")
		}
		if seen[seg.sn] {
			t.Fatal("duplicate sn in rcv_buf")
		}
		seen[seg.sn] = true
		if i > 0 && timediff(seg.sn, r.rcvBuf[i-1].sn) <= 0 {
			t.Fatal("rcv_buf must be strictly increasing")
		}
	}
	if len(r.rcvBuf)+len(r.rcvQueue) > int(r.rcvWnd) {
		t.Fatal("receive admission bound violated")
	}
}

func TestOutOfWindowDataStillAcked(t *testing.T) {
	r := New(1, func(buf []byte) {})
	r.Input(buildSegment(1, cmdPush, 0, 128, 0, 0, 0, []byte("x")))
	r.acklist = r.acklist[:0]
	// replay of the delivered sn: dropped, but an ACK is still owed
	r.Input(buildSegment(1, cmdPush, 0, 128, 0, 0, 0, []byte("x")))
	if len(r.acklist) != 1 {
		t.Fatal("duplicate inside rcv_wnd must still be acknowledged")
	}
	// far beyond the admission window: no ack, no state
	far := r.rcvNxt + r.rcvWnd + 10
	r.acklist = r.acklist[:0]
	r.Input(buildSegment(1, cmdPush, 0, 128, 0, far, 0, []byte("x")))
	if len(r.acklist) != 0 || len(r.rcvBuf) != 0 {
		t.Fatal("out-of-window segment must be dropped silently")
	}
}

func TestRTOEstimator(t *testing.T) {
	r := New(1, func(buf []byte) {})
	r.updateAck(100)
	if r.rxSRTT != 100 || r.rxRTTVal != 50 {
		t.Fatal("first sample must seed srtt and rttval directly")
	}
	r.updateAck(100)
	if r.rxRTO < r.rxMinRTO || r.rxRTO > rtoMax {
		t.Fatal("rto must stay clamped")
	}
	prev := r.rxSRTT
	r.updateAck(500)
	if r.rxSRTT <= prev {
		t.Fatal("srtt must move toward larger samples")
	}
}
