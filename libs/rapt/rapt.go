// Package rapt implements a latency-oriented ARQ engine that turns an
// unreliable datagram carrier into an ordered, reliable byte transport.
// One instance holds the state for exactly one peer; everything is
// single-threaded and callback-driven. Network I/O, clocks and scheduling
// belong to the embedder (see libs/raptconn for the usual UDP wiring).
package rapt

const (
	rtoNoDelay = 30    // minimum RTO in nodelay mode
	rtoMin     = 100   // minimum RTO otherwise
	rtoDefault = 200   // initial RTO before any RTT sample
	rtoMax     = 60000 // RTO ceiling

	defaultWndSnd = 32
	defaultWndRcv = 128
	defaultMtu    = 1400

	defaultInterval = 100
	minInterval     = 10
	maxInterval     = 5000

	defaultDeadLink  = 20
	defaultFastLimit = 5
	threshInit       = 2
	threshMin        = 2

	probeInit  = 7000   // initial zero-window probe delay
	probeLimit = 120000 // probe backoff ceiling

	stateDead = 0xFFFFFFFF
)

// OutputFunc carries one encoded datagram (one or more segments, at most
// mtu bytes) toward the wire. It is called synchronously from inside Flush;
// the buffer is borrowed and must be copied or sent before returning. The
// callback must not call back into the same instance.
type OutputFunc func(buf []byte)

// Rapt is a single-peer ARQ state machine.
type Rapt struct {
	conv          uint32
	mtu, mss      uint32
	state         uint32
	sndUna        uint32
	sndNxt        uint32
	rcvNxt        uint32
	ssthresh      uint32
	rxRTTVal      uint32
	rxSRTT        uint32
	rxRTO         uint32
	rxMinRTO      uint32
	sndWnd        uint32
	rcvWnd        uint32
	rmtWnd        uint32
	cwnd          uint32
	incr          uint32
	probe         uint32
	interval      uint32
	tsFlush       uint32
	xmit          uint32
	nodelay       uint32
	updated       bool
	tsProbe       uint32
	probeWait     uint32
	deadLink      uint32
	fastresend    uint32
	fastlimit     int32
	nocwnd        bool
	stream        bool
	current       uint32
	sndQueue      []segment
	rcvQueue      []segment
	sndBuf        []segment
	rcvBuf        []segment
	acklist       []ackItem
	buffer        []byte
	output        OutputFunc
}

type ackItem struct {
	sn uint32
	ts uint32
}

// New creates an engine instance. conv must be equal on both peers or the
// peers will silently reject each other's datagrams. output may be nil and
// installed later with SetOutput, but must be set before the first Update.
func New(conv uint32, output OutputFunc) *Rapt {
	r := new(Rapt)
	r.conv = conv
	r.sndWnd = defaultWndSnd
	r.rcvWnd = defaultWndRcv
	r.rmtWnd = defaultWndRcv
	r.mtu = defaultMtu
	r.mss = r.mtu - Overhead
	r.buffer = make([]byte, (r.mtu+Overhead)*3)
	r.rxRTO = rtoDefault
	r.rxMinRTO = rtoMin
	r.interval = defaultInterval
	r.tsFlush = defaultInterval
	r.ssthresh = threshInit
	r.deadLink = defaultDeadLink
	r.fastlimit = defaultFastLimit
	r.output = output
	return r
}

// SetOutput installs the datagram sink.
func (r *Rapt) SetOutput(output OutputFunc) {
	r.output = output
}

// Conv returns the conversation ID this instance was created with.
func (r *Rapt) Conv() uint32 {
	return r.conv
}

// DeadLink reports whether some segment exceeded the retransmission limit.
// There is no recovery; the embedder should tear the instance down.
func (r *Rapt) DeadLink() bool {
	return r.state == stateDead
}

// Mss returns the current maximum segment payload size.
func (r *Rapt) Mss() int {
	return int(r.mss)
}

// Release returns every queued payload to the buffer pool and empties all
// queues. The instance must not be used afterwards.
func (r *Rapt) Release() {
	for k := range r.sndQueue {
		freeSegData(&r.sndQueue[k])
	}
	for k := range r.sndBuf {
		freeSegData(&r.sndBuf[k])
	}
	for k := range r.rcvQueue {
		freeSegData(&r.rcvQueue[k])
	}
	for k := range r.rcvBuf {
		freeSegData(&r.rcvBuf[k])
	}
	r.sndQueue, r.sndBuf, r.rcvQueue, r.rcvBuf = nil, nil, nil, nil
	r.acklist = nil
	r.buffer = nil
}

// PeekSize reports the byte length of the next complete message in the
// receive queue, or -1 while none is fully assembled.
func (r *Rapt) PeekSize() (length int) {
	if len(r.rcvQueue) == 0 {
		return -1
	}

	seg := &r.rcvQueue[0]
	if seg.frg == 0 {
		return len(seg.data)
	}
	if len(r.rcvQueue) < int(seg.frg)+1 {
		return -1
	}

	for k := range r.rcvQueue {
		seg := &r.rcvQueue[k]
		length += len(seg.data)
		if seg.frg == 0 {
			break
		}
	}
	return
}

// Recv copies the next complete message into buffer and removes it from the
// receive queue. It fails with ErrNoData, ErrFragmentIncomplete or
// ErrBufferTooSmall without touching any state.
func (r *Rapt) Recv(buffer []byte) (n int, err error) {
	if len(r.rcvQueue) == 0 {
		return 0, ErrNoData
	}
	peeksize := r.PeekSize()
	if peeksize < 0 {
		return 0, ErrFragmentIncomplete
	}
	if peeksize > len(buffer) {
		return 0, ErrBufferTooSmall
	}

	fastRecover := len(r.rcvQueue) >= int(r.rcvWnd)

	// merge fragments of the head message
	count := 0
	for k := range r.rcvQueue {
		seg := &r.rcvQueue[k]
		copy(buffer[n:], seg.data)
		n += len(seg.data)
		count++
		frg := seg.frg
		freeSegData(seg)
		if frg == 0 {
			break
		}
	}
	if count > 0 {
		r.rcvQueue = removeFront(r.rcvQueue, count)
	}

	r.moveRcvBufToQueue()

	// the queue was jammed against the window before this call; tell the
	// remote it may send again
	if len(r.rcvQueue) < int(r.rcvWnd) && fastRecover {
		r.probe |= probeAskTell
	}
	return
}

// moveRcvBufToQueue migrates the contiguous prefix starting at rcvNxt from
// the reorder buffer into the in-order queue.
func (r *Rapt) moveRcvBufToQueue() {
	count := 0
	for k := range r.rcvBuf {
		seg := &r.rcvBuf[k]
		if seg.sn == r.rcvNxt && len(r.rcvQueue)+count < int(r.rcvWnd) {
			r.rcvNxt++
			count++
		} else {
			break
		}
	}
	if count > 0 {
		r.rcvQueue = append(r.rcvQueue, r.rcvBuf[:count]...)
		r.rcvBuf = removeFront(r.rcvBuf, count)
	}
}

// Send queues application data for transmission, fragmenting it at mss. In
// stream mode consecutive calls coalesce into the tail fragment first.
func (r *Rapt) Send(buffer []byte) error {
	if len(buffer) == 0 {
		return ErrEmptyData
	}

	if r.stream {
		n := len(r.sndQueue)
		if n > 0 {
			seg := &r.sndQueue[n-1]
			if len(seg.data) < int(r.mss) {
				capacity := int(r.mss) - len(seg.data)
				extend := capacity
				if len(buffer) < capacity {
					extend = len(buffer)
				}
				oldlen := len(seg.data)
				grown := newSegData(oldlen + extend)
				copy(grown, seg.data)
				copy(grown[oldlen:], buffer)
				freeSegData(seg)
				seg.data = grown
				buffer = buffer[extend:]
			}
		}
		if len(buffer) == 0 {
			return nil
		}
	}

	var count int
	if len(buffer) <= int(r.mss) {
		count = 1
	} else {
		count = (len(buffer) + int(r.mss) - 1) / int(r.mss)
	}
	if count >= int(r.rcvWnd) {
		return ErrFragmentTooLarge
	}

	for i := 0; i < count; i++ {
		size := len(buffer)
		if size > int(r.mss) {
			size = int(r.mss)
		}
		var seg segment
		seg.data = newSegData(size)
		copy(seg.data, buffer[:size])
		if !r.stream {
			seg.frg = uint8(count - i - 1)
		} else {
			seg.frg = 0
		}
		r.sndQueue = append(r.sndQueue, seg)
		buffer = buffer[size:]
	}
	return nil
}

// updateAck folds one RTT sample into the smoothed estimator and recomputes
// the retransmission timeout.
func (r *Rapt) updateAck(rtt int32) {
	if r.rxSRTT == 0 {
		r.rxSRTT = uint32(rtt)
		r.rxRTTVal = uint32(rtt) / 2
	} else {
		delta := rtt - int32(r.rxSRTT)
		if delta < 0 {
			delta = -delta
		}
		r.rxRTTVal = (3*r.rxRTTVal + uint32(delta)) / 4
		r.rxSRTT = (7*r.rxSRTT + uint32(rtt)) / 8
		if r.rxSRTT < 1 {
			r.rxSRTT = 1
		}
	}
	rto := r.rxSRTT + max32(r.interval, 4*r.rxRTTVal)
	r.rxRTO = bound32(r.rxMinRTO, rto, rtoMax)
}

// shrinkBuf re-derives sndUna from the head of the in-flight buffer.
func (r *Rapt) shrinkBuf() {
	if len(r.sndBuf) > 0 {
		r.sndUna = r.sndBuf[0].sn
	} else {
		r.sndUna = r.sndNxt
	}
}

func (r *Rapt) parseAck(sn uint32) {
	if timediff(sn, r.sndUna) < 0 || timediff(sn, r.sndNxt) >= 0 {
		return
	}
	for k := range r.sndBuf {
		seg := &r.sndBuf[k]
		if sn == seg.sn {
			freeSegData(seg)
			copy(r.sndBuf[k:], r.sndBuf[k+1:])
			r.sndBuf[len(r.sndBuf)-1] = segment{}
			r.sndBuf = r.sndBuf[:len(r.sndBuf)-1]
			break
		}
		if timediff(sn, seg.sn) < 0 {
			break
		}
	}
}

func (r *Rapt) parseUna(una uint32) {
	count := 0
	for k := range r.sndBuf {
		seg := &r.sndBuf[k]
		if timediff(una, seg.sn) > 0 {
			freeSegData(seg)
			count++
		} else {
			break
		}
	}
	if count > 0 {
		r.sndBuf = removeFront(r.sndBuf, count)
	}
}

// parseFastack bumps the skip counter of every in-flight segment that an
// ACK with a higher sequence number (and a no-earlier timestamp) jumped
// over. The double gate keeps reordered ACKs from triggering spurious fast
// retransmissions.
func (r *Rapt) parseFastack(sn, ts uint32) {
	if timediff(sn, r.sndUna) < 0 || timediff(sn, r.sndNxt) >= 0 {
		return
	}
	for k := range r.sndBuf {
		seg := &r.sndBuf[k]
		if timediff(sn, seg.sn) < 0 {
			break
		} else if sn != seg.sn && timediff(seg.ts, ts) <= 0 {
			seg.fastack++
		}
	}
}

func (r *Rapt) ackPush(sn, ts uint32) {
	r.acklist = append(r.acklist, ackItem{sn, ts})
}

// parseData inserts an incoming PUSH segment into the reorder buffer at its
// sorted position, dropping duplicates, then migrates whatever became
// contiguous. The payload is copied into a pooled buffer because the input
// datagram is borrowed.
func (r *Rapt) parseData(newseg segment) {
	sn := newseg.sn
	if timediff(sn, r.rcvNxt+r.rcvWnd) >= 0 || timediff(sn, r.rcvNxt) < 0 {
		return
	}

	n := len(r.rcvBuf) - 1
	insertIdx := 0
	repeat := false
	for i := n; i >= 0; i-- {
		seg := &r.rcvBuf[i]
		if seg.sn == sn {
			repeat = true
			break
		}
		if timediff(sn, seg.sn) > 0 {
			insertIdx = i + 1
			break
		}
	}

	if !repeat {
		dataCopy := newSegData(len(newseg.data))
		copy(dataCopy, newseg.data)
		newseg.data = dataCopy

		if insertIdx == n+1 {
			r.rcvBuf = append(r.rcvBuf, newseg)
		} else {
			r.rcvBuf = append(r.rcvBuf, segment{})
			copy(r.rcvBuf[insertIdx+1:], r.rcvBuf[insertIdx:])
			r.rcvBuf[insertIdx] = newseg
		}
	}

	r.moveRcvBufToQueue()
}

// Input feeds one received datagram (a concatenation of well-formed
// segments) into the state machine. Result codes: 0 ok, -1 header short or
// conversation mismatch, -2 truncated or oversized payload, -3 unknown
// command.
func (r *Rapt) Input(data []byte) int {
	prevUna := r.sndUna
	if len(data) < Overhead {
		return -1
	}

	var maxack, latestTS uint32
	var ackFlag bool

	for {
		var ts, sn, length, una, conv uint32
		var wnd uint16
		var cmd, frg uint8

		if len(data) < Overhead {
			break
		}
		data = decode32u(data, &conv)
		if conv != r.conv {
			return -1
		}
		data = decode8u(data, &cmd)
		data = decode8u(data, &frg)
		data = decode16u(data, &wnd)
		data = decode32u(data, &ts)
		data = decode32u(data, &sn)
		data = decode32u(data, &una)
		data = decode32u(data, &length)
		if len(data) < int(length) || length > r.mtu {
			return -2
		}
		if cmd != cmdPush && cmd != cmdAck && cmd != cmdWask && cmd != cmdWins {
			return -3
		}

		r.rmtWnd = uint32(wnd)
		r.parseUna(una)
		r.shrinkBuf()

		switch cmd {
		case cmdAck:
			if timediff(r.current, ts) >= 0 {
				r.updateAck(timediff(r.current, ts))
			}
			r.parseAck(sn)
			r.shrinkBuf()
			if !ackFlag {
				ackFlag = true
				maxack = sn
				latestTS = ts
			} else if timediff(sn, maxack) > 0 {
				maxack = sn
				latestTS = ts
			}
		case cmdPush:
			if timediff(sn, r.rcvNxt+r.rcvWnd) < 0 {
				r.ackPush(sn, ts)
				if timediff(sn, r.rcvNxt) >= 0 {
					var seg segment
					seg.conv = conv
					seg.cmd = cmd
					seg.frg = frg
					seg.wnd = wnd
					seg.ts = ts
					seg.sn = sn
					seg.una = una
					seg.data = data[:length]
					r.parseData(seg)
				}
			}
		case cmdWask:
			r.probe |= probeAskTell
		case cmdWins:
			// window advertisement; the rmtWnd update above is all
		}

		data = data[length:]
	}

	if ackFlag {
		r.parseFastack(maxack, latestTS)
	}

	// cumulative progress grows the congestion window
	if timediff(r.sndUna, prevUna) > 0 {
		if r.cwnd < r.rmtWnd {
			mss := r.mss
			if r.cwnd < r.ssthresh {
				r.cwnd++
				r.incr += mss
			} else {
				if r.incr < mss {
					r.incr = mss
				}
				r.incr += (mss*mss)/r.incr + (mss / 16)
				if (r.cwnd+1)*mss <= r.incr {
					if mss > 0 {
						r.cwnd = (r.incr + mss - 1) / mss
					} else {
						r.cwnd = r.incr + mss - 1
					}
				}
			}
			if r.cwnd > r.rmtWnd {
				r.cwnd = r.rmtWnd
				r.incr = r.rmtWnd * mss
			}
		}
	}
	return 0
}

// wndUnused is the free receive window advertised to the peer.
func (r *Rapt) wndUnused() uint16 {
	if len(r.rcvQueue) < int(r.rcvWnd) {
		return uint16(int(r.rcvWnd) - len(r.rcvQueue))
	}
	return 0
}

// FlushAcks emits only the pending acknowledgements, for embedders that
// want ACKs on the wire immediately after Input instead of on the next
// scheduled Flush. Like Flush it is a no-op until the first Update.
func (r *Rapt) FlushAcks() {
	if !r.updated || len(r.acklist) == 0 {
		return
	}

	buffer := r.buffer
	ptr := buffer

	var seg segment
	seg.conv = r.conv
	seg.cmd = cmdAck
	seg.wnd = r.wndUnused()
	seg.una = r.rcvNxt

	for i := range r.acklist {
		size := len(buffer) - len(ptr)
		if size+Overhead > int(r.mtu) {
			r.output(buffer[:size])
			ptr = buffer
		}
		ack := r.acklist[i]
		seg.sn, seg.ts = ack.sn, ack.ts
		ptr = seg.encode(ptr)
	}
	r.acklist = r.acklist[:0]
	if size := len(buffer) - len(ptr); size > 0 {
		r.output(buffer[:size])
	}
}

// Flush drives one transmission round: pending ACKs, window probes, then
// data subject to the send window, batched into mtu-sized datagrams through
// the output callback. It is a no-op until the first Update.
func (r *Rapt) Flush() {
	if !r.updated {
		return
	}

	current := r.current
	buffer := r.buffer
	ptr := buffer

	var seg segment
	seg.conv = r.conv
	seg.cmd = cmdAck
	seg.wnd = r.wndUnused()
	seg.una = r.rcvNxt

	makeSpace := func(space int) {
		size := len(buffer) - len(ptr)
		if size+space > int(r.mtu) {
			r.output(buffer[:size])
			ptr = buffer
		}
	}
	flushBuffer := func() {
		size := len(buffer) - len(ptr)
		if size > 0 {
			r.output(buffer[:size])
		}
	}

	// pending ACKs
	for i := range r.acklist {
		makeSpace(Overhead)
		ack := r.acklist[i]
		seg.sn, seg.ts = ack.sn, ack.ts
		ptr = seg.encode(ptr)
	}
	r.acklist = r.acklist[:0]

	// zero-window probing with exponential backoff
	if r.rmtWnd == 0 {
		if r.probeWait == 0 {
			r.probeWait = probeInit
			r.tsProbe = current + r.probeWait
		} else if timediff(current, r.tsProbe) >= 0 {
			if r.probeWait < probeInit {
				r.probeWait = probeInit
			}
			r.probeWait += r.probeWait / 2
			if r.probeWait > probeLimit {
				r.probeWait = probeLimit
			}
			r.tsProbe = current + r.probeWait
			r.probe |= probeAskSend
		}
	} else {
		r.tsProbe = 0
		r.probeWait = 0
	}

	if (r.probe & probeAskSend) != 0 {
		seg.cmd = cmdWask
		makeSpace(Overhead)
		ptr = seg.encode(ptr)
	}
	if (r.probe & probeAskTell) != 0 {
		seg.cmd = cmdWins
		makeSpace(Overhead)
		ptr = seg.encode(ptr)
	}
	r.probe = 0

	// effective send window
	cwnd := min32(r.sndWnd, r.rmtWnd)
	if !r.nocwnd {
		cwnd = min32(r.cwnd, cwnd)
	}

	// promote from the send queue into the in-flight buffer
	newSegsCount := 0
	for k := range r.sndQueue {
		if timediff(r.sndNxt, r.sndUna+cwnd) >= 0 {
			break
		}
		newseg := r.sndQueue[k]
		newseg.conv = r.conv
		newseg.cmd = cmdPush
		newseg.wnd = seg.wnd
		newseg.ts = current
		newseg.sn = r.sndNxt
		newseg.una = r.rcvNxt
		newseg.resendTS = current
		newseg.rto = r.rxRTO
		newseg.fastack = 0
		newseg.xmit = 0
		r.sndBuf = append(r.sndBuf, newseg)
		r.sndNxt++
		newSegsCount++
	}
	if newSegsCount > 0 {
		r.sndQueue = removeFront(r.sndQueue, newSegsCount)
	}

	resent := r.fastresend
	if r.fastresend == 0 {
		resent = 0xffffffff
	}
	rtomin := uint32(0)
	if r.nodelay == 0 {
		rtomin = r.rxRTO / 8
	}

	// transmission policy over the in-flight buffer
	var change, lost bool
	for k := range r.sndBuf {
		segment := &r.sndBuf[k]
		needsend := false
		if segment.xmit == 0 {
			needsend = true
			segment.xmit++
			segment.rto = r.rxRTO
			segment.resendTS = current + segment.rto + rtomin
		} else if timediff(current, segment.resendTS) >= 0 {
			needsend = true
			segment.xmit++
			r.xmit++
			if r.nodelay == 0 {
				segment.rto += max32(segment.rto, r.rxRTO)
			} else if r.nodelay == 1 {
				segment.rto += segment.rto / 2
			} else {
				segment.rto += r.rxRTO / 2
			}
			segment.resendTS = current + segment.rto
			lost = true
		} else if segment.fastack >= resent {
			if r.fastlimit <= 0 || segment.xmit <= uint32(r.fastlimit) {
				needsend = true
				segment.xmit++
				segment.fastack = 0
				segment.resendTS = current + segment.rto
				change = true
			}
		}

		if needsend {
			segment.ts = current
			segment.wnd = seg.wnd
			segment.una = r.rcvNxt

			need := Overhead + len(segment.data)
			makeSpace(need)
			ptr = segment.encode(ptr)
			copy(ptr, segment.data)
			ptr = ptr[len(segment.data):]

			if segment.xmit >= r.deadLink {
				r.state = stateDead
			}
		}
	}

	flushBuffer()

	// congestion response
	if change {
		inflight := r.sndNxt - r.sndUna
		r.ssthresh = inflight / 2
		if r.ssthresh < threshMin {
			r.ssthresh = threshMin
		}
		r.cwnd = r.ssthresh + resent
		r.incr = r.cwnd * r.mss
	}
	if lost {
		r.ssthresh = cwnd / 2
		if r.ssthresh < threshMin {
			r.ssthresh = threshMin
		}
		r.cwnd = 1
		r.incr = r.mss
	}
	if r.cwnd < 1 {
		r.cwnd = 1
		r.incr = r.mss
	}
}

// Update latches the clock and runs Flush on the configured cadence.
// current is in milliseconds from any fixed epoch; call it repeatedly, or
// use Check to sleep exactly until the next deadline.
func (r *Rapt) Update(current uint32) {
	r.current = current
	if !r.updated {
		r.updated = true
		r.tsFlush = current
	}

	slap := timediff(current, r.tsFlush)
	if slap >= 10000 || slap < -10000 {
		// clock jumped; restart the schedule
		r.tsFlush = current
		slap = 0
	}

	if slap >= 0 {
		r.tsFlush += r.interval
		if timediff(current, r.tsFlush) >= 0 {
			r.tsFlush = current + r.interval
		}
		r.Flush()
	}
}

// Check returns the timestamp at which Update must run next: the earlier of
// the scheduled flush and the nearest retransmission deadline, never more
// than interval away. Returns current when a flush is already due.
func (r *Rapt) Check(current uint32) uint32 {
	if !r.updated {
		return current
	}

	tsFlush := r.tsFlush
	if timediff(current, tsFlush) >= 10000 || timediff(current, tsFlush) < -10000 {
		tsFlush = current
	}
	if timediff(current, tsFlush) >= 0 {
		return current
	}

	tmPacket := int32(0x7fffffff)
	tmFlush := timediff(tsFlush, current)
	for k := range r.sndBuf {
		diff := timediff(r.sndBuf[k].resendTS, current)
		if diff <= 0 {
			return current
		}
		if diff < tmPacket {
			tmPacket = diff
		}
	}

	minimal := uint32(tmPacket)
	if tmPacket >= tmFlush {
		minimal = uint32(tmFlush)
	}
	if minimal >= r.interval {
		minimal = r.interval
	}
	return current + minimal
}

// SetMtu changes the datagram budget. Queued oversized payloads are not
// repacked, so set the MTU before sending.
func (r *Rapt) SetMtu(mtu int) error {
	if mtu < 50 || mtu < Overhead {
		return ErrInvalidMtu
	}
	buffer := make([]byte, (mtu+Overhead)*3)
	r.mtu = uint32(mtu)
	r.mss = r.mtu - Overhead
	r.buffer = buffer
	return nil
}

// NoDelay tunes the latency/bandwidth trade-off. nodelay 0 keeps TCP-like
// RTO doubling with a 100 ms floor; 1 uses a 30 ms floor and 1.5x backoff;
// 2 and above grow the RTO by a fixed half-RTO step. interval is the flush
// cadence in ms, resend the fastack threshold (0 disables fast resend), nc
// disables the congestion window. Negative values leave a field unchanged.
func (r *Rapt) NoDelay(nodelay, interval, resend, nc int) {
	if nodelay >= 0 {
		r.nodelay = uint32(nodelay)
		if nodelay != 0 {
			r.rxMinRTO = rtoNoDelay
		} else {
			r.rxMinRTO = rtoMin
		}
	}
	if interval >= 0 {
		if interval > maxInterval {
			interval = maxInterval
		} else if interval < minInterval {
			interval = minInterval
		}
		r.interval = uint32(interval)
	}
	if resend >= 0 {
		r.fastresend = uint32(resend)
	}
	if nc >= 0 {
		r.nocwnd = nc != 0
	}
}

// WndSize sets the send and receive windows in segments. Zero leaves a
// field unchanged; the receive window never drops below its default.
func (r *Rapt) WndSize(sndwnd, rcvwnd int) {
	if sndwnd > 0 {
		r.sndWnd = uint32(sndwnd)
	}
	if rcvwnd > 0 {
		r.rcvWnd = max32(uint32(rcvwnd), defaultWndRcv)
	}
}

// SetStreamMode toggles coalescing of consecutive Sends into an undelimited
// byte stream.
func (r *Rapt) SetStreamMode(stream bool) {
	r.stream = stream
}

// SetFastLimit caps how many transmissions a segment may already have for a
// fast resend to still fire. Zero or negative lifts the cap.
func (r *Rapt) SetFastLimit(limit int) {
	r.fastlimit = int32(limit)
}

// SetDeadLink sets the per-segment transmission count at which the link is
// declared dead.
func (r *Rapt) SetDeadLink(limit int) {
	if limit > 0 {
		r.deadLink = uint32(limit)
	}
}

// WaitSnd is the number of segments queued or in flight.
func (r *Rapt) WaitSnd() int {
	return len(r.sndBuf) + len(r.sndQueue)
}

// SndWnd returns the configured send window in segments.
func (r *Rapt) SndWnd() int {
	return int(r.sndWnd)
}

// removeFront drops the first n elements. When more than half the capacity
// goes away the rest is shifted down so growslice stays cheap.
func removeFront(q []segment, n int) []segment {
	if n > cap(q)/2 {
		newn := copy(q, q[n:])
		return q[:newn]
	}
	return q[n:]
}
