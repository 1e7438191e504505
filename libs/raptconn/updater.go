package raptconn

import (
	"container/heap"
	"sync"
	"time"
)

var defaultUpdater updaterLoop

func init() {
	defaultUpdater.init()
	go defaultUpdater.run()
}

// slot is one session's next engine-update deadline.
type slot struct {
	when time.Time
	s    *UDPSession
}

// updaterLoop owns the flush cadence of every live session in the process.
// Sessions sit in a deadline-ordered heap; the loop pops whatever is due,
// runs those engines with the heap unlocked, and re-arms each survivor at
// the deadline its engine asked for.
type updaterLoop struct {
	entries  []slot
	exists   map[*UDPSession]bool
	mu       sync.Mutex
	chWakeUp chan struct{}
}

func (h *updaterLoop) Len() int           { return len(h.entries) }
func (h *updaterLoop) Less(i, j int) bool { return h.entries[i].when.Before(h.entries[j].when) }
func (h *updaterLoop) Swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].s.updaterIdx = i
	h.entries[j].s.updaterIdx = j
}

func (h *updaterLoop) Push(x interface{}) {
	h.entries = append(h.entries, x.(slot))
	n := len(h.entries)
	h.entries[n-1].s.updaterIdx = n - 1
}

func (h *updaterLoop) Pop() interface{} {
	n := len(h.entries)
	x := h.entries[n-1]
	h.entries[n-1].s.updaterIdx = -1
	h.entries[n-1] = slot{} // for GC
	h.entries = h.entries[0 : n-1]
	return x
}

func (h *updaterLoop) init() {
	h.chWakeUp = make(chan struct{}, 1)
	h.exists = make(map[*UDPSession]bool)
}

func (h *updaterLoop) addSession(s *UDPSession) {
	h.mu.Lock()
	if !h.exists[s] {
		heap.Push(h, slot{time.Now(), s})
		h.exists[s] = true
	}
	h.mu.Unlock()
	h.wakeup()
}

func (h *updaterLoop) removeSession(s *UDPSession) {
	h.mu.Lock()
	if s.updaterIdx != -1 {
		heap.Remove(h, s.updaterIdx)
		delete(h.exists, s)
	}
	h.mu.Unlock()
}

// wakeup nudges the loop after anything that may have moved a deadline
// forward (a new session, a write, a nodelay change).
func (h *updaterLoop) wakeup() {
	select {
	case h.chWakeUp <- struct{}{}:
	default:
	}
}

func (h *updaterLoop) run() {
	timer := time.NewTimer(0)
	var due []*UDPSession
	for {
		select {
		case <-timer.C:
		case <-h.chWakeUp:
		}

		// collect everything that is due right now
		now := time.Now()
		h.mu.Lock()
		for len(h.entries) > 0 && !now.Before(h.entries[0].when) {
			s := h.entries[0].s
			heap.Pop(h)
			delete(h.exists, s)
			due = append(due, s)
		}
		h.mu.Unlock()

		// drive the due engines without the heap lock; each session
		// locks itself, and a session that reports no next deadline is
		// dead and stays out of the heap
		for _, s := range due {
			interval := s.update()
			if interval == 0 {
				continue
			}
			h.mu.Lock()
			if !h.exists[s] {
				heap.Push(h, slot{time.Now().Add(interval), s})
				h.exists[s] = true
			}
			h.mu.Unlock()
		}
		due = due[:0]

		h.mu.Lock()
		if len(h.entries) > 0 {
			timer.Reset(time.Until(h.entries[0].when))
		}
		h.mu.Unlock()
	}
}
