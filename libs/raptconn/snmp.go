package raptconn

import "sync/atomic"

// Snmp aggregates process-wide transport counters.
type Snmp struct {
	InPkts       uint64 // datagrams read off the socket
	OutPkts      uint64 // datagrams written to the socket
	InBytes      uint64 // bytes read off the socket
	OutBytes     uint64 // bytes written to the socket
	FECParity    uint64 // parity shards emitted
	FECRecovered uint64 // datagrams rebuilt from parity
	FECErrs      uint64 // malformed shards and unrecoverable shard groups
}

// DefaultSnmp is the counter block every session updates.
var DefaultSnmp = new(Snmp)

// Copy takes a consistent-enough snapshot for reporting.
func (s *Snmp) Copy() *Snmp {
	d := new(Snmp)
	d.InPkts = atomic.LoadUint64(&s.InPkts)
	d.OutPkts = atomic.LoadUint64(&s.OutPkts)
	d.InBytes = atomic.LoadUint64(&s.InBytes)
	d.OutBytes = atomic.LoadUint64(&s.OutBytes)
	d.FECParity = atomic.LoadUint64(&s.FECParity)
	d.FECRecovered = atomic.LoadUint64(&s.FECRecovered)
	d.FECErrs = atomic.LoadUint64(&s.FECErrs)
	return d
}

// Reset zeroes all counters.
func (s *Snmp) Reset() {
	atomic.StoreUint64(&s.InPkts, 0)
	atomic.StoreUint64(&s.OutPkts, 0)
	atomic.StoreUint64(&s.InBytes, 0)
	atomic.StoreUint64(&s.OutBytes, 0)
	atomic.StoreUint64(&s.FECParity, 0)
	atomic.StoreUint64(&s.FECRecovered, 0)
	atomic.StoreUint64(&s.FECErrs, 0)
}

func atomicAdd(addr *uint64, delta uint64) {
	if delta != 0 {
		atomic.AddUint64(addr, delta)
	}
}
