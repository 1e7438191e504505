package raptconn

import (
	"encoding/binary"

	"github.com/klauspost/reedsolomon"
	pool "github.com/libp2p/go-buffer-pool"
)

// FEC framing: every datagram travels inside a shard prefixed with a
// sequence id and a type flag. Data shards additionally carry a 2-byte
// length so padding for the Reed-Solomon math can be stripped again.
//
//	+0  u32 seqid
//	+4  u16 flag (0xf1 data, 0xf2 parity)
//	+6  u16 size (data shards only; includes itself)
//	+8  datagram
const (
	fecHeaderSize      = 6
	fecHeaderSizePlus2 = fecHeaderSize + 2

	typeData   = 0xf1
	typeParity = 0xf2
)

// groups older than this many shard-groups behind the newest are dropped
const fecExpire = 64

// fecEncoder shards outgoing datagrams: every datagram goes out at once as
// a data shard, and each completed group of dataShards emits parityShards
// extra packets the peer can rebuild losses from.
type fecEncoder struct {
	dataShards   int
	parityShards int
	next         uint32 // seqid of the next shard
	maxSize      int    // largest sized region in the open group
	cache        [][]byte
	rs           reedsolomon.Encoder
}

func newFECEncoder(dataShards, parityShards int) *fecEncoder {
	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil
	}
	return &fecEncoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		rs:           rs,
	}
}

// encode wraps one datagram and returns the wire packets to transmit: the
// data shard itself, plus the group's parity shards when it just filled
// up. Returned buffers are pooled; the tx path recycles them.
func (enc *fecEncoder) encode(b []byte) (packets [][]byte) {
	sized := len(b) + 2

	pkt := pool.Get(fecHeaderSize + sized)
	binary.LittleEndian.PutUint32(pkt, enc.next)
	binary.LittleEndian.PutUint16(pkt[4:], typeData)
	binary.LittleEndian.PutUint16(pkt[6:], uint16(sized))
	copy(pkt[fecHeaderSizePlus2:], b)
	enc.next++
	packets = append(packets, pkt)

	// keep a private copy of the sized region for the parity math; the
	// wire packet above is recycled after sending
	cached := make([]byte, sized)
	copy(cached, pkt[fecHeaderSize:])
	enc.cache = append(enc.cache, cached)
	if sized > enc.maxSize {
		enc.maxSize = sized
	}

	if len(enc.cache) == enc.dataShards {
		shards := make([][]byte, enc.dataShards+enc.parityShards)
		for i, c := range enc.cache {
			padded := make([]byte, enc.maxSize)
			copy(padded, c)
			shards[i] = padded
		}
		for i := enc.dataShards; i < len(shards); i++ {
			shards[i] = make([]byte, enc.maxSize)
		}
		if err := enc.rs.Encode(shards); err == nil {
			for i := enc.dataShards; i < len(shards); i++ {
				ppkt := pool.Get(fecHeaderSize + enc.maxSize)
				binary.LittleEndian.PutUint32(ppkt, enc.next)
				binary.LittleEndian.PutUint16(ppkt[4:], typeParity)
				copy(ppkt[fecHeaderSize:], shards[i])
				enc.next++
				packets = append(packets, ppkt)
				atomicAdd(&DefaultSnmp.FECParity, 1)
			}
		} else {
			// skip the parity seqids so group alignment survives
			enc.next += uint32(enc.parityShards)
		}
		enc.cache = enc.cache[:0]
		enc.maxSize = 0
	}
	return
}

type fecGroup struct {
	shards  [][]byte
	numData int
	numAll  int
	maxSize int
}

// fecDecoder regroups incoming shards and rebuilds missing datagrams once
// enough of a group has arrived.
type fecDecoder struct {
	dataShards   int
	parityShards int
	groups       map[uint32]*fecGroup
	newest       uint32
	rs           reedsolomon.Encoder
}

func newFECDecoder(dataShards, parityShards int) *fecDecoder {
	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil
	}
	return &fecDecoder{
		dataShards:   dataShards,
		parityShards: parityShards,
		groups:       make(map[uint32]*fecGroup),
		rs:           rs,
	}
}

// decode consumes one wire packet and returns zero or more engine-ready
// datagrams: the carried one (for data shards) plus any the parity math
// just recovered.
func (dec *fecDecoder) decode(raw []byte) (dgrams [][]byte) {
	if len(raw) < fecHeaderSize {
		return nil
	}
	seqid := binary.LittleEndian.Uint32(raw)
	flag := binary.LittleEndian.Uint16(raw[4:])
	if flag != typeData && flag != typeParity {
		atomicAdd(&DefaultSnmp.FECErrs, 1)
		return nil
	}

	shardSize := dec.dataShards + dec.parityShards
	groupID := seqid / uint32(shardSize)
	idx := int(seqid % uint32(shardSize))

	if flag == typeData {
		if len(raw) < fecHeaderSizePlus2 {
			atomicAdd(&DefaultSnmp.FECErrs, 1)
			return nil
		}
		sized := int(binary.LittleEndian.Uint16(raw[6:]))
		if sized < 2 || fecHeaderSize+sized > len(raw) {
			atomicAdd(&DefaultSnmp.FECErrs, 1)
			return nil
		}
		dgrams = append(dgrams, raw[fecHeaderSizePlus2:fecHeaderSize+sized])
	}

	g := dec.groups[groupID]
	if g == nil {
		g = &fecGroup{shards: make([][]byte, shardSize)}
		dec.groups[groupID] = g
	}
	if g.shards[idx] == nil {
		region := make([]byte, len(raw)-fecHeaderSize)
		copy(region, raw[fecHeaderSize:])
		g.shards[idx] = region
		g.numAll++
		if flag == typeData {
			g.numData++
		}
		if len(region) > g.maxSize {
			g.maxSize = len(region)
		}
	}

	if g.numData == dec.dataShards {
		delete(dec.groups, groupID)
	} else if g.numAll >= dec.dataShards {
		dgrams = append(dgrams, dec.reconstruct(g)...)
		delete(dec.groups, groupID)
	}

	// drop groups too old to ever complete
	if groupID > dec.newest {
		dec.newest = groupID
		for id := range dec.groups {
			if id+fecExpire < dec.newest {
				delete(dec.groups, id)
				atomicAdd(&DefaultSnmp.FECErrs, 1)
			}
		}
	}
	return
}

func (dec *fecDecoder) reconstruct(g *fecGroup) (dgrams [][]byte) {
	missing := make([]bool, dec.dataShards)
	for i := 0; i < dec.dataShards; i++ {
		missing[i] = g.shards[i] == nil
	}
	for i, s := range g.shards {
		if s != nil && len(s) < g.maxSize {
			padded := make([]byte, g.maxSize)
			copy(padded, s)
			g.shards[i] = padded
		}
	}
	if err := dec.rs.ReconstructData(g.shards); err != nil {
		atomicAdd(&DefaultSnmp.FECErrs, 1)
		return nil
	}
	for i := 0; i < dec.dataShards; i++ {
		if !missing[i] {
			continue
		}
		shard := g.shards[i]
		if len(shard) < 2 {
			continue
		}
		sized := int(binary.LittleEndian.Uint16(shard))
		if sized < 2 || sized > len(shard) {
			atomicAdd(&DefaultSnmp.FECErrs, 1)
			continue
		}
		dgrams = append(dgrams, shard[2:sized])
		atomicAdd(&DefaultSnmp.FECRecovered, 1)
	}
	return
}
