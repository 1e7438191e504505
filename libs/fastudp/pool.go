package fastudp

import "sync"

const bufCap = 2048

var bufPool = &sync.Pool{
	New: func() interface{} {
		return make([]byte, bufCap)
	},
}

func malloc(n int) []byte {
	if n > bufCap {
		return make([]byte, n)
	}
	return bufPool.Get().([]byte)[:n]
}

func free(bts []byte) {
	if cap(bts) == bufCap {
		bufPool.Put(bts[:bufCap])
	}
}
