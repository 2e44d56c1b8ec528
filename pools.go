package ixdb

import "sync"

var keyBytesPool = &sync.Pool{
	New: func() any {
		return make([]byte, 0, 256)
	},
}

func getKeyBytes() []byte {
	return keyBytesPool.Get().([]byte)[:0]
}

func releaseKeyBytes(b []byte) {
	if cap(b) > 32768 { // max key size in Bolt
		return
	}
	keyBytesPool.Put(b[:0])
}
