package hashmap

import (
	"encoding/binary"
	"hash/maphash"

	"github.com/cespare/xxhash/v2"
)

// Hasher maps a key to 64 bits. Equal keys must hash equally.
type Hasher[K comparable] func(K) uint64

// defaultHasher uses xxhash for strings and fixed-width integers and falls
// back to maphash for any other comparable key.
func defaultHasher[K comparable]() Hasher[K] {
	seed := maphash.MakeSeed()
	return func(k K) uint64 {
		switch v := any(k).(type) {
		case string:
			return xxhash.Sum64String(v)
		case int:
			return hashWord(uint64(v))
		case int64:
			return hashWord(uint64(v))
		case int32:
			return hashWord(uint64(v))
		case uint:
			return hashWord(uint64(v))
		case uint64:
			return hashWord(v)
		case uint32:
			return hashWord(uint64(v))
		default:
			return maphash.Comparable(seed, k)
		}
	}
}

func hashWord(x uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return xxhash.Sum64(b[:])
}
