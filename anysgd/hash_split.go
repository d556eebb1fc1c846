package anysgd

import "encoding/binary"

// A Hasher is a SampleList that can hash its samples.
// Equal samples must produce equal hashes, regardless of
// where they are in the list.
type Hasher interface {
	SampleList
	Hash(i int) []byte
}

// HashSplit deterministically partitions h, for example
// into validation and training samples.
//
// A sample goes to the left partition when the first
// eight bytes of its hash, read as a big-endian fraction
// of 2^64, fall below leftRatio.
// The split therefore does not depend on the order of h,
// which is rearranged in place.
func HashSplit(h Hasher, leftRatio float64) (left, right SampleList) {
	switch {
	case leftRatio <= 0:
		return h.Slice(0, 0), h
	case leftRatio >= 1:
		return h, h.Slice(0, 0)
	}
	cutoff := uint64(leftRatio * (1 << 64))
	var numLeft int
	for i := 0; i < h.Len(); i++ {
		if hashPrefix(h.Hash(i)) < cutoff {
			h.Swap(numLeft, i)
			numLeft++
		}
	}
	return h.Slice(0, numLeft), h.Slice(numLeft, h.Len())
}

// hashPrefix reads up to eight bytes of a hash, padding
// short hashes with zeros.
func hashPrefix(hash []byte) uint64 {
	var buf [8]byte
	copy(buf[:], hash)
	return binary.BigEndian.Uint64(buf[:])
}
