package ingest

import "math/bits"

// received-bitmap helpers: bit i lives in byte i/8, LSB first.

func newBitmap(n int) []byte {
	return make([]byte, (n+7)/8)
}

func bitSet(b []byte, i int) bool {
	return b[i/8]&(1<<(uint(i)%8)) != 0
}

func setBit(b []byte, i int) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	out[i/8] |= 1 << (uint(i) % 8)
	return out
}

func popcount(b []byte) int {
	total := 0
	for _, v := range b {
		total += bits.OnesCount8(v)
	}
	return total
}

func missingIndices(b []byte, n int) []int {
	var out []int
	for i := 0; i < n; i++ {
		if !bitSet(b, i) {
			out = append(out, i)
		}
	}
	return out
}
