// Package rolling implements the weak, Adler-32-class rolling checksum used
// to probe the block store during delta building. It is deliberately cheap
// and collision-prone; strong-hash disambiguation happens one layer up.
package rolling

// M is the modulus both registers wrap around, matching
// _M constant from sync/types.go.
const M = 1 << 16

// Hasher holds the two 16-bit registers of a windowed checksum and lets the
// window advance one byte at a time in O(1).
type Hasher struct {
	a, b uint32
	size uint32
}

// New computes a from-scratch digest over window, the initial contents of
// the sliding window.
func New(window []byte) *Hasher {
	h := &Hasher{size: uint32(len(window))}
	h.Reset(window)
	return h
}

// Reset recomputes the registers from scratch for a new window, without
// allocating a new Hasher. New uses it to seed the first window.
func (h *Hasher) Reset(window []byte) {
	var a, b uint32
	n := len(window)
	for i, v := range window {
		a += uint32(v)
		b += (uint32(n-1-i) + 1) * uint32(v)
	}
	h.a = a % M
	h.b = b % M
	h.size = uint32(n)
}

// Roll advances the window by one byte: old leaves the window, new enters
// it. Both registers are updated in O(1) via the standard a/b recurrence.
func (h *Hasher) Roll(old, new byte) {
	h.a = (h.a - uint32(old) + uint32(new)) % M
	h.b = (h.b - h.size*uint32(old) + h.a) % M
}

// Digest returns the concatenated 32-bit checksum: b in the high half, a in
// the low half, matching sync/hashes.go's βhash packing.
func (h *Hasher) Digest() uint32 {
	return h.a + M*h.b
}

// Sum computes the digest of block from scratch in one call, for callers
// that don't need incremental rolling (e.g. the indexer, which only ever
// sees non-overlapping chunks).
func Sum(block []byte) uint32 {
	var a, b uint32
	n := len(block)
	for i, v := range block {
		a += uint32(v)
		b += (uint32(n-1-i) + 1) * uint32(v)
	}
	return (a % M) + M*(b%M)
}
