// Package seqnum implements half-range modular comparison for 16-bit RTP
// sequence numbers, used throughout the buffer package to order packets that
// arrive out of order over an unreliable transport.
package seqnum

// halfRange is 2^15: the midpoint of the 16-bit modular space. A sequence
// number less than halfRange away, in the forward direction, from another is
// considered "ahead of" it.
const halfRange = 1 << 15

// AheadOf reports whether a is ahead of (newer than) b in the cyclic 16-bit
// sequence space: (a - b) mod 2^16 lies in [1, 2^15).
func AheadOf(a, b uint16) bool {
	diff := a - b
	return diff != 0 && diff < halfRange
}

// ForwardDiff returns the number of forward steps from a to b, i.e.
// (b - a) mod 2^16.
func ForwardDiff(a, b uint16) uint16 {
	return b - a
}

// Less orders sequence numbers newest-first using half-range semantics, for
// use as the comparator of a descending-ordered missing-packet set: a sorts
// before b iff a is ahead of b.
func Less(a, b uint16) bool {
	return AheadOf(a, b)
}
