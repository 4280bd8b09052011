package buffer

import (
	"sort"

	"github.com/zsiec/packetbuffer/internal/seqnum"
)

// maxMissingPacketAge bounds how far behind the newest inserted sequence
// number a gap is still tracked, guarding against unbounded growth when a
// large forward jump in sequence numbers occurs.
const maxMissingPacketAge = 1000

// missingTracker maintains the set of sequence numbers known to lie between
// some earlier inserted packet and the newest inserted packet, that have not
// yet arrived. It backs the retransmission-prompting view exposed to callers.
type missingTracker struct {
	set               map[uint16]struct{}
	newestInsertedSeq uint16
	hasNewest         bool
}

func newMissingTracker() *missingTracker {
	return &missingTracker{set: make(map[uint16]struct{})}
}

// update records the arrival of seq, following spec.md §4.C: on a forward
// jump past the newest inserted sequence number, any gaps are recorded as
// missing (bounded by a 1000-sequence-number lookback); on the arrival of an
// older or duplicate packet, seq is simply cleared from the missing set.
func (m *missingTracker) update(seq uint16) {
	if !m.hasNewest {
		m.newestInsertedSeq = seq
		m.hasNewest = true
	}

	if seqnum.AheadOf(seq, m.newestInsertedSeq) {
		old := seq - maxMissingPacketAge
		for k := range m.set {
			if seqnum.AheadOf(old, k) {
				delete(m.set, k)
			}
		}

		if seqnum.AheadOf(old, m.newestInsertedSeq) {
			m.newestInsertedSeq = old
		}

		m.newestInsertedSeq++
		for seqnum.AheadOf(seq, m.newestInsertedSeq) {
			m.set[m.newestInsertedSeq] = struct{}{}
			m.newestInsertedSeq++
		}
	} else {
		delete(m.set, seq)
	}
}

// eraseUpTo removes every entry at or ahead of (newer than or equal to) seq,
// called once a frame ending at seq has been assembled. Entries older than
// seq are kept: a gap below the assembled frame's start may still belong to
// an earlier, not-yet-assembled frame, and the H.264 dependency-gap check in
// materializeFrame relies on those older gaps surviving assembly. Mirrors
// the descending-set erase(begin(), upper_bound(seq)) of the original
// packet_buffer.cc, which keeps everything upper_bound(seq) points past.
func (m *missingTracker) eraseUpTo(seq uint16) {
	for k := range m.set {
		if k == seq || seqnum.AheadOf(k, seq) {
			delete(m.set, k)
		}
	}
}

// eraseNewerThan removes every entry strictly ahead of (newer than) seq,
// preserving seq itself if present. If seq itself is absent, the single
// nearest newer entry is preserved instead, mirroring the original's
// erase(begin(), upper_bound(seq)) call, which keeps the element at
// upper_bound(seq)-1 when one exists. Used by ClearTo, per spec.md §4.G.
func (m *missingTracker) eraseNewerThan(seq uint16) {
	if _, present := m.set[seq]; present {
		for k := range m.set {
			if seqnum.AheadOf(k, seq) {
				delete(m.set, k)
			}
		}
		return
	}

	var nearest uint16
	haveNearest := false
	for k := range m.set {
		if !seqnum.AheadOf(k, seq) {
			continue
		}
		if !haveNearest || seqnum.AheadOf(nearest, k) {
			nearest = k
			haveNearest = true
		}
	}

	for k := range m.set {
		if seqnum.AheadOf(k, seq) && k != nearest {
			delete(m.set, k)
		}
	}
}

// hasOlderThan reports whether the set contains any entry older than seq,
// used by the H.264 dependency-gap check in frame assembly.
func (m *missingTracker) hasOlderThan(seq uint16) bool {
	for k := range m.set {
		if seqnum.AheadOf(seq, k) {
			return true
		}
	}
	return false
}

func (m *missingTracker) reset() {
	m.set = make(map[uint16]struct{})
	m.hasNewest = false
	m.newestInsertedSeq = 0
}

// sorted returns the missing sequence numbers newest-first, using
// seqnum.Less as the descending comparator spec.md §4.A describes for the
// missing set.
func (m *missingTracker) sorted() []uint16 {
	out := make([]uint16, 0, len(m.set))
	for k := range m.set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return seqnum.Less(out[i], out[j])
	})
	return out
}
