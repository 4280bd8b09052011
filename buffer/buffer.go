package buffer

import (
	"log/slog"
	"sync"

	"github.com/zsiec/packetbuffer/internal/seqnum"
)

// Buffer is the packet reassembly buffer. A single mutex protects all state;
// insertion, clearing, and queries may be called from any goroutine.
// [Sink.OnAssembledFrame] is invoked outside the lock, in the order frames
// are assembled during one call to Insert or PaddingReceived.
type Buffer struct {
	log   *slog.Logger
	clock Clock
	sink  Sink

	spsPpsIdrIsH264Keyframe bool
	maxCapacity             int

	mu sync.Mutex

	table    *slotTable
	missing  *missingTracker
	unique   *uniqueFrameCounter

	firstSeq             uint16
	firstPacketReceived  bool
	isClearedToFirstSeq  bool
	lastReceivedPacketMs *int64
	lastReceivedKeyMs    *int64
}

// New creates a Buffer. startCapacity and maxCapacity must be powers of two,
// with startCapacity <= maxCapacity. If log is nil, slog.Default() is used.
func New(clock Clock, startCapacity, maxCapacity int, sink Sink, trials FieldTrialSource, log *slog.Logger) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	if !isPowerOfTwo(startCapacity) || !isPowerOfTwo(maxCapacity) || startCapacity > maxCapacity {
		panic("buffer: startCapacity and maxCapacity must be powers of two with startCapacity <= maxCapacity")
	}

	keyframeFlag := false
	if trials != nil {
		keyframeFlag = trials.SpsPpsIdrIsH264Keyframe()
	}

	return &Buffer{
		log:                     log.With("component", "packet-buffer"),
		clock:                   clock,
		sink:                    sink,
		spsPpsIdrIsH264Keyframe: keyframeFlag,
		maxCapacity:             maxCapacity,
		table:                   newSlotTable(startCapacity),
		missing:                 newMissingTracker(),
		unique:                  newUniqueFrameCounter(),
	}
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// Insert accepts packet, taking ownership of packet.Payload. It returns
// false only when the buffer had to be fully cleared because it was
// saturated and could not grow further — the caller should treat this as a
// signal to request a fresh keyframe. Every other outcome, including
// duplicate and stale-drop, returns true.
func (b *Buffer) Insert(packet *Packet) bool {
	var found []*AssembledFrame
	ok := func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.unique.onTimestampReceived(packet.RTPTimestamp)

		seq := packet.SequenceNumber
		index := b.table.index(seq)

		if !b.firstPacketReceived {
			b.firstSeq = seq
			b.firstPacketReceived = true
		} else if seqnum.AheadOf(b.firstSeq, seq) {
			if b.isClearedToFirstSeq {
				// Stale packet after an explicit clear-to: silently drop.
				return true
			}
			b.firstSeq = seq
		}

		s := b.table.at(index)
		if s.used {
			if s.seq() == seq {
				// Duplicate: drop the payload, buffer state is unchanged.
				return true
			}

			for b.table.expand(b.maxCapacity) {
				index = b.table.index(seq)
				if !b.table.at(index).used {
					break
				}
			}
			index = b.table.index(seq)
			s = b.table.at(index)
			if s.used {
				b.log.Warn("packet buffer saturated, clearing and requesting keyframe")
				b.clearLocked()
				return false
			}
		}

		s.continuous = false
		s.used = true
		s.packet = *packet

		b.missing.update(seq)

		now := b.clock.TimeInMilliseconds()
		b.lastReceivedPacketMs = &now
		if packet.isKeyframeMarker() {
			keyNow := now
			b.lastReceivedKeyMs = &keyNow
		}

		found = b.findFrames(seq)
		return true
	}()

	b.deliver(found)
	return ok
}

// PaddingReceived records that an RTP padding-only packet arrived at seq
// (padding itself is not stored) and attempts assembly starting at seq+1,
// since padding can complete a frame that was pending only on the missing
// sequence number.
func (b *Buffer) PaddingReceived(seq uint16) {
	var found []*AssembledFrame
	func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.missing.update(seq)
		found = b.findFrames(seq + 1)
	}()
	b.deliver(found)
}

func (b *Buffer) deliver(frames []*AssembledFrame) {
	for _, f := range frames {
		b.sink.OnAssembledFrame(f)
	}
}

// Clear releases every used slot's payload, marks all slots unused, and
// resets first-packet tracking, the last-received timestamps, and the
// missing-packet set. The unique-timestamp history is not reset.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clearLocked()
}

func (b *Buffer) clearLocked() {
	for i := range b.table.slots {
		s := &b.table.slots[i]
		s.packet.Payload = nil
		s.used = false
	}
	b.firstPacketReceived = false
	b.isClearedToFirstSeq = false
	b.lastReceivedPacketMs = nil
	b.lastReceivedKeyMs = nil
	b.missing.reset()
}

// ClearTo advances first_seq to seq+1, freeing every slot whose stored
// sequence is strictly behind seq+1, bounded by the table's capacity. It is
// a no-op if no packet has ever been received, or if the buffer is already
// cleared past seq.
func (b *Buffer) ClearTo(seq uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClearedToFirstSeq && seqnum.AheadOf(b.firstSeq, seq) {
		return
	}
	if !b.firstPacketReceived {
		return
	}

	target := seq + 1
	diff := seqnum.ForwardDiff(b.firstSeq, target)
	iterations := int(diff)
	if iterations > b.table.capacity() {
		iterations = b.table.capacity()
	}

	for i := 0; i < iterations; i++ {
		index := b.table.index(b.firstSeq)
		s := b.table.at(index)
		if seqnum.AheadOf(target, s.seq()) {
			s.packet.Payload = nil
			s.used = false
		}
		b.firstSeq++
	}
	b.firstSeq = target

	b.isClearedToFirstSeq = true
	b.missing.eraseNewerThan(seq)
}

// clearInterval releases the payloads and marks unused every slot holding a
// sequence number in the inclusive range [start, end], following (i+1) mod
// capacity. It is only called on a run of slots known to hold that exact
// sequence range.
func (b *Buffer) clearInterval(start, end uint16) {
	iterations := int(seqnum.ForwardDiff(start, end)) + 1
	seq := start
	for i := 0; i < iterations; i++ {
		index := b.table.index(seq)
		s := b.table.at(index)
		s.packet.Payload = nil
		s.used = false
		seq++
	}
}

// LastReceivedPacketMs returns the clock time of the most recently received
// packet, if any.
func (b *Buffer) LastReceivedPacketMs() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastReceivedPacketMs == nil {
		return 0, false
	}
	return *b.lastReceivedPacketMs, true
}

// LastReceivedKeyframePacketMs returns the clock time of the most recently
// received keyframe packet, if any.
func (b *Buffer) LastReceivedKeyframePacketMs() (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastReceivedKeyMs == nil {
		return 0, false
	}
	return *b.lastReceivedKeyMs, true
}

// UniqueFramesSeen returns the number of distinct RTP timestamps observed,
// subject to the 1000-entry history eviction policy.
func (b *Buffer) UniqueFramesSeen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unique.count()
}

// MissingSequenceNumbers returns a snapshot of the currently tracked gaps,
// newest first, for a retransmission controller to consume.
func (b *Buffer) MissingSequenceNumbers() []uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.missing.sorted()
}
