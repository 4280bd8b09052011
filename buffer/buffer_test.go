package buffer

import (
	"testing"
	"time"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) TimeInMilliseconds() int64 { return c.ms }

type fakeTrials struct{ keyframeFlag bool }

func (t fakeTrials) SpsPpsIdrIsH264Keyframe() bool { return t.keyframeFlag }

type collectingSink struct{ frames []*AssembledFrame }

func (s *collectingSink) OnAssembledFrame(f *AssembledFrame) { s.frames = append(s.frames, f) }

func newTestBuffer(startCap, maxCap int, trials FieldTrialSource) (*Buffer, *collectingSink) {
	sink := &collectingSink{}
	b := New(&fakeClock{}, startCap, maxCap, sink, trials, nil)
	return b, sink
}

func genericPacket(seq uint16, ts uint32, first, last bool, payload string) *Packet {
	return &Packet{
		SequenceNumber: seq,
		RTPTimestamp:   ts,
		Codec:          CodecGeneric,
		IsFirstInFrame: first,
		IsLastInFrame:  last,
		Payload:        []byte(payload),
		ReceiveTime:    time.Unix(0, 0),
	}
}

func TestSimpleFrame(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, nil)

	ok := b.Insert(genericPacket(100, 1000, true, true, "abc"))
	if !ok {
		t.Fatal("Insert returned false")
	}
	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	f := sink.frames[0]
	if f.FirstSequenceNumber != 100 || f.LastSequenceNumber != 100 {
		t.Errorf("got first=%d last=%d, want 100/100", f.FirstSequenceNumber, f.LastSequenceNumber)
	}
	if string(f.Payload) != "abc" {
		t.Errorf("got payload %q, want abc", f.Payload)
	}
}

func TestReorderedThreePacketFrame(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, nil)

	b.Insert(genericPacket(102, 5000, false, true, "C"))
	b.Insert(genericPacket(100, 5000, true, false, "A"))
	b.Insert(genericPacket(101, 5000, false, false, "B"))

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	f := sink.frames[0]
	if string(f.Payload) != "ABC" {
		t.Errorf("got payload %q, want ABC", f.Payload)
	}
	if f.FirstSequenceNumber != 100 || f.LastSequenceNumber != 102 {
		t.Errorf("got range %d-%d, want 100-102", f.FirstSequenceNumber, f.LastSequenceNumber)
	}
}

func TestSequenceWrapWithinFrame(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, nil)

	b.Insert(genericPacket(65535, 9000, true, false, "X"))
	b.Insert(genericPacket(0, 9000, false, true, "Y"))

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	f := sink.frames[0]
	if f.FirstSequenceNumber != 65535 || f.LastSequenceNumber != 0 {
		t.Errorf("got range %d-%d, want 65535-0", f.FirstSequenceNumber, f.LastSequenceNumber)
	}
	if string(f.Payload) != "XY" {
		t.Errorf("got payload %q, want XY", f.Payload)
	}
}

func TestExpansionThenOverflowClears(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(4, 8, nil)

	// Fill every slot in an incomplete frame (no last-in-frame marker) so
	// the table is forced to expand, then exceed maxCapacity to trigger a
	// full clear.
	for i := uint16(0); i < 8; i++ {
		ok := b.Insert(genericPacket(i, 1, i == 0, false, "p"))
		if !ok {
			t.Fatalf("insert %d: buffer cleared before saturation", i)
		}
	}
	if len(sink.frames) != 0 {
		t.Fatalf("got %d frames, want 0 (frame never closed)", len(sink.frames))
	}

	// A 9th packet collides with slot 0 (mod 8) while capacity is already
	// at maxCapacity, forcing a clear.
	ok := b.Insert(genericPacket(8, 1, false, false, "p"))
	if ok {
		t.Fatal("Insert returned true, want false on saturation clear")
	}
}

func h264Packet(seq uint16, ts uint32, first, last bool, nalTypes ...NaluType) *Packet {
	var nalus []NaluDescriptor
	for _, nt := range nalTypes {
		nalus = append(nalus, NaluDescriptor{Type: nt})
	}
	return &Packet{
		SequenceNumber: seq,
		RTPTimestamp:   ts,
		Codec:          CodecH264,
		IsFirstInFrame: first,
		IsLastInFrame:  last,
		Payload:        []byte{0x00},
		ReceiveTime:    time.Unix(0, 0),
		H264:           H264Header{Nalus: nalus, TemporalID: NoTemporalIndex},
	}
}

func TestH264FlagOffIDROnlyIsKeyframe(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, fakeTrials{keyframeFlag: false})

	b.Insert(h264Packet(10, 100, true, true, NaluTypeIDR))

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	if sink.frames[0].FrameType != FrameTypeKey {
		t.Errorf("got %v, want key", sink.frames[0].FrameType)
	}
}

func TestH264FlagOnIDROnlyIsDelta(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, fakeTrials{keyframeFlag: true})

	b.Insert(h264Packet(20, 200, true, true, NaluTypeIDR))

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	if sink.frames[0].FrameType != FrameTypeDelta {
		t.Errorf("got %v, want delta (SPS/PPS required by flag)", sink.frames[0].FrameType)
	}
}

func TestH264FlagOnSPSPPSIDRIsKeyframeWithResolution(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, fakeTrials{keyframeFlag: true})

	sps := h264Packet(30, 300, true, false, NaluTypeSPS)
	sps.H264.Width, sps.H264.Height = 1280, 720
	pps := h264Packet(31, 300, false, false, NaluTypePPS)
	idr := h264Packet(32, 300, false, true, NaluTypeIDR)

	b.Insert(sps)
	b.Insert(pps)
	b.Insert(idr)

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(sink.frames))
	}
	f := sink.frames[0]
	if f.FrameType != FrameTypeKey {
		t.Errorf("got %v, want key", f.FrameType)
	}
	if f.Width != 1280 || f.Height != 720 {
		t.Errorf("got %dx%d, want 1280x720", f.Width, f.Height)
	}
}

func TestDeltaWithGapDoesNotEmit(t *testing.T) {
	t.Parallel()
	// This exercises the forward-continuity break at the missing slot
	// (frames.go potentialNewFrame), not the H.264 dependency-gap abort —
	// see TestH264DependencyGapAbortsPendingFrame for that path.
	b, sink := newTestBuffer(32, 32, nil)

	b.Insert(genericPacket(40, 400, true, false, "A"))
	// seq 41 missing.
	b.Insert(genericPacket(42, 400, false, true, "C"))

	if len(sink.frames) != 0 {
		t.Fatalf("got %d frames, want 0 with a gap present", len(sink.frames))
	}
}

func TestH264DependencyGapAbortsPendingFrame(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, nil)

	// Establishes the missing tracker's baseline sequence number.
	b.Insert(h264Packet(100, 1000, true, true, NaluTypeIDR))
	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames after keyframe, want 1", len(sink.frames))
	}

	// A single-packet delta frame at 102 is forward-continuous to its own
	// end marker, but the gap it creates at 101 sits below its start
	// sequence in the missing set, so materializeFrame must abort rather
	// than emit — it has no reliable reference-completeness guarantee.
	b.Insert(h264Packet(102, 1002, true, true))
	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames while seq 101 is missing, want still 1 (pending held back)", len(sink.frames))
	}
	if !b.missing.hasOlderThan(102) {
		t.Fatal("missing set should still hold 101 below the pending frame's start")
	}
}

func TestPaddingCompletesPendingFrame(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, nil)

	// H.264 single-packet delta frame at seq+2 (base temporal layer): it
	// self-assembles (first+last) but materializeFrame holds it pending
	// because seq+1 sits in the missing set below its start sequence.
	// PaddingReceived at seq+1 clears the gap and releases it — padding
	// itself is never stored, only the packets at 150 and 152 occupy slots.
	b.Insert(h264Packet(150, 1500, true, true, NaluTypeIDR))
	b.Insert(h264Packet(152, 1500, true, true))

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames before padding, want 1 (delta frame held pending)", len(sink.frames))
	}

	b.PaddingReceived(151)

	if len(sink.frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(sink.frames))
	}
	f := sink.frames[1]
	if f.FirstSequenceNumber != 152 || f.LastSequenceNumber != 152 {
		t.Errorf("got range %d-%d, want 152-152", f.FirstSequenceNumber, f.LastSequenceNumber)
	}
}

func TestDuplicateInsertIsIdempotent(t *testing.T) {
	t.Parallel()
	b, sink := newTestBuffer(32, 32, nil)

	// A duplicate is recognised while the original packet is still stored.
	// Assembly frees a frame's slots, so a packet re-sent after its frame was
	// emitted is stored again rather than treated as a duplicate.
	b.Insert(genericPacket(60, 600, true, false, "A"))
	b.Insert(genericPacket(60, 600, true, false, "A"))
	b.Insert(genericPacket(61, 600, false, true, "B"))

	if len(sink.frames) != 1 {
		t.Fatalf("got %d frames, want 1 (duplicate must not re-emit)", len(sink.frames))
	}
	if string(sink.frames[0].Payload) != "AB" {
		t.Errorf("got payload %q, want AB (duplicate must not be stored twice)", sink.frames[0].Payload)
	}
}

func TestFrameAssemblyIsOrderIndependent(t *testing.T) {
	t.Parallel()
	orders := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 0, 2},
		{2, 0, 1},
	}
	packets := func() []*Packet {
		return []*Packet{
			genericPacket(70, 700, true, false, "A"),
			genericPacket(71, 700, false, false, "B"),
			genericPacket(72, 700, false, true, "C"),
		}
	}

	for _, order := range orders {
		b, sink := newTestBuffer(32, 32, nil)
		ps := packets()
		for _, idx := range order {
			b.Insert(ps[idx])
		}
		if len(sink.frames) != 1 {
			t.Fatalf("order %v: got %d frames, want 1", order, len(sink.frames))
		}
		if string(sink.frames[0].Payload) != "ABC" {
			t.Fatalf("order %v: got payload %q, want ABC", order, sink.frames[0].Payload)
		}
	}
}

func TestClearResetsStateButKeepsUniqueHistory(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(32, 32, nil)

	b.Insert(genericPacket(80, 800, true, true, "A"))
	before := b.UniqueFramesSeen()

	b.Clear()

	if _, ok := b.LastReceivedPacketMs(); ok {
		t.Error("LastReceivedPacketMs still set after Clear")
	}
	if len(b.MissingSequenceNumbers()) != 0 {
		t.Error("missing set not reset after Clear")
	}
	if got := b.UniqueFramesSeen(); got != before {
		t.Errorf("unique frame history changed across Clear: got %d, want %d", got, before)
	}
}

func TestUniqueFramesSeenIsMonotonicWithinHistory(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(32, 32, nil)

	b.Insert(genericPacket(90, 900, true, true, "A"))
	first := b.UniqueFramesSeen()
	b.Insert(genericPacket(91, 901, true, true, "B"))
	second := b.UniqueFramesSeen()

	if second < first {
		t.Errorf("unique frame count decreased: %d -> %d", first, second)
	}
	if second != first+1 {
		t.Errorf("got %d, want %d (new timestamp)", second, first+1)
	}
}

func TestClearToLeavesNoSlotOlderThanTarget(t *testing.T) {
	t.Parallel()
	b, _ := newTestBuffer(32, 32, nil)

	b.Insert(genericPacket(100, 1000, true, false, "A"))
	// seq 101 intentionally missing, holding the frame open.

	b.ClearTo(100)

	if _, ok := b.table.get(100); ok {
		t.Error("ClearTo(100) left seq 100 in its slot")
	}

	missing := b.MissingSequenceNumbers()
	for _, seq := range missing {
		if seq == 100 {
			t.Errorf("ClearTo(100) left seq 100 in the missing set")
		}
	}
}
