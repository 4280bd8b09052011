// Package buffer implements the packet reassembly buffer for a real-time
// video receiver: it stores out-of-order media packets in a bounded circular
// slot table keyed by sequence number, detects when a contiguous run forms a
// complete frame, classifies keyframes (with codec-specific rules for
// H.264), tracks missing packets for retransmission prompting, and counts
// distinct frames seen.
package buffer

import "time"

// FrameType classifies whether an assembled frame is independently
// decodable (a keyframe) or depends on prior reference frames.
type FrameType int

const (
	FrameTypeDelta FrameType = iota
	FrameTypeKey
)

// String implements fmt.Stringer.
func (f FrameType) String() string {
	if f == FrameTypeKey {
		return "key"
	}
	return "delta"
}

// CodecType tags which codec-specific frame-boundary rule applies to a
// packet. Generic codecs carry reliable begin/end markers; H.264 does not.
type CodecType int

const (
	CodecGeneric CodecType = iota
	CodecH264
)

// NoTemporalIndex marks a packet as not belonging to a scalable temporal
// layer structure — the base and only layer.
const NoTemporalIndex = 0xFF

// kMaxNalusPerPacket bounds how many H.264 NAL unit descriptors a single
// packet's header may report before assembly aborts, guarding against a
// malformed or hostile depacketizer output.
const kMaxNalusPerPacket = 29

// NaluType identifies an H.264 NAL unit type relevant to frame-boundary and
// keyframe classification.
type NaluType int

const (
	NaluTypeSlice NaluType = iota
	NaluTypeSPS
	NaluTypePPS
	NaluTypeIDR
	NaluTypeAUD
	NaluTypeOther
)

// NaluDescriptor describes one NAL unit carried by a packet's H.264 header.
type NaluDescriptor struct {
	Type NaluType
}

// H264Header carries the H.264-specific per-packet metadata: the NAL units
// present in the packet, and the frame resolution when the depacketizer was
// able to determine it (typically from an SPS or IDR NAL).
type H264Header struct {
	Nalus        []NaluDescriptor
	Width        int
	Height       int
	TemporalID   uint8 // NoTemporalIndex when the stream carries no temporal layering
}

// PacketInfo carries the per-packet fields forwarded verbatim into an
// assembled frame's aggregated packet-info list: NTP time, rotation, color
// space, and similar auxiliary metadata the buffer does not interpret.
type PacketInfo struct {
	SequenceNumber int64
	ReceiveTimeMs  int64
	NTPTimeMs      int64
	Rotation       int
	ColorSpace     string
}

// Packet is one inbound media packet, arriving out of order over a lossy,
// unreliable transport. The buffer takes ownership of Payload the instant
// Insert is called: callers must not read or reuse Payload afterward.
type Packet struct {
	SequenceNumber uint16
	RTPTimestamp   uint32
	Codec          CodecType
	FrameType      FrameType
	IsFirstInFrame bool
	IsLastInFrame  bool
	MarkerBit      bool
	PayloadType    uint8

	// Payload is the owned packet payload. The buffer becomes sole owner of
	// this slice from the moment Insert is called.
	Payload []byte

	H264 H264Header

	NackCount   int
	ReceiveTime time.Time

	NTPTimeMs  int64
	Rotation   int
	ColorSpace string
}

func (p *Packet) isKeyframeMarker() bool {
	return p.FrameType == FrameTypeKey
}

// AssembledFrame is the materialized output of a completed contiguous run of
// packets: a copy of the concatenated payload bytes plus aggregated
// metadata, ready for delivery to the external frame sink.
type AssembledFrame struct {
	FirstSequenceNumber uint16
	LastSequenceNumber  uint16
	RTPTimestamp        uint32
	FrameType           FrameType
	Codec               CodecType
	Width               int
	Height              int

	Payload []byte

	MaxNackCount  int
	MinReceiveMs  int64
	MaxReceiveMs  int64
	MarkerBit     bool
	PayloadType   uint8
	NTPTimeMs     int64
	Rotation      int
	ColorSpace    string
	PacketInfos   []PacketInfo
}

// Sink receives assembled frames. OnAssembledFrame is invoked strictly from
// the goroutine that called Insert or PaddingReceived, after the buffer's
// internal lock has been released; it must not call back into the Buffer
// that produced the frame (no re-entrant locking guarantee is offered).
type Sink interface {
	OnAssembledFrame(frame *AssembledFrame)
}

// Clock provides a monotonic millisecond time source, decoupling the buffer
// from the wall clock for testability.
type Clock interface {
	TimeInMilliseconds() int64
}

// FieldTrialSource supplies the WebRTC-SpsPpsIdrIsH264Keyframe field-trial
// flag. It is read exactly once, at Buffer construction.
type FieldTrialSource interface {
	SpsPpsIdrIsH264Keyframe() bool
}
