package buffer

import "github.com/zsiec/packetbuffer/internal/seqnum"

// findFrames walks forward from seq, marking slots continuous and
// materializing a frame each time a continuous run reaches a frame-end
// marker. It stops after capacity iterations or as soon as the continuity
// predicate fails, whichever comes first — see spec.md §4.F.
func (b *Buffer) findFrames(seq uint16) []*AssembledFrame {
	var out []*AssembledFrame
	capacity := b.table.capacity()

	for i := 0; i < capacity; i++ {
		if !b.potentialNewFrame(seq) {
			break
		}

		s := b.table.at(b.table.index(seq))
		s.continuous = true

		if s.packet.IsLastInFrame {
			frame, abort := b.materializeFrame(seq)
			if frame != nil {
				out = append(out, frame)
			}
			if abort {
				return out
			}
		}

		seq++
	}
	return out
}

// potentialNewFrame reports whether the slot at seq is used, holds seq, and
// either carries the frame-begin marker or chains continuously from a
// same-timestamp predecessor — spec.md §3 invariant 4.
func (b *Buffer) potentialNewFrame(seq uint16) bool {
	entry, ok := b.table.get(seq)
	if !ok {
		return false
	}
	if entry.packet.IsFirstInFrame {
		return true
	}

	prev, ok := b.table.get(seq - 1)
	if !ok {
		return false
	}
	if prev.packet.RTPTimestamp != entry.packet.RTPTimestamp {
		return false
	}
	return prev.continuous
}

// materializeFrame walks backward from the slot at endSeq (which carries the
// frame-end marker), accumulating aggregate metadata and, for H.264,
// resolving the codec-specific keyframe and frame-boundary rules of spec.md
// §4.F. It returns the assembled frame (nil if none was produced) and
// whether the caller should abort the entire findFrames pass.
func (b *Buffer) materializeFrame(endSeq uint16) (*AssembledFrame, bool) {
	capacity := b.table.capacity()
	endSlot := b.table.at(b.table.index(endSeq))
	frameTimestamp := endSlot.packet.RTPTimestamp
	isH264 := endSlot.packet.Codec == CodecH264

	var (
		frameSize            int
		maxNackCount         = -1
		minRecvMs, maxRecvMs int64
		packetInfos          []PacketInfo

		hasSPS, hasPPS, hasIDR, isKeyframe bool
		idrWidth, idrHeight                = -1, -1
	)

	startSeq := endSeq
	testedPackets := 0

	for {
		testedPackets++
		cur := b.table.at(b.table.index(startSeq))

		frameSize += len(cur.packet.Payload)
		if cur.packet.NackCount > maxNackCount {
			maxNackCount = cur.packet.NackCount
		}
		recvMs := cur.packet.ReceiveTime.UnixMilli()
		if testedPackets == 1 {
			minRecvMs, maxRecvMs = recvMs, recvMs
		} else {
			if recvMs < minRecvMs {
				minRecvMs = recvMs
			}
			if recvMs > maxRecvMs {
				maxRecvMs = recvMs
			}
		}
		packetInfos = append(packetInfos, packetInfoFrom(&cur.packet))

		if !isH264 && cur.packet.IsFirstInFrame {
			break
		}

		if isH264 {
			if len(cur.packet.H264.Nalus) >= kMaxNalusPerPacket {
				return nil, true
			}
			for _, n := range cur.packet.H264.Nalus {
				switch n.Type {
				case NaluTypeSPS:
					hasSPS = true
				case NaluTypePPS:
					hasPPS = true
				case NaluTypeIDR:
					hasIDR = true
				}
			}
			if (b.spsPpsIdrIsH264Keyframe && hasIDR && hasSPS && hasPPS) ||
				(!b.spsPpsIdrIsH264Keyframe && hasIDR) {
				isKeyframe = true
				if cur.packet.H264.Width > 0 && cur.packet.H264.Height > 0 {
					idrWidth, idrHeight = cur.packet.H264.Width, cur.packet.H264.Height
				}
			}
		}

		if testedPackets == capacity {
			break
		}

		peekSeq := startSeq - 1
		if isH264 {
			peek, ok := b.table.get(peekSeq)
			if !ok || peek.packet.RTPTimestamp != frameTimestamp {
				// H.264 has no reliable frame-begin marker: stop when the
				// same-timestamp run ends. This may yield an incomplete
				// frame; downstream reference resolution is expected to
				// compensate.
				break
			}
		}
		startSeq = peekSeq
	}

	reversePacketInfos(packetInfos)

	firstSlot := b.table.at(b.table.index(startSeq))

	if isH264 {
		if hasIDR && (!hasSPS || !hasPPS) {
			b.log.Warn("H.264 IDR without SPS/PPS, treating per field-trial rule",
				"sps", hasSPS, "pps", hasPPS,
				"sps_pps_idr_is_h264_keyframe", b.spsPpsIdrIsH264Keyframe)
		}

		if isKeyframe {
			firstSlot.packet.FrameType = FrameTypeKey
			if idrWidth > 0 && idrHeight > 0 {
				firstSlot.packet.H264.Width = idrWidth
				firstSlot.packet.H264.Height = idrHeight
			}
		} else {
			firstSlot.packet.FrameType = FrameTypeDelta
		}

		tid := firstSlot.packet.H264.TemporalID
		if tid == NoTemporalIndex && !isKeyframe && b.missing.hasOlderThan(startSeq) {
			return nil, true
		}
	}

	b.missing.eraseUpTo(endSeq)

	first := firstSlot.packet
	last := endSlot.packet

	payload := make([]byte, 0, frameSize)
	for s, n := startSeq, 0; n <= int(seqnum.ForwardDiff(startSeq, endSeq)); s, n = s+1, n+1 {
		payload = append(payload, b.table.at(b.table.index(s)).packet.Payload...)
	}

	frame := &AssembledFrame{
		FirstSequenceNumber: startSeq,
		LastSequenceNumber:  endSeq,
		RTPTimestamp:        first.RTPTimestamp,
		FrameType:           first.FrameType,
		Codec:               first.Codec,
		Width:               first.H264.Width,
		Height:              first.H264.Height,
		Payload:             payload,
		MaxNackCount:        maxNackCount,
		MinReceiveMs:        minRecvMs,
		MaxReceiveMs:        maxRecvMs,
		MarkerBit:           last.MarkerBit,
		PayloadType:         first.PayloadType,
		NTPTimeMs:           first.NTPTimeMs,
		Rotation:            last.Rotation,
		ColorSpace:          last.ColorSpace,
		PacketInfos:         packetInfos,
	}

	b.clearInterval(startSeq, endSeq)

	return frame, false
}

func packetInfoFrom(p *Packet) PacketInfo {
	return PacketInfo{
		SequenceNumber: int64(p.SequenceNumber),
		ReceiveTimeMs:  p.ReceiveTime.UnixMilli(),
		NTPTimeMs:      p.NTPTimeMs,
		Rotation:       p.Rotation,
		ColorSpace:     p.ColorSpace,
	}
}

func reversePacketInfos(s []PacketInfo) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
