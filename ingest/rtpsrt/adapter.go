// Package rtpsrt adapts an SRT socket carrying raw RTP/H.264 packets into
// calls against a reassembly buffer. It terminates the SRT session, unmarshals
// each datagram as an RTP packet, classifies the H.264 NAL units it carries,
// and forwards the result to buffer.Insert.
package rtpsrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pion/rtp"
	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/packetbuffer/buffer"
	"github.com/zsiec/packetbuffer/internal/nalu"
)

// srtReadBufferSize bounds a single SRT socket read. RTP/H.264 packets over
// SRT are typically well under 1500 bytes; this leaves headroom for jumbo
// payloads without over-allocating per read.
const srtReadBufferSize = 2048

// srtLatencyNs is the SRT receive latency in nanoseconds (120ms), matching
// typical low-latency live ingest deployments.
const srtLatencyNs = 120_000_000

// wallClock adapts time.Now to buffer.Clock.
type wallClock struct{}

func (wallClock) TimeInMilliseconds() int64 { return time.Now().UnixMilli() }

// WallClock is the production buffer.Clock implementation.
var WallClock buffer.Clock = wallClock{}

// Server accepts incoming SRT publish connections, depacketizes RTP carried
// over them, and inserts packets into buf. Each accepted connection is
// handled on its own goroutine, and all of them insert into the same buf;
// packets from concurrent publishers are not kept apart.
type Server struct {
	log  *slog.Logger
	addr string
	buf  *buffer.Buffer
}

// NewServer creates an SRT ingest server. If log is nil, slog.Default() is used.
func NewServer(addr string, buf *buffer.Buffer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		log:  log.With("component", "rtpsrt-server"),
		addr: addr,
		buf:  buf,
	}
}

// Start begins accepting SRT publish connections. It blocks until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs

	l, err := srtgo.Listen(s.addr, cfg)
	if err != nil {
		return fmt.Errorf("SRT listen on %s: %w", s.addr, err)
	}
	s.log.Info("listening", "addr", s.addr)

	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if req.StreamID == "" {
			return srtgo.RejPeer
		}
		return 0
	})

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}

		streamKey := extractStreamKey(conn.StreamID())
		s.log.Info("publish", "stream_key", streamKey, "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn, streamKey)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn *srtgo.Conn, streamKey string) {
	defer conn.Close()

	d := &depacketizer{log: s.log.With("stream_key", streamKey), buf: s.buf}

	buf := make([]byte, srtReadBufferSize)
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := conn.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug("read error", "stream_key", streamKey, "error", err)
			}
			break
		}
		d.handleDatagram(buf[:n])
	}

	s.log.Info("connection closed", "stream_key", streamKey, "packets", d.packetCount)
}

func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

// depacketizer unmarshals RTP packets and translates their H.264 payload
// into the NAL-aware fields the reassembly buffer needs to classify
// keyframes and frame boundaries.
type depacketizer struct {
	log         *slog.Logger
	buf         *buffer.Buffer
	packetCount int
}

func (d *depacketizer) handleDatagram(data []byte) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		d.log.Debug("RTP unmarshal error", "error", err)
		return
	}
	d.packetCount++

	if len(pkt.Payload) == 0 {
		d.buf.PaddingReceived(pkt.SequenceNumber)
		return
	}

	nalus, header := classifyPayload(pkt.Payload)

	d.buf.Insert(&buffer.Packet{
		SequenceNumber: pkt.SequenceNumber,
		RTPTimestamp:   pkt.Timestamp,
		Codec:          buffer.CodecH264,
		IsFirstInFrame: header.isFirst,
		IsLastInFrame:  pkt.Marker,
		MarkerBit:      pkt.Marker,
		PayloadType:    pkt.PayloadType,
		Payload:        pkt.Payload,
		H264: buffer.H264Header{
			Nalus:      nalus,
			Width:      header.width,
			Height:     header.height,
			TemporalID: buffer.NoTemporalIndex,
		},
		ReceiveTime: time.Now(),
	})
}

type payloadHeader struct {
	isFirst       bool
	width, height int
}

// classifyPayload extracts NAL unit descriptors from a single-NAL or
// STAP-A aggregated RTP/H.264 payload (RFC 6184 §5.7.1). Fragmented (FU-A)
// payloads are classified by the NAL unit type carried in the FU header, and
// the frame-begin marker follows the fragmentation-unit start bit.
func classifyPayload(payload []byte) ([]buffer.NaluDescriptor, payloadHeader) {
	if len(payload) == 0 {
		return nil, payloadHeader{}
	}

	naluType := payload[0] & 0x1F
	const (
		typeSTAPA = 24
		typeFUA   = 28
	)

	switch naluType {
	case typeSTAPA:
		return classifySTAPA(payload[1:])
	case typeFUA:
		if len(payload) < 2 {
			return nil, payloadHeader{}
		}
		fuHeader := payload[1]
		start := fuHeader&0x80 != 0
		fragType := fuHeader & 0x1F
		desc, hdr := descriptorFor(fragType, payload[2:])
		hdr.isFirst = start
		return []buffer.NaluDescriptor{desc}, hdr
	default:
		desc, hdr := descriptorFor(naluType, payload[1:])
		hdr.isFirst = true
		return []buffer.NaluDescriptor{desc}, hdr
	}
}

func classifySTAPA(data []byte) ([]buffer.NaluDescriptor, payloadHeader) {
	var (
		descs []buffer.NaluDescriptor
		hdr   payloadHeader
	)
	hdr.isFirst = true

	for len(data) >= 2 {
		size := int(data[0])<<8 | int(data[1])
		data = data[2:]
		if size <= 0 || size > len(data) {
			break
		}
		naluType := data[0] & 0x1F
		desc, nested := descriptorFor(naluType, data[1:size])
		descs = append(descs, desc)
		if nested.width > 0 {
			hdr.width, hdr.height = nested.width, nested.height
		}
		data = data[size:]
	}
	return descs, hdr
}

func descriptorFor(naluType byte, rbsp []byte) (buffer.NaluDescriptor, payloadHeader) {
	var hdr payloadHeader
	var t buffer.NaluType

	switch naluType {
	case nalu.TypeSPS:
		t = buffer.NaluTypeSPS
		if w, h, err := nalu.SPSResolution(append([]byte{0x67}, rbsp...)); err == nil {
			hdr.width, hdr.height = w, h
		}
	case nalu.TypePPS:
		t = buffer.NaluTypePPS
	case nalu.TypeIDR:
		t = buffer.NaluTypeIDR
	case nalu.TypeAUD:
		t = buffer.NaluTypeAUD
	case nalu.TypeSlice:
		t = buffer.NaluTypeSlice
	default:
		t = buffer.NaluTypeOther
	}
	return buffer.NaluDescriptor{Type: t}, hdr
}
