// Package quicsink delivers assembled frames to subscribers over QUIC. Each
// subscriber gets its own stream per frame; a frame ends where its stream
// ends, so the far end needs no separate framing protocol.
package quicsink

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/packetbuffer/buffer"
	"github.com/zsiec/packetbuffer/certs"
)

// frameHeaderSize is the fixed-width header written before every frame's
// payload: sequence range (2+2), timestamp (4), max NACK count (4),
// frame/codec type (1+1), and resolution (4+4).
const frameHeaderSize = 2 + 2 + 4 + 4 + 1 + 1 + 4 + 4

// sendTimeout bounds opening a stream to one subscriber and writing one
// frame to it.
const sendTimeout = time.Second

// Config configures a Sink.
type Config struct {
	Addr string
	Cert *certs.CertInfo
	Log  *slog.Logger
}

// Sink accepts QUIC connections from subscribers and fans out every
// assembled frame it receives to each connected subscriber on its own
// (bidirectional) stream. It implements buffer.Sink.
type Sink struct {
	log *slog.Logger
	cfg Config

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

type subscriber struct {
	conn *quic.Conn
}

// New creates a Sink. If cfg.Log is nil, slog.Default() is used.
func New(cfg Config) *Sink {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Sink{
		log:  log.With("component", "quic-sink"),
		cfg:  cfg,
		subs: make(map[*subscriber]struct{}),
	}
}

// Start listens for subscriber connections and blocks until ctx is
// cancelled.
func (s *Sink) Start(ctx context.Context) error {
	ln, err := quic.ListenAddr(s.cfg.Addr, s.cfg.Cert.ServerTLSConfig(), &quic.Config{})
	if err != nil {
		return fmt.Errorf("quic listen on %s: %w", s.cfg.Addr, err)
	}
	s.log.Info("listening", "addr", s.cfg.Addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		sub := &subscriber{conn: conn}
		s.addSubscriber(sub)
		go s.watchSubscriber(ctx, sub)
	}
}

func (s *Sink) addSubscriber(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub] = struct{}{}
	s.log.Info("subscriber connected", "remote", sub.conn.RemoteAddr())
}

func (s *Sink) removeSubscriber(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func (s *Sink) watchSubscriber(ctx context.Context, sub *subscriber) {
	select {
	case <-ctx.Done():
	case <-sub.conn.Context().Done():
	}
	s.removeSubscriber(sub)
}

// OnAssembledFrame implements buffer.Sink. It is called synchronously by the
// buffer, so delivery to slow subscribers must not block indefinitely; each
// stream write uses a bounded context.
func (s *Sink) OnAssembledFrame(frame *buffer.AssembledFrame) {
	s.mu.RLock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	payload := encodeFrame(frame)
	for _, sub := range subs {
		if err := sub.send(payload); err != nil {
			s.log.Debug("dropping frame for subscriber", "remote", sub.conn.RemoteAddr(), "error", err)
		}
	}
}

func (sub *subscriber) send(payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	stream, err := sub.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetWriteDeadline(deadline); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}

	if _, err := stream.Write(payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// encodeFrame serializes a frame header plus payload into a single buffer
// suitable for a length-implicit stream (the receiver reads until the
// stream's FIN).
func encodeFrame(frame *buffer.AssembledFrame) []byte {
	buf := make([]byte, frameHeaderSize+len(frame.Payload))

	binary.BigEndian.PutUint16(buf[0:2], frame.FirstSequenceNumber)
	binary.BigEndian.PutUint16(buf[2:4], frame.LastSequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], frame.RTPTimestamp)
	binary.BigEndian.PutUint32(buf[8:12], uint32(frame.MaxNackCount))
	buf[12] = byte(frame.FrameType)
	buf[13] = byte(frame.Codec)
	binary.BigEndian.PutUint32(buf[14:18], uint32(frame.Width))
	binary.BigEndian.PutUint32(buf[18:22], uint32(frame.Height))
	copy(buf[frameHeaderSize:], frame.Payload)

	return buf
}
