package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/packetbuffer/buffer"
	"github.com/zsiec/packetbuffer/certs"
	"github.com/zsiec/packetbuffer/ingest/rtpsrt"
	"github.com/zsiec/packetbuffer/sink/quicsink"
)

var version = "dev"

const (
	defaultStartCapacity = 512
	defaultMaxCapacity   = 8192
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("generating self-signed certificate")
	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	srtAddr := envOr("PB_LISTEN_ADDR", ":6000")
	quicAddr := envOr("PB_SINK_ADDR", ":4443")
	startCapacity := envOrInt("PB_START_CAPACITY", defaultStartCapacity)
	maxCapacity := envOrInt("PB_MAX_CAPACITY", defaultMaxCapacity)

	sink := quicsink.New(quicsink.Config{Addr: quicAddr, Cert: cert})

	buf := buffer.New(
		rtpsrt.WallClock,
		startCapacity,
		maxCapacity,
		sink,
		envFieldTrials{},
		nil,
	)

	srtSrv := rtpsrt.NewServer(srtAddr, buf, nil)

	slog.Info("receiver starting",
		"version", version,
		"srt", srtAddr,
		"quic", quicAddr,
		"cert_hash", cert.FingerprintBase64(),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		return sink.Start(ctx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// envFieldTrials reads the WebRTC-SpsPpsIdrIsH264Keyframe field trial from
// the environment, defaulting to disabled to match legacy behavior.
type envFieldTrials struct{}

func (envFieldTrials) SpsPpsIdrIsH264Keyframe() bool {
	v, err := strconv.ParseBool(os.Getenv("SPS_PPS_IDR_IS_H264_KEYFRAME"))
	return err == nil && v
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
