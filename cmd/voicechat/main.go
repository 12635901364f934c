// Command voicechat holds one voice conversation with the field advisor.
// By default a WAV file stands in for the microphone and the agent's speech
// is written to another WAV file, so the client runs without audio hardware.
// Binaries built with cgo and -tags malgo can use the system devices
// instead (voice.device: system).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pranicsoil/fieldvoice/internal/broker"
	"github.com/pranicsoil/fieldvoice/internal/config"
	"github.com/pranicsoil/fieldvoice/internal/observe"
	"github.com/pranicsoil/fieldvoice/internal/voice"
	"github.com/pranicsoil/fieldvoice/internal/voice/agent"
	"github.com/pranicsoil/fieldvoice/internal/voice/lock"
	"github.com/pranicsoil/fieldvoice/internal/voice/playback"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "fieldvoice.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", "", "optional .env file loaded before the configuration")
	maxDuration := flag.Duration("max-duration", 5*time.Minute, "end the conversation after this long")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	if err := config.LoadEnv(envFiles...); err != nil {
		fmt.Fprintf(os.Stderr, "voicechat: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.RequireVoice()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicechat: %v\n", err)
		return 1
	}
	vc := cfg.Voice

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel.Slog()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	if *metricsAddr != "" {
		addr, shutdownTelemetry, err := startTelemetry(ctx, *metricsAddr)
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
		slog.Info("serving metrics", "addr", addr)
	}
	metrics := observe.DefaultMetrics()

	// ── Collaborators ─────────────────────────────────────────────────────────
	brokerOpts := []broker.Option{broker.WithMetrics(metrics)}
	if vc.AccessToken != "" {
		brokerOpts = append(brokerOpts, broker.WithAccessToken(vc.AccessToken))
	}
	client, err := broker.NewClient(vc.BrokerURL, brokerOpts...)
	if err != nil {
		slog.Error("failed to create broker client", "err", err)
		return 1
	}

	lockMgr, closeLock, err := newLock(vc.Lock, metrics)
	if err != nil {
		slog.Error("failed to create connection lock", "err", err)
		return 1
	}
	defer closeLock()

	rate := vc.Audio.PlaybackRate
	if rate == 0 {
		rate = playback.DefaultSampleRate
	}
	mic, speaker, closeDevices, err := newDevices(vc, rate)
	if err != nil {
		slog.Error("failed to open audio devices", "device", vc.Device, "err", err)
		return 1
	}
	defer func() {
		if err := closeDevices(); err != nil {
			slog.Warn("audio device close error", "err", err)
		}
	}()

	statuses := make(chan voice.Status, 16)
	keepAlive := time.Duration(0)
	if vc.Lock.StaleAfter > 0 {
		keepAlive = vc.Lock.StaleAfter / 3
	}
	a, err := agent.New(agent.Config{
		Microphone:   mic,
		Output:       speaker,
		Broker:       client,
		Lock:         lockMgr,
		Origin:       vc.BrokerURL,
		MaxJitter:    vc.Lock.MaxJitter,
		KeepAlive:    keepAlive,
		PlaybackRate: vc.Audio.PlaybackRate,
		ChunkSamples: vc.Audio.ChunkSamples,
		VolumeMode:   playback.VolumeMode(vc.Audio.VolumeMode),
		Metrics:      metrics,
		OnStatus: func(s voice.Status) {
			select {
			case statuses <- s:
			default:
			}
		},
		OnTranscript: func(who agent.Speaker, text string) {
			fmt.Printf("%-5s: %s\n", who, text)
		},
	})
	if err != nil {
		slog.Error("failed to create agent", "err", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Warn("agent close error", "err", err)
		}
	}()

	// ── Conversation ──────────────────────────────────────────────────────────
	ok, err := a.Connect(ctx, agent.ConnectRequest{Context: vc.Context, SubjectID: vc.SubjectID})
	if err != nil {
		slog.Error("connect failed", "err", err)
		return 1
	}
	if !ok {
		slog.Warn("another session holds the connection lock; try again shortly")
		return 2
	}
	slog.Info("conversation started", "session_id", a.Session().ID, "context", a.Session().Context)

	timer := time.NewTimer(*maxDuration)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("interrupted, ending conversation")
			a.Disconnect()
			return 0
		case <-timer.C:
			slog.Info("maximum duration reached, ending conversation", "max_duration", *maxDuration)
			a.Disconnect()
			return 0
		case s := <-statuses:
			slog.Debug("status", "status", s)
			switch s {
			case voice.StatusIdle:
				slog.Info("conversation ended", "duration", a.Session().Duration(time.Now()).Round(time.Second))
				return 0
			case voice.StatusError:
				slog.Error("conversation failed", "err", a.Err())
				return 1
			}
		}
	}
}

// newLock builds the configured lock backend and a func releasing its
// resources.
func newLock(cfg config.LockConfig, m *observe.Metrics) (lock.Manager, func(), error) {
	opts := []lock.Option{lock.WithMetrics(m)}
	if cfg.StaleAfter > 0 {
		opts = append(opts, lock.WithStaleAfter(cfg.StaleAfter))
	}

	switch cfg.Backend {
	case config.LockRedis:
		if cfg.Key != "" {
			opts = append(opts, lock.WithKey(cfg.Key))
		}
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		return lock.NewRedis(rdb, opts...), func() { _ = rdb.Close() }, nil
	case config.LockMemory, "":
		return lock.NewMemory(opts...), func() {}, nil
	default:
		return nil, nil, errors.New("unknown lock backend " + string(cfg.Backend))
	}
}
