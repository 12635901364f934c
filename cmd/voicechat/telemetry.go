package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pranicsoil/fieldvoice/internal/observe"
)

// startTelemetry installs the SDK providers and serves Prometheus metrics on
// addr. It returns the bound address and a func stopping both.
func startTelemetry(ctx context.Context, addr string) (string, func(context.Context) error, error) {
	shutdownProviders, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voicechat"})
	if err != nil {
		return "", nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, errors.Join(fmt.Errorf("metrics listener: %w", err), shutdownProviders(ctx))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", observe.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server error", "err", err)
		}
	}()

	return ln.Addr().String(), func(ctx context.Context) error {
		return errors.Join(srv.Shutdown(ctx), shutdownProviders(ctx))
	}, nil
}
