package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/apifetch/pkg/metrics"
)

// metricsServer exposes /metrics for the duration of a run.
type metricsServer struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// startMetricsServer listens on addr and serves the engine registry in the
// background. Port 0 picks a free port; Addr reports the bound address.
func startMetricsServer(addr string) (*metricsServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	ms := &metricsServer{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(ms.done)
		if err := ms.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", ln.Addr().String()).Msg("Metrics server failed")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("Serving metrics")
	return ms, nil
}

// Addr returns the bound listen address.
func (ms *metricsServer) Addr() string {
	return ms.listener.Addr().String()
}

// Close shuts the server down, waiting briefly for in-flight scrapes.
func (ms *metricsServer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ms.server.Shutdown(ctx)
	<-ms.done
	return err
}
