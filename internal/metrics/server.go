package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
)

// Handler returns the HTTP handler serving the default Prometheus registry.
func Handler() http.Handler {
	Get()
	return promhttp.Handler()
}

// Serve runs the metrics endpoint on addr until ctx is cancelled. extra
// mounts additional handlers, such as health probes, by path.
func Serve(ctx context.Context, addr string, logger *logging.Logger, extra map[string]http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindTransport, "failed to listen for metrics on %s", addr)
	}
	return serve(ctx, ln, logger, extra)
}

func serve(ctx context.Context, ln net.Listener, logger *logging.Logger, extra map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, errors.KindTransport, "metrics server failed")
	}
	return nil
}
