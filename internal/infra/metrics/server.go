package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessProbe checks one of the worker's dependencies (job store,
// broker, object storage). A worker that cannot reach its dependencies
// should be taken out of rotation rather than nack every delivery.
type ReadinessProbe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves /metrics plus the liveness and readiness endpoints the
// worker deployments probe.
func Handler(logger *zap.Logger, probes []ReadinessProbe) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		for _, p := range probes {
			if err := p.Check(ctx); err != nil {
				logger.Warn("readiness probe failed",
					zap.String("dependency", p.Name),
					zap.Error(err),
				)
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "%s: %v", p.Name, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return mux
}

func StartMetricsServer(ctx context.Context, port int, logger *zap.Logger, probes ...ReadinessProbe) *http.Server {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: Handler(logger, probes),
	}

	go func() {
		logger.Info("metrics server starting", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	return srv
}
