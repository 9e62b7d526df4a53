package runtime

import (
	"errors"
	"net/http"
	"time"

	"github.com/ghalamif/fieldlink/internal/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newMetricsMux serves /metrics from gatherer and /healthz from healthy.
func newMetricsMux(gatherer prometheus.Gatherer, healthy func() bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// startMetrics returns nil when addr is empty or "off".
func startMetrics(addr string, gatherer prometheus.Gatherer, healthy func() bool, obs ports.Observability) *http.Server {
	if addr == "" || addr == "off" {
		return nil
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMetricsMux(gatherer, healthy),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obs.LogError("metrics_server_exited", err, ports.Field{Key: "addr", Value: addr})
		}
	}()
	return srv
}
