package tunnel

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/rpfwd/rpfwd/metrics"
)

// serveMetrics starts an HTTP server exposing reg on /metrics, grounded on
// the teacher's exporter_example2 wiring (promhttp.Handler() registered
// against a dedicated mux). The listener is bound synchronously so a bad
// -metrics-listen address surfaces immediately; serving itself runs in a
// background goroutine since this is purely an ambient side-channel that
// must never block the cooperative control loop.
func serveMetrics(addr string, reg *metrics.Registry, log *logrus.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Prometheus(), promhttp.HandlerOpts{}))
	go func() {
		if err := http.Serve(ln, mux); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()
	log.WithField("addr", addr).Info("metrics server listening")
	return nil
}
