package monitoring

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves the metrics over HTTP.
type Exporter struct {
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// ExportPrometheusMetrics launches the Prometheus exporter on the configured
// address.
func ExportPrometheusMetrics(cfg Prometheus, m *Metrics) (*Exporter, error) {
	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(
		m.Registry(), promhttp.HandlerOpts{},
	))

	e := &Exporter{
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(e.done)

		err := e.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Prometheus exporter failed: %v", err)
		}
	}()

	log.Infof("Prometheus exporter started on %v/metrics", listener.Addr())

	return e, nil
}

// Addr returns the address the exporter listens on.
func (e *Exporter) Addr() net.Addr {
	return e.listener.Addr()
}

// Stop shuts the HTTP server down.
func (e *Exporter) Stop() error {
	err := e.server.Close()
	<-e.done

	return err
}
