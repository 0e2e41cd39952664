package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricsServer exposes /metrics and /healthz while a run is in progress.
type MetricsServer struct {
	srv    *http.Server
	logger logrus.FieldLogger
}

func NewMetricsServer(addr string, metrics http.Handler, logger logrus.FieldLogger) *MetricsServer {
	mw := NewLogMiddleware(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", mw.Wrap(metrics))
	mux.Handle("/healthz", mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})))

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the routed handler, for tests.
func (s *MetricsServer) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens on the configured address and serves in the background.
func (s *MetricsServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.WithField("addr", ln.Addr().String()).Info("metrics server listening")
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithField("error", err).Error("metrics server stopped")
		}
	}()
	return nil
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
