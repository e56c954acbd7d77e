package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/annel0/mmo-territory/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server отдельный HTTP-сервер для /metrics
type Server struct {
	httpServer *http.Server
}

// NewServer создаёт сервер метрик на порту port
func NewServer(port int, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start запускает сервер в фоне
func (s *Server) Start() {
	go func() {
		logging.Info("📈 Метрики Prometheus на %s/metrics", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("❌ Ошибка сервера метрик: %v", err)
		}
	}()
}

// Stop останавливает сервер
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
