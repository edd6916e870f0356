package middleware

import (
	"sync"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	promOnce sync.Once
	prom     *fiberprometheus.FiberPrometheus
)

// ActiveWebSockets tracks open sync channel connections.
var ActiveWebSockets = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "agora_active_websockets",
	Help: "Number of open websocket sync channels",
})

// InitMetrics returns the process-wide HTTP metrics collector. The collector
// registers with the default registry once, so later calls return the same one.
func InitMetrics(serviceName string) *fiberprometheus.FiberPrometheus {
	promOnce.Do(func() {
		prom = fiberprometheus.New(serviceName)
	})
	return prom
}

// MetricsMiddleware records request counts and latencies.
func MetricsMiddleware(p *fiberprometheus.FiberPrometheus) fiber.Handler {
	return p.Middleware
}
