package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ControlCollector holds the run-control RPC metrics and the per-state unit
// gauge. A nil *ControlCollector is valid and records nothing.
type ControlCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
	Units        *prometheus.GaugeVec
}

// NewControlCollector registers the control metrics on reg, or on the
// default registry when reg is nil. Registering twice on the same registry
// returns the collectors already there.
func NewControlCollector(reg prometheus.Registerer) (*ControlCollector, error) {
	reg, gatherer := registryPair(reg)

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cosim_control_requests_total",
		Help: "Handled run-control RPCs by service, method and gRPC code.",
	}, []string{"service", "method", "code"}))
	if err != nil {
		return nil, err
	}
	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cosim_control_request_duration_seconds",
		Help:    "Run-control RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"service", "method"}))
	if err != nil {
		return nil, err
	}
	units, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cosim_units",
		Help: "Units in the ensemble by lifecycle state.",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}

	return &ControlCollector{
		gatherer:     gatherer,
		RPCRequests:  requests,
		RPCDurations: durations,
		Units:        units,
	}, nil
}

// UnaryServerInterceptor counts each unary RPC and observes its latency.
func (c *ControlCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}
		var full string
		if info != nil {
			full = info.FullMethod
		}
		service, method := SplitMethod(full)
		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// Handler serves every metric on the collector's registry, including the
// run metrics when they share it.
func (c *ControlCollector) Handler() http.Handler {
	g := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		g = c.gatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetUnitCounts replaces the per-state unit gauge with counts.
func (c *ControlCollector) SetUnitCounts(counts map[string]int) {
	if c == nil {
		return
	}
	c.Units.Reset()
	for state, n := range counts {
		c.Units.WithLabelValues(state).Set(float64(n))
	}
}

// SplitMethod turns "/pkg.Service/Method" into ("Service", "Method"). Parts
// that cannot be parsed come back as "unknown".
func SplitMethod(fullMethod string) (service, method string) {
	service, method = "unknown", "unknown"
	path := strings.TrimPrefix(fullMethod, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return service, method
	}
	svc, m := path[:i], path[i+1:]
	if j := strings.LastIndex(svc, "/"); j >= 0 {
		svc = svc[j+1:]
	}
	if j := strings.LastIndex(svc, "."); j >= 0 && j+1 < len(svc) {
		svc = svc[j+1:]
	}
	if svc != "" {
		service = svc
	}
	if m != "" {
		method = m
	}
	return service, method
}

func registryPair(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		return prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		return reg, g
	}
	return reg, prometheus.DefaultGatherer
}

// register adds c to reg. When an equal collector is already registered it
// returns that one so that collectors can be rebuilt on a shared registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
		return c, fmt.Errorf("observability: collector registered with a different type: %w", err)
	}
	return c, err
}
