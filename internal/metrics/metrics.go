// Package metrics provides Prometheus instrumentation for guarded calls.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/rpcguard/internal/model"
)

var (
	// AdmissionsTotal counts granted admissions by resource, scope, and call mode.
	AdmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcguard",
			Name:      "admissions_total",
			Help:      "Total admissions granted by resource, scope, and call mode.",
		},
		[]string{"resource", "scope", "mode"},
	)

	// DenialsTotal counts denied admissions by resource, scope, and cause.
	DenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcguard",
			Name:      "denials_total",
			Help:      "Total admissions denied by resource, scope, and cause.",
		},
		[]string{"resource", "scope", "cause"},
	)

	// FallbacksTotal counts fallback invocations by target service.
	FallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rpcguard",
			Name:      "fallbacks_total",
			Help:      "Total fallback invocations by service.",
		},
		[]string{"service"},
	)
)

func init() {
	prometheus.MustRegister(
		AdmissionsTotal,
		DenialsTotal,
		FallbacksTotal,
	)
}

// Observer records guard outcomes into the package counters.
type Observer struct{}

// OnAdmit implements guard.Observer.
func (Observer) OnAdmit(_ context.Context, scope model.Scope, res model.Resource, mode model.CallMode) {
	AdmissionsTotal.WithLabelValues(res.Name, string(scope), string(mode)).Inc()
}

// OnDeny implements guard.Observer.
func (Observer) OnDeny(_ context.Context, scope model.Scope, res model.Resource, _ model.CallMode, d *model.Denial) {
	cause := "unknown"
	if d != nil {
		cause = string(d.Cause)
	}
	DenialsTotal.WithLabelValues(res.Name, string(scope), cause).Inc()
}

// OnFallback implements guard.Observer.
func (Observer) OnFallback(_ context.Context, desc model.CallDescriptor, _ *model.Denial, _ error) {
	FallbacksTotal.WithLabelValues(desc.Service).Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes Handler on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
