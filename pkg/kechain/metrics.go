package kechain

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// instrumentRoundTripper wraps next with request counters and latency
// histograms registered on reg. Collectors already registered by another
// client on the same registry are reused.
func instrumentRoundTripper(reg prometheus.Registerer, next http.RoundTripper) (http.RoundTripper, error) {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kechain",
		Subsystem: "client",
		Name:      "requests_total",
		Help:      "Requests sent to the KE-chain backend by status code and method.",
	}, []string{"code", "method"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "kechain",
		Subsystem: "client",
		Name:      "request_duration_seconds",
		Help:      "Latency of requests sent to the KE-chain backend.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "kechain",
		Subsystem: "client",
		Name:      "in_flight_requests",
		Help:      "Requests currently waiting for a backend response.",
	})

	var err error
	if requests, err = register(reg, requests); err != nil {
		return nil, err
	}
	if duration, err = register(reg, duration); err != nil {
		return nil, err
	}
	if inFlight, err = register(reg, inFlight); err != nil {
		return nil, err
	}

	return promhttp.InstrumentRoundTripperInFlight(inFlight,
		promhttp.InstrumentRoundTripperCounter(requests,
			promhttp.InstrumentRoundTripperDuration(duration, next),
		),
	), nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("kechain: register metrics: %w", err)
	}
	return c, nil
}
