package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altergolden_cache_requests_total",
		Help: "Cache reads by serving backend and result.",
	}, []string{"backend", "result"})

	metricWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "altergolden_cache_writes_total",
		Help: "Cache writes by backend.",
	}, []string{"backend"})

	metricBackendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "altergolden_cache_backend_errors_total",
		Help: "Networked backend errors that triggered local fallback.",
	})
)
