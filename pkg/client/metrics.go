package client

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	ops         *prometheus.CounterVec
	bytesUp     prometheus.Counter
	bytesDown   prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xorstore",
			Subsystem: "client",
			Name:      "operations_total",
			Help:      "Client operations by name and outcome.",
		}, []string{"op", "outcome"}),
		bytesUp: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xorstore",
			Subsystem: "client",
			Name:      "uploaded_bytes_total",
			Help:      "Record bytes written to the store.",
		}),
		bytesDown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xorstore",
			Subsystem: "client",
			Name:      "downloaded_bytes_total",
			Help:      "Plaintext bytes reassembled from the store.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xorstore",
			Subsystem: "client",
			Name:      "cache_hits_total",
			Help:      "Immutable record reads served from cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "xorstore",
			Subsystem: "client",
			Name:      "cache_misses_total",
			Help:      "Immutable record reads that went to the store.",
		}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.ops, err = register(reg, m.ops); err != nil {
		return nil, err
	}
	for _, c := range []*prometheus.Counter{&m.bytesUp, &m.bytesDown, &m.cacheHits, &m.cacheMisses} {
		if *c, err = register(reg, *c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// register adds c to reg, reusing an identical collector registered by an
// earlier client.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
