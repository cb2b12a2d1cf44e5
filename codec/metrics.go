package codec

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	opSerialize   = "serialize"
	opDeserialize = "deserialize"
)

// metrics is nil when no registerer was configured; all methods accept a nil receiver.
type metrics struct {
	built    *prometheus.CounterVec
	failures *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	return &metrics{
		built: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomrpc",
			Subsystem: "codec",
			Name:      "engines_built_total",
			Help:      "Number of serialization engines constructed.",
		}, []string{"codec"})),
		failures: registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "atomrpc",
			Subsystem: "codec",
			Name:      "failures_total",
			Help:      "Number of failed serialize and deserialize calls.",
		}, []string{"codec", "op"})),
	}
}

// registerCounterVec registers cv, or returns the collector already registered
// under the same name so several codecs can share one registerer.
func registerCounterVec(reg prometheus.Registerer, cv *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(cv); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return cv
}

func (m *metrics) engineBuilt(t Type) {
	if m == nil {
		return
	}
	m.built.WithLabelValues(t.String()).Inc()
}

func (m *metrics) failed(t Type, op string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(t.String(), op).Inc()
}
