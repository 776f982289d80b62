package syncengine

import (
	"github.com/MarcoPoloResearchLab/foamsync/internal/apperr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foamsync_engine_operations_total",
			Help: "Sync engine operations by outcome code.",
		},
		[]string{"operation", "outcome"},
	)
	stickyOverridesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foamsync_engine_sticky_overrides_total",
			Help: "Incoming estimate fields replaced by server-held sticky values during push.",
		},
		[]string{"field"},
	)
)

func observeOperation(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = apperr.Code(err)
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
}
