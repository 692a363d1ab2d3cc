package tokens

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokens",
			Name:      "operations_total",
			Help:      "Operations on token balances by outcome",
		},
		[]string{"operation", "outcome"},
	)

	consumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokens",
			Name:      "consumed_total",
			Help:      "Tokens debited by consume",
		},
	)

	creditedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokens",
			Name:      "credited_total",
			Help:      "Tokens credited to paid balances",
		},
		[]string{"type"}, // refund, purchase, admin_adjust
	)
)

// OperationsCounter возвращает счётчик операций для тестов и дашбордов.
func OperationsCounter(operation string, outcome Outcome) prometheus.Counter {
	return operationsTotal.WithLabelValues(operation, string(outcome))
}

// CreditedCounter: счётчик начисленных токенов по типу операции.
func CreditedCounter(typ TxType) prometheus.Counter {
	return creditedTotal.WithLabelValues(string(typ))
}

// ConsumedCounter: счётчик списанных токенов.
func ConsumedCounter() prometheus.Counter {
	return consumedTotal
}

func observe(operation string, r Result) Result {
	operationsTotal.WithLabelValues(operation, string(r.Outcome)).Inc()
	return r
}
