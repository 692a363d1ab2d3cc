package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "bot_updates_total",
	Help: "Обработанные сообщения по командам.",
}, []string{"command"})
