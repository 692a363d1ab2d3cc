package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var panicsTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "bot_handler_panics_total",
	Help: "Паники в обработчиках апдейтов, перехваченные recover.",
})

// RecoverFromPanic вызывается через defer в обработчике апдейта.
func RecoverFromPanic(fields log.Fields) {
	if r := recover(); r != nil {
		panicsTotal.Inc()
		log.WithFields(fields).WithFields(log.Fields{
			"component": "panic_recovery",
			"panic":     fmt.Sprintf("%v", r),
			"stack":     string(debug.Stack()),
		}).Error("ПАНИКА в обработчике — восстановлено")
	}
}
