package drivers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	driverRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "drivers",
		Name:      "restarts_total",
		Help:      "Times a driver process was restarted after exiting",
	}, []string{"driver"})

	driverMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "drivers",
		Name:      "messages_total",
		Help:      "Protocol messages exchanged with driver processes",
	}, []string{"driver", "direction"})

	driverParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "drivers",
		Name:      "parse_errors_total",
		Help:      "Driver stdout elements that could not be parsed",
	}, []string{"driver"})

	commandsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "remscope",
		Subsystem: "drivers",
		Name:      "commands_dropped_total",
		Help:      "Commands dropped because no running driver could take them",
	})
)
