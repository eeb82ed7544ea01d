package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devstack"

var regOK atomic.Bool

func counter(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

// Collectors are created eagerly and only become visible after Register.
var (
	serviceStarts   = counter("service", "starts_total", "Number of successful service launches.", "name")
	serviceStops    = counter("service", "stops_total", "Number of operator or shutdown stops of a live process.", "name")
	serviceRestarts = counter("service", "restarts_total", "Number of restart requests.", "name")
	restartBlocked  = counter("service", "restart_blocked_total", "Restarts aborted because the port stayed busy or was taken by another process.", "name")
	portConflicts   = counter("service", "port_conflicts_total", "Starts refused because an unrelated process listens on the service port.", "name")
	staleKilled     = counter("service", "stale_listeners_killed_total", "Leftover listeners from previous runs that were terminated before a start.", "name")
	unexpectedExits = counter("service", "unexpected_exits_total", "Processes that exited while desired running, counted once per distinct exit code.", "name")
	watchEvents     = counter("watch", "events_total", "Debounced file change events dispatched by the control loop.", "name", "action")
	running         = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "service", Name: "running",
		Help: "1 while the service has a live process, else 0.",
	}, []string{"name"})
)

// Register adds every collector to r. Collectors already present are
// accepted, so repeated calls are harmless.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range []prometheus.Collector{
		serviceStarts, serviceStops, serviceRestarts, restartBlocked,
		portConflicts, staleKilled, unexpectedExits, watchEvents, running,
	} {
		var dup prometheus.AlreadyRegisteredError
		if err := r.Register(c); err != nil && !errors.As(err, &dup) {
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// inc bumps a counter once Register has succeeded; before that every helper
// is a no-op.
func inc(v *prometheus.CounterVec, labels ...string) {
	if regOK.Load() {
		v.WithLabelValues(labels...).Inc()
	}
}

func IncStart(name string)              { inc(serviceStarts, name) }
func IncStop(name string)               { inc(serviceStops, name) }
func IncRestart(name string)            { inc(serviceRestarts, name) }
func IncRestartBlocked(name string)     { inc(restartBlocked, name) }
func IncPortConflict(name string)       { inc(portConflicts, name) }
func IncStaleKilled(name string)        { inc(staleKilled, name) }
func IncUnexpectedExit(name string)     { inc(unexpectedExits, name) }
func IncWatchEvent(name, action string) { inc(watchEvents, name, action) }

func SetRunning(name string, up bool) {
	if !regOK.Load() {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	running.WithLabelValues(name).Set(v)
}
