package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onebot_relay"

// Relay holds every collector exported by the relay.
type Relay struct {
	sessionsActive     prometheus.Gauge
	sessionsTotal      prometheus.Counter
	responsesTotal     *prometheus.CounterVec
	dispatchQueueDepth prometheus.Gauge
	dispatchRejected   *prometheus.CounterVec
	processSeconds     prometheus.Histogram
	eventsPublished    *prometheus.CounterVec
	eventsDelivered    prometheus.Counter
	eventsDropped      prometheus.Counter
	lagEvents          prometheus.Counter
	subscribers        prometheus.Gauge
	journalRows        *prometheus.CounterVec
}

func newCounter(subsystem, name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewRelay creates the collectors and registers them with registerer.
// Collectors that are already registered are tolerated.
func NewRelay(registerer prometheus.Registerer) (*Relay, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Relay{
		sessionsActive:     newGauge("sessions", "active", "Number of connected WebSocket sessions"),
		sessionsTotal:      newCounter("sessions", "opened_total", "Total WebSocket sessions accepted"),
		responsesTotal:     newCounterVec("sessions", "responses_total", "Responses written to clients by retcode", []string{"retcode"}),
		dispatchQueueDepth: newGauge("dispatch", "queue_depth", "Calls waiting for the processor"),
		dispatchRejected:   newCounterVec("dispatch", "rejected_total", "Calls that could not be enqueued", []string{"reason"}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "process_seconds",
			Help:      "Time the processor spent executing one call",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		eventsPublished: newCounterVec("events", "published_total", "Events published to the fan-out by source", []string{"source"}),
		eventsDelivered: newCounter("events", "delivered_total", "Events written to client sessions"),
		eventsDropped:   newCounter("events", "dropped_total", "Events dropped because they could not be serialized"),
		lagEvents:       newCounter("events", "lagged_total", "Events overwritten before a slow subscriber read them"),
		subscribers:     newGauge("events", "subscribers", "Active fan-out subscriptions"),
		journalRows:     newCounterVec("journal", "rows_total", "Event journal rows by result", []string{"result"}),
	}

	collectors := []prometheus.Collector{
		m.sessionsActive,
		m.sessionsTotal,
		m.responsesTotal,
		m.dispatchQueueDepth,
		m.dispatchRejected,
		m.processSeconds,
		m.eventsPublished,
		m.eventsDelivered,
		m.eventsDropped,
		m.lagEvents,
		m.subscribers,
		m.journalRows,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, err
			}
		}
	}

	return m, nil
}

// Handler serves the collectors of gatherer in the Prometheus text format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SessionOpened records an accepted session.
func (m *Relay) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
	m.sessionsTotal.Inc()
}

// SessionClosed records a finished session.
func (m *Relay) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// Response records a response written to a client.
func (m *Relay) Response(retcode int) {
	if m == nil {
		return
	}
	m.responsesTotal.WithLabelValues(strconv.Itoa(retcode)).Inc()
}

// QueueDepth sets the current dispatch queue length.
func (m *Relay) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.dispatchQueueDepth.Set(float64(n))
}

// DispatchRejected records a call that never reached the queue.
func (m *Relay) DispatchRejected(reason string) {
	if m == nil {
		return
	}
	m.dispatchRejected.WithLabelValues(reason).Inc()
}

// Processed records how long one call took.
func (m *Relay) Processed(d time.Duration) {
	if m == nil {
		return
	}
	m.processSeconds.Observe(d.Seconds())
}

// EventPublished records an event entering the fan-out.
func (m *Relay) EventPublished(source string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(source).Inc()
}

// EventDelivered records an event written to a client.
func (m *Relay) EventDelivered() {
	if m == nil {
		return
	}
	m.eventsDelivered.Inc()
}

// EventDropped records an event that could not be serialized.
func (m *Relay) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Lagged records n events overwritten in a subscriber's buffer.
func (m *Relay) Lagged(n int) {
	if m == nil {
		return
	}
	m.lagEvents.Add(float64(n))
}

// Subscribers sets the current number of fan-out subscriptions.
func (m *Relay) Subscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

// JournalRows records journal insert outcomes.
func (m *Relay) JournalRows(result string, n int) {
	if m == nil {
		return
	}
	m.journalRows.WithLabelValues(result).Add(float64(n))
}
