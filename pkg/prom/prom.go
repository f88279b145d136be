package prom

import (
	"errors"
	"fmt"
	"sync"

	xhttp "github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/http"
	"github.com/chrisallenlawyer/law-firm-sms-sub001/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

const (
	SystemScheduler    = "scheduler"
	SystemDispatch     = "dispatch"
	SystemReconciler   = "reconciler"
	SystemConfirmation = "confirmation"
	SystemReminders    = "reminders"
	SystemIntake       = "intake"
)

const (
	MetricScheduleChanges       = "schedule_changes_total"
	MetricDispatchClaimed       = "claimed_total"
	MetricDispatchOutcomes      = "outcomes_total"
	MetricDispatchSendDuration  = "send_duration_seconds"
	MetricStaleClaimsRecovered  = "stale_claims_recovered_total"
	MetricReconcilerTransitions = "transitions_total"
	MetricDeliveryLatency       = "sent_to_delivered_seconds"
	MetricConfirmations         = "confirmations_total"
	MetricInstancesByStatus     = "instances"
	MetricEventsReceived        = "events_received_total"
	MetricEventsProcessed       = "events_processed_total"
	MetricEventDuration         = "event_apply_seconds"
	MetricStreamPending         = "stream_pending"
)

const (
	TypeCounter      = "counter"
	TypeCounterVec   = "counterVec"
	TypeHistogram    = "histogram"
	TypeHistogramVec = "histogramVec"
	TypeGaugeVec     = "gaugeVec"
)

// delivery takes minutes to hours, send calls take milliseconds
var latencyBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600, 4 * 3600}

type definition struct {
	kind      string
	subsystem string
	name      string
	help      string
	labels    []string
	buckets   []float64
}

var definitions = []definition{
	{TypeCounterVec, SystemScheduler, MetricScheduleChanges, "Reminder instances created, rescheduled or cancelled by reconciliation.", []string{"change"}, nil},
	{TypeCounter, SystemDispatch, MetricDispatchClaimed, "Reminder instances claimed for sending.", nil, nil},
	{TypeCounterVec, SystemDispatch, MetricDispatchOutcomes, "Dispatch attempts by outcome.", []string{"outcome"}, nil},
	{TypeHistogramVec, SystemDispatch, MetricDispatchSendDuration, "Provider send call duration.", []string{"outcome"}, prometheus.DefBuckets},
	{TypeCounterVec, SystemDispatch, MetricStaleClaimsRecovered, "Stale claims reverted by the sweep.", []string{"status"}, nil},
	{TypeCounterVec, SystemReconciler, MetricReconcilerTransitions, "Delivery status transitions applied.", []string{"source", "status"}, nil},
	{TypeHistogram, SystemReconciler, MetricDeliveryLatency, "Time from provider acceptance to delivery.", nil, latencyBuckets},
	{TypeCounterVec, SystemConfirmation, MetricConfirmations, "Recipient confirmations.", []string{"result"}, nil},
	{TypeGaugeVec, SystemReminders, MetricInstancesByStatus, "Reminder instances per status.", []string{"status"}, nil},
	{TypeCounterVec, SystemIntake, MetricEventsReceived, "Event notifications accepted for processing.", []string{"action"}, nil},
	{TypeCounterVec, SystemIntake, MetricEventsProcessed, "Event stream messages by result.", []string{"outcome"}, nil},
	{TypeHistogram, SystemIntake, MetricEventDuration, "Time to apply one event notification.", nil, prometheus.DefBuckets},
	{TypeGaugeVec, SystemIntake, MetricStreamPending, "Delivered but unacknowledged stream messages.", []string{"stream"}, nil},
}

var lockCreateMetricLock = &sync.Mutex{}
var namespace = "none"

var MetricSystemEnabled = false

var MetricCollectionCounters = make(map[string]prometheus.Counter)
var MetricCollectionCounterVec = make(map[string]*prometheus.CounterVec)
var MetricCollectionGaugeVec = make(map[string]*prometheus.GaugeVec)
var MetricCollectionHistogram = make(map[string]prometheus.Histogram)
var MetricCollectionHistogramVec = make(map[string]*prometheus.HistogramVec)

var defaultLabels prometheus.Labels

// Create registers every engine metric under nameSpace, labelled with the
// host and environment. Until it is called the helpers below are no-ops.
func Create(host string, env string, nameSpace string) error {
	defaultLabels = prometheus.Labels{"env": env, "instance": host}
	namespace = nameSpace
	MetricSystemEnabled = true

	var errs []error
	for _, d := range definitions {
		if err := register(d); err != nil {
			errs = append(errs, fmt.Errorf("%s_%s: %w", d.subsystem, d.name, err))
		}
	}
	return errors.Join(errs...)
}

func CreateMetric(metricType, metricSubsystem, metricName string, labelsValues ...string) error {
	return register(definition{kind: metricType, subsystem: metricSubsystem, name: metricName, labels: labelsValues})
}

func ListenAndServer(port string, url string) {
	hh := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	s := xhttp.CreateServer()
	s.GET(url, hh)
	logger.Info("[metrics-server] listening...", "addr", port, "url", url)
	if err := s.ListenAndServe(port); err != nil {
		logger.Panic("[metrics-server] http listen error", "error", err)
	}
}

func register(d definition) error {
	lockCreateMetricLock.Lock()
	defer lockCreateMetricLock.Unlock()

	key := d.subsystem + d.name
	var err error
	switch d.kind {
	case TypeCounter:
		MetricCollectionCounters[key], err = registerOrReuse(prometheus.NewCounter(prometheus.CounterOpts(opts(d))))
	case TypeCounterVec:
		MetricCollectionCounterVec[key], err = registerOrReuse(prometheus.NewCounterVec(prometheus.CounterOpts(opts(d)), d.labels))
	case TypeGaugeVec:
		MetricCollectionGaugeVec[key], err = registerOrReuse(prometheus.NewGaugeVec(prometheus.GaugeOpts(opts(d)), d.labels))
	case TypeHistogram:
		MetricCollectionHistogram[key], err = registerOrReuse(prometheus.NewHistogram(histogramOpts(d)))
	case TypeHistogramVec:
		MetricCollectionHistogramVec[key], err = registerOrReuse(prometheus.NewHistogramVec(histogramOpts(d), d.labels))
	default:
		return fmt.Errorf("metric type %s is not defined", d.kind)
	}
	return err
}

func opts(d definition) prometheus.Opts {
	return prometheus.Opts{
		Namespace:   namespace,
		Subsystem:   d.subsystem,
		Name:        d.name,
		Help:        d.help,
		ConstLabels: defaultLabels,
	}
}

func histogramOpts(d definition) prometheus.HistogramOpts {
	o := opts(d)
	buckets := d.buckets
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	return prometheus.HistogramOpts{
		Namespace:   o.Namespace,
		Subsystem:   o.Subsystem,
		Name:        o.Name,
		Help:        o.Help,
		ConstLabels: o.ConstLabels,
		Buckets:     buckets,
	}
}

// registerOrReuse keeps the already registered collector when Create runs
// twice in one process.
func registerOrReuse[T prometheus.Collector](c T) (T, error) {
	err := prometheus.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

func lookup[T any](collection map[string]T, kind, subsystem, name string) (T, bool) {
	var zero T
	if !MetricSystemEnabled {
		return zero, false
	}
	lockCreateMetricLock.Lock()
	v, ok := collection[subsystem+name]
	lockCreateMetricLock.Unlock()
	if !ok {
		logger.Warn("[metrics-server] metric not found", "type", kind, "subsystem", subsystem, "name", name)
	}
	return v, ok
}

func IncCounter(subsystem, name string) {
	AddCounter(subsystem, name, 1)
}

func AddCounter(subsystem, name string, number float64) {
	if v, ok := lookup(MetricCollectionCounters, TypeCounter, subsystem, name); ok {
		v.Add(number)
	}
}

func IncGaugeVec(subsystem, name string, labelValues ...string) {
	AddGaugeVec(subsystem, name, 1, labelValues...)
}

func AddGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if v, ok := lookup(MetricCollectionGaugeVec, TypeGaugeVec, subsystem, name); ok {
		v.WithLabelValues(labelValues...).Add(num)
	}
}

func SetGaugeVec(subsystem, name string, num float64, labelValues ...string) {
	if v, ok := lookup(MetricCollectionGaugeVec, TypeGaugeVec, subsystem, name); ok {
		v.WithLabelValues(labelValues...).Set(num)
	}
}

func AddCounterVec(subsystem, name string, num float64, labelValues ...string) {
	if v, ok := lookup(MetricCollectionCounterVec, TypeCounterVec, subsystem, name); ok {
		v.WithLabelValues(labelValues...).Add(num)
	}
}

func IncCounterVec(subsystem, name string, labelValues ...string) {
	AddCounterVec(subsystem, name, 1, labelValues...)
}

func AddHistogram(subsystem, name string, number float64) {
	if v, ok := lookup(MetricCollectionHistogram, TypeHistogram, subsystem, name); ok {
		v.Observe(number)
	}
}

func AddHistogramVec(subsystem, name string, number float64, labelValues ...string) {
	if v, ok := lookup(MetricCollectionHistogramVec, TypeHistogramVec, subsystem, name); ok {
		v.WithLabelValues(labelValues...).Observe(number)
	}
}

func AddScheduleChanges(change string, n int) {
	if n > 0 {
		AddCounterVec(SystemScheduler, MetricScheduleChanges, float64(n), change)
	}
}

func AddDispatchClaimed(n int) {
	if n > 0 {
		AddCounter(SystemDispatch, MetricDispatchClaimed, float64(n))
	}
}

func ObserveDispatch(outcome string, seconds float64) {
	IncCounterVec(SystemDispatch, MetricDispatchOutcomes, outcome)
	AddHistogramVec(SystemDispatch, MetricDispatchSendDuration, seconds, outcome)
}

func IncStaleClaimRecovered(status string) {
	IncCounterVec(SystemDispatch, MetricStaleClaimsRecovered, status)
}

func IncReconcilerTransition(source, status string) {
	IncCounterVec(SystemReconciler, MetricReconcilerTransitions, source, status)
}

func ObserveDeliveryLatency(seconds float64) {
	AddHistogram(SystemReconciler, MetricDeliveryLatency, seconds)
}

func IncConfirmation(result string) {
	IncCounterVec(SystemConfirmation, MetricConfirmations, result)
}

func SetInstancesByStatus(status string, n int64) {
	SetGaugeVec(SystemReminders, MetricInstancesByStatus, float64(n), status)
}

func IncEventReceived(action string) {
	IncCounterVec(SystemIntake, MetricEventsReceived, action)
}

func ObserveEventProcessed(outcome string, seconds float64) {
	IncCounterVec(SystemIntake, MetricEventsProcessed, outcome)
	if outcome == "processed" {
		AddHistogram(SystemIntake, MetricEventDuration, seconds)
	}
}

func SetStreamPending(stream string, n int64) {
	SetGaugeVec(SystemIntake, MetricStreamPending, float64(n), stream)
}
