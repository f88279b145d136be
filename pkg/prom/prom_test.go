package prom

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReminderMetrics(t *testing.T) {
	require.NoError(t, Create("test-host", "test", "reminders"))

	AddDispatchClaimed(3)
	AddDispatchClaimed(0)
	ObserveDispatch("sent", 0.2)
	ObserveDispatch("sent", 0.4)
	ObserveDispatch("retried", 1)
	IncReconcilerTransition("poll", "delivered")
	SetInstancesByStatus("pending", 12)
	SetInstancesByStatus("pending", 7)
	AddScheduleChanges("created", 2)

	assert.Equal(t, 3.0, testutil.ToFloat64(MetricCollectionCounters[SystemDispatch+MetricDispatchClaimed]))
	assert.Equal(t, 2.0, testutil.ToFloat64(MetricCollectionCounterVec[SystemDispatch+MetricDispatchOutcomes].WithLabelValues("sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(MetricCollectionCounterVec[SystemReconciler+MetricReconcilerTransitions].WithLabelValues("poll", "delivered")))
	assert.Equal(t, 7.0, testutil.ToFloat64(MetricCollectionGaugeVec[SystemReminders+MetricInstancesByStatus].WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(MetricCollectionCounterVec[SystemScheduler+MetricScheduleChanges].WithLabelValues("created")))

	assert.Error(t, CreateMetric("summary", SystemDispatch, "x"))
}

func TestCreate_Twice(t *testing.T) {
	require.NoError(t, Create("test-host", "test", "reminders"))
	require.NoError(t, Create("test-host", "test", "reminders"), "already registered collectors are reused")

	ObserveEventProcessed("processed", 0.01)
	ObserveEventProcessed("discarded", 0)
	SetStreamPending("events:notifications", 4)

	assert.Equal(t, 1.0, testutil.ToFloat64(MetricCollectionCounterVec[SystemIntake+MetricEventsProcessed].WithLabelValues("discarded")))
	assert.Equal(t, 4.0, testutil.ToFloat64(MetricCollectionGaugeVec[SystemIntake+MetricStreamPending].WithLabelValues("events:notifications")))
}

func TestHelpers_DisabledAreNoops(t *testing.T) {
	enabled := MetricSystemEnabled
	MetricSystemEnabled = false
	defer func() { MetricSystemEnabled = enabled }()

	assert.NotPanics(t, func() {
		IncCounterVec("nope", "missing", "x")
		AddHistogram("nope", "missing", 1)
	})
}
