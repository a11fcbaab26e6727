package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveOperation("validate_license", "ok", time.Now())
	m.ObserveOperation("validate_license", "ok", time.Now())
	m.ObserveOperation("validate_license", "LICENSE_EXPIRED", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("validate_license", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("validate_license", "LICENSE_EXPIRED")))

	count, err := testutil.GatherAndCount(reg, "license_authority_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveOperation("login", "ok", time.Now())
		m.ObserveRetry("login")
		m.ObserveHTTP("GET", "/", "200", time.Millisecond)
	})
}

func TestNewWithoutRegistry(t *testing.T) {
	m := New(nil)
	m.ObserveRetry("issue_license")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictRetriesTotal.WithLabelValues("issue_license")))
}
