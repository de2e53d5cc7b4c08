package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hengadev/medabe/internal/types"
)

func TestNoOpMetricsCollector(t *testing.T) {
	var collector MetricsCollector = NoOpMetricsCollector{}
	tags := map[string]string{"test": "value"}

	collector.IncrementCounter("c", tags)
	collector.IncrementCounterBy("c", 5, tags)
	collector.SetGauge("g", 42.5, tags)
	collector.RecordTiming("t", time.Millisecond, tags)
	collector.RecordValue("v", 3.14, tags)
	assert.NoError(t, collector.Flush())
}

func TestInMemoryMetricsCollector(t *testing.T) {
	m := NewInMemoryMetricsCollector()
	granted := map[string]string{"granted": "true", "tier": "patient_self"}

	m.IncrementCounter(MetricAccessDecisions, granted)
	m.IncrementCounterBy(MetricAccessDecisions, 2, map[string]string{"tier": "patient_self", "granted": "true"})
	m.IncrementCounter(MetricAccessDecisions, map[string]string{"granted": "false"})
	m.SetGauge(MetricRunningJobs, 3, nil)
	m.RecordTiming(MetricOperationDuration, 5*time.Millisecond, nil)
	m.RecordValue(MetricComputationRecords, 12, nil)

	assert.Equal(t, int64(3), m.GetCounter(MetricAccessDecisions, granted), "tag order does not matter")
	assert.Equal(t, int64(1), m.GetCounter(MetricAccessDecisions, map[string]string{"granted": "false"}))
	assert.Equal(t, int64(0), m.GetCounter("missing", nil))
	assert.Equal(t, 3.0, m.GetGauge(MetricRunningJobs, nil))
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, m.GetTimings(MetricOperationDuration, nil))
	assert.Equal(t, []float64{12}, m.GetValues(MetricComputationRecords, nil))
	assert.Equal(t, int64(3), m.Snapshot()["access_decisions_total,granted=true,tier=patient_self"])

	m.Reset()
	assert.Equal(t, int64(0), m.GetCounter(MetricAccessDecisions, granted))
}

func TestPrometheusMetricsCollector(t *testing.T) {
	p := NewPrometheusMetricsCollector(nil)

	p.IncrementCounter(MetricAccessDecisions, map[string]string{"granted": "true"})
	p.IncrementCounterBy(MetricAccessDecisions, 2, map[string]string{"granted": "true", "extra": "dropped"})
	p.IncrementCounter(MetricAccessDecisions, map[string]string{"granted": "false"})
	p.IncrementCounterBy(MetricAccessDecisions, -1, map[string]string{"granted": "false"})
	p.SetGauge(MetricRunningJobs, 2, map[string]string{"kind": "migration"})
	p.RecordTiming(MetricOperationDuration, time.Second, map[string]string{"operation": "decrypt"})
	p.RecordValue(MetricComputationRecords, 10, nil)
	require.NoError(t, p.Flush())

	families, err := p.Registry().Gather()
	require.NoError(t, err)
	var names []string
	counts := map[string]float64{}
	for _, f := range families {
		names = append(names, f.GetName())
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "," + l.GetName() + "=" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				counts[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				counts[key] = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 3.0, counts["medabe_access_decisions_total,granted=true"])
	assert.Equal(t, 1.0, counts["medabe_access_decisions_total,granted=false"])
	assert.Equal(t, 2.0, counts["medabe_running_jobs,kind=migration"])
	assert.Contains(t, names, "medabe_access_decisions_total")
	assert.Contains(t, names, "medabe_operation_duration_seconds")
}

func TestStructuredLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(LoggerConfig{Level: LevelInfo, Format: FormatJSON, Output: &buf, Component: "access"})

	ctx := ContextWithRequestID(context.Background(), "req-1")
	logger.LogAccessDecision(ctx,
		&types.AccessContext{RequesterID: "u1", RequesterRole: types.RolePatient, PatientID: "p1"},
		&types.AccessControlResult{Granted: false, DenialReason: "No valid access relationship found"})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "Access denied", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "req-1", line["request_id"])
	assert.Equal(t, "access", line["component"])
	assert.Equal(t, "medabe", line["service"])
	assert.Equal(t, "No valid access relationship found", line["reason"])

	buf.Reset()
	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.WithError(errors.New("boom")).Error("failed %s", "x")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "failed x", line["msg"])
	assert.Equal(t, "boom", line["error"])
	assert.Contains(t, line, "caller")
}

func TestParseLevelAndFormat(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLogLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLogLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLogLevel(""))
	assert.Equal(t, FormatConsole, ParseLogFormat("console"))
	assert.Equal(t, FormatJSON, ParseLogFormat("?"))
}

func TestConsoleHandlerKeepsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(LoggerConfig{Level: LevelInfo, Format: FormatConsole, Output: &buf, Component: "cli"})
	logger.Info("ready")
	assert.Contains(t, buf.String(), "ready")
	assert.Contains(t, buf.String(), "component=cli")
}
