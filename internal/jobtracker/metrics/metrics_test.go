package metrics

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecord(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordMessage("verification", MessageResultAck)
	m.RecordMessage("verification", MessageResultAck)
	m.RecordMessage("verification", MessageResultReject)
	m.RecordFlush(FlushTriggerTimer, FlushResultSkipped, 0)
	m.RecordFlush(FlushTriggerSize, FlushResultSuccess, time.Millisecond)
	m.RecordQuarantined("timed out waiting for outcomes")
	m.RecordArchived()
	m.RecordWatcherPass(errors.New("boom"), time.Second)
	m.SetPending(7)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesConsumed.WithLabelValues("verification", "ack")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesConsumed.WithLabelValues("verification", "reject")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bufferFlushes.WithLabelValues("timer", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsQuarantined.WithLabelValues("timed out waiting for outcomes")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobsArchived))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.watcherPasses.WithLabelValues("failure")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.bufferPending))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
