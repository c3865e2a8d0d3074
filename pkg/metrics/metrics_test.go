package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordDecision("create", "ok")
	r.RecordDecision("create", "ok")
	r.RecordDecision("edit", "rejected")

	assert.InDelta(t, 2, testutil.ToFloat64(r.decisionsTotal.WithLabelValues("create", "ok")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(r.decisionsTotal.WithLabelValues("edit", "rejected")), 0.001)

	r.RecordGeneration("claude", "edit", "success", 250*time.Millisecond)
	assert.InDelta(t, 1, testutil.ToFloat64(r.generationsTotal.WithLabelValues("claude", "edit", "success")), 0.001)

	r.RecordTokens("claude", 100, 40)
	assert.InDelta(t, 100, testutil.ToFloat64(r.tokensTotal.WithLabelValues("claude", "input")), 0.001)
	assert.InDelta(t, 40, testutil.ToFloat64(r.tokensTotal.WithLabelValues("claude", "output")), 0.001)

	r.RecordFixAttempt("quick")
	r.RecordFixAttempt("rewrite")
	r.RecordFixOutcome("fixed")
	assert.InDelta(t, 1, testutil.ToFloat64(r.fixAttemptsTotal.WithLabelValues("quick")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(r.fixOutcomesTotal.WithLabelValues("fixed")), 0.001)

	r.SetQueueDepth(3)
	assert.InDelta(t, 3, testutil.ToFloat64(r.queueDepth), 0.001)
}
