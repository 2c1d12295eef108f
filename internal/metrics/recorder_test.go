package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/sitecreator/internal/domain"
)

// gathered returns the summed counter or gauge value of a metric family.
func gathered(t *testing.T, r *PrometheusRecorder, name string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range f.GetMetric() {
			if c := m.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if g := m.GetGauge(); g != nil {
				sum += g.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				sum += float64(h.GetSampleCount())
			}
		}
		return sum
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestPrometheusRecorderCounts(t *testing.T) {
	r := NewPrometheusRecorder()

	r.ItemTransition(domain.ItemStatusQueued, domain.ItemStatusRunning)
	r.ItemTransition(domain.ItemStatusQueued, domain.ItemStatusRunning)
	r.Retry("start_migration", domain.ErrorKindTransient)
	r.JobFinalized(domain.JobStatusNotificationSuccessful)
	r.RateTokensInFlight(3)
	r.ItemFinished(domain.ItemStatusFinalized, 90*time.Second)
	r.Notification("job", "sent")
	r.RecoveredItem("requeue")

	assert.Equal(t, 2.0, gathered(t, r, "sitecreator_item_transitions_total"))
	assert.Equal(t, 1.0, gathered(t, r, "sitecreator_remote_retries_total"))
	assert.Equal(t, 1.0, gathered(t, r, "sitecreator_jobs_finalized_total"))
	assert.Equal(t, 3.0, gathered(t, r, "sitecreator_rate_tokens_in_flight"))
	assert.Equal(t, 1.0, gathered(t, r, "sitecreator_item_duration_seconds"))
	assert.Equal(t, 1.0, gathered(t, r, "sitecreator_notifications_total"))
	assert.Equal(t, 1.0, gathered(t, r, "sitecreator_recovered_items_total"))
}

func TestNopRecorderSatisfiesRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	r.ItemTransition(domain.ItemStatusSetup, domain.ItemStatusQueued)
	r.RateTokensInFlight(1)
}
