package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewEngineMetrics(reg, func() (int, int) { return 3, 12 })
	require.NoError(t, err)

	m.ObserveOperation("claim", true, "", "", 2*time.Millisecond)
	m.ObserveOperation("claim", false, "already_claimed", "invalid_state", time.Millisecond)
	m.ObserveOperation("claim", false, "already_claimed", "invalid_state", time.Millisecond)
	m.ObserveCells("unclaim", 5)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.operations.WithLabelValues("claim", "success", "")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.operations.WithLabelValues("claim", "failure", "invalid_state")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.cells.WithLabelValues("unclaim")))

	expected := `
# HELP territory_index_cells Клетки в индексе.
# TYPE territory_index_cells gauge
territory_index_cells 12
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "territory_index_cells"))

	t.Run("Duplicate Registration", func(t *testing.T) {
		_, err := NewEngineMetrics(reg, nil)
		assert.Error(t, err)
	})
}

func TestSystemSnapshot(t *testing.T) {
	s := NewSystem()
	snap := s.Snapshot()
	assert.Positive(t, snap.Goroutines)
	assert.NotEmpty(t, snap.Uptime)

	assert.Equal(t, "5с", formatUptime(5*time.Second))
	assert.Equal(t, "2м 5с", formatUptime(2*time.Minute+5*time.Second))
	assert.Equal(t, "1д 1ч 0м 0с", formatUptime(25*time.Hour))
}
