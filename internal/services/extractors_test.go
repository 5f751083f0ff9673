package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-analytics/internal/models"
)

const (
	locColombo    = `{"latitude": 6.9, "longitude": 79.8}`
	locColomboN   = `{"latitude": 6.91, "longitude": 79.85}`
	locColomboNNE = `{"latitude": 6.92, "longitude": 79.9}`
)

func TestTotalDistances(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	t.Run("single point is zero", func(t *testing.T) {
		got, invalid := TotalDistances([]models.RawRecord{ping("A", base, 30, locColombo)}, OrderByTimestamp)
		assert.Empty(t, invalid)
		assert.Equal(t, map[string]float64{"A": 0}, got)
	})

	t.Run("sums consecutive legs per device", func(t *testing.T) {
		records := []models.RawRecord{
			ping("A", base, 30, locColombo),
			ping("B", base, 20, locColombo),
			ping("A", base.Add(10*time.Minute), 31, locColomboN),
			ping("A", base.Add(20*time.Minute), 32, locColomboNNE),
		}
		got, _ := TotalDistances(records, OrderByTimestamp)
		assert.InDelta(t, 5.6354+5.6353, got["A"], 0.002)
		assert.Equal(t, 0.0, got["B"])
	})

	t.Run("ordering changes the path", func(t *testing.T) {
		// returned out of time order: NNE, start, N
		records := []models.RawRecord{
			ping("A", base.Add(20*time.Minute), 32, locColomboNNE),
			ping("A", base, 30, locColombo),
			ping("A", base.Add(10*time.Minute), 31, locColomboN),
		}

		byTime, _ := TotalDistances(records, OrderByTimestamp)
		assert.InDelta(t, 11.2707, byTime["A"], 0.002)

		asReturned, _ := TotalDistances(records, OrderBySource)
		assert.InDelta(t, 11.2708+5.6354, asReturned["A"], 0.002)
	})

	t.Run("invalid locations are skipped", func(t *testing.T) {
		records := []models.RawRecord{
			ping("A", base, 30, locColombo),
			ping("A", base.Add(time.Minute), 30, `not-json`),
			ping("A", base.Add(2*time.Minute), 30, locColomboN),
			ping("C", base, 30, `{"latitude": 100, "longitude": 0}`),
		}
		got, invalid := TotalDistances(records, OrderByTimestamp)
		assert.Len(t, invalid, 2)
		assert.InDelta(t, 5.6354, got["A"], 0.001)
		_, ok := got["C"]
		assert.False(t, ok)
	})
}

func TestDistanceExtractor_CountsInvalidLocations(t *testing.T) {
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	src := &fakeSource{records: []models.RawRecord{
		ping("A", base, 30, locColombo),
		ping("A", base.Add(time.Minute), 30, `{}`),
	}}
	m := newTestMetrics()

	got, err := NewDistanceExtractor(src, "", nopLogger, m).Extract(context.Background(), models.NewHourWindow(base))
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"A": 0}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InvalidLocations))
}

func TestExtractors_PropagateErrors(t *testing.T) {
	boom := errors.New("connection reset")
	src := &fakeSource{maxErr: boom, countErr: boom, locErr: boom}
	m := newTestMetrics()
	w := models.NewHourWindow(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	_, err := NewMaxTemperatureExtractor(src, m).Extract(ctx, w)
	assert.ErrorIs(t, err, boom)
	_, err = NewRecordCountExtractor(src, m).Extract(ctx, w)
	assert.ErrorIs(t, err, boom)
	_, err = NewDistanceExtractor(src, OrderBySource, nopLogger, m).Extract(ctx, w)
	assert.ErrorIs(t, err, boom)
}

func TestParseDistanceOrder(t *testing.T) {
	order, err := ParseDistanceOrder("")
	require.NoError(t, err)
	assert.Equal(t, OrderByTimestamp, order)

	order, err = ParseDistanceOrder("source")
	require.NoError(t, err)
	assert.Equal(t, OrderBySource, order)

	_, err = ParseDistanceOrder("random")
	assert.Error(t, err)
}
