package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"device-analytics/internal/models"
	"device-analytics/internal/repository"
	"device-analytics/pkg/logging"
	"device-analytics/pkg/metrics"
)

// fakeSource answers window queries from an in-memory record slice, inclusive on both
// bounds like the SQL it stands in for.
type fakeSource struct {
	mu      sync.Mutex
	records []models.RawRecord
	created []*models.RawRecord

	earliestErr error
	maxErr      error
	countErr    error
	locErr      error
	createErr   error
	maxPanic    bool

	maxCalls []models.TimeWindow
}

var _ repository.SourceRepository = (*fakeSource)(nil)

func (f *fakeSource) inWindow(w models.TimeWindow) []models.RawRecord {
	var out []models.RawRecord
	for _, r := range f.records {
		if r.Time >= w.StartUnix() && r.Time <= w.EndUnix() {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeSource) EarliestRecordTime(ctx context.Context) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.earliestErr != nil {
		return time.Time{}, false, f.earliestErr
	}
	if len(f.records) == 0 {
		return time.Time{}, false, nil
	}
	earliest := f.records[0].Time
	for _, r := range f.records[1:] {
		if r.Time < earliest {
			earliest = r.Time
		}
	}
	return time.Unix(earliest, 0).UTC(), true, nil
}

func (f *fakeSource) MaxTemperatures(ctx context.Context, w models.TimeWindow) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxCalls = append(f.maxCalls, w)
	if f.maxPanic {
		panic("driver bug")
	}
	if f.maxErr != nil {
		return nil, f.maxErr
	}
	out := map[string]int{}
	for _, r := range f.inWindow(w) {
		if cur, ok := out[r.DeviceID]; !ok || r.Temperature > cur {
			out[r.DeviceID] = r.Temperature
		}
	}
	return out, nil
}

func (f *fakeSource) RecordCounts(ctx context.Context, w models.TimeWindow) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.countErr != nil {
		return nil, f.countErr
	}
	out := map[string]int{}
	for _, r := range f.inWindow(w) {
		out[r.DeviceID]++
	}
	return out, nil
}

func (f *fakeSource) LocationPings(ctx context.Context, w models.TimeWindow) ([]models.RawRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locErr != nil {
		return nil, f.locErr
	}
	return f.inWindow(w), nil
}

func (f *fakeSource) CreateRecordsBatch(ctx context.Context, records []*models.RawRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, records...)
	return nil
}

func (f *fakeSource) HealthCheck(ctx context.Context) error { return nil }

// fakeSummaries stores inserted rows in memory
type fakeSummaries struct {
	mu        sync.Mutex
	rows      []*models.SummaryRecord
	latestErr error
	insertErr error
	inserts   [][]*models.SummaryRecord
	opts      []repository.InsertOptions

	// when set, LatestHourStart signals started and waits for release
	started chan struct{}
	release chan struct{}
}

var _ repository.SummaryRepository = (*fakeSummaries)(nil)

func (f *fakeSummaries) LatestHourStart(ctx context.Context) (time.Time, bool, error) {
	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latestErr != nil {
		return time.Time{}, false, f.latestErr
	}
	var latest time.Time
	for _, r := range f.rows {
		if r.HourStartTime.After(latest) {
			latest = r.HourStartTime
		}
	}
	return latest, !latest.IsZero(), nil
}

func (f *fakeSummaries) InsertSummaries(ctx context.Context, records []*models.SummaryRecord, opts repository.InsertOptions) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = append(f.opts, opts)
	if f.insertErr != nil {
		return 0, f.insertErr
	}
	f.inserts = append(f.inserts, records)
	f.rows = append(f.rows, records...)
	return int64(len(records)), nil
}

func (f *fakeSummaries) ListSummaries(ctx context.Context, filter repository.SummaryFilter) ([]*models.SummaryRecord, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := append([]*models.SummaryRecord(nil), f.rows...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].HourStartTime.After(rows[j].HourStartTime) })
	return rows, len(rows), nil
}

func (f *fakeSummaries) HealthCheck(ctx context.Context) error { return nil }

func newTestMetrics() *metrics.Collector {
	return metrics.NewCollectorWithRegisterer("test", prometheus.NewRegistry())
}

func newMockClock(t *testing.T, now time.Time) *quartz.Mock {
	t.Helper()
	clock := quartz.NewMock(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, clock.Set(now).Wait(ctx))
	return clock
}

func ping(deviceID string, at time.Time, temperature int, location string) models.RawRecord {
	return models.RawRecord{
		DeviceID:    deviceID,
		Time:        at.Unix(),
		Temperature: temperature,
		Location:    location,
	}
}

var nopLogger = logging.NewNopLogger()
