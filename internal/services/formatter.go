package services

import (
	"time"

	"github.com/coder/quartz"

	"device-analytics/internal/models"
)

// Formatter turns merged summaries into destination rows
type Formatter struct {
	clock quartz.Clock
}

// NewFormatter creates a formatter that stamps rows using clock
func NewFormatter(clock quartz.Clock) *Formatter {
	return &Formatter{clock: clock}
}

// Format stamps every summary with the window start and a single inserted_time taken
// once per call, UTC truncated to the second.
func (f *Formatter) Format(window models.TimeWindow, summaries []models.Summary) []*models.SummaryRecord {
	if len(summaries) == 0 {
		return nil
	}

	insertedAt := f.clock.Now("formatter").UTC().Truncate(time.Second)
	records := make([]*models.SummaryRecord, 0, len(summaries))
	for _, s := range summaries {
		records = append(records, &models.SummaryRecord{
			DeviceID:        s.DeviceID,
			HourStartTime:   window.Start,
			MaxTemperature:  s.MaxTemperature,
			DeviceDataCount: s.DeviceDataCount,
			TotalDistance:   s.TotalDistance,
			InsertedTime:    insertedAt,
		})
	}
	return records
}
