package services

import (
	"time"

	"device-analytics/internal/models"
)

// GenerateWindows returns one hour window per hour from floor(start) up to, but not
// including, the hour that contains now. The hour still in progress is never emitted.
func GenerateWindows(start, now time.Time) []models.TimeWindow {
	from := models.FloorHour(start)
	until := models.FloorHour(now)
	if !from.Before(until) {
		return nil
	}

	windows := make([]models.TimeWindow, 0, int(until.Sub(from)/models.WindowLength))
	for t := from; t.Before(until); t = t.Add(models.WindowLength) {
		windows = append(windows, models.NewHourWindow(t))
	}
	return windows
}
