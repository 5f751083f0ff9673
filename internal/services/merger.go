package services

import (
	"sort"

	"device-analytics/internal/models"
)

// MergeSummaries inner-joins the three metric maps on device_id. A device missing from
// any map is dropped. The result is sorted by device_id.
func MergeSummaries(maxTemps, counts map[string]int, distances map[string]float64) []models.Summary {
	if len(maxTemps) == 0 || len(counts) == 0 || len(distances) == 0 {
		return nil
	}

	summaries := make([]models.Summary, 0, len(maxTemps))
	for deviceID, maxTemp := range maxTemps {
		count, ok := counts[deviceID]
		if !ok {
			continue
		}
		distance, ok := distances[deviceID]
		if !ok {
			continue
		}
		summaries = append(summaries, models.Summary{
			DeviceID:        deviceID,
			MaxTemperature:  maxTemp,
			DeviceDataCount: count,
			TotalDistance:   distance,
		})
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].DeviceID < summaries[j].DeviceID })
	return summaries
}
