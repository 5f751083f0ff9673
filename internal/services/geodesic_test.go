package services

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"device-analytics/internal/models"
)

func TestGeodesicDistance(t *testing.T) {
	tests := []struct {
		name  string
		a, b  models.Location
		want  float64
		delta float64
	}{
		{"same point", models.Location{Latitude: 6.9, Longitude: 79.8}, models.Location{Latitude: 6.9, Longitude: 79.8}, 0, 0},
		{"short hop", models.Location{Latitude: 6.9, Longitude: 79.8}, models.Location{Latitude: 6.91, Longitude: 79.85}, 5.6354, 0.001},
		{"one degree latitude at equator", models.Location{}, models.Location{Latitude: 1}, 110.5744, 0.001},
		{"one degree longitude at equator", models.Location{}, models.Location{Longitude: 1}, 111.3195, 0.001},
		{"london to paris", models.Location{Latitude: 51.5074, Longitude: -0.1278}, models.Location{Latitude: 48.8566, Longitude: 2.3522}, 343.923, 0.01},
		{"nearly antipodal falls back to great circle", models.Location{}, models.Location{Latitude: 0.5, Longitude: 179.7}, 19950.277, 0.01},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, GeodesicDistance(tt.a, tt.b), tt.delta)
		})
	}
}

func TestGeodesicDistance_Symmetric(t *testing.T) {
	a := models.Location{Latitude: 6.9, Longitude: 79.8}
	b := models.Location{Latitude: 6.91, Longitude: 79.85}
	assert.InDelta(t, GeodesicDistance(a, b), GeodesicDistance(b, a), 1e-9)
}
