package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    Location
		wantErr bool
	}{
		{
			name:    "valid payload",
			payload: `{"latitude": 6.9, "longitude": 79.8}`,
			want:    Location{Latitude: 6.9, Longitude: 79.8},
		},
		{
			name:    "extra fields ignored",
			payload: `{"latitude": -33.86, "longitude": 151.2, "accuracy": 4}`,
			want:    Location{Latitude: -33.86, Longitude: 151.2},
		},
		{
			name:    "missing longitude",
			payload: `{"latitude": 6.9}`,
			wantErr: true,
		},
		{
			name:    "not json",
			payload: `6.9,79.8`,
			wantErr: true,
		},
		{
			name:    "latitude out of range",
			payload: `{"latitude": 91, "longitude": 0}`,
			wantErr: true,
		},
		{
			name:    "longitude out of range",
			payload: `{"latitude": 0, "longitude": -180.5}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocation(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLocation() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var verr *ValidationError
				if !errors.As(err, &verr) {
					t.Fatalf("error %T is not a ValidationError", err)
				}
				if verr.IsTransient() {
					t.Error("ValidationError should not be transient")
				}
				return
			}
			if got != tt.want {
				t.Errorf("ParseLocation() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewHourWindow(t *testing.T) {
	ts := time.Date(2024, 3, 1, 8, 42, 17, 500, time.FixedZone("IST", 5*3600+1800))
	w := NewHourWindow(ts)

	wantStart := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	if !w.Start.Equal(wantStart) {
		t.Errorf("Start = %v, want %v", w.Start, wantStart)
	}
	if got := w.End.Sub(w.Start); got != 59*time.Minute+59*time.Second {
		t.Errorf("window span = %v, want 59m59s", got)
	}
	if w.Start.Location() != time.UTC {
		t.Errorf("Start location = %v, want UTC", w.Start.Location())
	}
}

func TestTimeWindow_UnixBounds(t *testing.T) {
	w := NewHourWindow(time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC))

	if w.StartUnix() != 1709280000 {
		t.Errorf("StartUnix = %d, want 1709280000", w.StartUnix())
	}
	if w.EndUnix()-w.StartUnix() != 3599 {
		t.Errorf("EndUnix-StartUnix = %d, want 3599", w.EndUnix()-w.StartUnix())
	}
}

func TestRawRecord_Timestamp(t *testing.T) {
	r := RawRecord{Time: 1709280000}
	want := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	if !r.Timestamp().Equal(want) {
		t.Errorf("Timestamp() = %v, want %v", r.Timestamp(), want)
	}
}
