package archive

import "time"

type Session struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	PointCount int       `json:"point_count"`
	DistanceM  float64   `json:"distance_m"`
	CreatedAt  time.Time `json:"created_at"`
}

type Point struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

type Summary struct {
	SessionID     string  `json:"session_id"`
	PointCount    int     `json:"point_count"`
	DistanceM     float64 `json:"distance_m"`
	DurationSec   int64   `json:"duration_sec"`
	AverageSpeedM float64 `json:"average_speed_mps"`
}
