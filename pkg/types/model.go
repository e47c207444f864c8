package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EnergyBucket is the total energy consumed on one calendar day.
type EnergyBucket struct {
	// Date is the UTC calendar day formatted as DateLayout.
	Date        string  `json:"date"`
	TotalEnergy float64 `json:"total_energy"` // kWh
}

// UnmarshalJSON validates the date label and normalizes it to DateLayout.
func (b *EnergyBucket) UnmarshalJSON(data []byte) error {
	var raw struct {
		Date        string  `json:"date"`
		TotalEnergy float64 `json:"total_energy"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	day, err := ParseDate(raw.Date)
	if err != nil {
		return err
	}
	if raw.TotalEnergy < 0 {
		return fmt.Errorf("negative total_energy %v for %s", raw.TotalEnergy, raw.Date)
	}
	b.Date = day.Format(DateLayout)
	b.TotalEnergy = raw.TotalEnergy
	return nil
}

// Day returns the bucket's calendar day as midnight UTC.
func (b EnergyBucket) Day() time.Time {
	t, _ := time.ParseInLocation(DateLayout, b.Date, time.UTC)
	return t
}

// Key returns the day key of the bucket.
func (b EnergyBucket) Key() BucketKey {
	return BucketKey{Granularity: GranularityDay, Value: b.Date}
}

// PowerBucket is the average power drawn during one hour-of-day, across all
// days.
type PowerBucket struct {
	Hour     int     `json:"hour"`      // 0-23
	AvgPower float64 `json:"avg_power"` // W
}

// UnmarshalJSON accepts the hour as a number or as a zero-padded string.
func (b *PowerBucket) UnmarshalJSON(data []byte) error {
	var raw struct {
		Hour     json.RawMessage `json:"hour"`
		AvgPower float64         `json:"avg_power"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	hour, err := parseHour(raw.Hour)
	if err != nil {
		return err
	}
	if raw.AvgPower < 0 {
		return fmt.Errorf("negative avg_power %v for hour %d", raw.AvgPower, hour)
	}
	b.Hour = hour
	b.AvgPower = raw.AvgPower
	return nil
}

func parseHour(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing hour")
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	} else {
		s = string(raw)
	}
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid hour %s: %w", raw, err)
	}
	if h < 0 || h > 23 {
		return 0, fmt.Errorf("hour out of range: %d", h)
	}
	return h, nil
}

// Key returns the hour-of-day key of the bucket.
func (b PowerBucket) Key() BucketKey {
	return BucketKey{Granularity: GranularityHour, Value: HourLabel(b.Hour)}
}

// HourLabel formats an hour-of-day the way the analytics backend labels it.
func HourLabel(hour int) string {
	return fmt.Sprintf("%02d", hour)
}

// PeakEvent is a single reading whose power exceeded the requested threshold.
type PeakEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Power     float64   `json:"power"`   // W
	Voltage   float64   `json:"voltage"` // V
	Current   float64   `json:"current"` // A
}

// UnmarshalJSON parses the backend timestamp formats.
func (p *PeakEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp string  `json:"timestamp"`
		Power     float64 `json:"power"`
		Voltage   float64 `json:"voltage"`
		Current   float64 `json:"current"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*p = PeakEvent{
		Timestamp: ts,
		Power:     raw.Power,
		Voltage:   raw.Voltage,
		Current:   raw.Current,
	}
	return nil
}

// AnomalyEvent is a reading flagged by the anomaly model. Timestamps are not
// aligned to any bucket boundary.
type AnomalyEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Power     float64   `json:"power"` // W
	Voltage   float64   `json:"voltage,omitempty"`
	Current   float64   `json:"current,omitempty"`
	// Score is unbounded but usually within [0,1].
	Score float64 `json:"score"`
}

// UnmarshalJSON parses the backend timestamp formats. A null score decodes as 0.
func (a *AnomalyEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp string   `json:"timestamp"`
		Power     float64  `json:"power"`
		Voltage   float64  `json:"voltage"`
		Current   float64  `json:"current"`
		Score     *float64 `json:"score"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*a = AnomalyEvent{
		Timestamp: ts,
		Power:     raw.Power,
		Voltage:   raw.Voltage,
		Current:   raw.Current,
	}
	if raw.Score != nil {
		a.Score = *raw.Score
	}
	return nil
}

// ForecastPoint is a single predicted energy value.
type ForecastPoint struct {
	Timestamp       time.Time `json:"timestamp"`
	PredictedEnergy float64   `json:"predicted_energy"`
}

// UnmarshalJSON parses the backend timestamp formats.
func (f *ForecastPoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp       string  `json:"timestamp"`
		PredictedEnergy float64 `json:"predicted_energy"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return err
	}
	*f = ForecastPoint{Timestamp: ts, PredictedEnergy: raw.PredictedEnergy}
	return nil
}

// Forecast is the energy forecast for the upcoming hours.
type Forecast struct {
	Hours       int             `json:"hours"`
	Predictions []ForecastPoint `json:"predictions"`
}
