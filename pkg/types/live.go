package types

import (
	"encoding/json"
	"time"
)

// ConnectionState is the state of the live channel.
type ConnectionState string

const (
	ConnectionStateConnecting ConnectionState = "connecting"
	ConnectionStateOpen       ConnectionState = "open"
	ConnectionStateClosed     ConnectionState = "closed"
)

// LiveStats is the stats object pushed by the live channel.
type LiveStats struct {
	Timestamp      string  `json:"timestamp,omitempty"`
	CurrentPower   float64 `json:"current_power"`
	CurrentVoltage float64 `json:"current_voltage"`
	CurrentCurrent float64 `json:"current_current"`
	AvgPower1h     float64 `json:"avg_power_1h"`
	MaxPower1h     float64 `json:"max_power_1h"`
	ReadingCount   int     `json:"reading_count"`
}

// LiveReading is one push-delivered stats payload.
type LiveReading struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Stats      LiveStats       `json:"stats"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}
