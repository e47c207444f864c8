package live

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gridsense/gridsense/pkg/types"
)

// EventKind is the decoded discriminant of a live frame.
type EventKind string

const (
	EventConnection  EventKind = "connection"
	EventStatsUpdate EventKind = "stats_update"
	// EventUnknown is any other type. It is ignored, not an error.
	EventUnknown EventKind = "unknown"
)

// Event is one decoded inbound frame.
type Event struct {
	Kind EventKind
	// Type is the type field as sent, which differs from Kind for unknown frames.
	Type  string
	Stats types.LiveStats
	// Raw is the data object of a stats update.
	Raw json.RawMessage
}

// Decode turns one text frame into an Event. It fails only for frames that are
// not a JSON object with a string type, or stats updates without a valid data
// object.
func Decode(frame []byte) (Event, error) {
	var env struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return Event{}, fmt.Errorf("invalid frame: %w", err)
	}
	if env.Type == nil {
		return Event{}, errors.New("frame has no type")
	}

	switch EventKind(*env.Type) {
	case EventConnection:
		return Event{Kind: EventConnection, Type: *env.Type}, nil
	case EventStatsUpdate:
		data := bytes.TrimSpace(env.Data)
		if len(data) == 0 || data[0] != '{' {
			return Event{}, errors.New("stats_update without a data object")
		}
		var stats types.LiveStats
		if err := json.Unmarshal(data, &stats); err != nil {
			return Event{}, fmt.Errorf("invalid stats_update data: %w", err)
		}
		return Event{
			Kind:  EventStatsUpdate,
			Type:  *env.Type,
			Stats: stats,
			Raw:   append(json.RawMessage(nil), data...),
		}, nil
	default:
		return Event{Kind: EventUnknown, Type: *env.Type}, nil
	}
}
