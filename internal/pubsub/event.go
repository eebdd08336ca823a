package pubsub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sumire/agenthub/internal/domain"
)

// EventType distinguishes log lines from the stream-end sentinel.
type EventType string

const (
	EventLog EventType = "log"
	EventEnd EventType = "end"
)

// Event is the wire message carried on a job topic.
type Event struct {
	Type      EventType        `json:"type"`
	JobID     string           `json:"job_id"`
	Sequence  int64            `json:"sequence,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Text      string           `json:"text,omitempty"`
	Status    domain.JobStatus `json:"status,omitempty"`
}

// LogEvent wraps a persisted line for publication.
func LogEvent(line domain.LogLine) Event {
	return Event{
		Type:      EventLog,
		JobID:     line.JobID,
		Sequence:  line.Sequence,
		Timestamp: line.Timestamp,
		Text:      line.Text,
	}
}

// EndEvent is the sentinel published after a terminal transition.
func EndEvent(jobID string, status domain.JobStatus) Event {
	return Event{
		Type:      EventEnd,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Status:    status,
	}
}

// Line converts a log event back into a LogLine.
func (e Event) Line() domain.LogLine {
	return domain.LogLine{
		JobID:     e.JobID,
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Text:      e.Text,
	}
}

func encodeEvent(e Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return b, nil
}

func decodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	switch e.Type {
	case EventLog, EventEnd:
	default:
		return Event{}, fmt.Errorf("decode event: unknown type %q", e.Type)
	}
	return e, nil
}

// Topic returns the transport topic carrying the events of jobID.
func Topic(jobID string) string {
	return "job:" + jobID + ":logs"
}
