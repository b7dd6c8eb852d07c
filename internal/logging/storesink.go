package logging

import (
	"encoding/json"
	"time"
)

// Recorder is the subset of the store that persists log entries. The store's
// implementation is asynchronous, so RecordLog must never block.
type Recorder interface {
	RecordLog(level, category, message, fieldsJSON string, ts time.Time)
}

// StoreSink forwards WARN and above to the store so recent problems survive
// restarts and feed GET /admin/logs. It implements io.Writer for zerolog's
// MultiLevelWriter; each Write receives exactly one JSON event line.
type StoreSink struct {
	rec Recorder
}

func NewStoreSink(rec Recorder) *StoreSink {
	return &StoreSink{rec: rec}
}

func (s *StoreSink) Write(p []byte) (int, error) {
	var event map[string]any
	if err := json.Unmarshal(p, &event); err != nil {
		// Not an event line (console writer noise); pass through.
		return len(p), nil
	}

	level, _ := event["level"].(string)
	switch level {
	case "warn", "error", "fatal", "panic":
	default:
		return len(p), nil
	}

	message, _ := event["message"].(string)
	category, _ := event["category"].(string)
	if category == "" {
		category = CategoryBridge
	}

	ts := time.Now().UTC()
	if raw, ok := event["time"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			ts = parsed.UTC()
		}
	}

	// Everything except the envelope keys becomes fields_json.
	delete(event, "level")
	delete(event, "message")
	delete(event, "category")
	delete(event, "time")
	delete(event, "service")
	fields := "{}"
	if len(event) > 0 {
		if b, err := json.Marshal(event); err == nil {
			fields = string(b)
		}
	}

	s.rec.RecordLog(normalizeLevel(level), category, message, fields, ts)
	return len(p), nil
}

func normalizeLevel(level string) string {
	switch level {
	case "warn":
		return "WARN"
	case "error", "fatal", "panic":
		return "ERROR"
	case "debug":
		return "DEBUG"
	default:
		return "INFO"
	}
}
