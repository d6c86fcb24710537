package serialmux

import "strings"

const (
	EventTypeAck         = "ack"
	EventTypeNak         = "nak"
	EventTypeSensorFrame = "sensor_frame"
	EventTypeConfig      = "config"
	EventTypeUnknown     = "unknown"
)

// ClassifyPayload returns the event type of one firmware line by looking for
// the leading JSON key. It does not validate the payload.
func ClassifyPayload(payload string) string {
	p := strings.TrimSpace(payload)
	if !strings.HasPrefix(p, "{") {
		return EventTypeUnknown
	}
	switch {
	case strings.Contains(p, `"nak"`):
		return EventTypeNak
	case strings.Contains(p, `"ack"`):
		return EventTypeAck
	case strings.Contains(p, `"imu1"`) || strings.Contains(p, `"imu2"`):
		return EventTypeSensorFrame
	default:
		return EventTypeConfig
	}
}
