package schedule

import "time"

// EventType names an outbound event.
type EventType string

// Event types exposed to history/audit collaborators.
const (
	EventChangeDetected     EventType = "change_detected"
	EventNotificationSent   EventType = "notification_sent"
	EventNotificationFailed EventType = "notification_failed"
)

// Event is emitted for every classified change and every delivery result.
type Event struct {
	ID       string            `json:"id"`
	Type     EventType         `json:"type"`
	UserID   string            `json:"user_id"`
	Scope    string            `json:"scope,omitempty"`
	At       time.Time         `json:"at"`
	Change   *ClassifiedChange `json:"change,omitempty"`
	Delivery *DeliveryResult   `json:"delivery,omitempty"`
}
