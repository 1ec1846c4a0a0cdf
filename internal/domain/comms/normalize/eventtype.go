package normalize

import "strings"

// EventKey canonicalizes an event type so that historical spellings such as
// "message.received", "Message-Received" and "message_received" compare equal.
func EventKey(eventType string) string {
	s := strings.ToLower(strings.TrimSpace(eventType))
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(s)
}

// EventType reads the event type carried inside a payload
func EventType(p Payload) string {
	return p.String("event", "event_type", "type")
}
