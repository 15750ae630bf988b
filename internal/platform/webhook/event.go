package webhook

import (
	"errors"

	"github.com/medflow/doctor-relay/internal/delivery"
	"github.com/medflow/doctor-relay/pkg/payload"
)

var ErrMissingRecipient = errors.New("doctor_id or recipient_id is required")

// AssignmentEvent is a normalised fallback webhook body.
type AssignmentEvent struct {
	RecipientID string
	PatientID   string
	MessageID   string
	EventType   string
	Payload     map[string]any
}

// ParseAssignmentEvent normalises the shapes the origin service posts:
// a body with a "data" object, a typed frame posted verbatim, or a bare
// object carrying just identifiers.
func ParseAssignmentEvent(body map[string]any) (AssignmentEvent, error) {
	recipientID := payload.String(body, "doctor_id", "recipient_id")
	if recipientID == "" {
		return AssignmentEvent{}, ErrMissingRecipient
	}

	var data map[string]any
	if obj, ok := payload.Object(body, "data"); ok {
		data = payload.Clone(obj)
	} else if payload.String(body, "type") != "" {
		data = payload.Clone(body)
	} else {
		data = make(map[string]any)
		for _, k := range []string{"patient_id", "assignment_id", "id", "patient"} {
			if v, ok := body[k]; ok {
				data[k] = v
			}
		}
	}

	ev := AssignmentEvent{
		RecipientID: recipientID,
		PatientID:   firstString([]string{"patient_id"}, data, body),
		MessageID:   firstString([]string{"assignment_id", "id", "message_id"}, data, body),
		EventType:   eventType(firstString([]string{"type"}, data, body)),
	}

	payload.SetDefault(data, "doctor_id", recipientID)
	payload.SetDefault(data, "patient_id", ev.PatientID)
	if ev.MessageID != "" && payload.String(data, "assignment_id", "id", "message_id") == "" {
		data["assignment_id"] = ev.MessageID
	}
	ev.Payload = data
	return ev, nil
}

func eventType(t string) string {
	switch t {
	case "", "patient_assignment":
		return delivery.EventPatientAssigned
	default:
		return t
	}
}

func firstString(keys []string, objs ...map[string]any) string {
	for _, m := range objs {
		if v := payload.String(m, keys...); v != "" {
			return v
		}
	}
	return ""
}
