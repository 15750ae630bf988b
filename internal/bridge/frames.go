package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/medflow/doctor-relay/pkg/payload"
)

// FrameType tags upstream frames.
type FrameType string

const (
	FramePatientAssignment      FrameType = "patient_assignment"
	FrameHeartbeat              FrameType = "heartbeat"
	FrameAssignmentStatusUpdate FrameType = "assignment_status_update"

	FrameAuthenticate  FrameType = "authenticate"
	FrameHeartbeatAck  FrameType = "heartbeat_ack"
	FrameAssignmentAck FrameType = "assignment_ack"
)

// Assignment acknowledgement statuses.
const (
	AckDelivered = "delivered"
	AckPending   = "pending"
)

var ErrMissingField = errors.New("missing required field")

// Frame is a decoded upstream frame. Body holds the whole JSON object,
// including "type".
type Frame struct {
	Type FrameType
	Data json.RawMessage
	Body map[string]any
}

// DecodeFrame parses an upstream text frame.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type FrameType       `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return Frame{Type: head.Type, Data: head.Data, Body: body}, nil
}

// Assignment is a validated patient_assignment event.
type Assignment struct {
	AssignmentID string
	DoctorID     string
	PatientID    string
	Payload      map[string]any
}

// ParseAssignment extracts the assignment from f. Identifiers are read from
// the "data" object first and fall back to the top level.
func ParseAssignment(f Frame) (Assignment, error) {
	data, ok := payload.Object(f.Body, "data")
	if !ok {
		data = payload.Clone(f.Body)
		delete(data, "type")
	} else {
		data = payload.Clone(data)
	}

	a := Assignment{
		AssignmentID: firstString("assignment_id", data, f.Body),
		DoctorID:     firstString("doctor_id", data, f.Body),
		PatientID:    firstString("patient_id", data, f.Body),
	}
	switch {
	case a.DoctorID == "":
		return a, fmt.Errorf("%w: doctor_id", ErrMissingField)
	case a.PatientID == "":
		return a, fmt.Errorf("%w: patient_id", ErrMissingField)
	case a.AssignmentID == "":
		return a, fmt.Errorf("%w: assignment_id", ErrMissingField)
	}

	payload.SetDefault(data, "assignment_id", a.AssignmentID)
	payload.SetDefault(data, "doctor_id", a.DoctorID)
	payload.SetDefault(data, "patient_id", a.PatientID)
	a.Payload = data
	return a, nil
}

func firstString(key string, objs ...map[string]any) string {
	for _, m := range objs {
		if v := payload.String(m, key); v != "" {
			return v
		}
	}
	return ""
}

type authenticateFrame struct {
	Type      FrameType `json:"type"`
	Service   string    `json:"service"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatFrame struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

type assignmentAckFrame struct {
	Type         FrameType `json:"type"`
	AssignmentID string    `json:"assignment_id"`
	DoctorID     string    `json:"doctor_id"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}
