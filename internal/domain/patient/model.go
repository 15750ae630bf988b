package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/medflow/doctor-relay/pkg/payload"
)

// Patient is the flat snapshot of a patient that accompanies an assignment.
// The origin service owns the record; this is a read-through copy.
type Patient struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	DateOfBirth    string    `json:"dob,omitempty"`
	Contact        string    `json:"contact,omitempty"`
	Allergies      string    `json:"allergies,omitempty"`
	MedicalHistory string    `json:"medical_history,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FromMap builds a Patient from a loosely typed JSON object, accepting the
// field spellings the origin service has used.
func FromMap(m map[string]any) *Patient {
	p := &Patient{
		ID:             payload.String(m, "id", "patient_id"),
		Name:           payload.String(m, "name", "full_name"),
		DateOfBirth:    payload.String(m, "dob", "date_of_birth", "birth_date"),
		Contact:        payload.String(m, "contact", "phone", "contact_number"),
		Allergies:      joinList(m["allergies"]),
		MedicalHistory: joinList(m["medical_history"]),
	}
	if p.Name == "" {
		p.Name = strings.TrimSpace(payload.String(m, "first_name") + " " + payload.String(m, "last_name"))
	}
	return p
}

// ToMap renders p for embedding in a message payload.
func (p *Patient) ToMap() map[string]any {
	m := map[string]any{
		"id":   p.ID,
		"name": p.Name,
	}
	for k, v := range map[string]string{
		"dob":             p.DateOfBirth,
		"contact":         p.Contact,
		"allergies":       p.Allergies,
		"medical_history": p.MedicalHistory,
	} {
		if v != "" {
			m[k] = v
		}
	}
	return m
}

// HasDetail reports whether the snapshot carries more than an id.
func (p *Patient) HasDetail() bool {
	return p != nil && p.Name != ""
}

func joinList(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" && item != nil {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	}
	return ""
}
