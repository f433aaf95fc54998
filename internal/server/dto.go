package server

import (
	"encoding/json"

	"leadline/internal/domain"
)

// Request payloads

type CreateIntakeRequest struct {
	ServiceName        string  `json:"service_name" minLength:"1"`
	ApplicantName      string  `json:"applicant_name" minLength:"1"`
	ApplicantEmail     string  `json:"applicant_email" format:"email"`
	ApplicantPhone     *string `json:"applicant_phone,omitempty"`
	ApplicantCountry   string  `json:"applicant_country" minLength:"1"`
	DestinationCountry string  `json:"destination_country" minLength:"1"`
	Description        string  `json:"description,omitempty"`
	UrgencyLevel       string  `json:"urgency_level,omitempty" enum:"standard,soon,urgent,emergency"`
}

type OfferRequest struct {
	ProfessionalID string `json:"professional_id" minLength:"1"`
}

type DeclineRequest struct {
	Reason *string `json:"reason,omitempty" nullable:"true" maxLength:"2000"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type LeadList struct {
	Items []domain.Assignment `json:"items"`
}

type IntakeDetail struct {
	Intake domain.Intake       `json:"intake"`
	Offers []domain.Assignment `json:"offers"`
}

type SweepResponse struct {
	Offered   []domain.Assignment `json:"offered"`
	Exhausted []string            `json:"exhausted"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
