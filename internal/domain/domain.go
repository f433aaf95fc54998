package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stored assignment statuses. Expiry is never persisted; see lifecycle.Effective.
const (
	StatusPending  = "pending"
	StatusAccepted = "accepted"
	StatusDeclined = "declined"
)

const (
	UrgencyStandard  = "standard"
	UrgencySoon      = "soon"
	UrgencyUrgent    = "urgent"
	UrgencyEmergency = "emergency"
)

const CaseStatusOpen = "open"

type Intake struct {
	ID                 string    `json:"id"`
	ServiceName        string    `json:"service_name"`
	ApplicantName      string    `json:"applicant_name"`
	ApplicantEmail     string    `json:"applicant_email"`
	ApplicantPhone     *string   `json:"applicant_phone,omitempty"`
	ApplicantCountry   string    `json:"applicant_country"`
	DestinationCountry string    `json:"destination_country"`
	Description        string    `json:"description,omitempty"`
	UrgencyLevel       string    `json:"urgency_level" enum:"standard,soon,urgent,emergency"`
	SubmittedAt        time.Time `json:"submitted_at" format:"date-time"`
	ConvertedCaseID    *string   `json:"converted_case_id,omitempty"`
}

// Assignment is one time-boxed offer of an intake to one professional.
type Assignment struct {
	ID             string     `json:"id"`
	Intake         Intake     `json:"intake"`
	ProfessionalID string     `json:"professional_id,omitempty"`
	AttemptNumber  int        `json:"attempt_number"`
	Status         string     `json:"status" enum:"pending,accepted,declined"`
	ExpiresAt      time.Time  `json:"expires_at" format:"date-time"`
	DeclinedReason *string    `json:"declined_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	RespondedAt    *time.Time `json:"responded_at,omitempty" format:"date-time"`
}

type Case struct {
	ID             string    `json:"id"`
	IntakeID       string    `json:"intake_id"`
	AssignmentID   string    `json:"assignment_id"`
	ProfessionalID string    `json:"professional_id"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	Roles     []string `json:"roles"`
	KeyHash   string   `json:"key_hash"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

// ErrInvalid marks records that violate the data model.
var ErrInvalid = errors.New("invalid record")

func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusAccepted, StatusDeclined:
		return true
	}
	return false
}

func ValidUrgency(s string) bool {
	switch s {
	case UrgencyStandard, UrgencySoon, UrgencyUrgent, UrgencyEmergency:
		return true
	}
	return false
}

// Validate checks the intake fields a lead view depends on.
func (in Intake) Validate() error {
	if strings.TrimSpace(in.ID) == "" {
		return fmt.Errorf("%w: intake id missing", ErrInvalid)
	}
	if !ValidUrgency(in.UrgencyLevel) {
		return fmt.Errorf("%w: intake %s has unknown urgency %q", ErrInvalid, in.ID, in.UrgencyLevel)
	}
	return nil
}

// Validate rejects assignments that cannot be interpreted by the lifecycle engine.
func (a Assignment) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("%w: assignment id missing", ErrInvalid)
	}
	if !ValidStatus(a.Status) {
		return fmt.Errorf("%w: assignment %s has unknown status %q", ErrInvalid, a.ID, a.Status)
	}
	if a.AttemptNumber < 1 {
		return fmt.Errorf("%w: assignment %s has attempt number %d", ErrInvalid, a.ID, a.AttemptNumber)
	}
	if a.ExpiresAt.IsZero() {
		return fmt.Errorf("%w: assignment %s has no expiry", ErrInvalid, a.ID)
	}
	if err := a.Intake.Validate(); err != nil {
		return err
	}
	return nil
}

// Normalize enforces that a decline reason only travels with a declined status.
func (a Assignment) Normalize() Assignment {
	if a.Status != StatusDeclined {
		a.DeclinedReason = nil
	}
	if a.DeclinedReason != nil && strings.TrimSpace(*a.DeclinedReason) == "" {
		a.DeclinedReason = nil
	}
	a.ExpiresAt = a.ExpiresAt.UTC()
	return a
}
