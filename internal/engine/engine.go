package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"leadline/internal/config"
	"leadline/internal/domain"
	"leadline/internal/engine/auth"
	"leadline/internal/events"
	"leadline/internal/repo"
)

// Conflict codes returned when a response loses against the stored state.
const (
	CodeAlreadyResponded = "lead_already_responded"
	CodeExpired          = "lead_expired"
	CodeIntakeConverted  = "intake_already_converted"
	CodeAlreadyOffered   = "lead_already_offered"
)

// ConflictError means the request was valid but the lead or intake already
// moved on. Clients must re-fetch.
type ConflictError struct {
	Code    string
	Message string
}

func (e ConflictError) Error() string { return e.Message }

func conflict(code, format string, args ...any) ConflictError {
	return ConflictError{Code: code, Message: fmt.Sprintf(format, args...)}
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Auth   auth.Service
	Config *config.Config
	Now    func() time.Time
	Log    *logrus.Entry
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Auth:   auth.Service{Config: cfg},
		Config: cfg,
		Now:    time.Now,
		Log:    logrus.WithField("prefix", "engine"),
	}
}

// WithClock returns a copy whose state changes and events use now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *logrus.Entry {
	if e.Log != nil {
		return e.Log
	}
	return logrus.WithField("prefix", "engine")
}

// IntakeInput are the applicant-provided fields of a new intake.
type IntakeInput struct {
	ServiceName        string
	ApplicantName      string
	ApplicantEmail     string
	ApplicantPhone     string
	ApplicantCountry   string
	DestinationCountry string
	Description        string
	UrgencyLevel       string
}

func (in IntakeInput) validate() error {
	required := []struct{ name, value string }{
		{"service_name", in.ServiceName},
		{"applicant_name", in.ApplicantName},
		{"applicant_email", in.ApplicantEmail},
		{"applicant_country", in.ApplicantCountry},
		{"destination_country", in.DestinationCountry},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", domain.ErrInvalid, f.name)
		}
	}
	if _, err := mail.ParseAddress(in.ApplicantEmail); err != nil {
		return fmt.Errorf("%w: applicant_email is invalid", domain.ErrInvalid)
	}
	if !domain.ValidUrgency(in.UrgencyLevel) {
		return fmt.Errorf("%w: urgency_level %q is invalid", domain.ErrInvalid, in.UrgencyLevel)
	}
	return nil
}

// SubmitIntake records a new applicant intake. Offers are made separately.
func (e Engine) SubmitIntake(ctx context.Context, in IntakeInput, actorID string) (domain.Intake, error) {
	if in.UrgencyLevel == "" {
		in.UrgencyLevel = domain.UrgencyStandard
	}
	if err := in.validate(); err != nil {
		return domain.Intake{}, err
	}
	intake := domain.Intake{
		ID:                 uuid.NewString(),
		ServiceName:        strings.TrimSpace(in.ServiceName),
		ApplicantName:      strings.TrimSpace(in.ApplicantName),
		ApplicantEmail:     strings.TrimSpace(in.ApplicantEmail),
		ApplicantPhone:     optionalString(strings.TrimSpace(in.ApplicantPhone)),
		ApplicantCountry:   strings.TrimSpace(in.ApplicantCountry),
		DestinationCountry: strings.TrimSpace(in.DestinationCountry),
		Description:        strings.TrimSpace(in.Description),
		UrgencyLevel:       in.UrgencyLevel,
		SubmittedAt:        e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Intake{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIntake(ctx, tx, intake); err != nil {
		return domain.Intake{}, fmt.Errorf("insert intake: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.IntakeSubmitted, "intake", intake.ID, actorID, events.EventPayload{
		"service_name":  intake.ServiceName,
		"urgency_level": intake.UrgencyLevel,
	}); err != nil {
		return domain.Intake{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Intake{}, err
	}
	e.log().WithField("intake_id", intake.ID).Info("intake submitted")
	return intake, nil
}

func (e Engine) GetIntake(ctx context.Context, id string) (domain.Intake, error) {
	return e.Repo.GetIntake(ctx, nil, id)
}

// OfferIntake offers the intake to a professional with a fresh response
// window. Several professionals may hold live offers for the same intake; the
// first accept wins.
func (e Engine) OfferIntake(ctx context.Context, intakeID, professionalID, actorID string) (domain.Assignment, error) {
	if e.Config == nil {
		return domain.Assignment{}, errors.New("config not loaded")
	}
	professionalID = strings.TrimSpace(professionalID)
	if professionalID == "" {
		return domain.Assignment{}, fmt.Errorf("%w: professional_id is required", domain.ErrInvalid)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()
	a, err := e.offer(ctx, tx, intakeID, professionalID, actorID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func (e Engine) offer(ctx context.Context, tx *sql.Tx, intakeID, professionalID, actorID string) (domain.Assignment, error) {
	intake, err := e.Repo.GetIntake(ctx, tx, intakeID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if intake.ConvertedCaseID != nil {
		return domain.Assignment{}, conflict(CodeIntakeConverted, "intake %s already converted to case %s", intake.ID, *intake.ConvertedCaseID)
	}
	now := e.now()
	existing, err := e.Repo.ListAssignments(ctx, tx, repo.AssignmentFilters{IntakeID: intake.ID, Status: domain.StatusPending})
	if err != nil {
		return domain.Assignment{}, err
	}
	for _, a := range existing {
		if a.ProfessionalID == professionalID && now.Before(a.ExpiresAt) {
			return domain.Assignment{}, conflict(CodeAlreadyOffered, "professional %s already holds live offer %s for intake %s", professionalID, a.ID, intake.ID)
		}
	}
	attempt, err := e.Repo.MaxAttempt(ctx, tx, intake.ID)
	if err != nil {
		return domain.Assignment{}, err
	}
	a := domain.Assignment{
		ID:             uuid.NewString(),
		Intake:         intake,
		ProfessionalID: professionalID,
		AttemptNumber:  attempt + 1,
		Status:         domain.StatusPending,
		ExpiresAt:      now.Add(e.Config.OfferWindow(intake.UrgencyLevel)),
		CreatedAt:      now,
	}
	if err := e.Repo.InsertAssignment(ctx, tx, a); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.LeadOffered, "assignment", a.ID, actorID, events.EventPayload{
		"intake_id":       intake.ID,
		"professional_id": professionalID,
		"attempt_number":  a.AttemptNumber,
		"expires_at":      a.ExpiresAt.Format(time.RFC3339),
	}); err != nil {
		return domain.Assignment{}, err
	}
	e.log().WithFields(logrus.Fields{"intake_id": intake.ID, "assignment_id": a.ID, "attempt": a.AttemptNumber}).Info("lead offered")
	return a, nil
}

// MyLeads returns every assignment offered to the professional, newest first.
func (e Engine) MyLeads(ctx context.Context, professionalID string) ([]domain.Assignment, error) {
	return e.Repo.ListAssignments(ctx, nil, repo.AssignmentFilters{ProfessionalID: professionalID})
}

// Accept accepts a live pending lead, opens a case and supersedes every
// sibling offer of the same intake.
func (e Engine) Accept(ctx context.Context, assignmentID, professionalID string) (domain.Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	now := e.now()
	a, err := e.respondable(ctx, tx, assignmentID, professionalID, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.Intake.ConvertedCaseID != nil {
		return domain.Assignment{}, conflict(CodeIntakeConverted, "intake %s already converted", a.Intake.ID)
	}
	if err := e.transition(ctx, tx, a, domain.StatusAccepted, nil, now); err != nil {
		return domain.Assignment{}, err
	}
	c := domain.Case{
		ID:             uuid.NewString(),
		IntakeID:       a.Intake.ID,
		AssignmentID:   a.ID,
		ProfessionalID: professionalID,
		Status:         domain.CaseStatusOpen,
		CreatedAt:      now,
	}
	if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
		return domain.Assignment{}, fmt.Errorf("insert case: %w", err)
	}
	converted, err := e.Repo.ConvertIntake(ctx, tx, a.Intake.ID, c.ID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if !converted {
		return domain.Assignment{}, conflict(CodeIntakeConverted, "intake %s already converted", a.Intake.ID)
	}
	if err := e.Events.Append(ctx, tx, events.CaseCreated, "case", c.ID, professionalID, events.EventPayload{
		"intake_id":     c.IntakeID,
		"assignment_id": c.AssignmentID,
	}); err != nil {
		return domain.Assignment{}, err
	}
	superseded, err := e.Repo.SupersedeSiblings(ctx, tx, a.Intake.ID, a.ID, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	for _, id := range superseded {
		if err := e.Events.Append(ctx, tx, events.LeadSuperseded, "assignment", id, professionalID, events.EventPayload{
			"intake_id":   a.Intake.ID,
			"accepted_by": a.ID,
		}); err != nil {
			return domain.Assignment{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	e.log().WithFields(logrus.Fields{"assignment_id": a.ID, "case_id": c.ID, "superseded": len(superseded)}).Info("lead accepted")
	return e.Repo.GetAssignment(ctx, nil, a.ID)
}

// Decline declines a live pending lead. A blank reason is stored as null.
func (e Engine) Decline(ctx context.Context, assignmentID, professionalID string, reason *string) (domain.Assignment, error) {
	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		reason = optionalString(trimmed)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	now := e.now()
	a, err := e.respondable(ctx, tx, assignmentID, professionalID, now)
	if err != nil {
		return domain.Assignment{}, err
	}
	if err := e.transition(ctx, tx, a, domain.StatusDeclined, reason, now); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	e.log().WithField("assignment_id", a.ID).Info("lead declined")
	return e.Repo.GetAssignment(ctx, nil, a.ID)
}

// respondable loads the caller's assignment and checks it is pending-active.
// Someone else's lead is reported as not found.
func (e Engine) respondable(ctx context.Context, tx *sql.Tx, assignmentID, professionalID string, now time.Time) (domain.Assignment, error) {
	a, err := e.Repo.GetAssignment(ctx, tx, assignmentID)
	if err != nil {
		return domain.Assignment{}, err
	}
	if a.ProfessionalID != professionalID {
		return domain.Assignment{}, fmt.Errorf("lead %s: %w", assignmentID, repo.ErrNotFound)
	}
	if err := ensureRespondable(a, now); err != nil {
		return domain.Assignment{}, err
	}
	return a, nil
}

func ensureRespondable(a domain.Assignment, now time.Time) error {
	if a.Status != domain.StatusPending {
		return conflict(CodeAlreadyResponded, "lead %s already %s", a.ID, a.Status)
	}
	if !now.Before(a.ExpiresAt) {
		return conflict(CodeExpired, "lead %s expired at %s", a.ID, a.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (e Engine) transition(ctx context.Context, tx *sql.Tx, a domain.Assignment, status string, reason *string, now time.Time) error {
	ok, err := e.Repo.RespondAssignment(ctx, tx, a.ID, status, reason, now)
	if err != nil {
		return err
	}
	if !ok {
		return conflict(CodeAlreadyResponded, "lead %s was answered concurrently", a.ID)
	}
	evt := events.LeadAccepted
	payload := events.EventPayload{"intake_id": a.Intake.ID, "attempt_number": a.AttemptNumber}
	if status == domain.StatusDeclined {
		evt = events.LeadDeclined
		if reason != nil {
			payload["reason"] = *reason
		}
	}
	return e.Events.Append(ctx, tx, evt, "assignment", a.ID, a.ProfessionalID, payload)
}

// GetCase returns a case. Only its professional may read it unless readAny.
func (e Engine) GetCase(ctx context.Context, id, actorID string, readAny bool) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, id)
	if err != nil {
		return domain.Case{}, err
	}
	if !readAny && c.ProfessionalID != actorID {
		return domain.Case{}, fmt.Errorf("case %s: %w", id, repo.ErrNotFound)
	}
	return c, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
