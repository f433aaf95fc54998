package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"

	"leadline/internal/domain"
)

type AssignmentFilters struct {
	ProfessionalID string
	IntakeID       string
	Status         string
	Limit          int
}

var assignmentColumns = []string{
	"a.id", "a.professional_id", "a.attempt_number", "a.status", "a.expires_at", "a.declined_reason", "a.created_at", "a.responded_at",
	"i.id", "i.service_name", "i.applicant_name", "i.applicant_email", "i.applicant_phone", "i.applicant_country",
	"i.destination_country", "i.description", "i.urgency_level", "i.submitted_at", "i.converted_case_id",
}

func selectAssignments() sq.SelectBuilder {
	return psql.Select(assignmentColumns...).From("assignments a").Join("intakes i ON i.id = a.intake_id")
}

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var reason, respondedAt, phone, caseID sql.NullString
	var expires, created, submitted string
	err := row.Scan(&a.ID, &a.ProfessionalID, &a.AttemptNumber, &a.Status, &expires, &reason, &created, &respondedAt,
		&a.Intake.ID, &a.Intake.ServiceName, &a.Intake.ApplicantName, &a.Intake.ApplicantEmail, &phone, &a.Intake.ApplicantCountry,
		&a.Intake.DestinationCountry, &a.Intake.Description, &a.Intake.UrgencyLevel, &submitted, &caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.DeclinedReason = stringPtr(reason)
	a.Intake.ApplicantPhone = stringPtr(phone)
	a.Intake.ConvertedCaseID = stringPtr(caseID)
	if a.ExpiresAt, err = parseTime(expires); err != nil {
		return a, err
	}
	if a.CreatedAt, err = parseTime(created); err != nil {
		return a, err
	}
	if a.Intake.SubmittedAt, err = parseTime(submitted); err != nil {
		return a, err
	}
	if respondedAt.Valid {
		t, err := parseTime(respondedAt.String)
		if err != nil {
			return a, err
		}
		a.RespondedAt = &t
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(id,intake_id,professional_id,attempt_number,status,expires_at,declined_reason,created_at,responded_at) VALUES (?,?,?,?,?,?,?,?,NULL)`,
		a.ID, a.Intake.ID, a.ProfessionalID, a.AttemptNumber, a.Status, FormatTime(a.ExpiresAt), nullableStringPtr(a.DeclinedReason), FormatTime(a.CreatedAt))
	return err
}

func (r Repo) GetAssignment(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	query, args, err := selectAssignments().Where(sq.Eq{"a.id": id}).ToSql()
	if err != nil {
		return domain.Assignment{}, err
	}
	return scanAssignment(r.q(tx).QueryRowContext(ctx, query, args...))
}

// ListAssignments returns assignments newest first.
func (r Repo) ListAssignments(ctx context.Context, tx *sql.Tx, f AssignmentFilters) ([]domain.Assignment, error) {
	b := selectAssignments()
	if f.ProfessionalID != "" {
		b = b.Where(sq.Eq{"a.professional_id": f.ProfessionalID})
	}
	if f.IntakeID != "" {
		b = b.Where(sq.Eq{"a.intake_id": f.IntakeID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"a.status": f.Status})
	}
	b = b.OrderBy("a.created_at DESC", "a.id DESC")
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// RespondAssignment moves a live pending assignment to accepted or declined.
// It reports false when the row was not pending or had already expired at
// now, so exactly one response can ever win.
func (r Repo) RespondAssignment(ctx context.Context, tx *sql.Tx, id, status string, reason *string, now time.Time) (bool, error) {
	query, args, err := psql.Update("assignments").
		Set("status", status).
		Set("declined_reason", nullableStringPtr(reason)).
		Set("responded_at", FormatTime(now)).
		Where(sq.Eq{"id": id, "status": domain.StatusPending}).
		Where(sq.Gt{"expires_at": FormatTime(now)}).
		ToSql()
	if err != nil {
		return false, err
	}
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SupersedeSiblings expires every other live pending offer of the intake at
// the given instant and returns their ids.
func (r Repo) SupersedeSiblings(ctx context.Context, tx *sql.Tx, intakeID, keepID string, at time.Time) ([]string, error) {
	cond := sq.And{
		sq.Eq{"intake_id": intakeID, "status": domain.StatusPending},
		sq.NotEq{"id": keepID},
		sq.Gt{"expires_at": FormatTime(at)},
	}
	query, args, err := psql.Select("id").From("assignments").Where(cond).OrderBy("attempt_number ASC").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err = psql.Update("assignments").Set("expires_at", FormatTime(at)).Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := r.q(tx).ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// MaxAttempt returns the highest attempt number recorded for the intake, 0 if none.
func (r Repo) MaxAttempt(ctx context.Context, tx *sql.Tx, intakeID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt_number),0) FROM assignments WHERE intake_id=?`, intakeID).Scan(&n)
	return n, err
}
