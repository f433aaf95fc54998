package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"leadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TimeLayout is fixed width so stored timestamps compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// psql builds queries with SQLite's "?" placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

func (r Repo) q(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

const intakeColumns = `id,service_name,applicant_name,applicant_email,applicant_phone,applicant_country,destination_country,description,urgency_level,submitted_at,converted_case_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntake(row rowScanner) (domain.Intake, error) {
	var in domain.Intake
	var phone, caseID sql.NullString
	var submitted string
	err := row.Scan(&in.ID, &in.ServiceName, &in.ApplicantName, &in.ApplicantEmail, &phone, &in.ApplicantCountry,
		&in.DestinationCountry, &in.Description, &in.UrgencyLevel, &submitted, &caseID)
	if errors.Is(err, sql.ErrNoRows) {
		return in, ErrNotFound
	}
	if err != nil {
		return in, err
	}
	in.ApplicantPhone = stringPtr(phone)
	in.ConvertedCaseID = stringPtr(caseID)
	in.SubmittedAt, err = parseTime(submitted)
	return in, err
}

func (r Repo) InsertIntake(ctx context.Context, tx *sql.Tx, in domain.Intake) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO intakes(`+intakeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.ServiceName, in.ApplicantName, in.ApplicantEmail, nullableStringPtr(in.ApplicantPhone), in.ApplicantCountry,
		in.DestinationCountry, in.Description, in.UrgencyLevel, FormatTime(in.SubmittedAt), nullableStringPtr(in.ConvertedCaseID))
	return err
}

func (r Repo) GetIntake(ctx context.Context, tx *sql.Tx, id string) (domain.Intake, error) {
	return scanIntake(r.q(tx).QueryRowContext(ctx, `SELECT `+intakeColumns+` FROM intakes WHERE id=?`, id))
}

// ConvertIntake links the intake to its case. It reports false when the
// intake was already converted.
func (r Repo) ConvertIntake(ctx context.Context, tx *sql.Tx, intakeID, caseID string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE intakes SET converted_case_id=? WHERE id=? AND converted_case_id IS NULL`, caseID, intakeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkIntakeExhausted flags an intake that ran out of professionals. It
// reports false when it was already flagged.
func (r Repo) MarkIntakeExhausted(ctx context.Context, tx *sql.Tx, intakeID string, at time.Time) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE intakes SET exhausted_at=? WHERE id=? AND exhausted_at IS NULL`, FormatTime(at), intakeID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ListOpenIntakes returns intakes that are neither converted nor exhausted.
func (r Repo) ListOpenIntakes(ctx context.Context, tx *sql.Tx) ([]domain.Intake, error) {
	query, args, err := psql.Select(intakeColumns).From("intakes").
		Where(sq.Eq{"converted_case_id": nil, "exhausted_at": nil}).
		OrderBy("submitted_at ASC", "id ASC").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Intake
	for rows.Next() {
		in, err := scanIntake(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO cases(id,intake_id,assignment_id,professional_id,status,created_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.IntakeID, c.AssignmentID, c.ProfessionalID, c.Status, FormatTime(c.CreatedAt))
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	var c domain.Case
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,intake_id,assignment_id,professional_id,status,created_at FROM cases WHERE id=?`, id).
		Scan(&c.ID, &c.IntakeID, &c.AssignmentID, &c.ProfessionalID, &c.Status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CreatedAt, err = parseTime(created)
	return c, err
}
