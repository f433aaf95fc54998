package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/config"
	"leadline/internal/db"
	"leadline/internal/domain"
	"leadline/internal/engine"
	"leadline/internal/migrate"
	"leadline/internal/repo"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Clock  *testClock
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	cfg.Offers.Window = time.Hour
	cfg.Offers.Professionals = []string{"pro-a", "pro-b", "pro-c"}
	for _, m := range mutate {
		m(cfg)
	}
	clock := &testClock{now: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(conn, cfg).WithClock(clock.Now)
	return testEnv{Engine: eng, Clock: clock, Ctx: context.Background()}
}

func (env testEnv) intake(t *testing.T, urgency string) domain.Intake {
	t.Helper()
	in, err := env.Engine.SubmitIntake(env.Ctx, engine.IntakeInput{
		ServiceName:        "Study permit SOP",
		ApplicantName:      "Ana Lopez",
		ApplicantEmail:     "ana@example.com",
		ApplicantCountry:   "MX",
		DestinationCountry: "CA",
		UrgencyLevel:       urgency,
	}, "intake-form")
	require.NoError(t, err)
	return in
}

func conflictCode(err error) string {
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func TestSubmitIntakeValidates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.SubmitIntake(env.Ctx, engine.IntakeInput{ServiceName: "x"}, "form")
	assert.ErrorIs(t, err, domain.ErrInvalid)

	_, err = env.Engine.SubmitIntake(env.Ctx, engine.IntakeInput{
		ServiceName: "x", ApplicantName: "y", ApplicantEmail: "not-an-email", ApplicantCountry: "MX", DestinationCountry: "CA",
	}, "form")
	assert.ErrorIs(t, err, domain.ErrInvalid)

	in := env.intake(t, "")
	assert.Equal(t, domain.UrgencyStandard, in.UrgencyLevel)
	assert.Nil(t, in.ConvertedCaseID)
}

func TestOfferWindowFollowsUrgency(t *testing.T) {
	env := newTestEnv(t)
	std, err := env.Engine.OfferIntake(env.Ctx, env.intake(t, domain.UrgencyStandard).ID, "pro-a", "admin")
	require.NoError(t, err)
	emergency, err := env.Engine.OfferIntake(env.Ctx, env.intake(t, domain.UrgencyEmergency).ID, "pro-a", "admin")
	require.NoError(t, err)

	now := env.Clock.Now()
	assert.Equal(t, now.Add(time.Hour), std.ExpiresAt)
	assert.Equal(t, now.Add(15*time.Minute), emergency.ExpiresAt)
	assert.Equal(t, 1, std.AttemptNumber)
	assert.Equal(t, domain.StatusPending, std.Status)
}

func TestAcceptCreatesCaseAndSupersedesSiblings(t *testing.T) {
	env := newTestEnv(t)
	in := env.intake(t, domain.UrgencySoon)
	a, err := env.Engine.OfferIntake(env.Ctx, in.ID, "pro-a", "admin")
	require.NoError(t, err)
	b, err := env.Engine.OfferIntake(env.Ctx, in.ID, "pro-b", "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, b.AttemptNumber)

	env.Clock.Advance(10 * time.Minute)
	accepted, err := env.Engine.Accept(env.Ctx, a.ID, "pro-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, accepted.Status)
	require.NotNil(t, accepted.Intake.ConvertedCaseID)
	require.NotNil(t, accepted.RespondedAt)

	c, err := env.Engine.GetCase(env.Ctx, *accepted.Intake.ConvertedCaseID, "pro-a", false)
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.AssignmentID)
	assert.Equal(t, domain.CaseStatusOpen, c.Status)

	// the sibling is still stored as pending but is no longer respondable
	leads, err := env.Engine.MyLeads(env.Ctx, "pro-b")
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, domain.StatusPending, leads[0].Status)
	assert.False(t, env.Clock.Now().Before(leads[0].ExpiresAt))

	_, err = env.Engine.Accept(env.Ctx, b.ID, "pro-b")
	assert.Equal(t, engine.CodeExpired, conflictCode(err))

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "lead.superseded"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, b.ID, evts[0].EntityID)
}

func TestResponsesAreSingleShot(t *testing.T) {
	env := newTestEnv(t)
	in := env.intake(t, domain.UrgencyStandard)
	a, err := env.Engine.OfferIntake(env.Ctx, in.ID, "pro-a", "admin")
	require.NoError(t, err)

	reason := "  Client budget too low "
	declined, err := env.Engine.Decline(env.Ctx, a.ID, "pro-a", &reason)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, declined.Status)
	require.NotNil(t, declined.DeclinedReason)
	assert.Equal(t, "Client budget too low", *declined.DeclinedReason)

	_, err = env.Engine.Accept(env.Ctx, a.ID, "pro-a")
	assert.Equal(t, engine.CodeAlreadyResponded, conflictCode(err))
	_, err = env.Engine.Decline(env.Ctx, a.ID, "pro-a", nil)
	assert.Equal(t, engine.CodeAlreadyResponded, conflictCode(err))

	stored, err := env.Engine.Repo.GetAssignment(env.Ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeclined, stored.Status)
	assert.Equal(t, "Client budget too low", *stored.DeclinedReason)
}

func TestBlankDeclineReasonIsNull(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OfferIntake(env.Ctx, env.intake(t, domain.UrgencyStandard).ID, "pro-a", "admin")
	require.NoError(t, err)
	blank := "   "
	declined, err := env.Engine.Decline(env.Ctx, a.ID, "pro-a", &blank)
	require.NoError(t, err)
	assert.Nil(t, declined.DeclinedReason)
}

func TestExpiryBoundaryRejectsResponse(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OfferIntake(env.Ctx, env.intake(t, domain.UrgencyStandard).ID, "pro-a", "admin")
	require.NoError(t, err)

	env.Clock.Advance(time.Hour)
	_, err = env.Engine.Accept(env.Ctx, a.ID, "pro-a")
	assert.Equal(t, engine.CodeExpired, conflictCode(err))

	stored, err := env.Engine.Repo.GetAssignment(env.Ctx, nil, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
}

func TestForeignLeadIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OfferIntake(env.Ctx, env.intake(t, domain.UrgencyStandard).ID, "pro-a", "admin")
	require.NoError(t, err)

	_, err = env.Engine.Accept(env.Ctx, a.ID, "pro-b")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.Decline(env.Ctx, "missing", "pro-a", nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestOfferRefusesConvertedIntakeAndDuplicateLiveOffer(t *testing.T) {
	env := newTestEnv(t)
	in := env.intake(t, domain.UrgencyStandard)
	a, err := env.Engine.OfferIntake(env.Ctx, in.ID, "pro-a", "admin")
	require.NoError(t, err)

	_, err = env.Engine.OfferIntake(env.Ctx, in.ID, "pro-a", "admin")
	assert.Equal(t, engine.CodeAlreadyOffered, conflictCode(err))

	_, err = env.Engine.Accept(env.Ctx, a.ID, "pro-a")
	require.NoError(t, err)
	_, err = env.Engine.OfferIntake(env.Ctx, in.ID, "pro-c", "admin")
	assert.Equal(t, engine.CodeIntakeConverted, conflictCode(err))
}

func TestCaseVisibleOnlyToOwner(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.OfferIntake(env.Ctx, env.intake(t, domain.UrgencyStandard).ID, "pro-a", "admin")
	require.NoError(t, err)
	accepted, err := env.Engine.Accept(env.Ctx, a.ID, "pro-a")
	require.NoError(t, err)
	caseID := *accepted.Intake.ConvertedCaseID

	_, err = env.Engine.GetCase(env.Ctx, caseID, "pro-b", false)
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = env.Engine.GetCase(env.Ctx, caseID, "admin", true)
	assert.NoError(t, err)
}

func TestSweepReoffersThenExhausts(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Offers.Professionals = []string{"pro-a", "pro-b"}
		c.Offers.MaxAttempts = 3
	})
	in := env.intake(t, domain.UrgencyStandard)

	res, err := env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	require.Len(t, res.Offered, 1)
	first := res.Offered[0]
	assert.Equal(t, "pro-a", first.ProfessionalID)

	// live offer blocks re-routing
	res, err = env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	assert.Empty(t, res.Offered)

	_, err = env.Engine.Decline(env.Ctx, first.ID, "pro-a", nil)
	require.NoError(t, err)
	res, err = env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	require.Len(t, res.Offered, 1)
	second := res.Offered[0]
	assert.Equal(t, "pro-b", second.ProfessionalID)
	assert.Equal(t, 2, second.AttemptNumber)

	env.Clock.Advance(2 * time.Hour)
	res, err = env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	assert.Empty(t, res.Offered)
	assert.Equal(t, []string{in.ID}, res.Exhausted)

	// exhaustion is reported once
	res, err = env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	assert.Empty(t, res.Exhausted)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "intake.exhausted"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestSweepRespectsMaxAttempts(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Offers.MaxAttempts = 1 })
	in := env.intake(t, domain.UrgencyStandard)
	res, err := env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	require.Len(t, res.Offered, 1)

	env.Clock.Advance(time.Hour)
	res, err = env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	assert.Equal(t, []string{in.ID}, res.Exhausted)
}

func TestSweepSkipsConvertedIntakes(t *testing.T) {
	env := newTestEnv(t)
	env.intake(t, domain.UrgencyStandard)
	res, err := env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	require.Len(t, res.Offered, 1)
	_, err = env.Engine.Accept(env.Ctx, res.Offered[0].ID, res.Offered[0].ProfessionalID)
	require.NoError(t, err)

	env.Clock.Advance(48 * time.Hour)
	res, err = env.Engine.Sweep(env.Ctx, "sweeper")
	require.NoError(t, err)
	assert.Empty(t, res.Offered)
	assert.Empty(t, res.Exhausted)
}
