package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadline/internal/domain"
	"leadline/internal/lifecycle"
	"leadline/internal/workflow"
)

var now = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type httpErr struct{ status int }

func (e httpErr) Error() string   { return fmt.Sprintf("status %d", e.status) }
func (e httpErr) HTTPStatus() int { return e.status }

// fakeSource is an in-memory backend with hooks for failure injection.
type fakeSource struct {
	mu         sync.Mutex
	leads      map[string]domain.Assignment
	listCalls  int
	acceptErr  error
	declineErr error
	replyErr   error // returned after the transition was applied
	listErr    error
	block      chan struct{}
	accepts    int
	declines   int
}

func newFakeSource(leads ...domain.Assignment) *fakeSource {
	s := &fakeSource{leads: map[string]domain.Assignment{}}
	for _, l := range leads {
		s.leads[l.ID] = l
	}
	return s
}

func (s *fakeSource) MyLeads(ctx context.Context) ([]domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.Assignment, 0, len(s.leads))
	for _, l := range s.leads {
		out = append(out, l)
	}
	return out, nil
}

func (s *fakeSource) Accept(ctx context.Context, id string) (domain.Assignment, error) {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accepts++
	if s.acceptErr != nil {
		return domain.Assignment{}, s.acceptErr
	}
	l := s.leads[id]
	l.Status = domain.StatusAccepted
	caseID := "case-" + id
	l.Intake.ConvertedCaseID = &caseID
	s.leads[id] = l
	if s.replyErr != nil {
		return domain.Assignment{}, s.replyErr
	}
	return l, nil
}

func (s *fakeSource) Decline(ctx context.Context, id string, reason *string) (domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.declines++
	if s.declineErr != nil {
		return domain.Assignment{}, s.declineErr
	}
	l := s.leads[id]
	l.Status = domain.StatusDeclined
	l.DeclinedReason = reason
	s.leads[id] = l
	return l, nil
}

func (s *fakeSource) set(l domain.Assignment) {
	s.mu.Lock()
	s.leads[l.ID] = l
	s.mu.Unlock()
}

func pendingLead(id string, expiresIn time.Duration) domain.Assignment {
	return domain.Assignment{
		ID: id,
		Intake: domain.Intake{
			ID:           "intake-" + id,
			ServiceName:  "Study permit SOP",
			UrgencyLevel: domain.UrgencySoon,
		},
		AttemptNumber: 1,
		Status:        domain.StatusPending,
		ExpiresAt:     now.Add(expiresIn),
	}
}

func open(t *testing.T, src *fakeSource, id string) *workflow.View {
	t.Helper()
	v, err := workflow.Open(context.Background(), src, id, workflow.Options{Clock: fixedClock{now}})
	require.NoError(t, err)
	return v
}

func TestOpenShowsCountdown(t *testing.T) {
	src := newFakeSource(pendingLead("l1", 2*time.Hour+15*time.Minute+3*time.Second))
	v := open(t, src, "l1")
	snap := v.Snapshot()
	assert.Equal(t, lifecycle.PendingActive, snap.State)
	assert.True(t, snap.CanRespond)
	assert.Equal(t, "2h 15m 3s remaining", snap.Countdown.String())
}

func TestExpiredLeadBlocksResponses(t *testing.T) {
	src := newFakeSource(pendingLead("l1", -time.Second))
	v := open(t, src, "l1")
	snap := v.Snapshot()
	assert.Equal(t, lifecycle.PendingExpired, snap.State)
	assert.Equal(t, lifecycle.ExpiredLabel, snap.Countdown.String())
	assert.False(t, snap.CanRespond)

	err := v.Accept(context.Background())
	assert.ErrorIs(t, err, workflow.ErrNotRespondable)
	err = v.Decline(context.Background(), "late")
	assert.ErrorIs(t, err, workflow.ErrNotRespondable)
	assert.Zero(t, src.accepts)
	assert.Zero(t, src.declines)
	assert.Nil(t, v.StartCountdown(context.Background(), lifecycle.TickerOptions{}))
}

func TestAcceptSurfacesCaseLink(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	require.NoError(t, v.Accept(context.Background()))

	snap := v.Snapshot()
	assert.Equal(t, lifecycle.Accepted, snap.State)
	require.NotNil(t, snap.Lead.Intake.ConvertedCaseID)
	assert.Equal(t, "/cases/case-l1", snap.CaseLink)
	assert.False(t, snap.CanRespond)
	assert.Equal(t, 2, src.listCalls)

	// terminal states block the opposite action locally
	assert.ErrorIs(t, v.Decline(context.Background(), "changed my mind"), workflow.ErrNotRespondable)
	assert.Equal(t, 0, src.declines)
}

func TestDeclineKeepsReasonVerbatim(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	require.NoError(t, v.Decline(context.Background(), "Client budget too low"))

	snap := v.Snapshot()
	assert.Equal(t, lifecycle.Declined, snap.State)
	assert.Equal(t, "Client budget too low", snap.DeclinedReason)
}

func TestDeclineWithoutReasonSendsNull(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	require.NoError(t, v.Decline(context.Background(), "   "))
	snap := v.Snapshot()
	assert.Equal(t, lifecycle.Declined, snap.State)
	assert.Nil(t, snap.Lead.DeclinedReason)
}

func TestAcceptConflictRefetchesWithoutFlipping(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")

	// a sibling offer was accepted elsewhere and this one got superseded
	superseded := pendingLead("l1", 0)
	src.set(superseded)
	src.acceptErr = httpErr{status: http.StatusConflict}

	err := v.Accept(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, workflow.ErrStale)

	snap := v.Snapshot()
	assert.NotEqual(t, lifecycle.Accepted, snap.State)
	assert.Equal(t, lifecycle.PendingExpired, snap.State)
	assert.ErrorIs(t, snap.Err, workflow.ErrStale)
	assert.Equal(t, 2, src.listCalls)
}

func TestTransientFailureKeepsState(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	src.acceptErr = errors.New("connection reset")

	err := v.Accept(context.Background())
	assert.ErrorIs(t, err, workflow.ErrTransient)
	snap := v.Snapshot()
	assert.Equal(t, lifecycle.PendingActive, snap.State)
	assert.True(t, snap.CanRespond)

	// manual retry succeeds
	src.acceptErr = nil
	require.NoError(t, v.Accept(context.Background()))
	assert.Equal(t, lifecycle.Accepted, v.Snapshot().State)
}

func TestServerErrorIsTransient(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	src.declineErr = httpErr{status: http.StatusInternalServerError}
	err := v.Decline(context.Background(), "")
	assert.ErrorIs(t, err, workflow.ErrTransient)
	assert.NotErrorIs(t, err, workflow.ErrStale)
}

func TestDoubleSubmitGuard(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	src.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- v.Accept(context.Background()) }()
	require.Eventually(t, func() bool { return v.Snapshot().Busy }, time.Second, time.Millisecond)

	assert.False(t, v.Snapshot().CanRespond)
	assert.ErrorIs(t, v.Accept(context.Background()), workflow.ErrBusy)
	assert.ErrorIs(t, v.Decline(context.Background(), "x"), workflow.ErrBusy)

	close(src.block)
	require.NoError(t, <-done)
	assert.Equal(t, 1, src.accepts)
	assert.Equal(t, 0, src.declines)
	assert.False(t, v.Snapshot().Busy)
}

func TestMissingLeadRedirects(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v, err := workflow.Open(context.Background(), src, "nope", workflow.Options{Clock: fixedClock{now}})
	require.ErrorIs(t, err, workflow.ErrNotFound)
	snap := v.Snapshot()
	assert.True(t, snap.RedirectToList)
	assert.Nil(t, snap.Lead)
	assert.ErrorIs(t, v.Accept(context.Background()), workflow.ErrNotFound)
}

func TestListFailureOnOpenIsRetryable(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	src.listErr = errors.New("dns failure")
	v, err := workflow.Open(context.Background(), src, "l1", workflow.Options{Clock: fixedClock{now}})
	require.ErrorIs(t, err, workflow.ErrTransient)
	assert.False(t, v.Snapshot().RedirectToList)

	src.listErr = nil
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, lifecycle.PendingActive, v.Snapshot().State)
}

func TestRefetchNeverReopensTerminalLead(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	require.NoError(t, v.Decline(context.Background(), "no capacity"))

	// a lagging replica still reports the lead as pending
	src.set(pendingLead("l1", time.Hour))
	require.NoError(t, v.Refresh(context.Background()))
	assert.Equal(t, lifecycle.Declined, v.Snapshot().State)
	assert.Equal(t, "no capacity", v.Snapshot().DeclinedReason)
}

func TestSuccessFallsBackToReturnedRecord(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	src.mu.Lock()
	src.listErr = errors.New("timeout")
	src.mu.Unlock()
	require.NoError(t, v.Accept(context.Background()))
	snap := v.Snapshot()
	assert.Equal(t, lifecycle.Accepted, snap.State)
	assert.Equal(t, "/cases/case-l1", snap.CaseLink)
}

func TestStartCountdownUsesViewClock(t *testing.T) {
	src := newFakeSource(pendingLead("l1", 90*time.Second))
	v := open(t, src, "l1")
	var first lifecycle.Countdown
	tk := v.StartCountdown(context.Background(), lifecycle.TickerOptions{
		Ticks:  make(chan time.Time),
		OnTick: func(c lifecycle.Countdown) { first = c },
	})
	require.NotNil(t, tk)
	tk.Stop()
	assert.Equal(t, "0h 1m 30s remaining", first.String())
}

func waitDone(t *testing.T, tk *lifecycle.Ticker) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatal("countdown still running")
	}
}

func TestAcceptStopsCountdown(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	ticks := make(chan time.Time)
	tk := v.StartCountdown(context.Background(), lifecycle.TickerOptions{Ticks: ticks})
	require.NotNil(t, tk)

	require.NoError(t, v.Accept(context.Background()))
	waitDone(t, tk)
	assert.Equal(t, lifecycle.Accepted, v.Snapshot().State)
}

func TestRefreshToTerminalStopsCountdown(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	tk := v.StartCountdown(context.Background(), lifecycle.TickerOptions{Ticks: make(chan time.Time)})
	require.NotNil(t, tk)

	declined := pendingLead("l1", time.Hour)
	declined.Status = domain.StatusDeclined
	src.set(declined)
	require.NoError(t, v.Refresh(context.Background()))
	waitDone(t, tk)
}

func TestRefreshWhilePendingKeepsCountdown(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	tk := v.StartCountdown(context.Background(), lifecycle.TickerOptions{Ticks: make(chan time.Time)})
	require.NotNil(t, tk)

	require.NoError(t, v.Refresh(context.Background()))
	select {
	case <-tk.Done():
		t.Fatal("countdown stopped while lead still pending")
	default:
	}
	v.Close()
	waitDone(t, tk)
}

func TestLostReplyAfterAppliedAcceptIsSuccess(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	src.replyErr = errors.New("malformed lead payload: unexpected EOF")
	v := open(t, src, "l1")

	require.NoError(t, v.Accept(context.Background()))
	snap := v.Snapshot()
	assert.Equal(t, lifecycle.Accepted, snap.State)
	assert.NoError(t, snap.Err)
	assert.Equal(t, "/cases/case-l1", snap.CaseLink)
}

func TestFailedReplyOnMovedLeadIsStale(t *testing.T) {
	src := newFakeSource(pendingLead("l1", time.Hour))
	v := open(t, src, "l1")
	declined := pendingLead("l1", time.Hour)
	declined.Status = domain.StatusDeclined
	src.set(declined)
	src.acceptErr = errors.New("connection reset")

	err := v.Accept(context.Background())
	assert.ErrorIs(t, err, workflow.ErrStale)
	assert.NotErrorIs(t, err, workflow.ErrTransient)
	assert.Equal(t, lifecycle.Declined, v.Snapshot().State)
}
