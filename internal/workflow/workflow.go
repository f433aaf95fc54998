// Package workflow holds the per-view state of a single lead and submits the
// professional's accept/decline decision. Local state is only a cache: every
// ambiguous outcome is followed by a fresh fetch from the lead source.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"leadline/internal/domain"
	"leadline/internal/lifecycle"
)

var (
	// ErrNotFound means the lead is not in the professional's lead set.
	ErrNotFound = errors.New("lead not found")
	// ErrStale means the backend already moved the lead; re-fetched state wins.
	ErrStale = errors.New("lead state is stale")
	// ErrTransient covers network failures and server errors. Retry is manual.
	ErrTransient = errors.New("temporary failure")
	// ErrBusy is returned while another response for this view is in flight.
	ErrBusy = errors.New("response already in flight")
	// ErrNotRespondable is returned when the lead is not pending-active.
	ErrNotRespondable = errors.New("lead cannot be responded to")
)

// LeadSource is the backend as seen by a professional.
type LeadSource interface {
	MyLeads(ctx context.Context) ([]domain.Assignment, error)
	Accept(ctx context.Context, id string) (domain.Assignment, error)
	Decline(ctx context.Context, id string, reason *string) (domain.Assignment, error)
}

// Options configure a View.
type Options struct {
	Clock  lifecycle.Clock
	Logger *logrus.Entry
}

// View is the local state of one lead detail screen.
type View struct {
	source LeadSource
	clock  lifecycle.Clock
	log    *logrus.Entry
	id     string

	mu       sync.Mutex
	lead     *domain.Assignment
	busy     bool
	lastErr  error
	redirect bool
	ticker   *lifecycle.Ticker
}

// Snapshot is an immutable copy of what the view should render.
type Snapshot struct {
	ID             string
	Lead           *domain.Assignment
	State          lifecycle.State
	Countdown      lifecycle.Countdown
	CanRespond     bool
	Busy           bool
	CaseLink       string
	DeclinedReason string
	Err            error
	RedirectToList bool
}

// Open loads the lead with the given id. When the id is absent from the lead
// set the view is returned with RedirectToList set, together with ErrNotFound.
func Open(ctx context.Context, source LeadSource, id string, opts Options) (*View, error) {
	v := &View{
		source: source,
		clock:  opts.Clock,
		log:    opts.Logger,
		id:     strings.TrimSpace(id),
	}
	if v.clock == nil {
		v.clock = lifecycle.SystemClock{}
	}
	if v.log == nil {
		v.log = logrus.WithField("prefix", "workflow")
	}
	return v, v.Refresh(ctx)
}

// Refresh re-fetches the lead list and replaces the local state.
func (v *View) Refresh(ctx context.Context) error {
	fresh, err := v.fetch(ctx)
	var stale *lifecycle.Ticker
	defer func() { stopTicker(stale) }()
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case errors.Is(err, ErrNotFound):
		v.redirect = true
		v.lastErr = err
		return err
	case err != nil:
		v.lastErr = err
		return err
	}
	stale = v.apply(fresh)
	v.lastErr = nil
	return nil
}

// Accept submits an accept decision.
func (v *View) Accept(ctx context.Context) error {
	return v.respond(ctx, "accept", func(ctx context.Context) (domain.Assignment, error) {
		return v.source.Accept(ctx, v.id)
	})
}

// Decline submits a decline decision; an empty reason is sent as null.
func (v *View) Decline(ctx context.Context, reason string) error {
	var r *string
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		r = &trimmed
	}
	return v.respond(ctx, "decline", func(ctx context.Context) (domain.Assignment, error) {
		return v.source.Decline(ctx, v.id, r)
	})
}

func (v *View) respond(ctx context.Context, action string, call func(context.Context) (domain.Assignment, error)) error {
	v.mu.Lock()
	if v.busy {
		v.mu.Unlock()
		return ErrBusy
	}
	if v.lead == nil {
		v.mu.Unlock()
		return ErrNotFound
	}
	if !lifecycle.CanRespond(*v.lead, v.clock.Now()) {
		v.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRespondable, lifecycle.Effective(*v.lead, v.clock.Now()))
	}
	v.busy = true
	v.lastErr = nil
	v.mu.Unlock()

	returned, callErr := call(ctx)
	fresh, fetchErr := v.fetch(ctx)

	var stale *lifecycle.Ticker
	defer func() { stopTicker(stale) }()
	v.mu.Lock()
	defer v.mu.Unlock()
	v.busy = false
	if callErr != nil {
		failure := classify(action, v.id, callErr)
		v.log.WithError(callErr).WithField("lead_id", v.id).Warnf("%s failed", action)
		if fetchErr == nil {
			stale = v.apply(fresh)
			if errors.Is(failure, ErrTransient) {
				// the request may have landed even though its reply was lost
				switch lifecycle.Effective(fresh, v.clock.Now()) {
				case lifecycle.PendingActive:
				case targetState(action):
					v.lastErr = nil
					v.log.WithField("lead_id", v.id).Infof("%s applied despite failed reply", action)
					return nil
				default:
					failure = fmt.Errorf("%s lead %s: %w: %w", action, v.id, ErrStale, callErr)
				}
			}
		} else if errors.Is(fetchErr, ErrNotFound) {
			v.redirect = true
		}
		v.lastErr = failure
		return failure
	}
	switch {
	case fetchErr == nil:
		stale = v.apply(fresh)
	case returned.ID == v.id:
		stale = v.apply(returned.Normalize())
	default:
		v.lastErr = fetchErr
		return fetchErr
	}
	v.log.WithField("lead_id", v.id).Infof("%s succeeded", action)
	return nil
}

// apply replaces the cached lead. A terminal view never moves back to
// pending-active; such a payload is ignored. When the lead leaves
// pending-active the running countdown is detached and returned; the caller
// stops it after releasing v.mu. Caller holds v.mu.
func (v *View) apply(fresh domain.Assignment) *lifecycle.Ticker {
	now := v.clock.Now()
	state := lifecycle.Effective(fresh, now)
	if v.lead != nil {
		current := lifecycle.Effective(*v.lead, now)
		if current.Terminal() && state == lifecycle.PendingActive {
			v.log.WithField("lead_id", v.id).Warnf("ignoring refetch that reopens a %s lead", current)
			return nil
		}
	}
	v.lead = &fresh
	v.redirect = false
	if state == lifecycle.PendingActive {
		return nil
	}
	tk := v.ticker
	v.ticker = nil
	return tk
}

func targetState(action string) lifecycle.State {
	if action == "accept" {
		return lifecycle.Accepted
	}
	return lifecycle.Declined
}

func stopTicker(tk *lifecycle.Ticker) {
	if tk != nil {
		tk.Stop()
	}
}

func (v *View) fetch(ctx context.Context) (domain.Assignment, error) {
	leads, err := v.source.MyLeads(ctx)
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("%w: fetch leads: %w", ErrTransient, err)
	}
	for _, l := range leads {
		if l.ID == v.id {
			return l.Normalize(), nil
		}
	}
	return domain.Assignment{}, fmt.Errorf("%w: %s", ErrNotFound, v.id)
}

// Snapshot returns what the view should render at the clock's current time.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := Snapshot{
		ID:             v.id,
		Busy:           v.busy,
		Err:            v.lastErr,
		RedirectToList: v.redirect,
	}
	if v.lead == nil {
		return s
	}
	now := v.clock.Now()
	lead := *v.lead
	s.Lead = &lead
	s.State = lifecycle.Effective(lead, now)
	s.CanRespond = s.State == lifecycle.PendingActive && !v.busy
	switch s.State {
	case lifecycle.PendingActive, lifecycle.PendingExpired:
		s.Countdown = lifecycle.CountdownAt(lead.ExpiresAt, now)
	case lifecycle.Accepted:
		if lead.Intake.ConvertedCaseID != nil {
			s.CaseLink = CaseLink(*lead.Intake.ConvertedCaseID)
		}
	case lifecycle.Declined:
		if lead.DeclinedReason != nil {
			s.DeclinedReason = *lead.DeclinedReason
		}
	}
	return s
}

// StartCountdown starts the 1-second ticker for a pending-active lead and
// returns nil otherwise. The view stops the ticker once the lead leaves
// pending-active or on Close; a previous countdown is replaced.
func (v *View) StartCountdown(ctx context.Context, opts lifecycle.TickerOptions) *lifecycle.Ticker {
	v.mu.Lock()
	if v.lead == nil || lifecycle.Effective(*v.lead, v.clock.Now()) != lifecycle.PendingActive {
		v.mu.Unlock()
		return nil
	}
	expiresAt := v.lead.ExpiresAt
	prev := v.ticker
	v.ticker = nil
	v.mu.Unlock()
	stopTicker(prev)

	if opts.Clock == nil {
		opts.Clock = v.clock
	}
	tk := lifecycle.StartTicker(ctx, expiresAt, opts)

	v.mu.Lock()
	if v.lead != nil && lifecycle.Effective(*v.lead, v.clock.Now()) == lifecycle.PendingActive && v.ticker == nil {
		v.ticker = tk
		v.mu.Unlock()
		return tk
	}
	// a response landed while the ticker was starting
	v.mu.Unlock()
	tk.Stop()
	return tk
}

// Close stops the countdown, if any. The view stays readable.
func (v *View) Close() {
	v.mu.Lock()
	tk := v.ticker
	v.ticker = nil
	v.mu.Unlock()
	stopTicker(tk)
}

// CaseLink is the navigation target for an accepted lead's case.
func CaseLink(caseID string) string {
	return "/cases/" + caseID
}

type statusCoder interface {
	HTTPStatus() int
}

func classify(action, id string, err error) error {
	var sc statusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatus() {
		case http.StatusConflict, http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%s lead %s: %w: %w", action, id, ErrStale, err)
		}
	}
	return fmt.Errorf("%s lead %s: %w: %w", action, id, ErrTransient, err)
}
