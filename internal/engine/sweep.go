package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"leadline/internal/domain"
	"leadline/internal/events"
	"leadline/internal/repo"
)

// SweepResult reports what one sweep pass did.
type SweepResult struct {
	Offered   []domain.Assignment
	Exhausted []string
}

// Sweep routes every open intake that has no live offer to the next
// professional from the configured pool. Intakes that ran out of attempts or
// professionals are marked exhausted once.
func (e Engine) Sweep(ctx context.Context, actorID string) (SweepResult, error) {
	var res SweepResult
	if e.Config == nil {
		return res, errors.New("config not loaded")
	}
	intakes, err := e.Repo.ListOpenIntakes(ctx, nil)
	if err != nil {
		return res, err
	}
	for _, in := range intakes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		offered, exhausted, err := e.sweepIntake(ctx, in.ID, actorID)
		if err != nil {
			var ce ConflictError
			if errors.As(err, &ce) {
				// raced with a manual offer or an accept; next pass sees it
				e.log().WithField("intake_id", in.ID).WithError(err).Debug("sweep skipped intake")
				continue
			}
			return res, err
		}
		if offered != nil {
			res.Offered = append(res.Offered, *offered)
		}
		if exhausted {
			res.Exhausted = append(res.Exhausted, in.ID)
		}
	}
	if len(res.Offered) > 0 || len(res.Exhausted) > 0 {
		e.log().WithFields(logrus.Fields{"offered": len(res.Offered), "exhausted": len(res.Exhausted)}).Info("sweep finished")
	}
	return res, nil
}

func (e Engine) sweepIntake(ctx context.Context, intakeID, actorID string) (*domain.Assignment, bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	leads, err := e.Repo.ListAssignments(ctx, tx, repo.AssignmentFilters{IntakeID: intakeID})
	if err != nil {
		return nil, false, err
	}
	now := e.now()
	tried := map[string]bool{}
	for _, a := range leads {
		if a.Status == domain.StatusAccepted {
			return nil, false, nil
		}
		if a.Status == domain.StatusPending && now.Before(a.ExpiresAt) {
			return nil, false, nil
		}
		tried[a.ProfessionalID] = true
	}
	next := ""
	if len(leads) < e.Config.Offers.MaxAttempts {
		for _, p := range e.Config.Offers.Professionals {
			if !tried[p] {
				next = p
				break
			}
		}
	}
	if next == "" {
		marked, err := e.Repo.MarkIntakeExhausted(ctx, tx, intakeID, now)
		if err != nil {
			return nil, false, err
		}
		if !marked {
			return nil, false, nil
		}
		if err := e.Events.Append(ctx, tx, events.IntakeExhausted, "intake", intakeID, actorID, events.EventPayload{
			"attempts": len(leads),
		}); err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		e.log().WithField("intake_id", intakeID).Warn("intake exhausted")
		return nil, true, nil
	}
	a, err := e.offer(ctx, tx, intakeID, next, actorID)
	if err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &a, false, nil
}

// RunSweeper sweeps on the configured interval until ctx is done.
func (e Engine) RunSweeper(ctx context.Context, actorID string) {
	if e.Config == nil || e.Config.Offers.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(e.Config.Offers.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx, actorID); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, sql.ErrConnDone) {
				e.log().WithError(err).Error("sweep failed")
			}
		}
	}
}
