// Package lifecycle derives the effective state of a lead offer from its
// stored status and expiry, and drives the per-view countdown.
package lifecycle

import (
	"fmt"
	"time"

	"leadline/internal/domain"
)

// State is the effective state of an assignment. It is computed, never stored.
type State string

const (
	PendingActive  State = "pending_active"
	PendingExpired State = "pending_expired"
	Accepted       State = "accepted"
	Declined       State = "declined"
)

// ExpiredLabel replaces the countdown once the deadline has passed.
const ExpiredLabel = "Expired"

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Effective combines the stored status with now. now == expiresAt is expired.
func Effective(a domain.Assignment, now time.Time) State {
	switch a.Status {
	case domain.StatusAccepted:
		return Accepted
	case domain.StatusDeclined:
		return Declined
	}
	if now.Before(a.ExpiresAt) {
		return PendingActive
	}
	return PendingExpired
}

// CanRespond reports whether accept or decline may be submitted.
func CanRespond(a domain.Assignment, now time.Time) bool {
	return Effective(a, now) == PendingActive
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s != PendingActive
}

// Countdown is the floored remaining time until an expiry.
type Countdown struct {
	Hours   int64
	Minutes int64
	Seconds int64
	Expired bool
}

// CountdownAt recomputes the countdown from the full millisecond delta.
func CountdownAt(expiresAt, now time.Time) Countdown {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return Countdown{Expired: true}
	}
	return fromDuration(remaining)
}

func fromDuration(d time.Duration) Countdown {
	total := int64(d / time.Second)
	return Countdown{
		Hours:   total / 3600,
		Minutes: (total % 3600) / 60,
		Seconds: total % 60,
	}
}

func (c Countdown) duration() time.Duration {
	return time.Duration(c.Hours)*time.Hour + time.Duration(c.Minutes)*time.Minute + time.Duration(c.Seconds)*time.Second
}

func (c Countdown) String() string {
	if c.Expired {
		return ExpiredLabel
	}
	return fmt.Sprintf("%dh %dm %ds remaining", c.Hours, c.Minutes, c.Seconds)
}
