// Package quota tracks two independent budgets in Redis: the scanner-side
// budget of rate-limited external services (day and minute block flags set
// by connectors when the upstream says no) and the caller-side daily rate
// from the access policy.
package quota

import "errors"

var (
	// ErrDayBlocked means the budget is gone until tomorrow.
	ErrDayBlocked = errors.New("quota: blocked for the day")
	// ErrMinuteBlocked means a minute-scale burst limit tripped.
	ErrMinuteBlocked = errors.New("quota: blocked for the minute")
	// ErrNoAccess means the caller's policy denies the endpoint outright.
	ErrNoAccess = errors.New("quota: no access to endpoint")
)
