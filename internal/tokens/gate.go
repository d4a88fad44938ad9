package tokens

import (
	"errors"
	"time"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/money"
)

// RedeemRequest asks to redeem Amount from a token at a kiosk. AreaCode, when
// set, must equal the token's area code.
type RedeemRequest struct {
	Amount   money.Amount `json:"amount"`
	KioskID  string       `json:"kioskId,omitempty"`
	AreaCode string       `json:"areaCode,omitempty"`
}

// Decision is the outcome of Evaluate. The amounts describe the token as
// seen after any weekly rollover and before the redemption is applied.
type Decision struct {
	Allowed         bool         `json:"allowed"`
	Code            string       `json:"code,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	RolledOver      bool         `json:"rolledOver"`
	WeeklyRedeemed  money.Amount `json:"weeklyRedeemed"`
	WeeklyRemaining money.Amount `json:"weeklyRemaining"`
	Balance         money.Amount `json:"balance"`

	Err error `json:"-"`
}

func deny(d Decision, err error) Decision {
	d.Allowed = false
	d.Err = err
	var ae *apperr.Error
	if errors.As(err, &ae) {
		d.Code = ae.Code
		d.Reason = ae.Message
	}
	return d
}

// sameWeek reports whether a and b fall in the same ISO-8601 week in UTC.
func sameWeek(a, b time.Time) bool {
	ay, aw := a.UTC().ISOWeek()
	by, bw := b.UTC().ISOWeek()
	return ay == by && aw == bw
}

// rolledOver reports whether the weekly counter of t is stale at now.
func rolledOver(t *Token, now time.Time) bool {
	ref := t.IssuedAt
	if t.LastRedemption != nil {
		ref = *t.LastRedemption
	}
	return !sameWeek(ref, now)
}

// Evaluate decides whether req may be redeemed from t at now. It has no side
// effects. Checks run in order: amount, weekly rollover, status, area,
// weekly limit, face value.
func Evaluate(t Token, req RedeemRequest, now time.Time) Decision {
	d := Decision{
		WeeklyRedeemed: t.WeeklyRedeemed,
		Balance:        t.Balance(),
	}

	if !req.Amount.IsPositive() {
		return deny(d, ErrInvalidAmount.WithDetail("amount must be positive"))
	}
	if !req.Amount.InRange() {
		return deny(d, ErrInvalidAmount.WithDetail("amount exceeds %s", money.MaxAmount))
	}

	status := t.Status
	if rolledOver(&t, now) {
		d.RolledOver = true
		d.WeeklyRedeemed = 0
		if status == StatusRedeemed && d.Balance.IsPositive() {
			status = StatusActive
		}
	}
	d.WeeklyRemaining = t.WeeklyLimit - d.WeeklyRedeemed
	if d.WeeklyRemaining < 0 {
		d.WeeklyRemaining = 0
	}

	switch {
	case status == StatusActive:
	case status == StatusRedeemed && d.Balance.IsPositive():
		return deny(d, ErrWeeklyLimitExceeded.WithDetail("weekly allowance of %s used, resets next week", t.WeeklyLimit))
	case status.IsTerminal():
		return deny(d, ErrTokenNotActive.WithDetail("status is %s", t.Status))
	default:
		return deny(d, ErrTokenNotActive.WithDetail("face value fully redeemed"))
	}

	if req.AreaCode != "" && req.AreaCode != t.AreaCode {
		return deny(d, ErrAreaMismatch.WithDetail("token area %s, kiosk area %s", t.AreaCode, req.AreaCode))
	}

	// Compared against the remainders so no sum can overflow.
	if req.Amount > d.WeeklyRemaining {
		return deny(d, ErrWeeklyLimitExceeded.WithDetail("requested %s, %s left this week", req.Amount, d.WeeklyRemaining))
	}

	if req.Amount > d.Balance {
		return deny(d, ErrInsufficientBalance.WithDetail("requested %s, %s left", req.Amount, d.Balance))
	}

	d.Allowed = true
	return d
}

// apply records an allowed redemption on t.
func apply(t *Token, amount money.Amount, d Decision, now time.Time) {
	t.WeeklyRedeemed = d.WeeklyRedeemed + amount
	t.TotalRedeemed += amount
	at := now
	t.LastRedemption = &at
	t.UpdatedAt = now
	if t.WeeklyRedeemed >= t.WeeklyLimit || t.TotalRedeemed >= t.Amount {
		t.Status = StatusRedeemed
	} else {
		t.Status = StatusActive
	}
}
