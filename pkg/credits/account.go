package credits

import "time"

// Account holds one user's metered credit balances. The account is
// shared across all of the user's graphs; mutations go through the
// Ledger's reserve/settle/release operations only.
type Account struct {
	ID           string    `json:"id"`
	MonthlyLimit int       `json:"monthly_limit"`
	MonthlyUsed  int       `json:"monthly_used"`
	Bonus        int       `json:"bonus"`
	Rollover     int       `json:"rollover"`
	PeriodStart  time.Time `json:"period_start"`
}

// Available is the balance a new reservation may draw from, before
// subtracting open reservations.
func (a *Account) Available() int {
	return a.MonthlyLimit - a.MonthlyUsed + a.Bonus + a.Rollover
}

// resetIfNewPeriod rolls the account into a new monthly period when now
// falls in a later month than PeriodStart. Unused monthly allowance
// becomes the new rollover, capped at the monthly limit; the previous
// rollover expires. Bonus credits never expire.
func (a *Account) resetIfNewPeriod(now time.Time) {
	if !a.PeriodStart.IsZero() && sameMonth(a.PeriodStart, now) {
		return
	}
	if !a.PeriodStart.IsZero() {
		unused := a.MonthlyLimit - a.MonthlyUsed
		if unused < 0 {
			unused = 0
		}
		if unused > a.MonthlyLimit {
			unused = a.MonthlyLimit
		}
		a.Rollover = unused
	}
	a.MonthlyUsed = 0
	a.PeriodStart = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
}

func sameMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}
