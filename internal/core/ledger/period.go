package ledger

import "time"

// PeriodStatus controls whether journals may post into a period.
type PeriodStatus string

const (
	PeriodOpen   PeriodStatus = "OPEN"
	PeriodClosed PeriodStatus = "CLOSED"
	PeriodLocked PeriodStatus = "LOCKED"
)

// AccountingPeriod is a posting window. A journal may only post with an
// effective date inside an OPEN period; CLOSED and LOCKED both block.
// Dates are inclusive of StartDate and exclusive of the day after EndDate.
type AccountingPeriod struct {
	ID        string
	StartDate time.Time
	EndDate   time.Time
	Status    PeriodStatus
}

// Contains reports whether ts falls inside the period.
func (p AccountingPeriod) Contains(ts time.Time) bool {
	day := ts.Truncate(24 * time.Hour)
	start := p.StartDate.Truncate(24 * time.Hour)
	end := p.EndDate.Truncate(24 * time.Hour)
	return !day.Before(start) && !day.After(end)
}

// Blocks reports whether a posting at ts must be refused because this
// period covers it and is not OPEN.
func (p AccountingPeriod) Blocks(ts time.Time) bool {
	return p.Status != PeriodOpen && p.Contains(ts)
}
