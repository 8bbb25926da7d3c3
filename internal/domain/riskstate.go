package domain

import "time"

// RiskState holds the stateful risk counters owned by the risk governor.
// It is a persisted singleton; all mutation goes through the governor.
type RiskState struct {
	ConsecutiveLosses int
	TradesToday       int
	LastLossTs        *time.Time
	SessionStartTs    time.Time
	BlackoutFrom      *time.Time
	BlackoutUntil     *time.Time
	CurrentDate       string // "YYYY-MM-DD" of the running session, drives the daily reset
}

// InBlackout reports whether now falls inside the active news blackout
// window, if one is set.
func (s *RiskState) InBlackout(now time.Time) bool {
	if s.BlackoutUntil == nil {
		return false
	}
	if !now.Before(*s.BlackoutUntil) {
		return false
	}
	if s.BlackoutFrom != nil && now.Before(*s.BlackoutFrom) {
		return false
	}
	return true
}
