package vesting

import (
	"fmt"
)

// =============================================================================
// SCHEDULE - How a locked amount is released over time
// =============================================================================

// ShareDenominator is the basis-point scale used by milestone shares.
const ShareDenominator uint64 = 10_000

// Schedule is either linear (no milestones) or a milestone table.
//
// Linear: nothing before start+Cliff, then linear release over Duration,
// everything from start+Cliff+Duration on.
//
// Milestone: nothing before start+Cliff; afterwards the shares of every
// milestone whose Offset (from start) has passed are released.
type Schedule struct {
	Cliff      uint64      `json:"cliff"`
	Duration   uint64      `json:"duration"`
	Milestones []Milestone `json:"milestones,omitempty"`
}

// Milestone releases Share basis points of the total once Offset seconds
// have elapsed since start.
type Milestone struct {
	Offset uint64 `json:"offset"`
	Share  uint64 `json:"share"`
}

func LinearSchedule(cliff, duration uint64) Schedule {
	return Schedule{Cliff: cliff, Duration: duration}
}

func MilestoneSchedule(cliff uint64, milestones ...Milestone) Schedule {
	return Schedule{Cliff: cliff, Milestones: milestones}
}

func (s Schedule) IsMilestone() bool { return len(s.Milestones) > 0 }

// End returns the offset from start at which everything is released.
func (s Schedule) End() uint64 {
	if s.IsMilestone() {
		last := s.Milestones[len(s.Milestones)-1].Offset
		if s.Cliff > last {
			return s.Cliff
		}
		return last
	}
	return s.Cliff + s.Duration
}

// Validate checks internal consistency against maxDuration.
func (s Schedule) Validate(maxDuration uint64) error {
	if s.IsMilestone() {
		return s.validateMilestones(maxDuration)
	}
	switch {
	case s.Duration == 0:
		return &ScheduleError{Reason: "duration must be positive"}
	case s.Cliff > s.Duration:
		return &ScheduleError{Reason: fmt.Sprintf("cliff %d exceeds duration %d", s.Cliff, s.Duration)}
	case s.Duration > maxDuration || s.Cliff > maxDuration-s.Duration:
		return &ScheduleError{Reason: fmt.Sprintf("cliff+duration exceeds ceiling %d", maxDuration)}
	}
	return nil
}

func (s Schedule) validateMilestones(maxDuration uint64) error {
	if s.Duration != 0 {
		return &ScheduleError{Reason: "milestone schedule cannot have a linear duration"}
	}
	var (
		total uint64
		prev  uint64
	)
	for i, m := range s.Milestones {
		if m.Share == 0 {
			return &ScheduleError{Reason: fmt.Sprintf("milestone %d has zero share", i)}
		}
		if i > 0 && m.Offset <= prev {
			return &ScheduleError{Reason: fmt.Sprintf("milestone %d offset %d not after %d", i, m.Offset, prev)}
		}
		if m.Offset > maxDuration {
			return &ScheduleError{Reason: fmt.Sprintf("milestone %d offset exceeds ceiling %d", i, maxDuration)}
		}
		if m.Share > ShareDenominator-total {
			return &ScheduleError{Reason: "milestone shares exceed 10000"}
		}
		total += m.Share
		prev = m.Offset
	}
	if total != ShareDenominator {
		return &ScheduleError{Reason: fmt.Sprintf("milestone shares sum to %d, want %d", total, ShareDenominator)}
	}
	if s.Cliff > prev {
		return &ScheduleError{Reason: "cliff after last milestone"}
	}
	return nil
}

// =============================================================================
// RELEASABLE - Pure vesting calculator
// =============================================================================

// Releasable returns how much of total has vested at now for a transfer
// starting at start. Rounds toward zero and is non-decreasing in now.
func (s Schedule) Releasable(total Amount, start, now Timestamp) Amount {
	if now < start {
		return Amount{}
	}
	elapsed := uint64(now - start)
	if elapsed < s.Cliff {
		return Amount{}
	}

	if s.IsMilestone() {
		var share uint64
		for _, m := range s.Milestones {
			if m.Offset > elapsed {
				break
			}
			share += m.Share
		}
		if share >= ShareDenominator {
			return total
		}
		return total.MulDiv(share, ShareDenominator)
	}

	linear := elapsed - s.Cliff
	if linear >= s.Duration {
		return total
	}
	return total.MulDiv(linear, s.Duration)
}

// Releasable returns the vested amount of t at now. Cancellation freezes it.
func Releasable(t Transfer, now Timestamp) Amount {
	switch t.Status {
	case StatusCancelled:
		return t.VestedAtCancel
	case StatusCompleted:
		return t.Total
	}
	return t.Schedule.Releasable(t.Total, t.Start, now)
}
