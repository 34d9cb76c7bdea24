/*
Package factory provides JSON to Go schedule conversion.

PURPOSE:
  Converts JSON schedule definitions into vesting.Schedule values so that
  schedules can be supplied by API clients, config files or an admin UI
  without code changes.

JSON SCHEMA:
  Linear, with an optional cliff:
  {
    "type": "linear",
    "cliff": "720h",
    "duration": 31536000
  }

  Milestones (shares in basis points, summing to 10000):
  {
    "type": "milestones",
    "cliff": 0,
    "milestones": [
      {"offset": "2160h", "share": 2500},
      {"offset": "4320h", "share": 7500}
    ]
  }

  Durations are either whole seconds or a Go duration string.
  A missing "type" is inferred from the presence of "milestones".

USAGE:
  factory := NewScheduleFactory(limits.MaxDuration)
  schedule, err := factory.ParseSchedule(jsonString)

  // Presets
  schedule, err := factory.FromJSON(factory.MonthlyJSON(12, 0))

SEE ALSO:
  - vesting/schedule.go: Schedule type definition and validation
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/warp/vesting-engine/vesting"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

const (
	TypeLinear     = "linear"
	TypeMilestones = "milestones"
)

// ScheduleJSON is the JSON representation of a schedule.
type ScheduleJSON struct {
	Type       string          `json:"type,omitempty"` // linear, milestones
	Cliff      Seconds         `json:"cliff"`
	Duration   Seconds         `json:"duration,omitempty"`
	Milestones []MilestoneJSON `json:"milestones,omitempty"`
}

// MilestoneJSON represents one step of a milestone schedule.
type MilestoneJSON struct {
	Offset Seconds `json:"offset"`
	Share  uint64  `json:"share"` // basis points
}

// Seconds decodes from a JSON number of seconds or a duration string
// such as "720h". It always encodes as a number.
type Seconds uint64

func (s Seconds) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(s), 10)), nil
}

func (s *Seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", str, err)
		}
		if d < 0 || d%time.Second != 0 {
			return fmt.Errorf("duration %q must be a non-negative whole number of seconds", str)
		}
		*s = Seconds(d / time.Second)
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid seconds %s: %w", b, err)
	}
	*s = Seconds(v)
	return nil
}

// =============================================================================
// SCHEDULE FACTORY
// =============================================================================

// ScheduleFactory converts JSON schedules to vesting.Schedule.
type ScheduleFactory struct {
	maxDuration uint64
}

// NewScheduleFactory validates parsed schedules against maxDuration.
// Zero selects the default engine ceiling.
func NewScheduleFactory(maxDuration uint64) *ScheduleFactory {
	return &ScheduleFactory{maxDuration: maxDuration}
}

// ParseSchedule parses a JSON string into a validated Schedule.
func (f *ScheduleFactory) ParseSchedule(jsonStr string) (vesting.Schedule, error) {
	var sj ScheduleJSON
	if err := json.Unmarshal([]byte(jsonStr), &sj); err != nil {
		return vesting.Schedule{}, fmt.Errorf("failed to parse schedule JSON: %w", err)
	}
	return f.FromJSON(sj)
}

// FromJSON converts ScheduleJSON to a validated vesting.Schedule.
func (f *ScheduleFactory) FromJSON(sj ScheduleJSON) (vesting.Schedule, error) {
	typ := sj.Type
	if typ == "" {
		typ = TypeLinear
		if len(sj.Milestones) > 0 {
			typ = TypeMilestones
		}
	}

	var s vesting.Schedule
	switch typ {
	case TypeLinear:
		if len(sj.Milestones) > 0 {
			return vesting.Schedule{}, &vesting.ScheduleError{Reason: "linear schedule with milestones"}
		}
		s = vesting.LinearSchedule(uint64(sj.Cliff), uint64(sj.Duration))
	case TypeMilestones:
		ms := make([]vesting.Milestone, len(sj.Milestones))
		for i, m := range sj.Milestones {
			ms[i] = vesting.Milestone{Offset: uint64(m.Offset), Share: m.Share}
		}
		s = vesting.MilestoneSchedule(uint64(sj.Cliff), ms...)
		s.Duration = uint64(sj.Duration) // rejected by Validate if set
	default:
		return vesting.Schedule{}, &vesting.ScheduleError{Reason: fmt.Sprintf("unknown schedule type %q", sj.Type)}
	}

	maxDuration := f.maxDuration
	if maxDuration == 0 {
		maxDuration = vesting.DefaultLimits().MaxDuration
	}
	if err := s.Validate(maxDuration); err != nil {
		return vesting.Schedule{}, err
	}
	return s, nil
}

// ToJSON converts a Schedule to ScheduleJSON.
func (f *ScheduleFactory) ToJSON(s vesting.Schedule) ScheduleJSON {
	if !s.IsMilestone() {
		return ScheduleJSON{Type: TypeLinear, Cliff: Seconds(s.Cliff), Duration: Seconds(s.Duration)}
	}
	sj := ScheduleJSON{Type: TypeMilestones, Cliff: Seconds(s.Cliff)}
	for _, m := range s.Milestones {
		sj.Milestones = append(sj.Milestones, MilestoneJSON{Offset: Seconds(m.Offset), Share: m.Share})
	}
	return sj
}

// =============================================================================
// PRESETS
// =============================================================================

const (
	day   = 24 * 60 * 60
	month = 30 * day
)

// LinearJSON vests evenly over duration seconds after cliff seconds.
func (f *ScheduleFactory) LinearJSON(cliff, duration uint64) ScheduleJSON {
	return ScheduleJSON{Type: TypeLinear, Cliff: Seconds(cliff), Duration: Seconds(duration)}
}

// MonthlyJSON releases equal shares every 30 days for months months, the
// first one after cliffMonths. Rounding leftovers go to the last step.
func (f *ScheduleFactory) MonthlyJSON(months, cliffMonths int) ScheduleJSON {
	return stepsJSON(months, month, cliffMonths*month)
}

// QuarterlyJSON releases equal shares every 90 days.
func (f *ScheduleFactory) QuarterlyJSON(quarters int) ScheduleJSON {
	return stepsJSON(quarters, 3*month, 0)
}

func stepsJSON(steps, every, cliff int) ScheduleJSON {
	sj := ScheduleJSON{Type: TypeMilestones, Cliff: Seconds(cliff)}
	if steps <= 0 {
		return sj
	}
	share := vesting.ShareDenominator / uint64(steps)
	for i := 1; i <= steps; i++ {
		m := MilestoneJSON{Offset: Seconds(cliff + i*every), Share: share}
		if i == steps {
			m.Share = vesting.ShareDenominator - share*uint64(steps-1)
		}
		sj.Milestones = append(sj.Milestones, m)
	}
	return sj
}
