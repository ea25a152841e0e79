// Package dice implements the d6 resolution logic shared by every roll on a table.
package dice

import (
	"errors"
	"math/rand"

	"dicehall.gg/internal/rules"
)

// Mode selects which die counts as the roll's result.
type Mode string

const (
	KeepHighest Mode = "keep-highest"
	KeepLowest  Mode = "keep-lowest"
)

// NoActive marks a roll with no selectable die (everything burned).
const NoActive = -1

// ErrNoDice indicates an evaluation request without dice.
var ErrNoDice = errors.New("at least one die must be provided")

// ErrLengthMismatch indicates the burned flags do not line up with the dice.
var ErrLengthMismatch = errors.New("burned flags must match dice length")

// Request describes one evaluation of a roll.
//
// Dice carries effective values (original plus accumulated bonus, extremes
// untouched). Burned flags exclude dice from selection without changing their
// value. LockedIndex pins a previously selected die; pass NoActive when no
// selection has been made yet.
type Request struct {
	Dice               []int
	Keyword            string
	Mode               Mode
	Burned             []bool
	LockedIndex        int
	InitialAllCritical bool
}

// Die is one die in the derived view.
type Die struct {
	Value       int  `json:"value"`
	Highlighted bool `json:"highlighted"`
	Faded       bool `json:"faded"`
}

// ParsedRoll is the derived view of a roll. It is recomputed on every state
// change and never persisted.
type ParsedRoll struct {
	Dice             []Die
	CanSpendForBonus bool
	CanConfirm       bool
	HasUnburnedOnes  bool
	Rule             rules.Rule
	ActiveIndex      int
}

// ActiveValue returns the value of the active die, or 0 when none is selectable.
func (p ParsedRoll) ActiveValue() int {
	if p.ActiveIndex == NoActive {
		return 0
	}
	return p.Dice[p.ActiveIndex].Value
}

// Evaluate classifies a set of die results under the keyword's rule.
//
// Deterministic, no side effects. The stability contract: a valid LockedIndex
// is honored unchanged, so the displayed result die never silently moves while
// other dice get buffed or burned. Only burning the locked die itself releases
// the selection.
func Evaluate(req Request, table *rules.Table) (ParsedRoll, error) {
	if len(req.Dice) == 0 {
		return ParsedRoll{}, ErrNoDice
	}
	if len(req.Burned) != len(req.Dice) {
		return ParsedRoll{}, ErrLengthMismatch
	}

	rule := table.Resolve(req.Keyword)
	burned := func(i int) bool { return req.Burned[i] }

	active := NoActive
	if req.LockedIndex >= 0 && req.LockedIndex < len(req.Dice) && !burned(req.LockedIndex) {
		active = req.LockedIndex
	} else {
		for i, v := range req.Dice {
			if burned(i) {
				continue
			}
			if active == NoActive {
				active = i
				continue
			}
			if req.Mode == KeepLowest {
				if v < req.Dice[active] {
					active = i
				}
			} else if v > req.Dice[active] {
				active = i
			}
		}
	}

	hasUnburnedOnes := false
	for i, v := range req.Dice {
		if !burned(i) && v == 1 {
			hasUnburnedOnes = true
			break
		}
	}

	activeValue := 0
	if active != NoActive {
		activeValue = req.Dice[active]
	}
	threshold := rule.CriticalThreshold

	highlight := make([]bool, len(req.Dice))
	switch {
	case active == NoActive:
		// Nothing selectable, nothing highlighted.
	case req.Mode == KeepLowest:
		highlight[active] = true
		if activeValue == 1 {
			// Multiple-fumble visualization.
			markValues(highlight, req.Dice, req.Burned, func(v int) bool { return v == 1 })
		} else if activeValue >= threshold && req.InitialAllCritical {
			markValues(highlight, req.Dice, req.Burned, func(v int) bool { return v >= threshold })
		}
	case rule.OnesAlwaysFail && hasUnburnedOnes:
		// Ones-always-fail takes priority over critical highlighting: the
		// fumbles are shown, not the would-be result die.
		markValues(highlight, req.Dice, req.Burned, func(v int) bool { return v == 1 })
	default:
		highlight[active] = true
		if activeValue >= threshold {
			markValues(highlight, req.Dice, req.Burned, func(v int) bool { return v >= threshold })
		} else if activeValue == 1 {
			markValues(highlight, req.Dice, req.Burned, func(v int) bool { return v == 1 })
		}
	}

	view := make([]Die, len(req.Dice))
	for i, v := range req.Dice {
		view[i] = Die{
			Value:       v,
			Highlighted: highlight[i],
			Faded:       burned(i) || !highlight[i],
		}
	}

	onesBlock := rule.OnesAlwaysFail && hasUnburnedOnes
	return ParsedRoll{
		Dice:             view,
		CanSpendForBonus: rule.AllowKarma && !onesBlock && active != NoActive && activeValue >= 2 && activeValue < threshold,
		CanConfirm:       rule.AllowConfirm && !onesBlock && active != NoActive && activeValue >= threshold,
		HasUnburnedOnes:  hasUnburnedOnes,
		Rule:             rule,
		ActiveIndex:      active,
	}, nil
}

func markValues(highlight []bool, dice []int, burnedFlags []bool, match func(int) bool) {
	for i, v := range dice {
		if !burnedFlags[i] && match(v) {
			highlight[i] = true
		}
	}
}

// SpendEligible reports whether a standalone value (a confirmation die) may
// receive a +1 under the rule. Extremes never change.
func SpendEligible(rule rules.Rule, value int) bool {
	return rule.AllowKarma && value >= 2 && value < rule.CriticalThreshold
}

// Bump raises a value by one, capped at 6; values already at 1 or 6 are
// returned unchanged.
func Bump(value int) int {
	if value <= 1 || value >= 6 {
		return value
	}
	return value + 1
}

// Roller produces fresh d6 results for confirmation rolls.
//
// Deterministic with respect to the seed, matching the rest of the table
// runtime: a resumed table with the same seed replays the same confirms.
type Roller struct {
	rng *rand.Rand
}

// NewRoller returns a seeded roller.
func NewRoller(seed int64) *Roller {
	return &Roller{rng: rand.New(rand.NewSource(seed))}
}

// D6 rolls one six-sided die.
func (r *Roller) D6() int {
	return r.rng.Intn(6) + 1
}
