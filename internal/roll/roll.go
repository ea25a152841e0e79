// Package roll holds the persisted state of one interactive chat roll.
package roll

import (
	"regexp"
	"strings"

	"dicehall.gg/internal/dice"
	"dicehall.gg/internal/rules"
)

// Confirmation is one follow-up d6 rolled after a critical, with its own
// bonus accumulator.
type Confirmation struct {
	Value int `json:"value"`
	Delta int `json:"delta"`
}

// State is the per-roll document state. It is created once when the roll is
// posted and mutated only through table actions; every mutation is followed by
// a re-evaluation and a persist.
type State struct {
	OriginalDice       []int
	DeltaDice          []int
	BurnedOnes         []bool
	Confirmations      []Confirmation
	LockedResultIndex  int // dice.NoActive when no selection has been pinned
	Mode               dice.Mode
	Keyword            string
	InitialAllCritical bool
}

var hashKeyword = regexp.MustCompile(`#([A-Za-z][A-Za-z0-9_]*)`)

// ExtractKeyword pulls the roll keyword out of free-form flavor text: the
// first #word token wins; absent that, any known keyword as a whole word;
// absent both, the default keyword.
func ExtractKeyword(text string, table *rules.Table) string {
	if m := hashKeyword.FindStringSubmatch(text); m != nil {
		return strings.ToLower(m[1])
	}
	lower := strings.ToLower(text)
	for _, kw := range table.Keywords() {
		if kw == rules.DefaultKeyword {
			continue
		}
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
		if re.MatchString(lower) {
			return kw
		}
	}
	return rules.DefaultKeyword
}

var keepLowest = regexp.MustCompile(`(?i)kl\b|keep[ -]?lowest`)

// ExtractMode reads the keep-mode from a dice formula or message text.
// Defaults to keep-highest.
func ExtractMode(formula, text string) dice.Mode {
	if keepLowest.MatchString(formula) || keepLowest.MatchString(text) {
		return dice.KeepLowest
	}
	return dice.KeepHighest
}

// New builds the initial state for freshly rolled dice. InitialAllCritical is
// computed once, from the raw values against the resolved rule's threshold.
func New(raw []int, formula, flavor string, table *rules.Table) *State {
	kw := ExtractKeyword(flavor, table)
	rule := table.Resolve(kw)

	allCrit := len(raw) > 0
	for _, v := range raw {
		if v < rule.CriticalThreshold {
			allCrit = false
			break
		}
	}

	return &State{
		OriginalDice:       append([]int(nil), raw...),
		DeltaDice:          make([]int, len(raw)),
		BurnedOnes:         make([]bool, len(raw)),
		LockedResultIndex:  dice.NoActive,
		Mode:               ExtractMode(formula, flavor),
		Keyword:            kw,
		InitialAllCritical: allCrit,
	}
}

// EffectiveValue returns the die's value with its accumulated bonus applied.
// Extremes never change: a rolled 1 stays a 1, and nothing exceeds 6.
func (s *State) EffectiveValue(i int) int {
	v := s.OriginalDice[i]
	if v <= 1 || v >= 6 {
		return v
	}
	v += s.DeltaDice[i]
	if v > 6 {
		v = 6
	}
	return v
}

// EffectiveDice returns all effective values in original order.
func (s *State) EffectiveDice() []int {
	out := make([]int, len(s.OriginalDice))
	for i := range s.OriginalDice {
		out[i] = s.EffectiveValue(i)
	}
	return out
}

// Request assembles the evaluation request for the current state.
func (s *State) Request() dice.Request {
	return dice.Request{
		Dice:               s.EffectiveDice(),
		Keyword:            s.Keyword,
		Mode:               s.Mode,
		Burned:             s.BurnedOnes,
		LockedIndex:        s.LockedResultIndex,
		InitialAllCritical: s.InitialAllCritical,
	}
}

// BuffActive applies a +1 to the roll's current buff target: the most recent
// confirmation when any exist, otherwise the active die at activeIndex.
// Reports whether the value actually changed.
func (s *State) BuffActive(activeIndex int) bool {
	if n := len(s.Confirmations); n > 0 {
		c := &s.Confirmations[n-1]
		next := dice.Bump(c.Value + c.Delta)
		if next == c.Value+c.Delta {
			return false
		}
		c.Delta++
		return true
	}
	if activeIndex == dice.NoActive {
		return false
	}
	before := s.EffectiveValue(activeIndex)
	if dice.Bump(before) == before {
		return false
	}
	s.DeltaDice[activeIndex]++
	return true
}

// AddConfirmation appends a fresh confirmation roll. Confirmations are
// append-only; they can never be undone.
func (s *State) AddConfirmation(value int) {
	s.Confirmations = append(s.Confirmations, Confirmation{Value: value})
}

// BurnFirstOne marks the first unburned die showing a 1 as burned: the die is
// excluded from future selection, its bonus resets, and a lock pointing at it
// is cleared (not remapped). Returns the burned index, or dice.NoActive when
// no eligible die exists.
func (s *State) BurnFirstOne() int {
	for i := range s.OriginalDice {
		if s.BurnedOnes[i] || s.EffectiveValue(i) != 1 {
			continue
		}
		s.BurnedOnes[i] = true
		s.DeltaDice[i] = 0
		if s.LockedResultIndex == i {
			s.LockedResultIndex = dice.NoActive
		}
		return i
	}
	return dice.NoActive
}

// HasUnburnedOne reports whether any available die shows a 1.
func (s *State) HasUnburnedOne() bool {
	for i := range s.OriginalDice {
		if !s.BurnedOnes[i] && s.EffectiveValue(i) == 1 {
			return true
		}
	}
	return false
}

// AllOnes reports the uncriticalizable case: every available die is a 1.
func (s *State) AllOnes() bool {
	any := false
	for i := range s.OriginalDice {
		if s.BurnedOnes[i] {
			continue
		}
		if s.EffectiveValue(i) != 1 {
			return false
		}
		any = true
	}
	return any
}

// LockTo pins the selection to the given active index if no pin exists yet.
// The first evaluation after hydration locks in whichever die the rules
// selected; later evaluations must reproduce it until the die burns.
func (s *State) LockTo(activeIndex int) {
	if s.LockedResultIndex == dice.NoActive && activeIndex != dice.NoActive {
		s.LockedResultIndex = activeIndex
	}
}
