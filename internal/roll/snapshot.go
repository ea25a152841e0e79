package roll

import (
	"encoding/json"
	"errors"
	"fmt"

	"dicehall.gg/internal/dice"
)

// SnapshotV1 is the wire/storage form of a roll's state, attached to the chat
// message document as its flags payload. Field names are part of the persisted
// contract; hydrating clients depend on them.
type SnapshotV1 struct {
	OriginalDice       []int          `json:"originalDice"`
	DeltaDice          []int          `json:"deltaDice"`
	BurnedOnes         []bool         `json:"burnedOnes"`
	Confirmations      []Confirmation `json:"confirmations"`
	LockedResultIndex  *int           `json:"lockedResultIndex"`
	Mode               string         `json:"mode"`
	Keyword            string         `json:"keyword"`
	InitialAllCritical bool           `json:"initialAllCritical"`
	Processed          bool           `json:"processed"`
}

// ErrBadSnapshot indicates a persisted snapshot violates the state invariants.
var ErrBadSnapshot = errors.New("invalid roll snapshot")

// Snapshot captures the state for persistence. Processed is always true: a
// snapshot only exists once the roll has been evaluated at least once.
func (s *State) Snapshot() SnapshotV1 {
	snap := SnapshotV1{
		OriginalDice:       append([]int(nil), s.OriginalDice...),
		DeltaDice:          append([]int(nil), s.DeltaDice...),
		BurnedOnes:         append([]bool(nil), s.BurnedOnes...),
		Confirmations:      append([]Confirmation(nil), s.Confirmations...),
		Mode:               string(s.Mode),
		Keyword:            s.Keyword,
		InitialAllCritical: s.InitialAllCritical,
		Processed:          true,
	}
	if s.LockedResultIndex != dice.NoActive {
		idx := s.LockedResultIndex
		snap.LockedResultIndex = &idx
	}
	return snap
}

// Hydrate rebuilds state from a persisted snapshot. Every field is replaced
// wholesale: recorded user actions always win over re-deriving from raw dice.
func Hydrate(snap SnapshotV1) (*State, error) {
	n := len(snap.OriginalDice)
	if n == 0 {
		return nil, fmt.Errorf("%w: no dice", ErrBadSnapshot)
	}
	if len(snap.DeltaDice) != n || len(snap.BurnedOnes) != n {
		return nil, fmt.Errorf("%w: slice lengths disagree", ErrBadSnapshot)
	}
	locked := dice.NoActive
	if snap.LockedResultIndex != nil {
		locked = *snap.LockedResultIndex
		if locked < 0 || locked >= n {
			return nil, fmt.Errorf("%w: locked index %d out of range", ErrBadSnapshot, locked)
		}
		if snap.BurnedOnes[locked] {
			// Once burned, the pointer is cleared, not remapped.
			locked = dice.NoActive
		}
	}
	mode := dice.Mode(snap.Mode)
	if mode != dice.KeepLowest {
		mode = dice.KeepHighest
	}
	return &State{
		OriginalDice:       append([]int(nil), snap.OriginalDice...),
		DeltaDice:          append([]int(nil), snap.DeltaDice...),
		BurnedOnes:         append([]bool(nil), snap.BurnedOnes...),
		Confirmations:      append([]Confirmation(nil), snap.Confirmations...),
		LockedResultIndex:  locked,
		Mode:               mode,
		Keyword:            snap.Keyword,
		InitialAllCritical: snap.InitialAllCritical,
	}, nil
}

// DecodeSnapshot parses the flags payload of a message document. A missing or
// unprocessed payload returns ok=false: the roll has not been through its
// first evaluation yet.
func DecodeSnapshot(flags []byte) (SnapshotV1, bool, error) {
	if len(flags) == 0 {
		return SnapshotV1{}, false, nil
	}
	var snap SnapshotV1
	if err := json.Unmarshal(flags, &snap); err != nil {
		return SnapshotV1{}, false, err
	}
	if !snap.Processed {
		return SnapshotV1{}, false, nil
	}
	return snap, true, nil
}

// EncodeSnapshot serializes a snapshot for the flags payload.
func EncodeSnapshot(snap SnapshotV1) ([]byte, error) {
	return json.Marshal(snap)
}
