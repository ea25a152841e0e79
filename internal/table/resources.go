package table

import "strings"

// Resource pool tags. Tags are literal matches after trimming; the pool's
// role is carried by the tag, not its name.
const (
	TagKarma  = "#karma"
	TagStress = "#stress"
	TagHealth = "#health"
)

// Pool is one spendable resource on an actor's sheet.
type Pool struct {
	Name  string
	Tag   string
	Icon  string
	Value int
	Max   int // 0 means unbounded
}

// Actor is the rolling user's sheet as far as the table cares: a set of
// resource pools.
type Actor struct {
	UserID string
	Pools  []*Pool
}

// NewActor builds a default sheet. Real deployments replace these with
// imported character data; the tags are what matters.
func NewActor(userID string) *Actor {
	return &Actor{
		UserID: userID,
		Pools: []*Pool{
			{Name: "Karma", Tag: TagKarma, Icon: "icons/karma.svg", Value: 3, Max: 6},
			{Name: "Stress", Tag: TagStress, Icon: "icons/stress.svg", Value: 0, Max: 10},
			{Name: "Health", Tag: TagHealth, Icon: "icons/health.svg", Value: 7, Max: 7},
		},
	}
}

// FirstPool returns the first pool whose tag matches, or nil.
func (a *Actor) FirstPool(tag string) *Pool {
	if a == nil {
		return nil
	}
	for _, p := range a.Pools {
		if strings.TrimSpace(p.Tag) == tag {
			return p
		}
	}
	return nil
}

// Adjust applies a single delta to the pool. It refuses changes that would
// take the value below zero or above a configured max, and reports whether
// the write happened.
func (p *Pool) Adjust(delta int) bool {
	next := p.Value + delta
	if next < 0 {
		return false
	}
	if p.Max > 0 && next > p.Max {
		next = p.Max
	}
	p.Value = next
	return true
}
