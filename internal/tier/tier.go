// Package tier defines the ordered subscription tiers that drive queue
// priority, daily submission caps, and iteration batch sizes.
package tier

import (
	"fmt"
	"strings"
)

// Tier is an ordered subscription level: bootstrapper < partner < cto_scale.
type Tier string

const (
	Bootstrapper Tier = "bootstrapper"
	Partner      Tier = "partner"
	CTOScale     Tier = "cto_scale"
)

// ranks orders tiers for queue priority. Higher rank dequeues first.
var ranks = map[Tier]int{
	Bootstrapper: 0,
	Partner:      1,
	CTOScale:     2,
}

// MaxRank is the rank of the highest tier.
const MaxRank = 2

// Params holds the per-tier scheduling parameters.
type Params struct {
	// DailyJobLimit is the advisory cap on submissions per tenant per UTC day.
	DailyJobLimit int64

	// IterationDepth is the continuation batch size. Confirmation is required
	// at every positive multiple of this depth; depth*3 is the hard cap.
	IterationDepth int64
}

var defaultParams = map[Tier]Params{
	Bootstrapper: {DailyJobLimit: 1, IterationDepth: 2},
	Partner:      {DailyJobLimit: 3, IterationDepth: 4},
	CTOScale:     {DailyJobLimit: 10, IterationDepth: 6},
}

// Parse validates a tier string. Unknown values fall back to Bootstrapper so
// a malformed subscription record degrades to the most conservative tier.
func Parse(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ranks[t]; ok {
		return t
	}
	return Bootstrapper
}

// Rank returns the priority rank of the tier. Unknown tiers rank lowest.
func (t Tier) Rank() int {
	return ranks[t]
}

// Valid reports whether the tier is one of the known levels.
func (t Tier) Valid() bool {
	_, ok := ranks[t]
	return ok
}

// DefaultParams returns the built-in parameters for the tier.
func (t Tier) DefaultParams() Params {
	if p, ok := defaultParams[t]; ok {
		return p
	}
	return defaultParams[Bootstrapper]
}

func (t Tier) String() string { return string(t) }

// FromRank maps a priority rank back to its tier. Out-of-range ranks map to
// Bootstrapper.
func FromRank(rank int) Tier {
	for t, r := range ranks {
		if r == rank {
			return t
		}
	}
	return Bootstrapper
}

// All returns the known tiers in ascending rank order.
func All() []Tier {
	return []Tier{Bootstrapper, Partner, CTOScale}
}

// MustParseStrict parses a tier and errors on unknown input. Used at config
// load time where silently downgrading would hide a typo.
func MustParseStrict(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}
