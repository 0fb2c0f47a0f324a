package models

import (
	"fmt"
	"strings"
)

// Tier is a storage locality and lifecycle class.
type Tier string

const (
	TierHot   Tier = "hot"
	TierWarm  Tier = "warm"
	TierCold  Tier = "cold"
	TierVault Tier = "vault"
)

// Tiers lists every tier, hottest first.
var Tiers = []Tier{TierHot, TierWarm, TierCold, TierVault}

// tierHeat orders tiers for "hottest reference wins". Vault is treated as
// the hottest placement because it pins content and is never demoted.
var tierHeat = map[Tier]int{
	TierVault: 4,
	TierHot:   3,
	TierWarm:  2,
	TierCold:  1,
}

func ParseTier(raw string) (Tier, error) {
	value := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if value == "" {
		return "", fmt.Errorf("tier is required")
	}
	if _, ok := tierHeat[value]; !ok {
		return "", fmt.Errorf("invalid tier: %s", value)
	}
	return value, nil
}

func (t Tier) String() string {
	return string(t)
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierHeat[t]
	return ok
}

// Hotter reports whether t ranks above other.
func (t Tier) Hotter(other Tier) bool {
	return tierHeat[t] > tierHeat[other]
}

// Next returns the automatic demotion target of t. Cold and vault are
// terminal.
func (t Tier) Next() (Tier, bool) {
	switch t {
	case TierHot:
		return TierWarm, true
	case TierWarm:
		return TierCold, true
	default:
		return "", false
	}
}

// HottestTier returns the hottest tier among tiers. It returns the
// fallback when tiers is empty.
func HottestTier(fallback Tier, tiers ...Tier) Tier {
	if len(tiers) == 0 {
		return fallback
	}
	best := tiers[0]
	for _, t := range tiers[1:] {
		if t.Hotter(best) {
			best = t
		}
	}
	return best
}
