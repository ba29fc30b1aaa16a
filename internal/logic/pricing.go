package logic

import (
	"fmt"

	"github.com/patrickwarner/openadreserve/internal/models"
)

// RateCard derives slot prices. HERO follows a ten-tier strictly decreasing
// ladder from rank 1 down to rank 10; SEARCH_TOP is a flat daily rate
// regardless of rank. Prices are integer currency units.
type RateCard struct {
	heroLadder     []int
	searchTopDaily int
}

// NewRateCard validates the configured prices and returns a RateCard.
func NewRateCard(heroLadder []int, searchTopDaily int) (*RateCard, error) {
	if len(heroLadder) != models.HeroMaxPriority {
		return nil, fmt.Errorf("hero price ladder needs %d tiers, got %d", models.HeroMaxPriority, len(heroLadder))
	}
	for i, p := range heroLadder {
		if p <= 0 {
			return nil, fmt.Errorf("hero price for rank %d must be positive", i+1)
		}
		if i > 0 && p >= heroLadder[i-1] {
			return nil, fmt.Errorf("hero price ladder must strictly decrease: rank %d >= rank %d", i+1, i)
		}
	}
	if searchTopDaily <= 0 {
		return nil, fmt.Errorf("search top daily rate must be positive")
	}
	ladder := make([]int, len(heroLadder))
	copy(ladder, heroLadder)
	return &RateCard{heroLadder: ladder, searchTopDaily: searchTopDaily}, nil
}

// Price returns the per-day price of one slot.
func (rc *RateCard) Price(bt models.BannerType, priority int) (int, error) {
	if !bt.ValidPriority(priority) {
		return 0, fmt.Errorf("priority %d out of range for %s", priority, bt)
	}
	if bt == models.BannerSearchTop {
		return rc.searchTopDaily, nil
	}
	return rc.heroLadder[priority-1], nil
}

// Total sums the price of every item in an application. The engine prices
// exactly the item list it is given; filtering out unavailable days is the
// caller's job before submission.
func (rc *RateCard) Total(bt models.BannerType, items []models.SlotItem) (int, error) {
	total := 0
	for _, it := range items {
		p, err := rc.Price(bt, it.Priority)
		if err != nil {
			return 0, err
		}
		total += p
	}
	return total, nil
}
