package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the wire format for slot dates. Dates are local calendar
// days, never UTC-shifted.
const DateLayout = "2006-01-02"

// BannerType identifies which banner calendar a slot belongs to.
type BannerType string

const (
	BannerHero      BannerType = "HERO"
	BannerSearchTop BannerType = "SEARCH_TOP"
)

// HERO slots are ranked 1..10, SEARCH_TOP ("MD-PICK") is capped at two
// advertisers per day.
const (
	HeroMaxPriority      = 10
	SearchTopMaxPriority = 2
)

// ParseBannerType validates and normalizes a banner type string.
func ParseBannerType(s string) (BannerType, error) {
	switch BannerType(s) {
	case BannerHero:
		return BannerHero, nil
	case BannerSearchTop:
		return BannerSearchTop, nil
	}
	return "", fmt.Errorf("unknown banner type %q", s)
}

// MaxPriority returns the highest valid rank for the banner type.
func (b BannerType) MaxPriority() int {
	if b == BannerSearchTop {
		return SearchTopMaxPriority
	}
	return HeroMaxPriority
}

// ValidPriority reports whether rank p is allocatable for this banner type.
func (b BannerType) ValidPriority(p int) bool {
	return p >= 1 && p <= b.MaxPriority()
}

// SlotStatus is the allocation state of a single slot.
type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotLocked    SlotStatus = "LOCKED"
	SlotSold      SlotStatus = "SOLD"
)

// SlotKey is the composite identity of one allocatable position: one banner
// type, one calendar day, one priority rank.
type SlotKey struct {
	BannerType BannerType `json:"bannerType"`
	Date       string     `json:"date"`
	Priority   int        `json:"priority"`
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.BannerType, k.Date, k.Priority)
}

// Less orders keys by date then priority. Every multi-slot acquisition
// walks keys in this order so overlapping requests cannot deadlock.
func (k SlotKey) Less(o SlotKey) bool {
	if k.Date != o.Date {
		return k.Date < o.Date
	}
	return k.Priority < o.Priority
}

// Slot is the unit of allocation.
type Slot struct {
	BannerType  BannerType `json:"bannerType"`
	SlotDate    string     `json:"slotDate"`
	Priority    int        `json:"priority"`
	Status      SlotStatus `json:"status"`
	Price       int        `json:"price"`
	Holder      uuid.UUID  `json:"-"`
	LockedUntil *time.Time `json:"-"`
}

// Key returns the slot's composite identity.
func (s Slot) Key() SlotKey {
	return SlotKey{BannerType: s.BannerType, Date: s.SlotDate, Priority: s.Priority}
}

// ParseDate validates a YYYY-MM-DD calendar day in local time.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// DatesInRange expands an inclusive [from, to] span into its calendar days.
func DatesInRange(from, to string) ([]string, error) {
	start, err := ParseDate(from)
	if err != nil {
		return nil, err
	}
	end, err := ParseDate(to)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("date range %s..%s is inverted", from, to)
	}
	var days []string
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d.Format(DateLayout))
	}
	return days, nil
}
