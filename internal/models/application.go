package models

import (
	"time"

	"github.com/google/uuid"
)

// ApplicationStatus tracks an application's lifecycle. An application is
// created HELD by a successful acquisition and moves exactly once: to SOLD
// on payment, to EXPIRED when the reaper collects its lock, or to CANCELED
// on explicit withdrawal.
type ApplicationStatus string

const (
	ApplicationHeld     ApplicationStatus = "HELD"
	ApplicationSold     ApplicationStatus = "SOLD"
	ApplicationExpired  ApplicationStatus = "EXPIRED"
	ApplicationCanceled ApplicationStatus = "CANCELED"
)

// SlotItem is one requested (date, priority) pair within an application.
type SlotItem struct {
	Date     string `json:"date"`
	Priority int    `json:"priority"`
}

// Key resolves the item against its application's banner type.
func (i SlotItem) Key(bt BannerType) SlotKey {
	return SlotKey{BannerType: bt, Date: i.Date, Priority: i.Priority}
}

// Application records a requester's attempt to acquire a set of slots as
// one unit. It references the slots it locked by key only; slot state is
// mutated exclusively through the reservation coordinator.
type Application struct {
	ID          int               `json:"id"`
	EventID     int               `json:"eventId"`
	BannerType  BannerType        `json:"bannerType"`
	Title       string            `json:"title"`
	ImageURL    string            `json:"imageUrl"`
	LinkURL     string            `json:"linkUrl,omitempty"`
	Items       []SlotItem        `json:"items"`
	TotalAmount int               `json:"totalAmount"`
	Status      ApplicationStatus `json:"status"`
	Holder      uuid.UUID         `json:"-"`
	LockedUntil time.Time         `json:"lockedUntil"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Keys returns the slot identities the application covers.
func (a *Application) Keys() []SlotKey {
	keys := make([]SlotKey, len(a.Items))
	for i, it := range a.Items {
		keys[i] = it.Key(a.BannerType)
	}
	return keys
}
