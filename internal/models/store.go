package models

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an entity is not found in the store.
var ErrNotFound = errors.New("entity not found")

// ErrLockExpired is returned by MarkSold when the caller's lock has lapsed
// (or was never held) before the sale could complete. It is distinct from a
// plain conflict: the caller must start a fresh application.
var ErrLockExpired = errors.New("lock expired before sale")

// ErrDuplicateApplication is returned by InsertApplication when the event
// already holds or has bought a banner of the same type. The ledger enforces
// this itself so two submissions racing past the pre-insert check cannot
// both land.
var ErrDuplicateApplication = errors.New("event already has an active application")

// SlotStore is the authoritative slot inventory. CompareAndLock is the only
// acquisition primitive and must be atomic per key with respect to
// concurrent callers; everything else is a single conditional update.
// Absent keys are implicitly AVAILABLE.
type SlotStore interface {
	// GetSlot returns the materialized slot for key, or nil when the key
	// has never been materialized (meaning: available at standard price).
	GetSlot(ctx context.Context, key SlotKey) (*Slot, error)

	// ListSlots returns every materialized slot for the banner type within
	// the inclusive [from, to] date span, as one consistent snapshot.
	ListSlots(ctx context.Context, bt BannerType, from, to string) ([]Slot, error)

	// CompareAndLock transitions key to LOCKED for holder iff the slot is
	// currently AVAILABLE, unmaterialized, or LOCKED with an already
	// expired deadline. Returns false on any other state.
	CompareAndLock(ctx context.Context, key SlotKey, holder uuid.UUID, until time.Time) (bool, error)

	// Release reverts LOCKED to AVAILABLE, but only while holder still
	// owns the lock. A no-op in every other state.
	Release(ctx context.Context, key SlotKey, holder uuid.UUID) error

	// MarkSold finalizes LOCKED to SOLD for holder. ErrLockExpired is
	// returned when the slot is no longer locked by holder.
	MarkSold(ctx context.Context, key SlotKey, holder uuid.UUID) error

	// RevertSold walks SOLD back to LOCKED for holder, restoring the given
	// deadline. Used to unwind a partially finalized confirmation so the
	// set goes back under its TTL as one unit; a no-op when holder does
	// not own the slot.
	RevertSold(ctx context.Context, key SlotKey, holder uuid.UUID, until time.Time) error

	// ListExpiredLocks returns up to limit slots whose lock deadline has
	// passed as of now. Used by the expiry reaper.
	ListExpiredLocks(ctx context.Context, now time.Time, limit int) ([]Slot, error)
}

// ApplicationLedger records submitted applications for audit and drives
// their status transitions. It never touches slot state.
type ApplicationLedger interface {
	// InsertApplication persists app and assigns its ID.
	// ErrDuplicateApplication is returned when the event already has a
	// HELD or SOLD application for the banner type.
	InsertApplication(ctx context.Context, app *Application) error

	GetApplication(ctx context.Context, id int) (*Application, error)
	ListApplicationsByEvent(ctx context.Context, eventID int) ([]Application, error)

	// UpdateApplicationStatus transitions id from one status to another.
	// ErrNotFound is returned when the application does not exist or is
	// not currently in the from status.
	UpdateApplicationStatus(ctx context.Context, id int, from, to ApplicationStatus) error

	// ExpireByHolder marks the HELD application owned by holder EXPIRED.
	// A no-op when no such application exists, so reaper reruns are safe.
	ExpireByHolder(ctx context.Context, holder uuid.UUID) error

	// HasActiveApplication reports whether the event already holds or has
	// bought a banner of the given type.
	HasActiveApplication(ctx context.Context, eventID int, bt BannerType) (bool, error)
}

// ReservationStore is the full persistence surface the service runs on.
type ReservationStore interface {
	SlotStore
	ApplicationLedger
}
