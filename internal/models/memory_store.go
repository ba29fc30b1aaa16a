package models

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore implements ReservationStore with a mutex-guarded map. It
// backs tests and single-node dev mode; production uses the Postgres store,
// which enforces the same compare-and-swap discipline with conditional
// updates.
type InMemoryStore struct {
	mu     sync.Mutex
	slots  map[SlotKey]*Slot
	apps   map[int]*Application
	nextID int

	// now is swappable so tests can simulate clock advance.
	now func() time.Time
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		slots:  make(map[SlotKey]*Slot),
		apps:   make(map[int]*Application),
		nextID: 1,
		now:    time.Now,
	}
}

// SetClock overrides the store's time source. Testing only.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) GetSlot(_ context.Context, key SlotKey) (*Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		cp := *sl
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) ListSlots(_ context.Context, bt BannerType, from, to string) ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Slot
	for key, sl := range s.slots {
		if key.BannerType != bt || key.Date < from || key.Date > to {
			continue
		}
		out = append(out, *sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().Less(out[j].Key()) })
	return out, nil
}

func (s *InMemoryStore) CompareAndLock(_ context.Context, key SlotKey, holder uuid.UUID, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		u := until
		s.slots[key] = &Slot{
			BannerType:  key.BannerType,
			SlotDate:    key.Date,
			Priority:    key.Priority,
			Status:      SlotLocked,
			Holder:      holder,
			LockedUntil: &u,
		}
		return true, nil
	}

	switch sl.Status {
	case SlotAvailable:
	case SlotLocked:
		if sl.LockedUntil == nil || sl.LockedUntil.After(s.now()) {
			return false, nil
		}
		// Expired hold: opportunistically reclaimed by the new locker.
	default:
		return false, nil
	}

	u := until
	sl.Status = SlotLocked
	sl.Holder = holder
	sl.LockedUntil = &u
	return true, nil
}

func (s *InMemoryStore) Release(_ context.Context, key SlotKey, holder uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok || sl.Status != SlotLocked || sl.Holder != holder {
		return nil
	}
	sl.Status = SlotAvailable
	sl.Holder = uuid.Nil
	sl.LockedUntil = nil
	return nil
}

func (s *InMemoryStore) MarkSold(_ context.Context, key SlotKey, holder uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok || sl.Status != SlotLocked || sl.Holder != holder {
		return ErrLockExpired
	}
	if sl.LockedUntil != nil && !sl.LockedUntil.After(s.now()) {
		return ErrLockExpired
	}
	sl.Status = SlotSold
	sl.LockedUntil = nil
	return nil
}

func (s *InMemoryStore) RevertSold(_ context.Context, key SlotKey, holder uuid.UUID, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.slots[key]
	if !ok || sl.Status != SlotSold || sl.Holder != holder {
		return nil
	}
	u := until
	sl.Status = SlotLocked
	sl.LockedUntil = &u
	return nil
}

func (s *InMemoryStore) ListExpiredLocks(_ context.Context, now time.Time, limit int) ([]Slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Slot
	for _, sl := range s.slots {
		if sl.Status != SlotLocked || sl.LockedUntil == nil || sl.LockedUntil.After(now) {
			continue
		}
		out = append(out, *sl)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) InsertApplication(_ context.Context, app *Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.apps {
		if other.EventID == app.EventID && other.BannerType == app.BannerType &&
			(other.Status == ApplicationHeld || other.Status == ApplicationSold) {
			return ErrDuplicateApplication
		}
	}
	app.ID = s.nextID
	s.nextID++
	if app.CreatedAt.IsZero() {
		app.CreatedAt = s.now()
	}
	cp := *app
	s.apps[app.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetApplication(_ context.Context, id int) (*Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (s *InMemoryStore) ListApplicationsByEvent(_ context.Context, eventID int) ([]Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Application
	for _, app := range s.apps {
		if app.EventID == eventID {
			out = append(out, *app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) UpdateApplicationStatus(_ context.Context, id int, from, to ApplicationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok || app.Status != from {
		return ErrNotFound
	}
	app.Status = to
	return nil
}

func (s *InMemoryStore) ExpireByHolder(_ context.Context, holder uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.Holder == holder && app.Status == ApplicationHeld {
			app.Status = ApplicationExpired
		}
	}
	return nil
}

func (s *InMemoryStore) HasActiveApplication(_ context.Context, eventID int, bt BannerType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, app := range s.apps {
		if app.EventID != eventID || app.BannerType != bt {
			continue
		}
		if app.Status == ApplicationHeld || app.Status == ApplicationSold {
			return true, nil
		}
	}
	return false, nil
}
