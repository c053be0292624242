package cache

import (
	"sync/atomic"
	"time"
)

// A Validator decides how long a cached page can be trusted. Live targets
// change memory behind the cache's back, so pages of a running machine
// should expire; pages of a memory image never do.
type Validator interface {
	// Stamp returns the stamp to attach to a page filled now.
	Stamp() uint64

	// IsValid reports whether a page stamped with stamp is still fresh.
	IsValid(stamp uint64) bool

	// Tick is called once per access batch.
	Tick()
}

// NeverExpire is a Validator that trusts pages until they are invalidated
// or evicted.
type NeverExpire struct{}

// Stamp returns 0.
func (NeverExpire) Stamp() uint64 { return 0 }

// IsValid returns true.
func (NeverExpire) IsValid(uint64) bool { return true }

// Tick does nothing.
func (NeverExpire) Tick() {}

// A Clock tells the time for a TimedValidator.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// TimedValidator expires pages a fixed duration after they were filled.
type TimedValidator struct {
	ttl   time.Duration
	clock Clock
}

// NewTimedValidator creates a TimedValidator. A nil clock reads the system
// time.
func NewTimedValidator(ttl time.Duration, clock Clock) *TimedValidator {
	if clock == nil {
		clock = systemClock{}
	}

	return &TimedValidator{ttl: ttl, clock: clock}
}

// Stamp returns the current time in nanoseconds.
func (v *TimedValidator) Stamp() uint64 {
	return uint64(v.clock.Now().UnixNano())
}

// IsValid reports whether the page is younger than the time to live.
func (v *TimedValidator) IsValid(stamp uint64) bool {
	now := uint64(v.clock.Now().UnixNano())
	return now-stamp < uint64(v.ttl)
}

// Tick does nothing. Time moves by itself.
func (v *TimedValidator) Tick() {}

// CountValidator expires pages after a number of access batches.
type CountValidator struct {
	batches uint64
	count   atomic.Uint64
}

// NewCountValidator creates a CountValidator that keeps pages for the given
// number of batches, including the one that filled them.
func NewCountValidator(batches uint64) *CountValidator {
	return &CountValidator{batches: batches}
}

// Stamp returns the current batch count.
func (v *CountValidator) Stamp() uint64 {
	return v.count.Load()
}

// IsValid reports whether fewer than the configured number of batches
// passed since the stamp.
func (v *CountValidator) IsValid(stamp uint64) bool {
	return v.count.Load()-stamp < v.batches
}

// Tick counts one batch.
func (v *CountValidator) Tick() {
	v.count.Add(1)
}
