// Package vehicle describes the vehicle-side collaborators of the steering
// controller: the live state snapshot (speed and road roll) and the kinematic
// model that turns a curvature into a steering angle.
package vehicle

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// ErrInvalidContext is returned when a vehicle snapshot cannot be used for a
// steering computation.
var ErrInvalidContext = errors.New("invalid vehicle context")

// Context is a read-only snapshot of the vehicle state used for one steering
// computation.
type Context struct {
	// EgoSpeed is the vehicle speed in m/s.
	EgoSpeed float64 `json:"ego_speed"`
	// RoadRoll is the road bank angle in radians.
	RoadRoll float64 `json:"road_roll"`
}

// Validate rejects snapshots with non-finite fields.
func (c Context) Validate() error {
	if math.IsNaN(c.EgoSpeed) || math.IsInf(c.EgoSpeed, 0) {
		return fmt.Errorf("%w: ego speed %v is not finite", ErrInvalidContext, c.EgoSpeed)
	}
	if math.IsNaN(c.RoadRoll) || math.IsInf(c.RoadRoll, 0) {
		return fmt.Errorf("%w: road roll %v is not finite", ErrInvalidContext, c.RoadRoll)
	}
	return nil
}

// Sanitized returns the snapshot with a negative speed clamped to zero.
func (c Context) Sanitized() Context {
	if c.EgoSpeed < 0 {
		c.EgoSpeed = 0
	}
	return c
}

// StateSource supplies a fresh vehicle snapshot whenever the controller asks.
type StateSource interface {
	VehicleContext() Context
}

// Store is a StateSource fed by an external state feed. Updates and reads
// swap whole snapshots so speed and roll are always read together.
type Store struct {
	current atomic.Pointer[storedContext]
}

type storedContext struct {
	ctx       Context
	updatedAt time.Time
}

// NewStore returns a Store holding a stationary, level vehicle.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(&storedContext{})
	return s
}

// Update replaces the stored snapshot.
func (s *Store) Update(c Context, at time.Time) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.current.Store(&storedContext{ctx: c, updatedAt: at})
	return nil
}

// VehicleContext implements StateSource.
func (s *Store) VehicleContext() Context {
	return s.current.Load().ctx
}

// UpdatedAt reports when the snapshot was last replaced; zero if never.
func (s *Store) UpdatedAt() time.Time {
	return s.current.Load().updatedAt
}
