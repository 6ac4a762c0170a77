// Package autosteer holds the steering controller and the control loop that
// feeds it from the wire proximity sensor.
//
// The controller keeps a single ControlState. The loop goroutine is its only
// writer; every write publishes a fresh immutable copy, so readers on other
// goroutines always see the fields of one reading together.
package autosteer

import (
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/autosteer/internal/monitoring"
	"github.com/banshee-data/autosteer/internal/sensorfeed"
	"github.com/banshee-data/autosteer/internal/timeutil"
	"github.com/banshee-data/autosteer/internal/vehicle"
)

const (
	// MaxLatAccel is the lateral acceleration budget in m/s².
	MaxLatAccel = 2.5
	// MaxWireDistance is the wire offset in metres at which steer saturates.
	MaxWireDistance = 3.0
	// MinSpeedSquared floors ego speed² (m²/s²) so the curvature bound stays
	// finite near standstill.
	MinSpeedSquared = 5.0

	// SubscriberBuffer is how many published states a subscriber may lag
	// behind before the oldest undelivered ones are dropped.
	SubscriberBuffer = 64
)

var logf = monitoring.Componentf("autosteer")

// ControlState is the controller's view of the latest command. Values are
// snapshots; mutating one does not affect the controller.
type ControlState struct {
	IsActive         bool      `json:"is_active"`
	SteeringAngleDeg float64   `json:"steering_angle_deg"`
	Curvature        float64   `json:"curvature"`
	Steer            float64   `json:"steer"`
	Acceleration     float64   `json:"acceleration"`
	LastUpdated      time.Time `json:"last_updated"`
	Readings         uint64    `json:"readings"`
}

// Controller computes a bounded steering command from sensor readings.
type Controller struct {
	model   vehicle.KinematicModel
	vehicle vehicle.StateSource
	clock   timeutil.Clock

	state atomic.Pointer[ControlState]
	// invalidContext is only touched by Apply.
	invalidContext bool

	subscriberMu sync.Mutex
	subscribers  map[string]chan ControlState
}

// NewController returns an inactive controller with every field zeroed. A nil
// clock uses the wall clock.
func NewController(model vehicle.KinematicModel, source vehicle.StateSource, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	c := &Controller{
		model:       model,
		vehicle:     source,
		clock:       clock,
		subscribers: make(map[string]chan ControlState),
	}
	c.state.Store(&ControlState{})
	return c
}

// Apply folds one reading into the control state and returns the new state.
// The reading's active flag is applied first; steering and acceleration are
// only recomputed while active. Apply must only be called from one goroutine.
func (c *Controller) Apply(r sensorfeed.Reading) ControlState {
	next := *c.state.Load()
	next.IsActive = r.Active

	if next.IsActive {
		if r.HasWireDistance() {
			vc := c.vehicle.VehicleContext()
			if err := vc.Validate(); err != nil {
				if !c.invalidContext {
					logf("skipping steering updates until the vehicle context is valid: %v", err)
					c.invalidContext = true
				}
			} else {
				if c.invalidContext {
					logf("vehicle context valid again, resuming steering updates")
					c.invalidContext = false
				}
				next.SteeringAngleDeg, next.Curvature, next.Steer = c.CalculateSteering(*r.WireDistance, vc)
			}
		}
		if r.HasMetadata() {
			next.Acceleration = c.CalculateAcceleration(r.Metadata)
		}
	}

	next.LastUpdated = c.clock.Now()
	next.Readings++
	c.state.Store(&next)
	c.publish(next)
	return next
}

// Subscribe returns a channel that receives every state published by Apply,
// in order. The ID is used to unsubscribe.
func (c *Controller) Subscribe() (string, <-chan ControlState) {
	id := uuid.NewString()
	ch := make(chan ControlState, SubscriberBuffer)
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	c.subscribers[id] = ch
	return id, ch
}

// Unsubscribe closes and removes the subscriber channel.
func (c *Controller) Unsubscribe(id string) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	if ch, ok := c.subscribers[id]; ok {
		close(ch)
		delete(c.subscribers, id)
	}
}

// publish never blocks the loop. A subscriber with a full buffer loses its
// oldest undelivered state, so it still ends on the newest one.
func (c *Controller) publish(st ControlState) {
	c.subscriberMu.Lock()
	defer c.subscriberMu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- st:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

// CalculateSteering maps a wire offset to (steering angle in degrees,
// curvature, normalized steer). Positive offsets command negative curvature,
// back towards the wire. Negative speeds are treated as standstill.
func (c *Controller) CalculateSteering(wireDistance float64, vc vehicle.Context) (steeringAngleDeg, curvature, steer float64) {
	vc = vc.Sanitized()

	maxCurvature := MaxCurvature(vc.EgoSpeed)
	maxAngleDeg := vehicle.Degrees(c.model.SteerAngleFromCurvature(maxCurvature, vc.EgoSpeed, vc.RoadRoll))

	steer = clip(wireDistance/MaxWireDistance, -1, 1)
	return steer * maxAngleDeg, steer * -maxCurvature, steer
}

// CalculateAcceleration is a placeholder: longitudinal control from the
// sensor metadata is not implemented and always commands 0.
func (c *Controller) CalculateAcceleration(metadata json.RawMessage) float64 {
	return 0.0
}

// GetSteering returns (curvature, steer, steeringAngleDeg) from one snapshot.
func (c *Controller) GetSteering() (curvature, steer, steeringAngleDeg float64) {
	s := c.state.Load()
	return s.Curvature, s.Steer, s.SteeringAngleDeg
}

// GetAcceleration returns the current acceleration command, capped at
// maxAcceleration.
func (c *Controller) GetAcceleration(maxAcceleration float64) float64 {
	return math.Min(c.state.Load().Acceleration, maxAcceleration)
}

// State returns a copy of the current control state.
func (c *Controller) State() ControlState {
	return *c.state.Load()
}

// MaxCurvature is the largest curvature (1/m) that keeps lateral
// acceleration within MaxLatAccel at egoSpeed.
func MaxCurvature(egoSpeed float64) float64 {
	return MaxLatAccel / math.Max(egoSpeed*egoSpeed, MinSpeedSquared)
}

func clip(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
