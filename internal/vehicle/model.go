package vehicle

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"
)

// Gravity is the standard gravitational acceleration in m/s².
const Gravity = 9.81

// neutralSlip absorbs rounding in the slip factor of a neutral-steer vehicle.
const neutralSlip = 1e-9

// KinematicModel converts a desired path curvature into a steering wheel
// angle for the given speed and road roll. Angles are in radians.
type KinematicModel interface {
	SteerAngleFromCurvature(curvature, egoSpeed, roadRoll float64) float64
}

// Params are the physical parameters of a single-track (bicycle) model.
type Params struct {
	Mass               float64 `json:"mass"`                 // kg
	Wheelbase          float64 `json:"wheelbase"`            // m
	CenterToFront      float64 `json:"center_to_front"`      // m, centre of gravity to front axle
	SteerRatio         float64 `json:"steer_ratio"`          // steering wheel angle / road wheel angle
	TireStiffnessFront float64 `json:"tire_stiffness_front"` // N/rad
	TireStiffnessRear  float64 `json:"tire_stiffness_rear"`  // N/rad
}

// DefaultParams describe a mid-size passenger car.
func DefaultParams() Params {
	return Params{
		Mass:               1500,
		Wheelbase:          2.7,
		CenterToFront:      1.2,
		SteerRatio:         15.0,
		TireStiffnessFront: 100000,
		TireStiffnessRear:  140000,
	}
}

// SlipFactor is the speed-dependent curvature gain of the single-track
// model, in s²/m². Understeering vehicles have a negative slip factor.
func (p Params) SlipFactor() float64 {
	centerToRear := p.Wheelbase - p.CenterToFront
	return p.Mass * (p.TireStiffnessFront*centerToRear - p.TireStiffnessRear*p.CenterToFront) /
		(p.Wheelbase * p.Wheelbase * p.TireStiffnessFront * p.TireStiffnessRear)
}

// Validate checks that the parameters describe a physical vehicle that
// does not oversteer. An oversteering model has a finite critical speed at
// which the steering angle for a given curvature changes sign.
func (p Params) Validate() error {
	switch {
	case p.Mass <= 0:
		return fmt.Errorf("mass must be positive, got %g", p.Mass)
	case p.Wheelbase <= 0:
		return fmt.Errorf("wheelbase must be positive, got %g", p.Wheelbase)
	case p.CenterToFront <= 0 || p.CenterToFront >= p.Wheelbase:
		return fmt.Errorf("center_to_front must be within (0, wheelbase), got %g", p.CenterToFront)
	case p.SteerRatio <= 0:
		return fmt.Errorf("steer_ratio must be positive, got %g", p.SteerRatio)
	case p.TireStiffnessFront <= 0 || p.TireStiffnessRear <= 0:
		return fmt.Errorf("tire stiffness must be positive, got front=%g rear=%g", p.TireStiffnessFront, p.TireStiffnessRear)
	}
	if slip := p.SlipFactor(); slip > neutralSlip {
		return fmt.Errorf("parameters oversteer (slip factor %g), critical speed %.1f m/s", slip, 1/math.Sqrt(slip))
	}
	return nil
}

// BicycleModel is the steady-state single-track model with understeer
// (slip factor) and road-bank compensation.
type BicycleModel struct {
	p          Params
	slipFactor float64
}

// NewBicycleModel validates p and precomputes the slip factor. With a slip
// factor at or below zero, 1 - slip·u² stays at or above 1 for every speed.
func NewBicycleModel(p Params) (*BicycleModel, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &BicycleModel{p: p, slipFactor: p.SlipFactor()}, nil
}

// SlipFactor returns the understeer gradient term of the model.
func (m *BicycleModel) SlipFactor() float64 { return m.slipFactor }

// curvatureFactor is the path curvature produced per radian of road wheel
// angle at speed u.
func (m *BicycleModel) curvatureFactor(u float64) float64 {
	return 1.0 / (1.0 - m.slipFactor*u*u) / m.p.Wheelbase
}

// rollCompensation is the curvature induced by the road bank at speed u.
func (m *BicycleModel) rollCompensation(roll, u float64) float64 {
	if scalar.EqualWithinAbs(m.slipFactor, 0, neutralSlip) {
		return 0
	}
	return Gravity * roll / ((1.0 / m.slipFactor) - u*u)
}

// SteerAngleFromCurvature implements KinematicModel.
func (m *BicycleModel) SteerAngleFromCurvature(curvature, egoSpeed, roadRoll float64) float64 {
	return (curvature - m.rollCompensation(roadRoll, egoSpeed)) * m.p.SteerRatio / m.curvatureFactor(egoSpeed)
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
