// Package domain contains the plain data of a spatial call, no transport or lifecycle logic.
package domain

import (
	"errors"
	"math"
)

var ErrInvalidRadii = errors.New("attenuation: far radius must exceed near radius")

// Position is a point on the shared plane.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func Distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// Attenuation maps distance to a [0,1] strength: full within Near,
// linear fall-off to zero at Far.
type Attenuation struct {
	Near float64
	Far  float64
}

func NewAttenuation(near, far float64) (Attenuation, error) {
	if near < 0 || far <= near {
		return Attenuation{}, ErrInvalidRadii
	}
	return Attenuation{Near: near, Far: far}, nil
}

func (a Attenuation) Factor(p, q Position) float64 {
	return a.FactorAt(Distance(p, q))
}

func (a Attenuation) FactorAt(d float64) float64 {
	span := a.Far - a.Near
	if span <= 0 {
		if d <= a.Near {
			return 1
		}
		return 0
	}
	f := 1 - math.Max(0, d-a.Near)/span
	return math.Min(1, math.Max(0, f))
}
