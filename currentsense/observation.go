package currentsense

import (
	"math"

	"github.com/golang/geo/r2"
)

// Observation is the pair of phase currents sampled on one trigger edge.
type Observation struct {
	Motor  MotorID
	PhaseB Amperes
	PhaseC Amperes
}

// PhaseA infers the unsampled phase from Kirchhoff's current law.
func (o Observation) PhaseA() Amperes {
	return -(o.PhaseB + o.PhaseC)
}

// Clarke returns the amplitude-invariant stationary frame current vector, X being alpha and Y
// being beta.
func (o Observation) Clarke() r2.Point {
	b, c := float64(o.PhaseB), float64(o.PhaseC)
	return r2.Point{
		X: -(b + c),
		Y: (b - c) / math.Sqrt(3),
	}
}
