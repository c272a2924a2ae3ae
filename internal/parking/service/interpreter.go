package service

import (
	"math"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

const (
	PlateLabel          = "license_plate"
	DefaultVehicleFloor = 0.5
	DefaultPlateFloor   = 0.5
)

// Interpreter reduces a prediction set to one vehicle classification.
type Interpreter struct {
	// VehicleFloor is inclusive: a candidate at exactly the floor counts.
	VehicleFloor float64
	// PlateFloor is exclusive: a plate must score strictly above it.
	PlateFloor float64
}

// NewInterpreter uses DefaultPlateFloor for plates.
func NewInterpreter(vehicleFloor float64) Interpreter {
	return Interpreter{VehicleFloor: vehicleFloor, PlateFloor: DefaultPlateFloor}
}

func validConfidence(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= 1
}

// Interpret picks the highest-confidence vehicle candidate at or above the
// floor. Equal confidences keep the earlier prediction. Predictions with
// an out-of-range confidence are ignored.
func (in Interpreter) Interpret(preds []types.Prediction) types.Detection {
	var d types.Detection
	for _, p := range preds {
		if !validConfidence(p.Confidence) {
			continue
		}
		if p.Class == PlateLabel {
			if p.Confidence > in.PlateFloor {
				d.PlateDetected = true
			}
			continue
		}
		vt, ok := types.ParseVehicleType(p.Class)
		if !ok || p.Confidence < in.VehicleFloor {
			continue
		}
		if d.Vehicle == "" || p.Confidence > d.Confidence {
			d.Vehicle = vt
			d.Confidence = p.Confidence
		}
	}
	return d
}

// Present reports whether any vehicle candidate reaches floor.
func Present(preds []types.Prediction, floor float64) bool {
	for _, p := range preds {
		if !validConfidence(p.Confidence) {
			continue
		}
		if _, ok := types.ParseVehicleType(p.Class); ok && p.Confidence >= floor {
			return true
		}
	}
	return false
}
