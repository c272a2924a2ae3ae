package service_test

import (
	"math"
	"testing"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/service"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

func p(class string, conf float64) types.Prediction {
	return types.Prediction{Class: class, Confidence: conf}
}

func TestInterpret_ConfidenceFloor(t *testing.T) {
	in := service.NewInterpreter(0.6)
	cases := []struct {
		name  string
		preds []types.Prediction
		want  types.VehicleType
	}{
		{"below floor", []types.Prediction{p("car", 0.59), p("truck", 0.1)}, ""},
		{"at floor", []types.Prediction{p("car", 0.6)}, types.Car},
		{"best above floor wins", []types.Prediction{p("car", 0.7), p("truck", 0.9), p("motorcycle", 0.95)}, types.Motorcycle},
		{"below-floor high label ignored", []types.Prediction{p("truck", 0.5), p("car", 0.65)}, types.Car},
		{"non-vehicle labels ignored", []types.Prediction{p("person", 0.99), p("bus", 0.99)}, ""},
		{"empty", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := in.Interpret(tc.preds)
			if d.Vehicle != tc.want {
				t.Errorf("expected %q, got %q (conf %v)", tc.want, d.Vehicle, d.Confidence)
			}
			if d.Vehicle == "" && d.Confidence != 0 {
				t.Errorf("absent vehicle must have zero confidence, got %v", d.Confidence)
			}
		})
	}
}

func TestInterpret_TieKeepsFirst(t *testing.T) {
	in := service.NewInterpreter(0.5)
	if d := in.Interpret([]types.Prediction{p("truck", 0.8), p("car", 0.8)}); d.Vehicle != types.Truck {
		t.Errorf("expected first of tied candidates (truck), got %q", d.Vehicle)
	}
	if d := in.Interpret([]types.Prediction{p("car", 0.8), p("truck", 0.8)}); d.Vehicle != types.Car {
		t.Errorf("expected first of tied candidates (car), got %q", d.Vehicle)
	}
}

func TestInterpret_PlateFlag(t *testing.T) {
	in := service.NewInterpreter(0.5)
	cases := []struct {
		preds []types.Prediction
		want  bool
	}{
		{[]types.Prediction{p("car", 0.9), p("license_plate", 0.5)}, false},
		{[]types.Prediction{p("car", 0.9), p("license_plate", 0.51)}, true},
		{[]types.Prediction{p("license_plate", 0.9), p("license_plate", 0.95)}, true},
	}
	for i, tc := range cases {
		d := in.Interpret(tc.preds)
		if d.PlateDetected != tc.want {
			t.Errorf("case %d: expected plate=%v, got %v", i, tc.want, d.PlateDetected)
		}
	}

	// A confident plate does not compete in the vehicle tie-break.
	d := in.Interpret([]types.Prediction{p("license_plate", 0.99), p("car", 0.7)})
	if d.Vehicle != types.Car || d.Confidence != 0.7 || d.Plate() != types.PlateDetected {
		t.Errorf("unexpected detection %+v", d)
	}
}

func TestInterpret_MalformedConfidencesFailClosed(t *testing.T) {
	in := service.NewInterpreter(0.5)
	d := in.Interpret([]types.Prediction{p("car", math.NaN()), p("truck", 1.5), p("motorcycle", -0.2)})
	if d.Found() {
		t.Errorf("expected no detection, got %+v", d)
	}
}

func TestPresent(t *testing.T) {
	if service.Present([]types.Prediction{p("car", 0.39)}, 0.4) {
		t.Error("below floor must not count as present")
	}
	if !service.Present([]types.Prediction{p("person", 0.9), p("truck", 0.4)}, 0.4) {
		t.Error("vehicle at floor must count as present")
	}
	if service.Present(nil, 0) {
		t.Error("empty prediction set is absent")
	}
}
