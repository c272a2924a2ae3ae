package types

// Prediction is one classifier result.
type Prediction struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Detection is the reduced view of a prediction set. Vehicle is empty
// when no vehicle candidate cleared the floor.
type Detection struct {
	Vehicle       VehicleType
	Confidence    float64
	PlateDetected bool
}

func (d Detection) Found() bool { return d.Vehicle != "" }

// Plate returns the license_plate value to store for this detection.
func (d Detection) Plate() string {
	if d.PlateDetected {
		return PlateDetected
	}
	return ""
}
