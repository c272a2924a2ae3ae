package types

// AlertKind names one of the append-only lists under alerts/.
type AlertKind string

const (
	AlertFullCapacity  AlertKind = "full_capacity"
	AlertCameraOffline AlertKind = "camera_offline"
	AlertUnauthorized  AlertKind = "unauthorized"
)

func (k AlertKind) Valid() bool {
	switch k {
	case AlertFullCapacity, AlertCameraOffline, AlertUnauthorized:
		return true
	}
	return false
}

const ActionCheckIn = "check_in"

// AccessLogEntry is appended to logs/access on every successful check-in.
type AccessLogEntry struct {
	Action      string `json:"action"`
	VehicleType string `json:"vehicle_type"`
	Plate       string `json:"plate"`
	Slot        string `json:"slot"`
	Timestamp   int64  `json:"timestamp"` // device uptime seconds, same clock as entry_time
	Device      string `json:"device,omitempty"`
}

// Rates is settings/rates.
type Rates struct {
	Motorcycle int64 `json:"motorcycle"`
	Car        int64 `json:"car"`
	Truck      int64 `json:"truck"`
}

// Summary aggregates the ledger for the dashboard.
type Summary struct {
	Free     map[VehicleType]int   `json:"free"`
	Occupied map[VehicleType]int   `json:"occupied"`
	CheckIns map[VehicleType]int64 `json:"checkins"`
}
