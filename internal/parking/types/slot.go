package types

import (
	"fmt"
	"strings"
)

// VehicleType is both a slot category and a classifier label.
type VehicleType string

const (
	Motorcycle VehicleType = "motorcycle"
	Car        VehicleType = "car"
	Truck      VehicleType = "truck"
)

// VehicleTypes lists every category in a stable order.
var VehicleTypes = []VehicleType{Motorcycle, Car, Truck}

// ParseVehicleType accepts a classifier label or config value.
func ParseVehicleType(s string) (VehicleType, bool) {
	switch VehicleType(strings.ToLower(strings.TrimSpace(s))) {
	case Motorcycle:
		return Motorcycle, true
	case Car:
		return Car, true
	case Truck:
		return Truck, true
	}
	return "", false
}

// PlateDetected is written in place of OCR text when a plate was seen.
const PlateDetected = "PLATE_DETECTED"

// Slot is the parking_spots/slot_<n> record.
//
// EntryTime is seconds since the claiming device booted, not wall-clock.
type Slot struct {
	Type         VehicleType `json:"type"`
	Occupied     bool        `json:"occupied"`
	VehicleType  string      `json:"vehicle_type"`
	LicensePlate string      `json:"license_plate"`
	EntryTime    int64       `json:"entry_time"`
}

// Vacant returns s with occupancy and occupant metadata cleared.
func (s Slot) Vacant() Slot {
	return Slot{Type: s.Type}
}

// SlotID is the numeric part of a slot key.
type SlotID int

// Key returns the record key under parking_spots.
func (id SlotID) Key() string {
	return fmt.Sprintf("slot_%d", int(id))
}

// ParseSlotKey parses "slot_<n>".
func ParseSlotKey(key string) (SlotID, bool) {
	var n int
	if _, err := fmt.Sscanf(key, "slot_%d", &n); err != nil || n <= 0 {
		return 0, false
	}
	if SlotID(n).Key() != key {
		return 0, false
	}
	return SlotID(n), true
}

// SlotRange is an inclusive, ascending range of slot ids.
type SlotRange struct {
	First SlotID `yaml:"first"`
	Last  SlotID `yaml:"last"`
}

func (r SlotRange) Valid() bool {
	return r.First > 0 && r.Last >= r.First
}

// IDs returns the ids in ascending order.
func (r SlotRange) IDs() []SlotID {
	if !r.Valid() {
		return nil
	}
	out := make([]SlotID, 0, int(r.Last-r.First)+1)
	for id := r.First; id <= r.Last; id++ {
		out = append(out, id)
	}
	return out
}
