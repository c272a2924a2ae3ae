// Package ledger gives typed access to the shared parking namespace:
// slots, check-in counters, cameras, alerts, the access log and rates.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/store"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

const (
	SlotsPath     = "parking_spots"
	CheckinsPath  = "checkin_count"
	CamerasPath   = "cameras"
	AlertsPath    = "alerts"
	AccessLogPath = "logs/access"
	RatesPath     = "settings/rates"

	// OfflineMarksPath is written only by the server's staleness monitor:
	// <camera id> -> last_heartbeat the offline alert was raised for.
	OfflineMarksPath = "monitor/camera_offline"
)

// ErrNotFree is returned by ClaimIfFree when the slot was taken, or no
// longer matches, by the time the conditional write ran.
var ErrNotFree = errors.New("ledger: slot not free")

var ErrInvalidRates = errors.New("ledger: rates must not be negative")

// Ledger wraps a store.Store. When the store also implements
// store.Transactor, the conditional variants are available.
type Ledger struct {
	st store.Store
	tx store.Transactor
}

func New(st store.Store) *Ledger {
	l := &Ledger{st: st}
	if tx, ok := st.(store.Transactor); ok {
		l.tx = tx
	}
	return l
}

// Transactional reports whether conditional writes are supported.
func (l *Ledger) Transactional() bool { return l.tx != nil }

// Store returns the underlying store.
func (l *Ledger) Store() store.Store { return l.st }

func SlotPath(id types.SlotID) string { return store.Join(SlotsPath, id.Key()) }

func readJSON(ctx context.Context, st store.Store, p string, into any) (bool, error) {
	raw, err := st.Read(ctx, p)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return false, fmt.Errorf("decode %s: %w", p, err)
	}
	return true, nil
}

// SlotType reads parking_spots/slot_<n>/type. ok is false when the slot
// has no type (not provisioned).
func (l *Ledger) SlotType(ctx context.Context, id types.SlotID) (types.VehicleType, bool, error) {
	var s string
	ok, err := readJSON(ctx, l.st, store.Join(SlotPath(id), "type"), &s)
	if err != nil || !ok {
		return "", false, err
	}
	vt, valid := types.ParseVehicleType(s)
	return vt, valid, nil
}

// SlotOccupied reads parking_spots/slot_<n>/occupied. Absent reads as
// false.
func (l *Ledger) SlotOccupied(ctx context.Context, id types.SlotID) (bool, error) {
	var occ bool
	_, err := readJSON(ctx, l.st, store.Join(SlotPath(id), "occupied"), &occ)
	return occ, err
}

func (l *Ledger) Slot(ctx context.Context, id types.SlotID) (types.Slot, bool, error) {
	var s types.Slot
	ok, err := readJSON(ctx, l.st, SlotPath(id), &s)
	return s, ok, err
}

// Slots returns every slot record keyed by id. Keys that are not
// slot_<n> are ignored.
func (l *Ledger) Slots(ctx context.Context) (map[types.SlotID]types.Slot, error) {
	var raw map[string]types.Slot
	if _, err := readJSON(ctx, l.st, SlotsPath, &raw); err != nil {
		return nil, err
	}
	out := make(map[types.SlotID]types.Slot, len(raw))
	for k, s := range raw {
		if id, ok := types.ParseSlotKey(k); ok {
			out[id] = s
		}
	}
	return out, nil
}

// Claim marks a slot occupied with occupant metadata. It is a blind
// last-write-wins update.
type Claim struct {
	VehicleType  types.VehicleType
	LicensePlate string
	EntryTime    int64
}

func (c Claim) fields() map[string]any {
	return map[string]any{
		"occupied":      true,
		"vehicle_type":  string(c.VehicleType),
		"license_plate": c.LicensePlate,
		"entry_time":    c.EntryTime,
	}
}

func (l *Ledger) Claim(ctx context.Context, id types.SlotID, c Claim) error {
	return l.st.Update(ctx, SlotPath(id), c.fields())
}

// ClaimIfFree claims the slot only if, at commit time, it exists, has
// type want and is not occupied. Returns ErrNotFree otherwise.
func (l *Ledger) ClaimIfFree(ctx context.Context, id types.SlotID, want types.VehicleType, c Claim) error {
	if l.tx == nil {
		return fmt.Errorf("claim %s: %w", id.Key(), store.ErrUnsupported)
	}
	return l.tx.Transact(ctx, SlotPath(id), func(cur json.RawMessage) (any, error) {
		if cur == nil {
			return nil, ErrNotFree
		}
		var s types.Slot
		if err := json.Unmarshal(cur, &s); err != nil {
			return nil, fmt.Errorf("decode %s: %w", id.Key(), err)
		}
		if s.Type != want || s.Occupied {
			return nil, ErrNotFree
		}
		s.Occupied = true
		s.VehicleType = string(c.VehicleType)
		s.LicensePlate = c.LicensePlate
		s.EntryTime = c.EntryTime
		return s, nil
	})
}

// MarkOccupied records presence without touching occupant metadata.
func (l *Ledger) MarkOccupied(ctx context.Context, id types.SlotID, entryTime int64) error {
	return l.st.Update(ctx, SlotPath(id), map[string]any{
		"occupied":   true,
		"entry_time": entryTime,
	})
}

// Vacate clears occupancy and every occupant field in one update.
func (l *Ledger) Vacate(ctx context.Context, id types.SlotID) error {
	return l.st.Update(ctx, SlotPath(id), map[string]any{
		"occupied":      false,
		"vehicle_type":  "",
		"license_plate": "",
		"entry_time":    0,
	})
}

// IncrementCheckins bumps checkin_count/<vt> and returns the new value.
// Without a Transactor this is a plain read then write.
func (l *Ledger) IncrementCheckins(ctx context.Context, vt types.VehicleType) (int64, error) {
	p := store.Join(CheckinsPath, string(vt))
	if l.tx != nil {
		var next int64
		err := l.tx.Transact(ctx, p, func(cur json.RawMessage) (any, error) {
			var n int64
			if cur != nil {
				if err := json.Unmarshal(cur, &n); err != nil {
					return nil, fmt.Errorf("decode %s: %w", p, err)
				}
			}
			next = n + 1
			return next, nil
		})
		return next, err
	}
	var n int64
	if _, err := readJSON(ctx, l.st, p, &n); err != nil {
		return 0, err
	}
	if err := l.st.Write(ctx, p, n+1); err != nil {
		return 0, err
	}
	return n + 1, nil
}

// CheckinCounts returns the lifetime check-in counter of every vehicle
// type, zero for types never seen.
func (l *Ledger) CheckinCounts(ctx context.Context) (map[types.VehicleType]int64, error) {
	var raw map[string]int64
	if _, err := readJSON(ctx, l.st, CheckinsPath, &raw); err != nil {
		return nil, err
	}
	out := make(map[types.VehicleType]int64, len(types.VehicleTypes))
	for _, vt := range types.VehicleTypes {
		out[vt] = raw[string(vt)]
	}
	return out, nil
}

// AppendAccessLog adds e under a fresh chronological key and returns it.
func (l *Ledger) AppendAccessLog(ctx context.Context, e types.AccessLogEntry) (string, error) {
	return l.st.Append(ctx, AccessLogPath, e)
}

// AccessLogRecord is one logs/access entry with its key.
type AccessLogRecord struct {
	Key string `json:"key"`
	types.AccessLogEntry
}

// AccessLog returns the newest limit entries, oldest first. limit <= 0
// returns everything.
func (l *Ledger) AccessLog(ctx context.Context, limit int) ([]AccessLogRecord, error) {
	var raw map[string]types.AccessLogEntry
	if _, err := readJSON(ctx, l.st, AccessLogPath, &raw); err != nil {
		return nil, err
	}
	keys := tail(sortedKeys(raw), limit)
	out := make([]AccessLogRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, AccessLogRecord{Key: k, AccessLogEntry: raw[k]})
	}
	return out, nil
}

// AlertPath is the collection holding alerts of one kind.
func AlertPath(kind types.AlertKind) string { return store.Join(AlertsPath, string(kind)) }

func (l *Ledger) AppendAlert(ctx context.Context, kind types.AlertKind, msg string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown alert kind %q", kind)
	}
	return l.st.Append(ctx, AlertPath(kind), msg)
}

type Alert struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Alerts returns the newest limit entries of one alert list, oldest
// first.
func (l *Ledger) Alerts(ctx context.Context, kind types.AlertKind, limit int) ([]Alert, error) {
	var raw map[string]string
	if _, err := readJSON(ctx, l.st, AlertPath(kind), &raw); err != nil {
		return nil, err
	}
	keys := tail(sortedKeys(raw), limit)
	out := make([]Alert, 0, len(keys))
	for _, k := range keys {
		out = append(out, Alert{Key: k, Message: raw[k]})
	}
	return out, nil
}

// PutCamera overwrites cameras/<id>.
func (l *Ledger) PutCamera(ctx context.Context, id string, c types.Camera) error {
	if id == "" {
		return fmt.Errorf("%w: empty camera id", store.ErrInvalidPath)
	}
	return l.st.Write(ctx, store.Join(CamerasPath, id), c)
}

func (l *Ledger) Cameras(ctx context.Context) (map[string]types.Camera, error) {
	out := map[string]types.Camera{}
	if _, err := readJSON(ctx, l.st, CamerasPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// OfflineMarks returns every camera currently marked offline, keyed by id,
// with the heartbeat the alert was raised for.
func (l *Ledger) OfflineMarks(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{}
	if _, err := readJSON(ctx, l.st, OfflineMarksPath, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) MarkOffline(ctx context.Context, id string, lastHeartbeat int64) error {
	if id == "" {
		return fmt.Errorf("%w: empty camera id", store.ErrInvalidPath)
	}
	return l.st.Write(ctx, store.Join(OfflineMarksPath, id), lastHeartbeat)
}

func (l *Ledger) ClearOffline(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty camera id", store.ErrInvalidPath)
	}
	return l.st.Write(ctx, store.Join(OfflineMarksPath, id), nil)
}

// Rates returns settings/rates; ok is false when unset.
func (l *Ledger) Rates(ctx context.Context) (types.Rates, bool, error) {
	var r types.Rates
	ok, err := readJSON(ctx, l.st, RatesPath, &r)
	return r, ok, err
}

func (l *Ledger) SetRates(ctx context.Context, r types.Rates) error {
	if r.Motorcycle < 0 || r.Car < 0 || r.Truck < 0 {
		return ErrInvalidRates
	}
	return l.st.Write(ctx, RatesPath, r)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func tail(keys []string, limit int) []string {
	if limit > 0 && len(keys) > limit {
		return keys[len(keys)-limit:]
	}
	return keys
}
