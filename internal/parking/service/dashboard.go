package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/ledger"
	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// CameraRegistry knows which camera ids are expected and judges liveness
// from heartbeat age.
type CameraRegistry struct {
	known      map[string]struct{}
	staleAfter time.Duration
	clock      Clock
}

// NewCameraRegistry treats every id as known when known is empty.
func NewCameraRegistry(known []string, staleAfter time.Duration, clock Clock) *CameraRegistry {
	if clock == nil {
		clock = SystemClock{}
	}
	if staleAfter <= 0 {
		staleAfter = 90 * time.Second
	}
	set := make(map[string]struct{}, len(known))
	for _, id := range known {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return &CameraRegistry{known: set, staleAfter: staleAfter, clock: clock}
}

func (r *CameraRegistry) IsKnown(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if len(r.known) == 0 {
		return true
	}
	_, ok := r.known[id]
	return ok
}

// Status derives online/offline from last_heartbeat.
func (r *CameraRegistry) Status(c types.Camera) types.CameraStatus {
	age := r.clock.Now().Sub(time.Unix(c.LastHeartbeat, 0))
	if c.LastHeartbeat <= 0 || age > r.staleAfter {
		return types.CameraOffline
	}
	return types.CameraOnline
}

// View lists every camera in the store plus known cameras that have
// never reported, sorted by id.
func (r *CameraRegistry) View(cams map[string]types.Camera) []types.CameraView {
	ids := make(map[string]struct{}, len(cams)+len(r.known))
	for id := range cams {
		ids[id] = struct{}{}
	}
	for id := range r.known {
		ids[id] = struct{}{}
	}
	out := make([]types.CameraView, 0, len(ids))
	for id := range ids {
		c := cams[id]
		out = append(out, types.CameraView{ID: id, Known: r.IsKnown(id), Status: r.Status(c), Camera: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type SpotView struct {
	ID   types.SlotID `json:"id"`
	Key  string       `json:"key"`
	Slot types.Slot   `json:"slot"`
}

// Dashboard is the read side used by the mobile client API.
type Dashboard struct {
	ledger  *ledger.Ledger
	cameras *CameraRegistry
}

func NewDashboard(l *ledger.Ledger, reg *CameraRegistry) *Dashboard {
	return &Dashboard{ledger: l, cameras: reg}
}

func (d *Dashboard) Spots(ctx context.Context) ([]SpotView, error) {
	slots, err := d.ledger.Slots(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SpotView, 0, len(slots))
	for id, s := range slots {
		out = append(out, SpotView{ID: id, Key: id.Key(), Slot: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Dashboard) Summary(ctx context.Context) (types.Summary, error) {
	slots, err := d.ledger.Slots(ctx)
	if err != nil {
		return types.Summary{}, err
	}
	counts, err := d.ledger.CheckinCounts(ctx)
	if err != nil {
		return types.Summary{}, err
	}
	sum := types.Summary{
		Free:     map[types.VehicleType]int{},
		Occupied: map[types.VehicleType]int{},
		CheckIns: counts,
	}
	for _, vt := range types.VehicleTypes {
		sum.Free[vt] = 0
		sum.Occupied[vt] = 0
	}
	for _, s := range slots {
		if _, ok := types.ParseVehicleType(string(s.Type)); !ok {
			continue
		}
		if s.Occupied {
			sum.Occupied[s.Type]++
		} else {
			sum.Free[s.Type]++
		}
	}
	return sum, nil
}

func (d *Dashboard) Cameras(ctx context.Context) ([]types.CameraView, error) {
	cams, err := d.ledger.Cameras(ctx)
	if err != nil {
		return nil, err
	}
	return d.cameras.View(cams), nil
}

func (d *Dashboard) Rates(ctx context.Context) (types.Rates, error) {
	r, _, err := d.ledger.Rates(ctx)
	return r, err
}

func (d *Dashboard) SetRates(ctx context.Context, r types.Rates) error {
	return d.ledger.SetRates(ctx, r)
}

func (d *Dashboard) Alerts(ctx context.Context, kind types.AlertKind, limit int) ([]ledger.Alert, error) {
	return d.ledger.Alerts(ctx, kind, limit)
}

func (d *Dashboard) AccessLog(ctx context.Context, limit int) ([]ledger.AccessLogRecord, error) {
	return d.ledger.AccessLog(ctx, limit)
}
