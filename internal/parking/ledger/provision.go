package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BrandonDHaskell/parkwatch/internal/parking/types"
)

// Layout maps slot ids to their fixed type.
type Layout map[types.SlotID]types.VehicleType

// ParseLayout parses "1-4:car,5-6:motorcycle,7:truck".
func ParseLayout(s string) (Layout, error) {
	out := Layout{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		span, typ, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("layout %q: missing type", part)
		}
		vt, ok := types.ParseVehicleType(typ)
		if !ok {
			return nil, fmt.Errorf("layout %q: unknown vehicle type %q", part, typ)
		}
		r, err := parseSpan(span)
		if err != nil {
			return nil, fmt.Errorf("layout %q: %w", part, err)
		}
		for _, id := range r.IDs() {
			if prev, dup := out[id]; dup {
				return nil, fmt.Errorf("layout: slot %d listed twice (%s, %s)", id, prev, vt)
			}
			out[id] = vt
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("layout %q: no slots", s)
	}
	return out, nil
}

func parseSpan(s string) (types.SlotRange, error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	first, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return types.SlotRange{}, fmt.Errorf("bad slot id %q", lo)
	}
	last := first
	if isRange {
		if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return types.SlotRange{}, fmt.Errorf("bad slot id %q", hi)
		}
	}
	r := types.SlotRange{First: types.SlotID(first), Last: types.SlotID(last)}
	if !r.Valid() {
		return types.SlotRange{}, fmt.Errorf("bad range %d-%d", first, last)
	}
	return r, nil
}

// IDs returns the layout's slot ids ascending.
func (l Layout) IDs() []types.SlotID {
	ids := make([]types.SlotID, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type ProvisionResult struct {
	Created     []types.SlotID
	RatesSeeded bool
}

// Provision creates vacant records for slots that have no type yet and
// seeds rates when settings/rates is absent. Existing slots are never
// touched, so a restart cannot clobber live occupancy.
func (l *Ledger) Provision(ctx context.Context, layout Layout, defaults types.Rates) (ProvisionResult, error) {
	var res ProvisionResult
	for _, id := range layout.IDs() {
		_, exists, err := l.SlotType(ctx, id)
		if err != nil {
			return res, fmt.Errorf("provision %s: %w", id.Key(), err)
		}
		if exists {
			continue
		}
		if err := l.st.Write(ctx, SlotPath(id), types.Slot{Type: layout[id]}); err != nil {
			return res, fmt.Errorf("provision %s: %w", id.Key(), err)
		}
		res.Created = append(res.Created, id)
	}

	if _, ok, err := l.Rates(ctx); err != nil {
		return res, fmt.Errorf("provision rates: %w", err)
	} else if !ok {
		if err := l.SetRates(ctx, defaults); err != nil {
			return res, fmt.Errorf("provision rates: %w", err)
		}
		res.RatesSeeded = true
	}
	return res, nil
}
