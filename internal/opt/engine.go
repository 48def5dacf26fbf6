package opt

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	"dispatchopt/internal/model"
)

// hourEpsilon absorbs float noise when comparing against the hour cap.
const hourEpsilon = 1e-9

// Params are the resolved per-run inputs of the engine.
type Params struct {
	Start    time.Time
	MaxHours float64
	// Retained entries belong to earlier runs and are kept as-is; they seed
	// driver load and clocks when only pending orders are re-planned.
	Retained []model.ScheduleEntry
}

// Plan is the engine output for one run.
type Plan struct {
	Entries    []model.ScheduleEntry
	Unassigned []string
	Issues     []error
	// DriverIDs lists the drivers that took part in the run, in id order.
	DriverIDs []string
}

// ByDriver groups assigned order ids per participating driver.
// Every participating driver is present, possibly with an empty list.
func (p Plan) ByDriver() map[string][]string {
	out := make(map[string][]string, len(p.DriverIDs))
	for _, id := range p.DriverIDs {
		out[id] = []string{}
	}
	for _, e := range p.Entries {
		out[e.DriverID] = append(out[e.DriverID], e.OrderID)
	}
	return out
}

// driverLoad is the per-run working copy of one driver.
type driverLoad struct {
	driver model.Driver
	hours  float64
	clock  time.Time
}

// Engine assigns orders to drivers: earliest deadline first, least loaded
// feasible driver, sequential clock per driver.
type Engine struct {
	est *Estimator
}

func NewEngine(est *Estimator) *Engine { return &Engine{est: est} }

// Assign produces a deterministic plan for the given snapshot slices.
// Inputs are not mutated.
func (e *Engine) Assign(orders []model.Order, drivers []model.Driver, routes map[string]model.Route, p Params) Plan {
	plan := Plan{Entries: []model.ScheduleEntry{}, Unassigned: []string{}}

	queue := slices.Clone(orders)
	slices.SortFunc(queue, func(a, b model.Order) int {
		if c := a.DeliveryTime.Compare(b.DeliveryTime); c != 0 {
			return c
		}
		// Higher value first on exact deadline ties.
		if c := cmp.Compare(b.Value, a.Value); c != 0 {
			return c
		}
		return strings.Compare(a.OrderID, b.OrderID)
	})

	loads := e.seedLoads(drivers, p)
	for _, l := range loads {
		plan.DriverIDs = append(plan.DriverIDs, l.driver.DriverID)
	}
	slices.Sort(plan.DriverIDs)
	if len(loads) == 0 {
		plan.Issues = append(plan.Issues, ErrNoDriversAvailable)
	}

	for _, o := range queue {
		route, minutes, err := e.est.EstimateOrder(o, routes)
		if err != nil {
			plan.Issues = append(plan.Issues, err)
			plan.Unassigned = append(plan.Unassigned, o.OrderID)
			continue
		}

		idx, dur, err := e.pick(loads, route, minutes, p.MaxHours)
		if err != nil {
			plan.Issues = append(plan.Issues, fmt.Errorf("order %s: %w", o.OrderID, err))
			plan.Unassigned = append(plan.Unassigned, o.OrderID)
			continue
		}
		if idx < 0 {
			plan.Unassigned = append(plan.Unassigned, o.OrderID)
			continue
		}

		l := loads[idx]
		assignedAt := l.clock
		eta := assignedAt.Add(Duration(dur))
		plan.Entries = append(plan.Entries, model.ScheduleEntry{
			OrderID:               o.OrderID,
			DriverID:              l.driver.DriverID,
			AssignedAt:            assignedAt,
			EstimatedDeliveryTime: eta,
			TravelMinutes:         dur,
		})
		l.hours += dur / 60
		l.clock = eta
		loads = reposition(loads, idx)
	}
	return plan
}

// seedLoads builds the sorted working set: committed hours start at
// shift_hours_today plus any retained work, clocks at the route start or
// after the driver's last retained delivery.
func (e *Engine) seedLoads(drivers []model.Driver, p Params) []*driverLoad {
	byID := make(map[string]*driverLoad, len(drivers))
	loads := make([]*driverLoad, 0, len(drivers))
	for _, d := range drivers {
		if _, dup := byID[d.DriverID]; dup {
			continue
		}
		l := &driverLoad{driver: d, hours: d.ShiftHoursToday, clock: p.Start}
		byID[d.DriverID] = l
		loads = append(loads, l)
	}
	for _, r := range p.Retained {
		l, ok := byID[r.DriverID]
		if !ok {
			continue
		}
		l.hours += r.TravelMinutes / 60
		if r.EstimatedDeliveryTime.After(l.clock) {
			l.clock = r.EstimatedDeliveryTime
		}
	}
	slices.SortFunc(loads, compareLoad)
	return loads
}

// pick returns the index of the least loaded driver that can take a trip of
// the given base duration without breaking the cap, or -1.
func (e *Engine) pick(loads []*driverLoad, route model.Route, minutes, maxHours float64) (int, float64, error) {
	perDriver := e.est.driverDependent()
	for i, l := range loads {
		dur := minutes
		if perDriver {
			d, err := e.est.EstimateFor(route, l.driver)
			if err != nil {
				return -1, 0, err
			}
			dur = d
		}
		if l.hours+dur/60 <= maxHours+hourEpsilon {
			return i, dur, nil
		}
		// Loads are ascending; with uniform durations nobody later fits either.
		if !perDriver {
			break
		}
	}
	return -1, 0, nil
}

func compareLoad(a, b *driverLoad) int {
	if c := cmp.Compare(a.hours, b.hours); c != 0 {
		return c
	}
	return strings.Compare(a.driver.DriverID, b.driver.DriverID)
}

// reposition moves loads[i], whose hours just grew, to its sorted place.
func reposition(loads []*driverLoad, i int) []*driverLoad {
	l := loads[i]
	loads = slices.Delete(loads, i, i+1)
	at, _ := slices.BinarySearchFunc(loads, l, compareLoad)
	return slices.Insert(loads, at, l)
}
