package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"dispatchopt/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu       sync.Mutex
	drivers  map[string]model.Driver // id -> driver
	routes   map[string]model.Route  // id -> route
	orders   map[string]model.Order  // id -> order
	schedule []model.ScheduleEntry   // current schedule, commit order
	runs     []model.SimulationRun   // append-only, ascending seq
	seq      int64
}

func NewMemory() *Memory {
	return &Memory{
		drivers:  map[string]model.Driver{},
		routes:   map[string]model.Route{},
		orders:   map[string]model.Order{},
		schedule: []model.ScheduleEntry{},
		runs:     []model.SimulationRun{},
	}
}

func sortedValues[T any](m map[string]T, key func(T) string) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b T) int { return cmp.Compare(key(a), key(b)) })
	return out
}

// page returns a sorted window over a map's values.
func page[T any](m map[string]T, key func(T) string, offset, limit int) []T {
	out := sortedValues(m, key)
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []T{}
	}
	out = out[offset:]
	if n := normLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out
}

func (m *Memory) ListDrivers(ctx context.Context, offset, limit int) ([]model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.drivers, func(d model.Driver) string { return d.DriverID }, offset, limit), nil
}

func (m *Memory) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	return d, nil
}

func (m *Memory) CreateDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.DriverID]; ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", d.DriverID, ErrConflict)
	}
	m.drivers[d.DriverID] = d
	return d, nil
}

func (m *Memory) UpsertDriver(ctx context.Context, d model.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[d.DriverID] = d
	return nil
}

func (m *Memory) UpdateDriver(ctx context.Context, id string, p model.DriverPatch) (model.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return model.Driver{}, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	d = ApplyDriverPatch(d, p)
	m.drivers[id] = d
	return d, nil
}

// DeleteDriver also releases the driver's orders and schedule entries.
func (m *Memory) DeleteDriver(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[id]; !ok {
		return fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	delete(m.drivers, id)
	for oid, o := range m.orders {
		if o.AssignedDriverID != nil && *o.AssignedDriverID == id {
			o.AssignedDriverID = nil
			m.orders[oid] = o
		}
	}
	m.schedule = slices.DeleteFunc(m.schedule, func(e model.ScheduleEntry) bool { return e.DriverID == id })
	return nil
}

func (m *Memory) ListRoutes(ctx context.Context, offset, limit int) ([]model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return page(m.routes, func(r model.Route) string { return r.RouteID }, offset, limit), nil
}

func (m *Memory) GetRoute(ctx context.Context, id string) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	return r, nil
}

func (m *Memory) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[r.RouteID]; ok {
		return model.Route{}, fmt.Errorf("route %s: %w", r.RouteID, ErrConflict)
	}
	m.routes[r.RouteID] = r
	return r, nil
}

func (m *Memory) UpsertRoute(ctx context.Context, r model.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.RouteID] = r
	return nil
}

func (m *Memory) UpdateRoute(ctx context.Context, id string, p model.RoutePatch) (model.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[id]
	if !ok {
		return model.Route{}, fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	r = ApplyRoutePatch(r, p)
	m.routes[id] = r
	return r, nil
}

// DeleteRoute leaves referencing orders in place; runs report them as invalid.
func (m *Memory) DeleteRoute(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[id]; !ok {
		return fmt.Errorf("route %s: %w", id, ErrNotFound)
	}
	delete(m.routes, id)
	return nil
}

func (m *Memory) ListOrders(ctx context.Context, offset, limit int) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := page(m.orders, func(o model.Order) string { return o.OrderID }, offset, limit)
	for i := range out {
		out[i] = cloneOrder(out[i])
	}
	return out, nil
}

func (m *Memory) GetOrder(ctx context.Context, id string) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return cloneOrder(o), nil
}

func (m *Memory) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return model.Order{}, fmt.Errorf("order %s: %w", o.OrderID, ErrConflict)
	}
	o.AssignedDriverID = nil
	m.orders[o.OrderID] = o
	return o, nil
}

// UpsertOrder keeps an existing assignment; seeds never stamp drivers.
func (m *Memory) UpsertOrder(ctx context.Context, o model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.AssignedDriverID = nil
	if prev, ok := m.orders[o.OrderID]; ok {
		o.AssignedDriverID = prev.AssignedDriverID
		o = m.releaseOnRouteChangeLocked(prev, o)
	}
	m.orders[o.OrderID] = o
	return nil
}

func (m *Memory) UpdateOrder(ctx context.Context, id string, p model.OrderPatch) (model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o = m.releaseOnRouteChangeLocked(o, ApplyOrderPatch(o, p))
	m.orders[id] = o
	return cloneOrder(o), nil
}

// releaseOnRouteChangeLocked drops the schedule entry and driver of an order
// whose route changed; the entry's travel time no longer applies.
func (m *Memory) releaseOnRouteChangeLocked(prev, next model.Order) model.Order {
	if prev.RouteID == next.RouteID {
		return next
	}
	next.AssignedDriverID = nil
	m.schedule = slices.DeleteFunc(m.schedule, func(e model.ScheduleEntry) bool { return e.OrderID == next.OrderID })
	return next
}

func (m *Memory) DeleteOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[id]; !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	delete(m.orders, id)
	m.schedule = slices.DeleteFunc(m.schedule, func(e model.ScheduleEntry) bool { return e.OrderID == id })
	return nil
}

func (m *Memory) Snapshot(ctx context.Context) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := model.Snapshot{
		Drivers:  sortedValues(m.drivers, func(d model.Driver) string { return d.DriverID }),
		Routes:   sortedValues(m.routes, func(r model.Route) string { return r.RouteID }),
		Orders:   sortedValues(m.orders, func(o model.Order) string { return o.OrderID }),
		Schedule: slices.Clone(m.schedule),
	}
	for i := range snap.Orders {
		snap.Orders[i] = cloneOrder(snap.Orders[i])
	}
	return snap, nil
}

// CommitRun builds the new schedule and order stamps off to the side, then
// swaps them in with the run record inside one critical section.
func (m *Memory) CommitRun(ctx context.Context, c RunCommit) (model.SimulationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make(map[string]model.Order, len(m.orders))
	for id, o := range m.orders {
		if c.ReplaceAll {
			o.AssignedDriverID = nil
		}
		orders[id] = o
	}
	var schedule []model.ScheduleEntry
	if !c.ReplaceAll {
		schedule = slices.Clone(m.schedule)
	}
	for _, e := range c.Entries {
		o, ok := orders[e.OrderID]
		if !ok {
			return model.SimulationRun{}, fmt.Errorf("commit run: order %s: %w", e.OrderID, ErrNotFound)
		}
		if _, ok := m.drivers[e.DriverID]; !ok {
			return model.SimulationRun{}, fmt.Errorf("commit run: driver %s: %w", e.DriverID, ErrNotFound)
		}
		driverID := e.DriverID
		o.AssignedDriverID = &driverID
		orders[e.OrderID] = o
		schedule = slices.DeleteFunc(schedule, func(x model.ScheduleEntry) bool { return x.OrderID == e.OrderID })
		schedule = append(schedule, e)
	}
	if schedule == nil {
		schedule = []model.ScheduleEntry{}
	}

	m.orders = orders
	m.schedule = schedule
	return m.appendRunLocked(c.Run, c.Now), nil
}

func (m *Memory) AppendRun(ctx context.Context, run model.SimulationRun) (model.SimulationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendRunLocked(run, nil), nil
}

func (m *Memory) appendRunLocked(run model.SimulationRun, now func() time.Time) model.SimulationRun {
	var prev time.Time
	if len(m.runs) > 0 {
		prev = m.runs[len(m.runs)-1].Timestamp
	}
	run = stampRun(run, now, prev)
	m.seq++
	run.Seq = m.seq
	m.runs = append(m.runs, run)
	return run
}

func (m *Memory) ListRuns(ctx context.Context, afterSeq int64, limit int) ([]model.SimulationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, _ := slices.BinarySearchFunc(m.runs, afterSeq+1, func(r model.SimulationRun, seq int64) int { return cmp.Compare(r.Seq, seq) })
	out := m.runs[i:]
	if n := normLimit(limit); len(out) > n {
		out = out[:n]
	}
	return slices.Clone(out), nil
}

func (m *Memory) LatestRun(ctx context.Context) (model.SimulationRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.runs) == 0 {
		return model.SimulationRun{}, fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return m.runs[len(m.runs)-1], nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

func cloneOrder(o model.Order) model.Order {
	if o.AssignedDriverID != nil {
		id := *o.AssignedDriverID
		o.AssignedDriverID = &id
	}
	return o
}
