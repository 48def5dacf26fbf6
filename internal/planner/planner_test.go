package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"dispatchopt/internal/model"
	"dispatchopt/internal/opt"
	"dispatchopt/internal/store"
)

var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func ptr[T any](v T) *T { return &v }

func fixedClock() time.Time { return at(8, 0) }

func newPlanner(st store.Store, opts ...Option) *Planner {
	opts = append([]Option{WithClock(fixedClock), WithLocation(time.UTC)}, opts...)
	return New(st, opt.DefaultPolicy(), opts...)
}

func mustSeed(t *testing.T, st store.Store, drivers []model.Driver, routes []model.Route, orders []model.Order) {
	t.Helper()
	ctx := context.Background()
	for _, d := range drivers {
		if _, err := st.CreateDriver(ctx, d); err != nil {
			t.Fatalf("CreateDriver: %v", err)
		}
	}
	for _, r := range routes {
		if _, err := st.CreateRoute(ctx, r); err != nil {
			t.Fatalf("CreateRoute: %v", err)
		}
	}
	for _, o := range orders {
		if _, err := st.CreateOrder(ctx, o); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
	}
}

func TestRunScenarioA_SingleOrder(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D1", Name: "Ann"}},
		[]model.Route{{RouteID: "R1", DistanceKm: 5, TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{{OrderID: "O1", Value: 500, RouteID: "R1", DeliveryTime: at(10, 0)}},
	)
	p := newPlanner(st)

	res, err := p.Run(t.Context(), model.SimulationInput{RouteStartTime: ptr("09:00")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Message != "Orders assigned successfully" {
		t.Fatalf("message: %q", res.Message)
	}
	if len(res.Plan.Entries) != 1 || !res.Plan.Entries[0].EstimatedDeliveryTime.Equal(at(9, 30)) {
		t.Fatalf("entries: %+v", res.Plan.Entries)
	}
	k := res.KPIs()
	if k.TotalDeliveries != 1 || k.OnTimeDeliveries != 1 || k.EfficiencyScore != 100 {
		t.Fatalf("kpis: %+v", k)
	}
	if res.Run.ID == "" || res.Run.Seq != 1 || *res.Run.RouteStartTime != "09:00" {
		t.Fatalf("run record: %+v", res.Run)
	}

	o, _ := st.GetOrder(t.Context(), "O1")
	if o.Unassigned() || *o.AssignedDriverID != "D1" {
		t.Fatalf("order not stamped: %+v", o)
	}

	view, err := p.Schedule(t.Context())
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	want := model.ScheduleItem{OrderID: "O1", DriverName: "Ann", EstimatedDeliveryTime: "2026-03-02T09:30:00Z", AssignedAt: "2026-03-02T09:00:00Z"}
	if len(view.Schedule) != 1 || view.Schedule[0] != want {
		t.Fatalf("schedule view: %+v", view.Schedule)
	}
	if view.KPIs == nil || *view.KPIs != k {
		t.Fatalf("view kpis: %+v", view.KPIs)
	}
}

func TestRunScenarioB_CapExceeded(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D1", Name: "Ann"}},
		[]model.Route{{RouteID: "R1", DistanceKm: 20, TrafficLevel: model.TrafficHigh, BaseTimeMinutes: 60}},
		[]model.Order{
			{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
			{OrderID: "O2", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
		},
	)
	res, err := newPlanner(st).Run(t.Context(), model.SimulationInput{MaxHoursPerDriverPerDay: ptr(1.5)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Plan.Entries) != 0 || len(res.Plan.Unassigned) != 2 {
		t.Fatalf("want both unassigned: %+v", res.Plan)
	}
	if res.KPIs() != (model.KPIs{}) {
		t.Fatalf("want zero kpis, got %+v", res.KPIs())
	}
}

func TestRunScenarioC_NoDrivers(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st, nil,
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)}},
	)
	res, err := newPlanner(st).Run(t.Context(), model.SimulationInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Plan.Unassigned) != 1 || res.KPIs().EfficiencyScore != 0 {
		t.Fatalf("plan: %+v kpis: %+v", res.Plan, res.KPIs())
	}
	found := false
	for _, err := range res.Plan.Issues {
		if errors.Is(err, opt.ErrNoDriversAvailable) {
			found = true
		}
	}
	if !found {
		t.Fatalf("missing no-drivers issue: %v", res.IssueStrings())
	}
}

func TestRunScenarioD_InvalidRoute(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D1", Name: "Ann"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{
			{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
			{OrderID: "O2", Value: 100, RouteID: "R404", DeliveryTime: at(11, 0)},
		},
	)
	res, err := newPlanner(st).Run(t.Context(), model.SimulationInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Plan.Entries) != 1 || res.Plan.Entries[0].OrderID != "O1" {
		t.Fatalf("entries: %+v", res.Plan.Entries)
	}
	if !reflect.DeepEqual(res.Plan.Unassigned, []string{"O2"}) {
		t.Fatalf("unassigned: %v", res.Plan.Unassigned)
	}
	var ire *opt.InvalidRouteError
	if len(res.Plan.Issues) != 1 || !errors.As(res.Plan.Issues[0], &ire) || ire.RouteID != "R404" {
		t.Fatalf("issues: %v", res.IssueStrings())
	}
}

func TestRunRejectsBadInputWithoutWriting(t *testing.T) {
	cases := []model.SimulationInput{
		{NumAvailableDrivers: ptr(0)},
		{NumAvailableDrivers: ptr(-2)},
		{MaxHoursPerDriverPerDay: ptr(0.0)},
		{MaxHoursPerDriverPerDay: ptr(-1.0)},
		{RouteStartTime: ptr("25:99")},
		{RouteStartTime: ptr("nine")},
	}
	for i, in := range cases {
		st := store.NewMemory()
		_, err := newPlanner(st).Run(t.Context(), in)
		var ce *opt.ConfigError
		if !errors.Is(err, opt.ErrConfiguration) || !errors.As(err, &ce) {
			t.Fatalf("case %d: want ConfigError, got %v", i, err)
		}
		if _, err := st.LatestRun(t.Context()); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("case %d: run recorded after config error", i)
		}
	}
}

type failCommit struct {
	*store.Memory
}

func (failCommit) CommitRun(context.Context, store.RunCommit) (model.SimulationRun, error) {
	return model.SimulationRun{}, errors.New("disk full")
}

type failSnapshot struct {
	*store.Memory
}

func (failSnapshot) Snapshot(context.Context) (model.Snapshot, error) {
	return model.Snapshot{}, errors.New("connection reset")
}

func TestRunPersistenceFailure(t *testing.T) {
	mem := store.NewMemory()
	mustSeed(t, mem,
		[]model.Driver{{DriverID: "D1", Name: "Ann"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)}},
	)
	sink := &recordingSink{}
	_, err := newPlanner(failCommit{mem}, WithSinks(sink)).Run(t.Context(), model.SimulationInput{})
	var pe *PersistenceError
	if !errors.Is(err, ErrPersistence) || !errors.As(err, &pe) || pe.Op != "commit" {
		t.Fatalf("want commit PersistenceError, got %v", err)
	}
	if o, _ := mem.GetOrder(t.Context(), "O1"); !o.Unassigned() {
		t.Fatalf("order stamped despite failed commit")
	}
	if len(sink.events()) != 0 {
		t.Fatalf("event published for failed run")
	}

	_, err = newPlanner(failSnapshot{mem}).Run(t.Context(), model.SimulationInput{})
	if !errors.As(err, &pe) || pe.Op != "snapshot" {
		t.Fatalf("want snapshot PersistenceError, got %v", err)
	}
}

func TestRunLimitsDriversByID(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D3", Name: "C"}, {DriverID: "D1", Name: "A"}, {DriverID: "D2", Name: "B"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{
			{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
			{OrderID: "O2", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
			{OrderID: "O3", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
		},
	)
	res, err := newPlanner(st).Run(t.Context(), model.SimulationInput{NumAvailableDrivers: ptr(2)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	by := res.Plan.ByDriver()
	if _, ok := by["D3"]; ok || len(by) != 2 {
		t.Fatalf("want only D1,D2: %v", by)
	}
	if len(by["D1"])+len(by["D2"]) != 3 {
		t.Fatalf("all orders should be assigned: %v", by)
	}

	// More requested than exist uses everyone.
	res, err = newPlanner(st).Run(t.Context(), model.SimulationInput{NumAvailableDrivers: ptr(10)})
	if err != nil || len(res.Plan.DriverIDs) != 3 {
		t.Fatalf("want 3 drivers: %v %v", err, res.Plan.DriverIDs)
	}
}

func TestRunReassignsAllByDefault(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D1", Name: "A"}, {DriverID: "D2", Name: "B"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{
			{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
			{OrderID: "O2", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)},
		},
	)
	p := newPlanner(st)
	if _, err := p.Run(t.Context(), model.SimulationInput{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, err := p.Run(t.Context(), model.SimulationInput{NumAvailableDrivers: ptr(1)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := res.Plan.ByDriver()["D1"]; len(got) != 2 {
		t.Fatalf("second run should re-plan both orders on D1: %v", got)
	}
	view, _ := p.Schedule(t.Context())
	for _, it := range view.Schedule {
		if it.DriverName != "A" {
			t.Fatalf("stale entry from first run: %+v", it)
		}
	}
	runs, _ := p.History(t.Context(), 0, 10)
	if len(runs) != 2 {
		t.Fatalf("want 2 recorded runs, got %d", len(runs))
	}
}

func TestRunIncrementalKeepsEarlierAssignments(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D1", Name: "A"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)}},
	)
	pol := opt.DefaultPolicy()
	pol.ReassignAll = false
	p := New(st, pol, WithClock(fixedClock), WithLocation(time.UTC))
	if _, err := p.Run(t.Context(), model.SimulationInput{RouteStartTime: ptr("09:00")}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := st.CreateOrder(t.Context(), model.Order{OrderID: "O2", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)}); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	res, err := p.Run(t.Context(), model.SimulationInput{RouteStartTime: ptr("09:00")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Plan.Entries) != 1 || res.Plan.Entries[0].OrderID != "O2" {
		t.Fatalf("only O2 should be planned: %+v", res.Plan.Entries)
	}
	if !res.Plan.Entries[0].AssignedAt.Equal(at(9, 30)) {
		t.Fatalf("O2 should start after O1's delivery, got %v", res.Plan.Entries[0].AssignedAt)
	}
	if res.KPIs().TotalDeliveries != 2 {
		t.Fatalf("kpis should cover the whole schedule: %+v", res.KPIs())
	}
	view, _ := p.Schedule(t.Context())
	if len(view.Schedule) != 2 {
		t.Fatalf("schedule: %+v", view.Schedule)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	build := func() store.Store {
		st := store.NewMemory()
		var drivers []model.Driver
		for i := range 4 {
			drivers = append(drivers, model.Driver{DriverID: fmt.Sprintf("D%d", i), Name: "d", ShiftHoursToday: float64(i)})
		}
		routes := []model.Route{
			{RouteID: "R1", DistanceKm: 5, TrafficLevel: model.TrafficLow, BaseTimeMinutes: 25},
			{RouteID: "R2", DistanceKm: 12, TrafficLevel: model.TrafficMedium, BaseTimeMinutes: 40},
			{RouteID: "R3", DistanceKm: 20, TrafficLevel: model.TrafficHigh, BaseTimeMinutes: 55},
		}
		var orders []model.Order
		for i := range 20 {
			orders = append(orders, model.Order{
				OrderID:      fmt.Sprintf("O%02d", i),
				Value:        float64(300 + 97*i),
				RouteID:      routes[i%3].RouteID,
				DeliveryTime: at(9+i%5, 0),
			})
		}
		mustSeed(t, st, drivers, routes, orders)
		return st
	}
	render := func(res Result) string {
		b, _ := json.Marshal(map[string]any{"assignments": res.Plan.ByDriver(), "unassigned": res.Plan.Unassigned, "kpis": res.KPIs()})
		return string(b)
	}
	a, err := newPlanner(build()).Run(t.Context(), model.SimulationInput{RouteStartTime: ptr("08:30")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, err := newPlanner(build()).Run(t.Context(), model.SimulationInput{RouteStartTime: ptr("08:30")})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if render(a) != render(b) {
		t.Fatalf("non-deterministic:\n%s\n%s", render(a), render(b))
	}
	k := a.KPIs()
	if k.OnTimeDeliveries+k.LateDeliveries != k.TotalDeliveries {
		t.Fatalf("on_time + late != total: %+v", k)
	}
	if k.EfficiencyScore < 0 || k.EfficiencyScore > 100 {
		t.Fatalf("efficiency out of range: %v", k.EfficiencyScore)
	}
}

func TestScheduleReadIsIdempotent(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D1", Name: "A"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)}},
	)
	p := newPlanner(st)
	empty, err := p.Schedule(t.Context())
	if err != nil || len(empty.Schedule) != 0 || empty.KPIs != nil {
		t.Fatalf("empty schedule: %v %+v", err, empty)
	}
	if _, err := p.Run(t.Context(), model.SimulationInput{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	v1, _ := p.Schedule(t.Context())
	v2, _ := p.Schedule(t.Context())
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("schedule reads differ: %+v vs %+v", v1, v2)
	}
	runs, _ := p.History(t.Context(), 0, 0)
	if len(runs) != 1 {
		t.Fatalf("schedule reads must not record runs: %d", len(runs))
	}
}

type recordingSink struct {
	mu  sync.Mutex
	evs []model.RunEvent
}

func (s *recordingSink) Publish(_ context.Context, ev model.RunEvent) {
	s.mu.Lock()
	s.evs = append(s.evs, ev)
	s.mu.Unlock()
}

func (s *recordingSink) events() []model.RunEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.RunEvent(nil), s.evs...)
}

func TestRunPublishesCompletedEvent(t *testing.T) {
	st := store.NewMemory()
	mustSeed(t, st,
		[]model.Driver{{DriverID: "D1", Name: "A"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)}},
	)
	sink := &recordingSink{}
	res, err := newPlanner(st, WithSinks(sink)).Run(t.Context(), model.SimulationInput{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := sink.events()
	if len(evs) != 1 || evs[0].Type != model.EventOptimizationCompleted || evs[0].RunID != res.Run.ID {
		t.Fatalf("events: %+v", evs)
	}
	if !reflect.DeepEqual(evs[0].Assignments, map[string][]string{"D1": {"O1"}}) {
		t.Fatalf("event assignments: %v", evs[0].Assignments)
	}
}

// slowFirstCommit holds the first commit until a second run has committed.
type slowFirstCommit struct {
	*store.Memory
	once    sync.Once
	entered chan struct{}
}

func (s *slowFirstCommit) CommitRun(ctx context.Context, c store.RunCommit) (model.SimulationRun, error) {
	first := false
	s.once.Do(func() { first = true; close(s.entered) })
	if first {
		time.Sleep(100 * time.Millisecond)
	}
	return s.Memory.CommitRun(ctx, c)
}

type tickClock struct {
	mu sync.Mutex
	n  int
}

func (c *tickClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return at(8, 0).Add(time.Duration(c.n) * time.Second)
}

func TestConcurrentRunsKeepTimeAndSeqOrder(t *testing.T) {
	mem := store.NewMemory()
	mustSeed(t, mem,
		[]model.Driver{{DriverID: "D1", Name: "Ann"}},
		[]model.Route{{RouteID: "R1", TrafficLevel: model.TrafficLow, BaseTimeMinutes: 30}},
		[]model.Order{{OrderID: "O1", Value: 100, RouteID: "R1", DeliveryTime: at(12, 0)}},
	)
	st := &slowFirstCommit{Memory: mem, entered: make(chan struct{})}
	clk := &tickClock{}
	p := newPlanner(st, WithClock(clk.now))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := p.Run(t.Context(), model.SimulationInput{})
		errs <- err
	}()
	<-st.entered
	if _, err := p.Run(t.Context(), model.SimulationInput{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	wg.Wait()
	if err := <-errs; err != nil {
		t.Fatalf("first run: %v", err)
	}

	runs, err := mem.ListRuns(t.Context(), 0, 0)
	if err != nil || len(runs) != 2 {
		t.Fatalf("ListRuns: %v %+v", err, runs)
	}
	if runs[0].Seq >= runs[1].Seq || runs[1].Timestamp.Before(runs[0].Timestamp) {
		t.Fatalf("seq and time disagree: seq %d@%v then seq %d@%v",
			runs[0].Seq, runs[0].Timestamp, runs[1].Seq, runs[1].Timestamp)
	}
}
