// Package planner runs one optimization end to end: snapshot the store,
// assign, score, then commit the schedule and history record together.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"slices"
	"strings"
	"time"

	"dispatchopt/internal/history"
	"dispatchopt/internal/metrics"
	"dispatchopt/internal/model"
	"dispatchopt/internal/obs"
	"dispatchopt/internal/opt"
	"dispatchopt/internal/store"
)

const successMessage = "Orders assigned successfully"

// Sink receives an event after every committed run.
type Sink interface {
	Publish(ctx context.Context, ev model.RunEvent)
}

type Planner struct {
	st     store.Store
	rec    *history.Recorder
	policy opt.Policy
	engine *opt.Engine
	scorer *opt.Scorer
	loc    *time.Location
	now    func() time.Time
	sinks  []Sink
}

type Option func(*Planner)

// WithClock overrides time.Now for the default route start and run date.
func WithClock(now func() time.Time) Option { return func(p *Planner) { p.now = now } }

// WithLocation sets the zone HH:MM start times are read in.
func WithLocation(loc *time.Location) Option {
	return func(p *Planner) {
		if loc != nil {
			p.loc = loc
		}
	}
}

func WithRecorder(r *history.Recorder) Option { return func(p *Planner) { p.rec = r } }

func WithSinks(s ...Sink) Option { return func(p *Planner) { p.sinks = append(p.sinks, s...) } }

func New(st store.Store, policy opt.Policy, opts ...Option) *Planner {
	p := &Planner{
		st:     st,
		policy: policy,
		engine: opt.NewEngine(opt.NewEstimator(policy)),
		scorer: opt.NewScorer(policy),
		loc:    time.Local,
		now:    time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.rec == nil {
		p.rec = history.NewRecorder(st, history.WithClock(p.now))
	}
	return p
}

// Result is the outcome of a committed run.
type Result struct {
	Message string
	Run     model.SimulationRun
	Plan    opt.Plan
}

func (r Result) KPIs() model.KPIs { return r.Run.KPIs }

// IssueStrings renders plan issues for API responses.
func (r Result) IssueStrings() []string {
	out := make([]string, 0, len(r.Plan.Issues))
	for _, err := range r.Plan.Issues {
		out = append(out, err.Error())
	}
	return out
}

// resolved holds validated per-run parameters.
type resolved struct {
	drivers  int // 0 means all
	start    time.Time
	maxHours float64
}

func (p *Planner) resolve(in model.SimulationInput) (resolved, error) {
	now := p.now().In(p.loc)
	r := resolved{start: now, maxHours: p.policy.DefaultMaxHours}
	if in.NumAvailableDrivers != nil {
		if *in.NumAvailableDrivers <= 0 {
			return r, &opt.ConfigError{Field: "num_available_drivers", Reason: "must be positive"}
		}
		r.drivers = *in.NumAvailableDrivers
	}
	if in.MaxHoursPerDriverPerDay != nil {
		h := *in.MaxHoursPerDriverPerDay
		if h <= 0 || math.IsNaN(h) || math.IsInf(h, 0) {
			return r, &opt.ConfigError{Field: "max_hours_per_driver_per_day", Reason: "must be a positive number"}
		}
		r.maxHours = h
	}
	if in.RouteStartTime != nil && strings.TrimSpace(*in.RouteStartTime) != "" {
		t, err := model.ParseClock(*in.RouteStartTime, now, p.loc)
		if err != nil {
			return r, &opt.ConfigError{Field: "route_start_time", Reason: fmt.Sprintf("must be HH:MM, got %q", *in.RouteStartTime)}
		}
		r.start = t
	}
	return r, nil
}

// Run validates the input, plans over a snapshot and commits atomically.
// On a ConfigError or PersistenceError nothing is written.
func (p *Planner) Run(ctx context.Context, in model.SimulationInput) (res Result, err error) {
	done := obs.Time(ctx, "planner.run")
	defer done(&err)
	began := time.Now()
	defer func() {
		metrics.OptimizationRuns.WithLabelValues(outcome(err)).Inc()
		metrics.OptimizationDuration.Observe(time.Since(began).Seconds())
	}()

	params, err := p.resolve(in)
	if err != nil {
		return Result{}, fmt.Errorf("run: %w", err)
	}

	snap, err := p.st.Snapshot(ctx)
	if err != nil {
		return Result{}, &PersistenceError{Op: "snapshot", Err: err}
	}

	drivers := slices.Clone(snap.Drivers)
	slices.SortFunc(drivers, func(a, b model.Driver) int { return strings.Compare(a.DriverID, b.DriverID) })
	if params.drivers > 0 && params.drivers < len(drivers) {
		drivers = drivers[:params.drivers]
	}

	orders := snap.Orders
	var retained []model.ScheduleEntry
	if !p.policy.ReassignAll {
		orders = slices.DeleteFunc(slices.Clone(snap.Orders), func(o model.Order) bool { return !o.Unassigned() })
		retained = snap.Schedule
	}

	routes := snap.RouteIndex()
	plan := p.engine.Assign(orders, drivers, routes, opt.Params{
		Start:    params.start,
		MaxHours: params.maxHours,
		Retained: retained,
	})

	scored := plan.Entries
	if len(retained) > 0 {
		scored = append(slices.Clone(retained), plan.Entries...)
	}
	kpis := p.scorer.Score(scored, snap.OrderIndex(), routes)

	run, err := p.st.CommitRun(ctx, store.RunCommit{
		Entries:    plan.Entries,
		ReplaceAll: p.policy.ReassignAll,
		Run:        p.rec.Stamp(in, kpis),
		Now:        p.rec.Now,
	})
	if err != nil {
		return Result{}, &PersistenceError{Op: "commit", Err: err}
	}

	p.observe(plan, kpis)
	log.Printf("req_id=%s run_id=%s drivers=%d orders=%d assigned=%d unassigned=%d issues=%d efficiency=%.2f",
		obs.RequestID(ctx), run.ID, len(drivers), len(orders), len(plan.Entries), len(plan.Unassigned), len(plan.Issues), kpis.EfficiencyScore)

	res = Result{Message: successMessage, Run: run, Plan: plan}
	ev := model.RunEvent{
		Type:        model.EventOptimizationCompleted,
		RunID:       run.ID,
		Timestamp:   run.Timestamp,
		KPIs:        run.KPIs,
		Assignments: plan.ByDriver(),
		Unassigned:  plan.Unassigned,
	}
	for _, s := range p.sinks {
		s.Publish(ctx, ev)
	}
	return res, nil
}

func (p *Planner) observe(plan opt.Plan, kpis model.KPIs) {
	invalid := 0
	for _, err := range plan.Issues {
		if errors.Is(err, opt.ErrInvalidRouteReference) {
			invalid++
		}
	}
	metrics.OptimizationOrders.WithLabelValues("assigned").Add(float64(len(plan.Entries)))
	metrics.OptimizationOrders.WithLabelValues("unassigned").Add(float64(len(plan.Unassigned) - invalid))
	metrics.OptimizationOrders.WithLabelValues("invalid").Add(float64(invalid))
	metrics.LatestEfficiency.Set(kpis.EfficiencyScore)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, opt.ErrConfiguration):
		return "config_error"
	case errors.Is(err, ErrPersistence):
		return "persistence_error"
	default:
		return "error"
	}
}

// ScheduleView is the current schedule with the KPIs of the latest run.
type ScheduleView struct {
	Schedule []model.ScheduleItem `json:"schedule"`
	KPIs     *model.KPIs          `json:"kpis"`
}

// Schedule reads the current schedule. It never mutates state, so repeated
// calls without an intervening run return identical views.
func (p *Planner) Schedule(ctx context.Context) (ScheduleView, error) {
	snap, err := p.st.Snapshot(ctx)
	if err != nil {
		return ScheduleView{}, &PersistenceError{Op: "snapshot", Err: err}
	}
	view := ScheduleView{Schedule: []model.ScheduleItem{}}
	names := make(map[string]string, len(snap.Drivers))
	for _, d := range snap.Drivers {
		names[d.DriverID] = d.Name
	}
	orders := snap.OrderIndex()
	for _, e := range snap.Schedule {
		name, ok := names[e.DriverID]
		if _, exists := orders[e.OrderID]; !ok || !exists {
			continue
		}
		view.Schedule = append(view.Schedule, model.ScheduleItem{
			OrderID:               e.OrderID,
			DriverName:            name,
			EstimatedDeliveryTime: e.EstimatedDeliveryTime.In(p.loc).Format(time.RFC3339),
			AssignedAt:            e.AssignedAt.In(p.loc).Format(time.RFC3339),
		})
	}

	latest, err := p.rec.Latest(ctx)
	switch {
	case err == nil:
		k := latest.KPIs
		view.KPIs = &k
	case !errors.Is(err, store.ErrNotFound):
		return ScheduleView{}, &PersistenceError{Op: "latest run", Err: err}
	}
	return view, nil
}

// History returns recorded runs for the skip/limit query.
func (p *Planner) History(ctx context.Context, skip, limit int) ([]model.SimulationRun, error) {
	runs, err := p.rec.List(ctx, skip, limit)
	if err != nil {
		return nil, &PersistenceError{Op: "history", Err: err}
	}
	return runs, nil
}

func (p *Planner) Policy() opt.Policy { return p.policy }
