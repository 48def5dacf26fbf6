package store

import (
	"context"
	"errors"
	"time"

	"dispatchopt/internal/model"
)

// Store is the persistence interface used by the planner and the API server.
type Store interface {
	// Drivers
	ListDrivers(ctx context.Context, offset, limit int) ([]model.Driver, error)
	GetDriver(ctx context.Context, id string) (model.Driver, error)
	CreateDriver(ctx context.Context, d model.Driver) (model.Driver, error)
	UpsertDriver(ctx context.Context, d model.Driver) error
	UpdateDriver(ctx context.Context, id string, patch model.DriverPatch) (model.Driver, error)
	DeleteDriver(ctx context.Context, id string) error

	// Routes
	ListRoutes(ctx context.Context, offset, limit int) ([]model.Route, error)
	GetRoute(ctx context.Context, id string) (model.Route, error)
	CreateRoute(ctx context.Context, r model.Route) (model.Route, error)
	UpsertRoute(ctx context.Context, r model.Route) error
	UpdateRoute(ctx context.Context, id string, patch model.RoutePatch) (model.Route, error)
	DeleteRoute(ctx context.Context, id string) error

	// Orders
	ListOrders(ctx context.Context, offset, limit int) ([]model.Order, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
	CreateOrder(ctx context.Context, o model.Order) (model.Order, error)
	UpsertOrder(ctx context.Context, o model.Order) error
	UpdateOrder(ctx context.Context, id string, patch model.OrderPatch) (model.Order, error)
	DeleteOrder(ctx context.Context, id string) error

	// Snapshot returns a point-in-time copy of drivers, routes, orders and the
	// current schedule, isolated from concurrent writes.
	Snapshot(ctx context.Context) (model.Snapshot, error)
	// CommitRun stamps assignments, replaces the schedule and appends the run
	// record as one atomic unit. The returned run carries its sequence number.
	CommitRun(ctx context.Context, c RunCommit) (model.SimulationRun, error)

	// Run history (append-only)
	AppendRun(ctx context.Context, run model.SimulationRun) (model.SimulationRun, error)
	// ListRuns returns up to limit runs with Seq > afterSeq in ascending order.
	ListRuns(ctx context.Context, afterSeq int64, limit int) ([]model.SimulationRun, error)
	LatestRun(ctx context.Context) (model.SimulationRun, error)

	Ping(ctx context.Context) error
	Close() error
}

// RunCommit is the unit of work written at the end of a run.
type RunCommit struct {
	Entries []model.ScheduleEntry
	// ReplaceAll drops every previous schedule entry and clears every order's
	// driver before the new entries are stamped. Otherwise earlier entries are retained.
	ReplaceAll bool
	Run        model.SimulationRun
	// Now, when set, supplies Run.Timestamp at the moment the commit holds the
	// run log, not when the run was planned.
	Now func() time.Time
}

const defaultLimit = 100

// MaxLimit is the largest page any List call returns.
const MaxLimit = 1000

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

func normLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// stampRun fixes the run time inside the writer's critical section. The time
// never precedes the previous run's, so seq order and time order agree.
func stampRun(run model.SimulationRun, now func() time.Time, prev time.Time) model.SimulationRun {
	if now != nil {
		run.Timestamp = now()
	}
	if run.Timestamp.Before(prev) {
		run.Timestamp = prev
	}
	return run
}
