package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"dispatchopt/internal/model"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type dialect struct {
	name   string // schema file stem
	driver string // database/sql driver name
	dollar bool   // $n placeholders
	// snapshot transaction options; nil uses the driver default
	snapshotOpts *sql.TxOptions
	// lockRuns serializes run writers inside a transaction; empty when the
	// driver already serializes writes.
	lockRuns string
}

var (
	postgresDialect = dialect{
		name:         "postgres",
		driver:       "pgx",
		dollar:       true,
		snapshotOpts: &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
		lockRuns:     `LOCK TABLE simulation_runs IN SHARE ROW EXCLUSIVE MODE`,
	}
	sqliteDialect = dialect{name: "sqlite", driver: "sqlite"}
)

// SQL is the database/sql backed store for Postgres (pgx) and SQLite (modernc).
// Timestamps are kept as RFC 3339 UTC text so both dialects round-trip them identically.
type SQL struct {
	db *sql.DB
	d  dialect
}

func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open postgres: verify connection: %w", err)
	}
	return &SQL{db: db, d: postgresDialect}, nil
}

// NewSQLite opens (or creates) a database file. A single connection serializes
// writers, which SQLite requires anyway.
func NewSQLite(path string) (*SQL, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open sqlite: verify connection: %w", err)
	}
	return &SQL{db: db, d: sqliteDialect}, nil
}

// Migrate applies the embedded schema for the store's dialect. Statements are idempotent.
func (s *SQL) Migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile("schema/" + s.d.name + ".sql")
	if err != nil {
		return fmt.Errorf("migrate: read schema: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for i, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: exec statement #%d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit tx: %w", err)
	}
	return nil
}

func (s *SQL) Close() error { return s.db.Close() }

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// q rewrites ? placeholders to $n for Postgres.
func (s *SQL) q(query string) string {
	if !s.d.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func notFoundIfNoRows(err error, what, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", what, id, err)
}

func requireAffected(res sql.Result, sentinel error, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s %s: rows affected: %w", what, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, sentinel)
	}
	return nil
}

// Drivers

const driverCols = `driver_id, name, shift_hours_today, hours_worked_past_week`

func scanDriver(sc interface{ Scan(...any) error }) (model.Driver, error) {
	var d model.Driver
	err := sc.Scan(&d.DriverID, &d.Name, &d.ShiftHoursToday, &d.HoursWorkedPastWeek)
	return d, err
}

func (s *SQL) listDrivers(ctx context.Context, db queryer, offset, limit int) ([]model.Driver, error) {
	query := `SELECT ` + driverCols + ` FROM drivers ORDER BY driver_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}
	rows, err := db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	defer rows.Close()
	out := []model.Driver{}
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, fmt.Errorf("list drivers: scan row: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list drivers: row iteration: %w", err)
	}
	return out, nil
}

func (s *SQL) ListDrivers(ctx context.Context, offset, limit int) ([]model.Driver, error) {
	return s.listDrivers(ctx, s.db, offset, normLimit(limit))
}

func (s *SQL) GetDriver(ctx context.Context, id string) (model.Driver, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+driverCols+` FROM drivers WHERE driver_id = ?`), id)
	d, err := scanDriver(row)
	if err != nil {
		return model.Driver{}, notFoundIfNoRows(err, "driver", id)
	}
	return d, nil
}

func (s *SQL) CreateDriver(ctx context.Context, d model.Driver) (model.Driver, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO drivers (`+driverCols+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (driver_id) DO NOTHING`), d.DriverID, d.Name, d.ShiftHoursToday, d.HoursWorkedPastWeek)
	if err != nil {
		return model.Driver{}, fmt.Errorf("create driver %s: %w", d.DriverID, err)
	}
	if err := requireAffected(res, ErrConflict, "create driver", d.DriverID); err != nil {
		return model.Driver{}, err
	}
	return d, nil
}

func (s *SQL) UpsertDriver(ctx context.Context, d model.Driver) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO drivers (`+driverCols+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (driver_id) DO UPDATE SET name = excluded.name,
			shift_hours_today = excluded.shift_hours_today,
			hours_worked_past_week = excluded.hours_worked_past_week`),
		d.DriverID, d.Name, d.ShiftHoursToday, d.HoursWorkedPastWeek)
	if err != nil {
		return fmt.Errorf("upsert driver %s: %w", d.DriverID, err)
	}
	return nil
}

func (s *SQL) UpdateDriver(ctx context.Context, id string, p model.DriverPatch) (model.Driver, error) {
	row := s.db.QueryRowContext(ctx, s.q(`UPDATE drivers SET
			name = COALESCE(?, name),
			shift_hours_today = COALESCE(?, shift_hours_today),
			hours_worked_past_week = COALESCE(?, hours_worked_past_week)
		WHERE driver_id = ?
		RETURNING `+driverCols), p.Name, p.ShiftHoursToday, p.HoursWorkedPastWeek, id)
	d, err := scanDriver(row)
	if err != nil {
		return model.Driver{}, notFoundIfNoRows(err, "update driver", id)
	}
	return d, nil
}

// DeleteDriver releases the driver's orders and drops its schedule entries.
func (s *SQL) DeleteDriver(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete driver %s: begin tx: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM schedule_entries WHERE driver_id = ?`), id); err != nil {
		return fmt.Errorf("delete driver %s: schedule: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE orders SET assigned_driver_id = NULL WHERE assigned_driver_id = ?`), id); err != nil {
		return fmt.Errorf("delete driver %s: orders: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM drivers WHERE driver_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete driver %s: %w", id, err)
	}
	if err := requireAffected(res, ErrNotFound, "delete driver", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete driver %s: commit tx: %w", id, err)
	}
	return nil
}

// Routes

const routeCols = `route_id, distance_km, traffic_level, base_time_minutes`

func scanRoute(sc interface{ Scan(...any) error }) (model.Route, error) {
	var r model.Route
	var lvl string
	if err := sc.Scan(&r.RouteID, &r.DistanceKm, &lvl, &r.BaseTimeMinutes); err != nil {
		return model.Route{}, err
	}
	r.TrafficLevel = model.TrafficLevel(lvl)
	return r, nil
}

func (s *SQL) listRoutes(ctx context.Context, db queryer, offset, limit int) ([]model.Route, error) {
	query := `SELECT ` + routeCols + ` FROM routes ORDER BY route_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}
	rows, err := db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()
	out := []model.Route{}
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("list routes: scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routes: row iteration: %w", err)
	}
	return out, nil
}

func (s *SQL) ListRoutes(ctx context.Context, offset, limit int) ([]model.Route, error) {
	return s.listRoutes(ctx, s.db, offset, normLimit(limit))
}

func (s *SQL) GetRoute(ctx context.Context, id string) (model.Route, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+routeCols+` FROM routes WHERE route_id = ?`), id)
	r, err := scanRoute(row)
	if err != nil {
		return model.Route{}, notFoundIfNoRows(err, "route", id)
	}
	return r, nil
}

func (s *SQL) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO routes (`+routeCols+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (route_id) DO NOTHING`), r.RouteID, r.DistanceKm, string(r.TrafficLevel), r.BaseTimeMinutes)
	if err != nil {
		return model.Route{}, fmt.Errorf("create route %s: %w", r.RouteID, err)
	}
	if err := requireAffected(res, ErrConflict, "create route", r.RouteID); err != nil {
		return model.Route{}, err
	}
	return r, nil
}

func (s *SQL) UpsertRoute(ctx context.Context, r model.Route) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO routes (`+routeCols+`) VALUES (?, ?, ?, ?)
		ON CONFLICT (route_id) DO UPDATE SET distance_km = excluded.distance_km,
			traffic_level = excluded.traffic_level,
			base_time_minutes = excluded.base_time_minutes`),
		r.RouteID, r.DistanceKm, string(r.TrafficLevel), r.BaseTimeMinutes)
	if err != nil {
		return fmt.Errorf("upsert route %s: %w", r.RouteID, err)
	}
	return nil
}

func (s *SQL) UpdateRoute(ctx context.Context, id string, p model.RoutePatch) (model.Route, error) {
	var lvl any
	if p.TrafficLevel != nil {
		lvl = string(*p.TrafficLevel)
	}
	row := s.db.QueryRowContext(ctx, s.q(`UPDATE routes SET
			distance_km = COALESCE(?, distance_km),
			traffic_level = COALESCE(?, traffic_level),
			base_time_minutes = COALESCE(?, base_time_minutes)
		WHERE route_id = ?
		RETURNING `+routeCols), p.DistanceKm, lvl, p.BaseTimeMinutes, id)
	r, err := scanRoute(row)
	if err != nil {
		return model.Route{}, notFoundIfNoRows(err, "update route", id)
	}
	return r, nil
}

// DeleteRoute leaves referencing orders in place; runs report them as invalid.
func (s *SQL) DeleteRoute(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM routes WHERE route_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete route %s: %w", id, err)
	}
	return requireAffected(res, ErrNotFound, "delete route", id)
}

// Orders

const orderCols = `order_id, value, route_id, delivery_time, assigned_driver_id`

func scanOrder(sc interface{ Scan(...any) error }) (model.Order, error) {
	var o model.Order
	var deadline string
	var driver sql.NullString
	if err := sc.Scan(&o.OrderID, &o.Value, &o.RouteID, &deadline, &driver); err != nil {
		return model.Order{}, err
	}
	t, err := parseTime(deadline)
	if err != nil {
		return model.Order{}, fmt.Errorf("order %s: delivery_time: %w", o.OrderID, err)
	}
	o.DeliveryTime = t
	if driver.Valid {
		id := driver.String
		o.AssignedDriverID = &id
	}
	return o, nil
}

func (s *SQL) listOrders(ctx context.Context, db queryer, offset, limit int) ([]model.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders ORDER BY order_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}
	rows, err := db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()
	out := []model.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("list orders: scan row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list orders: row iteration: %w", err)
	}
	return out, nil
}

func (s *SQL) ListOrders(ctx context.Context, offset, limit int) ([]model.Order, error) {
	return s.listOrders(ctx, s.db, offset, normLimit(limit))
}

func (s *SQL) GetOrder(ctx context.Context, id string) (model.Order, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+orderCols+` FROM orders WHERE order_id = ?`), id)
	o, err := scanOrder(row)
	if err != nil {
		return model.Order{}, notFoundIfNoRows(err, "order", id)
	}
	return o, nil
}

func (s *SQL) CreateOrder(ctx context.Context, o model.Order) (model.Order, error) {
	o.AssignedDriverID = nil
	res, err := s.db.ExecContext(ctx, s.q(`INSERT INTO orders (order_id, value, route_id, delivery_time) VALUES (?, ?, ?, ?)
		ON CONFLICT (order_id) DO NOTHING`), o.OrderID, o.Value, o.RouteID, formatTime(o.DeliveryTime))
	if err != nil {
		return model.Order{}, fmt.Errorf("create order %s: %w", o.OrderID, err)
	}
	if err := requireAffected(res, ErrConflict, "create order", o.OrderID); err != nil {
		return model.Order{}, err
	}
	return o, nil
}

// UpsertOrder keeps an existing assignment; seeds never stamp drivers.
func (s *SQL) UpsertOrder(ctx context.Context, o model.Order) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert order %s: begin tx: %w", o.OrderID, err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.releaseOnRouteChange(ctx, tx, o.OrderID, o.RouteID); err != nil {
		return fmt.Errorf("upsert order %s: %w", o.OrderID, err)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO orders (order_id, value, route_id, delivery_time) VALUES (?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET value = excluded.value,
			route_id = excluded.route_id,
			delivery_time = excluded.delivery_time`),
		o.OrderID, o.Value, o.RouteID, formatTime(o.DeliveryTime))
	if err != nil {
		return fmt.Errorf("upsert order %s: %w", o.OrderID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert order %s: commit tx: %w", o.OrderID, err)
	}
	return nil
}

func (s *SQL) UpdateOrder(ctx context.Context, id string, p model.OrderPatch) (model.Order, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Order{}, fmt.Errorf("update order %s: begin tx: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()
	if p.RouteID != nil {
		if err := s.releaseOnRouteChange(ctx, tx, id, *p.RouteID); err != nil {
			return model.Order{}, fmt.Errorf("update order %s: %w", id, err)
		}
	}
	row := tx.QueryRowContext(ctx, s.q(`UPDATE orders SET
			value = COALESCE(?, value),
			route_id = COALESCE(?, route_id),
			delivery_time = COALESCE(?, delivery_time)
		WHERE order_id = ?
		RETURNING `+orderCols), p.Value, p.RouteID, nullTime(p.DeliveryTime), id)
	o, err := scanOrder(row)
	if err != nil {
		return model.Order{}, notFoundIfNoRows(err, "update order", id)
	}
	if err := tx.Commit(); err != nil {
		return model.Order{}, fmt.Errorf("update order %s: commit tx: %w", id, err)
	}
	return o, nil
}

// releaseOnRouteChange drops the schedule entry and driver of order id when
// routeID differs from its stored route; the entry's travel time no longer applies.
func (s *SQL) releaseOnRouteChange(ctx context.Context, tx *sql.Tx, id, routeID string) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM schedule_entries WHERE order_id IN
		(SELECT order_id FROM orders WHERE order_id = ? AND route_id <> ?)`), id, routeID); err != nil {
		return fmt.Errorf("release schedule entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE orders SET assigned_driver_id = NULL
		WHERE order_id = ? AND route_id <> ?`), id, routeID); err != nil {
		return fmt.Errorf("release driver: %w", err)
	}
	return nil
}

func (s *SQL) DeleteOrder(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete order %s: begin tx: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM schedule_entries WHERE order_id = ?`), id); err != nil {
		return fmt.Errorf("delete order %s: schedule: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM orders WHERE order_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	if err := requireAffected(res, ErrNotFound, "delete order", id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete order %s: commit tx: %w", id, err)
	}
	return nil
}

// Snapshot and runs

func (s *SQL) listSchedule(ctx context.Context, db queryer) ([]model.ScheduleEntry, error) {
	rows, err := db.QueryContext(ctx, `SELECT order_id, driver_id, assigned_at, estimated_delivery_time, travel_minutes
		FROM schedule_entries ORDER BY ordinal, order_id`)
	if err != nil {
		return nil, fmt.Errorf("list schedule: %w", err)
	}
	defer rows.Close()
	out := []model.ScheduleEntry{}
	for rows.Next() {
		var e model.ScheduleEntry
		var at, eta string
		if err := rows.Scan(&e.OrderID, &e.DriverID, &at, &eta, &e.TravelMinutes); err != nil {
			return nil, fmt.Errorf("list schedule: scan row: %w", err)
		}
		if e.AssignedAt, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("list schedule: order %s assigned_at: %w", e.OrderID, err)
		}
		if e.EstimatedDeliveryTime, err = parseTime(eta); err != nil {
			return nil, fmt.Errorf("list schedule: order %s estimated_delivery_time: %w", e.OrderID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list schedule: row iteration: %w", err)
	}
	return out, nil
}

func (s *SQL) Snapshot(ctx context.Context) (model.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, s.d.snapshotOpts)
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var snap model.Snapshot
	if snap.Drivers, err = s.listDrivers(ctx, tx, 0, 0); err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.Routes, err = s.listRoutes(ctx, tx, 0, 0); err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.Orders, err = s.listOrders(ctx, tx, 0, 0); err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if snap.Schedule, err = s.listSchedule(ctx, tx); err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Snapshot{}, fmt.Errorf("snapshot: commit tx: %w", err)
	}
	return snap, nil
}

func (s *SQL) CommitRun(ctx context.Context, c RunCommit) (model.SimulationRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SimulationRun{}, fmt.Errorf("commit run: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.lockRunLog(ctx, tx); err != nil {
		return model.SimulationRun{}, fmt.Errorf("commit run: %w", err)
	}

	if c.ReplaceAll {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_entries`); err != nil {
			return model.SimulationRun{}, fmt.Errorf("commit run: clear schedule: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET assigned_driver_id = NULL WHERE assigned_driver_id IS NOT NULL`); err != nil {
			return model.SimulationRun{}, fmt.Errorf("commit run: clear assignments: %w", err)
		}
	}

	var base int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(ordinal), 0) FROM schedule_entries`).Scan(&base); err != nil {
		return model.SimulationRun{}, fmt.Errorf("commit run: schedule ordinal: %w", err)
	}

	for i, e := range c.Entries {
		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM drivers WHERE driver_id = ?`), e.DriverID).Scan(&one)
		if err != nil {
			return model.SimulationRun{}, fmt.Errorf("commit run: %w", notFoundIfNoRows(err, "driver", e.DriverID))
		}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE orders SET assigned_driver_id = ? WHERE order_id = ?`), e.DriverID, e.OrderID)
		if err != nil {
			return model.SimulationRun{}, fmt.Errorf("commit run: stamp order %s: %w", e.OrderID, err)
		}
		if err := requireAffected(res, ErrNotFound, "commit run: order", e.OrderID); err != nil {
			return model.SimulationRun{}, err
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO schedule_entries
				(order_id, driver_id, ordinal, assigned_at, estimated_delivery_time, travel_minutes)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (order_id) DO UPDATE SET driver_id = excluded.driver_id,
				ordinal = excluded.ordinal,
				assigned_at = excluded.assigned_at,
				estimated_delivery_time = excluded.estimated_delivery_time,
				travel_minutes = excluded.travel_minutes`),
			e.OrderID, e.DriverID, base+int64(i)+1, formatTime(e.AssignedAt), formatTime(e.EstimatedDeliveryTime), e.TravelMinutes)
		if err != nil {
			return model.SimulationRun{}, fmt.Errorf("commit run: schedule order %s: %w", e.OrderID, err)
		}
	}

	run, err := s.insertRun(ctx, tx, c.Run, c.Now)
	if err != nil {
		return model.SimulationRun{}, fmt.Errorf("commit run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.SimulationRun{}, fmt.Errorf("commit run: commit tx: %w", err)
	}
	return run, nil
}

const runCols = `seq, id, ts, num_available_drivers, route_start_time, max_hours_per_driver_per_day,
	total_profit, efficiency_score, total_deliveries, on_time_deliveries, late_deliveries,
	total_fuel_cost, total_penalties, total_bonuses`

func (s *SQL) lockRunLog(ctx context.Context, tx *sql.Tx) error {
	if s.d.lockRuns == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, s.d.lockRuns); err != nil {
		return fmt.Errorf("lock run log: %w", err)
	}
	return nil
}

// insertRun must run inside a transaction holding the run log lock.
func (s *SQL) insertRun(ctx context.Context, tx *sql.Tx, run model.SimulationRun, now func() time.Time) (model.SimulationRun, error) {
	var prev time.Time
	var ts string
	err := tx.QueryRowContext(ctx, `SELECT ts FROM simulation_runs ORDER BY seq DESC LIMIT 1`).Scan(&ts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return model.SimulationRun{}, fmt.Errorf("insert run %s: previous run: %w", run.ID, err)
	default:
		if prev, err = parseTime(ts); err != nil {
			return model.SimulationRun{}, fmt.Errorf("insert run %s: previous run timestamp: %w", run.ID, err)
		}
	}
	run = stampRun(run, now, prev)

	k := run.KPIs
	err = tx.QueryRowContext(ctx, s.q(`INSERT INTO simulation_runs
			(id, ts, num_available_drivers, route_start_time, max_hours_per_driver_per_day,
			 total_profit, efficiency_score, total_deliveries, on_time_deliveries, late_deliveries,
			 total_fuel_cost, total_penalties, total_bonuses)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`),
		run.ID, formatTime(run.Timestamp), run.NumAvailableDrivers, run.RouteStartTime, run.MaxHoursPerDriverPerDay,
		k.TotalProfit, k.EfficiencyScore, k.TotalDeliveries, k.OnTimeDeliveries, k.LateDeliveries,
		k.TotalFuelCost, k.TotalPenalties, k.TotalBonuses,
	).Scan(&run.Seq)
	if err != nil {
		return model.SimulationRun{}, fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return run, nil
}

func scanRun(sc interface{ Scan(...any) error }) (model.SimulationRun, error) {
	var r model.SimulationRun
	var ts string
	var drivers sql.NullInt64
	var start sql.NullString
	var maxHours sql.NullFloat64
	k := &r.KPIs
	err := sc.Scan(&r.Seq, &r.ID, &ts, &drivers, &start, &maxHours,
		&k.TotalProfit, &k.EfficiencyScore, &k.TotalDeliveries, &k.OnTimeDeliveries, &k.LateDeliveries,
		&k.TotalFuelCost, &k.TotalPenalties, &k.TotalBonuses)
	if err != nil {
		return model.SimulationRun{}, err
	}
	if r.Timestamp, err = parseTime(ts); err != nil {
		return model.SimulationRun{}, fmt.Errorf("run %s timestamp: %w", r.ID, err)
	}
	if drivers.Valid {
		n := int(drivers.Int64)
		r.NumAvailableDrivers = &n
	}
	if start.Valid {
		v := start.String
		r.RouteStartTime = &v
	}
	if maxHours.Valid {
		v := maxHours.Float64
		r.MaxHoursPerDriverPerDay = &v
	}
	return r, nil
}

func (s *SQL) AppendRun(ctx context.Context, run model.SimulationRun) (model.SimulationRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.SimulationRun{}, fmt.Errorf("append run: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := s.lockRunLog(ctx, tx); err != nil {
		return model.SimulationRun{}, fmt.Errorf("append run: %w", err)
	}
	run, err = s.insertRun(ctx, tx, run, nil)
	if err != nil {
		return model.SimulationRun{}, fmt.Errorf("append run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.SimulationRun{}, fmt.Errorf("append run: commit tx: %w", err)
	}
	return run, nil
}

func (s *SQL) ListRuns(ctx context.Context, afterSeq int64, limit int) ([]model.SimulationRun, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+runCols+` FROM simulation_runs
		WHERE seq > ? ORDER BY seq LIMIT ?`), afterSeq, normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	out := []model.SimulationRun{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("list runs: scan row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: row iteration: %w", err)
	}
	return out, nil
}

func (s *SQL) LatestRun(ctx context.Context) (model.SimulationRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM simulation_runs ORDER BY seq DESC LIMIT 1`)
	r, err := scanRun(row)
	if err != nil {
		return model.SimulationRun{}, notFoundIfNoRows(err, "latest", "run")
	}
	return r, nil
}
