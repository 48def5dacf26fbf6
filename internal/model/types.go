package model

import (
	"fmt"
	"strings"
	"time"
)

// Core domain types shared by the store, optimizer and API layers.

type TrafficLevel string

const (
	TrafficLow    TrafficLevel = "low"
	TrafficMedium TrafficLevel = "medium"
	TrafficHigh   TrafficLevel = "high"
)

// ParseTrafficLevel accepts any casing ("High", "LOW") and returns the canonical value.
func ParseTrafficLevel(s string) (TrafficLevel, error) {
	switch lvl := TrafficLevel(strings.ToLower(strings.TrimSpace(s))); lvl {
	case TrafficLow, TrafficMedium, TrafficHigh:
		return lvl, nil
	default:
		return "", fmt.Errorf("unknown traffic level %q (allowed: low,medium,high)", s)
	}
}

type Driver struct {
	DriverID            string  `json:"driver_id"`
	Name                string  `json:"name"`
	ShiftHoursToday     float64 `json:"shift_hours_today"`
	HoursWorkedPastWeek float64 `json:"hours_worked_past_week"`
}

type Route struct {
	RouteID         string       `json:"route_id"`
	DistanceKm      float64      `json:"distance_km"`
	TrafficLevel    TrafficLevel `json:"traffic_level"`
	BaseTimeMinutes float64      `json:"base_time_minutes"`
}

type Order struct {
	OrderID          string    `json:"order_id"`
	Value            float64   `json:"value"`
	RouteID          string    `json:"route_id"`
	DeliveryTime     time.Time `json:"delivery_time"`
	AssignedDriverID *string   `json:"assigned_driver_id"`
}

// Unassigned reports whether the order still waits for a driver.
func (o Order) Unassigned() bool { return o.AssignedDriverID == nil || *o.AssignedDriverID == "" }

// Patch types carry partial updates; nil fields are left untouched.
type DriverPatch struct {
	Name                *string  `json:"name,omitempty"`
	ShiftHoursToday     *float64 `json:"shift_hours_today,omitempty"`
	HoursWorkedPastWeek *float64 `json:"hours_worked_past_week,omitempty"`
}

type RoutePatch struct {
	DistanceKm      *float64      `json:"distance_km,omitempty"`
	TrafficLevel    *TrafficLevel `json:"traffic_level,omitempty"`
	BaseTimeMinutes *float64      `json:"base_time_minutes,omitempty"`
}

// OrderPatch has no driver field: assignments are only stamped by runs.
type OrderPatch struct {
	Value        *float64   `json:"value,omitempty"`
	RouteID      *string    `json:"route_id,omitempty"`
	DeliveryTime *time.Time `json:"delivery_time,omitempty"`
}

// ScheduleEntry is one assigned order in a produced schedule.
type ScheduleEntry struct {
	OrderID               string    `json:"order_id"`
	DriverID              string    `json:"driver_id"`
	AssignedAt            time.Time `json:"assigned_at"`
	EstimatedDeliveryTime time.Time `json:"estimated_delivery_time"`
	TravelMinutes         float64   `json:"travel_minutes"`
}

// KPIs is the metric set rendered by the dashboard. Field names are part of the wire contract.
type KPIs struct {
	TotalProfit      float64 `json:"total_profit"`
	EfficiencyScore  float64 `json:"efficiency_score"`
	TotalDeliveries  int     `json:"total_deliveries"`
	OnTimeDeliveries int     `json:"on_time_deliveries"`
	LateDeliveries   int     `json:"late_deliveries"`
	TotalFuelCost    float64 `json:"total_fuel_cost"`
	TotalPenalties   float64 `json:"total_penalties"`
	TotalBonuses     float64 `json:"total_bonuses"`
}

// SimulationInput holds the optional per-run overrides. Nil means "use policy default".
type SimulationInput struct {
	NumAvailableDrivers     *int     `json:"num_available_drivers"`
	RouteStartTime          *string  `json:"route_start_time"`
	MaxHoursPerDriverPerDay *float64 `json:"max_hours_per_driver_per_day"`
}

// SimulationRun is an immutable history record of one optimization run.
type SimulationRun struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	SimulationInput
	KPIs
}

// ScheduleItem is the read model returned by the current-schedule query.
type ScheduleItem struct {
	OrderID               string `json:"order_id"`
	DriverName            string `json:"driver_name"`
	EstimatedDeliveryTime string `json:"estimated_delivery_time"`
	AssignedAt            string `json:"assigned_at"`
}

// Snapshot is a point-in-time copy of the entity store used by one run.
type Snapshot struct {
	Drivers  []Driver
	Routes   []Route
	Orders   []Order
	Schedule []ScheduleEntry
}

// RouteIndex maps route ids to routes.
func (s Snapshot) RouteIndex() map[string]Route {
	out := make(map[string]Route, len(s.Routes))
	for _, r := range s.Routes {
		out[r.RouteID] = r
	}
	return out
}

// OrderIndex maps order ids to orders.
func (s Snapshot) OrderIndex() map[string]Order {
	out := make(map[string]Order, len(s.Orders))
	for _, o := range s.Orders {
		out[o.OrderID] = o
	}
	return out
}

// EventOptimizationCompleted is published after every committed run.
const EventOptimizationCompleted = "optimization.completed"

// RunEvent is the payload pushed to stream subscribers and webhooks.
type RunEvent struct {
	Type        string              `json:"type"`
	RunID       string              `json:"run_id"`
	Timestamp   time.Time           `json:"timestamp"`
	KPIs        KPIs                `json:"kpis"`
	Assignments map[string][]string `json:"assignments"`
	Unassigned  []string            `json:"unassigned"`
}
