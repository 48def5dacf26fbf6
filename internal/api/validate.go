package api

import (
	"fmt"
	"math"
	"strings"
	"time"

	"dispatchopt/internal/model"
)

func nonNegative(field string, v float64) error {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s must be a non-negative number", field)
	}
	return nil
}

func validateDriver(d *model.Driver) error {
	d.DriverID = strings.TrimSpace(d.DriverID)
	if d.DriverID == "" {
		return fmt.Errorf("driver_id is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if err := nonNegative("shift_hours_today", d.ShiftHoursToday); err != nil {
		return err
	}
	return nonNegative("hours_worked_past_week", d.HoursWorkedPastWeek)
}

func validateDriverPatch(p model.DriverPatch) error {
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if p.ShiftHoursToday != nil {
		if err := nonNegative("shift_hours_today", *p.ShiftHoursToday); err != nil {
			return err
		}
	}
	if p.HoursWorkedPastWeek != nil {
		return nonNegative("hours_worked_past_week", *p.HoursWorkedPastWeek)
	}
	return nil
}

// normalizeTraffic accepts any casing and rewrites the level to its canonical form.
func normalizeTraffic(lvl *model.TrafficLevel) error {
	v, err := model.ParseTrafficLevel(string(*lvl))
	if err != nil {
		return err
	}
	*lvl = v
	return nil
}

func validateRoute(r *model.Route) error {
	r.RouteID = strings.TrimSpace(r.RouteID)
	if r.RouteID == "" {
		return fmt.Errorf("route_id is required")
	}
	if err := normalizeTraffic(&r.TrafficLevel); err != nil {
		return err
	}
	if err := nonNegative("distance_km", r.DistanceKm); err != nil {
		return err
	}
	return nonNegative("base_time_minutes", r.BaseTimeMinutes)
}

func validateRoutePatch(p *model.RoutePatch) error {
	if p.TrafficLevel != nil {
		if err := normalizeTraffic(p.TrafficLevel); err != nil {
			return err
		}
	}
	if p.DistanceKm != nil {
		if err := nonNegative("distance_km", *p.DistanceKm); err != nil {
			return err
		}
	}
	if p.BaseTimeMinutes != nil {
		return nonNegative("base_time_minutes", *p.BaseTimeMinutes)
	}
	return nil
}

// orderIn is the wire form of an order; delivery_time accepts RFC 3339,
// a zone-less "2006-01-02T15:04:05", or a bare "HH:MM" on today's date.
type orderIn struct {
	OrderID      string   `json:"order_id"`
	Value        *float64 `json:"value"`
	RouteID      *string  `json:"route_id"`
	DeliveryTime *string  `json:"delivery_time"`
}

var deadlineLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04"}

func parseDeadline(v string, now time.Time, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	for _, layout := range deadlineLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	if t, err := model.ParseClock(v, now, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("delivery_time %q: want RFC 3339, 2006-01-02T15:04:05 or HH:MM", v)
}

func (in orderIn) toOrder(now time.Time, loc *time.Location) (model.Order, error) {
	o := model.Order{OrderID: strings.TrimSpace(in.OrderID)}
	if o.OrderID == "" {
		return o, fmt.Errorf("order_id is required")
	}
	switch {
	case in.Value == nil:
		return o, fmt.Errorf("value is required")
	case in.RouteID == nil:
		return o, fmt.Errorf("route_id is required")
	case in.DeliveryTime == nil:
		return o, fmt.Errorf("delivery_time is required")
	}
	if err := nonNegative("value", *in.Value); err != nil {
		return o, err
	}
	o.Value = *in.Value
	o.RouteID = strings.TrimSpace(*in.RouteID)
	t, err := parseDeadline(*in.DeliveryTime, now, loc)
	if err != nil {
		return o, err
	}
	o.DeliveryTime = t
	return o, nil
}

func (in orderIn) toPatch(now time.Time, loc *time.Location) (model.OrderPatch, error) {
	var p model.OrderPatch
	if in.Value != nil {
		if err := nonNegative("value", *in.Value); err != nil {
			return p, err
		}
		p.Value = in.Value
	}
	if in.RouteID != nil {
		id := strings.TrimSpace(*in.RouteID)
		p.RouteID = &id
	}
	if in.DeliveryTime != nil {
		t, err := parseDeadline(*in.DeliveryTime, now, loc)
		if err != nil {
			return p, err
		}
		p.DeliveryTime = &t
	}
	return p, nil
}
