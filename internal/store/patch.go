package store

import "dispatchopt/internal/model"

func ApplyDriverPatch(d model.Driver, p model.DriverPatch) model.Driver {
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.ShiftHoursToday != nil {
		d.ShiftHoursToday = *p.ShiftHoursToday
	}
	if p.HoursWorkedPastWeek != nil {
		d.HoursWorkedPastWeek = *p.HoursWorkedPastWeek
	}
	return d
}

func ApplyRoutePatch(r model.Route, p model.RoutePatch) model.Route {
	if p.DistanceKm != nil {
		r.DistanceKm = *p.DistanceKm
	}
	if p.TrafficLevel != nil {
		r.TrafficLevel = *p.TrafficLevel
	}
	if p.BaseTimeMinutes != nil {
		r.BaseTimeMinutes = *p.BaseTimeMinutes
	}
	return r
}

func ApplyOrderPatch(o model.Order, p model.OrderPatch) model.Order {
	if p.Value != nil {
		o.Value = *p.Value
	}
	if p.RouteID != nil {
		o.RouteID = *p.RouteID
	}
	if p.DeliveryTime != nil {
		o.DeliveryTime = *p.DeliveryTime
	}
	return o
}
