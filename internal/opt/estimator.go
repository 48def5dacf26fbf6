package opt

import (
	"fmt"
	"math"
	"time"

	"dispatchopt/internal/model"
)

// Estimator derives expected travel durations from route attributes.
type Estimator struct {
	policy Policy
}

func NewEstimator(p Policy) *Estimator { return &Estimator{policy: p} }

// Estimate returns the route duration in minutes under its traffic level:
// base_time_minutes * multiplier, plus distance/cruise speed when configured.
func (e *Estimator) Estimate(r model.Route) (float64, error) {
	m, ok := e.policy.TrafficMultipliers[r.TrafficLevel]
	if !ok {
		return 0, fmt.Errorf("estimate route %s: no multiplier for traffic level %q", r.RouteID, r.TrafficLevel)
	}
	minutes := r.BaseTimeMinutes * m
	if e.policy.CruiseSpeedKmh > 0 {
		minutes += r.DistanceKm / e.policy.CruiseSpeedKmh * 60
	}
	return minutes, nil
}

// EstimateFor applies the fatigue slowdown for drivers over the threshold.
func (e *Estimator) EstimateFor(r model.Route, d model.Driver) (float64, error) {
	minutes, err := e.Estimate(r)
	if err != nil {
		return 0, err
	}
	if e.fatigued(d) {
		minutes *= 1 + e.policy.Fatigue.Factor
	}
	return minutes, nil
}

// EstimateOrder resolves the order's route and estimates it.
func (e *Estimator) EstimateOrder(o model.Order, routes map[string]model.Route) (model.Route, float64, error) {
	r, ok := routes[o.RouteID]
	if !ok {
		return model.Route{}, 0, &InvalidRouteError{OrderID: o.OrderID, RouteID: o.RouteID}
	}
	minutes, err := e.Estimate(r)
	if err != nil {
		return r, 0, err
	}
	return r, minutes, nil
}

// driverDependent reports whether durations vary by driver.
func (e *Estimator) driverDependent() bool { return e.policy.Fatigue.Factor > 0 }

func (e *Estimator) fatigued(d model.Driver) bool {
	if e.policy.Fatigue.Factor <= 0 {
		return false
	}
	th := e.policy.Fatigue.ThresholdHours
	return d.ShiftHoursToday > th || d.HoursWorkedPastWeek/7 > th
}

// Duration converts estimated minutes to a whole-second duration so that
// derived timestamps are reproducible.
func Duration(minutes float64) time.Duration {
	return time.Duration(math.Round(minutes*60)) * time.Second
}
