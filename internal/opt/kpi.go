package opt

import (
	"math"

	"dispatchopt/internal/model"
)

// Scorer aggregates a plan into the dashboard KPI set.
type Scorer struct {
	policy Policy
}

func NewScorer(p Policy) *Scorer { return &Scorer{policy: p} }

// Score computes KPIs over the assigned entries of a plan. Entries whose order
// or route is missing from the lookups are skipped.
func (s *Scorer) Score(entries []model.ScheduleEntry, orders map[string]model.Order, routes map[string]model.Route) model.KPIs {
	var k model.KPIs
	var revenue float64
	for _, e := range entries {
		o, ok := orders[e.OrderID]
		if !ok {
			continue
		}
		r, ok := routes[o.RouteID]
		if !ok {
			continue
		}
		k.TotalDeliveries++
		revenue += o.Value
		k.TotalFuelCost += s.FuelCost(r)

		if !e.EstimatedDeliveryTime.After(o.DeliveryTime) {
			k.OnTimeDeliveries++
			k.TotalBonuses += s.OnTimeBonus(o)
			continue
		}
		k.LateDeliveries++
		lateMin := e.EstimatedDeliveryTime.Sub(o.DeliveryTime).Minutes()
		k.TotalPenalties += s.LatePenalty(lateMin)
	}

	k.TotalProfit = revenue + k.TotalBonuses - k.TotalFuelCost - k.TotalPenalties
	if k.TotalDeliveries > 0 {
		k.EfficiencyScore = float64(k.OnTimeDeliveries) / float64(k.TotalDeliveries) * 100
	}

	d := s.policy.RoundingDecimals
	k.TotalProfit = round(k.TotalProfit, d)
	k.EfficiencyScore = round(k.EfficiencyScore, d)
	k.TotalFuelCost = round(k.TotalFuelCost, d)
	k.TotalPenalties = round(k.TotalPenalties, d)
	k.TotalBonuses = round(k.TotalBonuses, d)
	return k
}

// FuelCost is distance times the base rate, plus a surcharge on high-traffic routes.
func (s *Scorer) FuelCost(r model.Route) float64 {
	cost := r.DistanceKm * s.policy.Fuel.RatePerKm
	if r.TrafficLevel == model.TrafficHigh {
		cost += r.DistanceKm * s.policy.Fuel.HighTrafficSurchargePerKm
	}
	return cost
}

// LatePenalty charges lateness beyond the grace window: flat plus per-minute
// over the minutes past the window.
func (s *Scorer) LatePenalty(lateMinutes float64) float64 {
	grace := s.policy.Penalty.GraceMinutes
	if lateMinutes <= grace {
		return 0
	}
	return s.policy.Penalty.Flat + s.policy.Penalty.PerMinute*(lateMinutes-grace)
}

// OnTimeBonus pays a share of the value on high-value orders delivered on time.
func (s *Scorer) OnTimeBonus(o model.Order) float64 {
	if o.Value > s.policy.Bonus.ValueThreshold {
		return o.Value * s.policy.Bonus.Rate
	}
	return 0
}

func round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	r := math.Round(v*p) / p
	if r == 0 {
		return 0 // normalize -0
	}
	return r
}
