package opt

import (
	"fmt"

	"dispatchopt/internal/model"
)

// Policy holds the tunable constants of estimation, assignment and scoring.
// Zero-valued optional terms (cruise speed, fatigue, per-minute penalty) are disabled.
type Policy struct {
	DefaultMaxHours    float64                        `yaml:"default_max_hours_per_driver_per_day" json:"default_max_hours_per_driver_per_day"`
	ReassignAll        bool                           `yaml:"reassign_all" json:"reassign_all"`
	TrafficMultipliers map[model.TrafficLevel]float64 `yaml:"traffic_multipliers" json:"traffic_multipliers"`
	CruiseSpeedKmh     float64                        `yaml:"cruise_speed_kmh" json:"cruise_speed_kmh"`
	Fatigue            FatiguePolicy                  `yaml:"fatigue" json:"fatigue"`
	Fuel               FuelPolicy                     `yaml:"fuel" json:"fuel"`
	Penalty            PenaltyPolicy                  `yaml:"penalty" json:"penalty"`
	Bonus              BonusPolicy                    `yaml:"bonus" json:"bonus"`
	RoundingDecimals   int                            `yaml:"rounding_decimals" json:"rounding_decimals"`
}

type FatiguePolicy struct {
	Factor         float64 `yaml:"factor" json:"factor"`
	ThresholdHours float64 `yaml:"threshold_hours" json:"threshold_hours"`
}

type FuelPolicy struct {
	RatePerKm                 float64 `yaml:"rate_per_km" json:"rate_per_km"`
	HighTrafficSurchargePerKm float64 `yaml:"high_traffic_surcharge_per_km" json:"high_traffic_surcharge_per_km"`
}

// PenaltyPolicy charges orders late by more than GraceMinutes: Flat once,
// plus PerMinute for each minute beyond the grace window.
type PenaltyPolicy struct {
	Flat         float64 `yaml:"flat" json:"flat"`
	PerMinute    float64 `yaml:"per_minute" json:"per_minute"`
	GraceMinutes float64 `yaml:"grace_minutes" json:"grace_minutes"`
}

type BonusPolicy struct {
	ValueThreshold float64 `yaml:"value_threshold" json:"value_threshold"`
	Rate           float64 `yaml:"rate" json:"rate"`
}

// DefaultPolicy mirrors the company delivery rules: 5/km fuel with a 2/km
// high-traffic surcharge, a flat 50 penalty past 10 minutes late, and a 10%
// bonus on on-time orders worth more than 1000.
func DefaultPolicy() Policy {
	return Policy{
		DefaultMaxHours: 12,
		ReassignAll:     true,
		TrafficMultipliers: map[model.TrafficLevel]float64{
			model.TrafficLow:    1.0,
			model.TrafficMedium: 1.3,
			model.TrafficHigh:   1.6,
		},
		Fatigue:          FatiguePolicy{Factor: 0, ThresholdHours: 8},
		Fuel:             FuelPolicy{RatePerKm: 5, HighTrafficSurchargePerKm: 2},
		Penalty:          PenaltyPolicy{Flat: 50, GraceMinutes: 10},
		Bonus:            BonusPolicy{ValueThreshold: 1000, Rate: 0.10},
		RoundingDecimals: 2,
	}
}

// Validate rejects policies that would make estimates or scores meaningless.
func (p Policy) Validate() error {
	if p.DefaultMaxHours <= 0 {
		return &ConfigError{Field: "default_max_hours_per_driver_per_day", Reason: "must be > 0"}
	}
	prev := 0.0
	for _, lvl := range []model.TrafficLevel{model.TrafficLow, model.TrafficMedium, model.TrafficHigh} {
		m, ok := p.TrafficMultipliers[lvl]
		if !ok {
			return &ConfigError{Field: "traffic_multipliers." + string(lvl), Reason: "is required"}
		}
		if m <= 0 {
			return &ConfigError{Field: "traffic_multipliers." + string(lvl), Reason: "must be > 0"}
		}
		if m <= prev {
			return &ConfigError{Field: "traffic_multipliers." + string(lvl), Reason: fmt.Sprintf("must be greater than %.2f (low < medium < high)", prev)}
		}
		prev = m
	}
	for _, f := range []struct {
		name string
		v    float64
	}{
		{"cruise_speed_kmh", p.CruiseSpeedKmh},
		{"fatigue.factor", p.Fatigue.Factor},
		{"fatigue.threshold_hours", p.Fatigue.ThresholdHours},
		{"fuel.rate_per_km", p.Fuel.RatePerKm},
		{"fuel.high_traffic_surcharge_per_km", p.Fuel.HighTrafficSurchargePerKm},
		{"penalty.flat", p.Penalty.Flat},
		{"penalty.per_minute", p.Penalty.PerMinute},
		{"penalty.grace_minutes", p.Penalty.GraceMinutes},
		{"bonus.value_threshold", p.Bonus.ValueThreshold},
		{"bonus.rate", p.Bonus.Rate},
	} {
		if f.v < 0 {
			return &ConfigError{Field: f.name, Reason: "must be >= 0"}
		}
	}
	if p.RoundingDecimals < 0 || p.RoundingDecimals > 6 {
		return &ConfigError{Field: "rounding_decimals", Reason: "must be in [0,6]"}
	}
	return nil
}
