package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dispatchopt/internal/model"
)

// SeedStats counts rows written by LoadSeedDir.
type SeedStats struct {
	Drivers int `json:"drivers"`
	Routes  int `json:"routes"`
	Orders  int `json:"orders"`
}

// LoadSeedDir loads drivers.csv, routes.csv and orders.csv from dir with
// create-or-update semantics. Missing files are skipped. Order deadlines given
// as HH:MM are placed on day in loc; full "2006-01-02 15:04:05" values are
// parsed in loc as-is.
func LoadSeedDir(ctx context.Context, s Store, dir string, day time.Time, loc *time.Location) (SeedStats, error) {
	var st SeedStats
	if loc == nil {
		loc = time.Local
	}

	// Drivers: name, shift_hours, past_week_hours ("8|7|9|..."). Ids are row numbers from 1.
	err := readCSV(filepath.Join(dir, "drivers.csv"), func(line int, row map[string]string) error {
		shift, err := parseFloat(row, "shift_hours")
		if err != nil {
			return err
		}
		var week float64
		for _, h := range strings.Split(row["past_week_hours"], "|") {
			if strings.TrimSpace(h) == "" {
				continue
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(h), 64)
			if err != nil {
				return fmt.Errorf("past_week_hours %q: %w", h, err)
			}
			week += v
		}
		d := model.Driver{DriverID: strconv.Itoa(line), Name: row["name"], ShiftHoursToday: shift, HoursWorkedPastWeek: week}
		if err := s.UpsertDriver(ctx, d); err != nil {
			return err
		}
		st.Drivers++
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("seed drivers: %w", err)
	}

	// Routes: route_id, distance_km, traffic_level, base_time_min.
	err = readCSV(filepath.Join(dir, "routes.csv"), func(_ int, row map[string]string) error {
		dist, err := parseFloat(row, "distance_km")
		if err != nil {
			return err
		}
		base, err := parseFloat(row, "base_time_min")
		if err != nil {
			return err
		}
		lvl, err := model.ParseTrafficLevel(row["traffic_level"])
		if err != nil {
			return err
		}
		if err := s.UpsertRoute(ctx, model.Route{RouteID: row["route_id"], DistanceKm: dist, TrafficLevel: lvl, BaseTimeMinutes: base}); err != nil {
			return err
		}
		st.Routes++
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("seed routes: %w", err)
	}

	// Orders: order_id, value_rs, route_id, delivery_time.
	err = readCSV(filepath.Join(dir, "orders.csv"), func(_ int, row map[string]string) error {
		value, err := parseFloat(row, "value_rs")
		if err != nil {
			return err
		}
		deadline, err := parseDeadline(row["delivery_time"], day, loc)
		if err != nil {
			return err
		}
		o := model.Order{OrderID: row["order_id"], Value: value, RouteID: row["route_id"], DeliveryTime: deadline}
		if err := s.UpsertOrder(ctx, o); err != nil {
			return err
		}
		st.Orders++
		return nil
	})
	if err != nil {
		return st, fmt.Errorf("seed orders: %w", err)
	}
	return st, nil
}

func parseDeadline(v string, day time.Time, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if len(v) <= 5 {
		t, err := model.ParseClock(v, day, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("delivery_time %q: %w", v, err)
		}
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", v, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("delivery_time %q: %w", v, err)
	}
	return t, nil
}

func parseFloat(row map[string]string, col string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", col, row[col], err)
	}
	return v, nil
}

// readCSV calls fn for each data row keyed by trimmed header names. line is 1-based over data rows.
func readCSV(path string, fn func(line int, row map[string]string) error) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: header: %w", filepath.Base(path), err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: row %d: %w", filepath.Base(path), line, err)
		}
		row := make(map[string]string, len(header))
		for i, h := range header {
			if i < len(rec) {
				row[h] = strings.TrimSpace(rec[i])
			}
		}
		if err := fn(line, row); err != nil {
			return fmt.Errorf("%s: row %d: %w", filepath.Base(path), line, err)
		}
	}
}
