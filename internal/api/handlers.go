package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dispatchopt/internal/model"
	"dispatchopt/internal/opt"
	"dispatchopt/internal/planner"
	"dispatchopt/internal/store"
)

// writeError maps domain and store errors to problem responses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, opt.ErrConfiguration):
		writeProblem(w, http.StatusBadRequest, "Invalid configuration", err.Error(), r.URL.Path)
	case errors.Is(err, planner.ErrPersistence):
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "optimization failed", r.URL.Path)
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), r.URL.Path)
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, http.StatusBadRequest, "Already registered", err.Error(), r.URL.Path)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", err.Error(), r.URL.Path)
	}
}

// paging parses ?skip=&limit= with the original API's defaults.
func paging(r *http.Request) (skip, limit int, err error) {
	limit = 100
	q := r.URL.Query()
	if v := q.Get("skip"); v != "" {
		if skip, err = strconv.Atoi(v); err != nil || skip < 0 {
			return 0, 0, errors.New("skip must be a non-negative integer")
		}
	}
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
	}
	return skip, limit, nil
}

func idFromPath(r *http.Request, prefix string) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/")
}

// AssignOrdersHandler handles POST /assign_orders
func (s *Server) AssignOrdersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.Limiter != nil && !s.Limiter.Allow() {
		writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "optimization trigger rate exceeded", r.URL.Path)
		return
	}
	var in model.SimulationInput
	if err := decodeJSON(r, &in, true); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	res, err := s.Planner.Run(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     res.Message,
		"run_id":      res.Run.ID,
		"kpis":        res.KPIs(),
		"assignments": res.Plan.ByDriver(),
		"unassigned":  res.Plan.Unassigned,
		"issues":      res.IssueStrings(),
	})
}

// OptimizedScheduleHandler handles GET /optimized_schedule
func (s *Server) OptimizedScheduleHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	view, err := s.Planner.Schedule(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// SimulationHistoryHandler handles GET /simulation_history?skip=&limit=
func (s *Server) SimulationHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	skip, limit, err := paging(r)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
		return
	}
	runs, err := s.Planner.History(r.Context(), skip, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// PolicyHandler handles GET /policy (the active scoring and assignment constants).
func (s *Server) PolicyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Planner.Policy())
}

// DriversHandler handles GET/POST /drivers
func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		skip, limit, err := paging(r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
			return
		}
		items, err := s.Store.ListDrivers(r.Context(), skip, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var d model.Driver
		if err := decodeJSON(r, &d, false); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateDriver(&d); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid driver", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateDriver(r.Context(), d)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// DriverByIDHandler handles GET/PUT/PATCH/DELETE /drivers/{id}
func (s *Server) DriverByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := idFromPath(r, "/drivers/")
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		d, err := s.Store.GetDriver(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodPut, http.MethodPatch:
		var p model.DriverPatch
		if err := decodeJSON(r, &p, false); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateDriverPatch(p); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid driver", err.Error(), r.URL.Path)
			return
		}
		d, err := s.Store.UpdateDriver(r.Context(), id, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	case http.MethodDelete:
		if err := s.Store.DeleteDriver(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Driver deleted successfully"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RoutesHandler handles GET/POST /routes
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		skip, limit, err := paging(r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
			return
		}
		items, err := s.Store.ListRoutes(r.Context(), skip, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var rt model.Route
		if err := decodeJSON(r, &rt, false); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateRoute(&rt); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid route", err.Error(), r.URL.Path)
			return
		}
		created, err := s.Store.CreateRoute(r.Context(), rt)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// RouteByIDHandler handles GET/PUT/PATCH/DELETE /routes/{id}
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := idFromPath(r, "/routes/")
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rt, err := s.Store.GetRoute(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rt)
	case http.MethodPut, http.MethodPatch:
		var p model.RoutePatch
		if err := decodeJSON(r, &p, false); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if err := validateRoutePatch(&p); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid route", err.Error(), r.URL.Path)
			return
		}
		rt, err := s.Store.UpdateRoute(r.Context(), id, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rt)
	case http.MethodDelete:
		if err := s.Store.DeleteRoute(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Route deleted successfully"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// routeExists reports a 400 problem when an order references an unknown route.
func (s *Server) routeExists(ctx context.Context, w http.ResponseWriter, r *http.Request, routeID string) bool {
	if _, err := s.Store.GetRoute(ctx, routeID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, http.StatusBadRequest, "Invalid order", "route "+routeID+" does not exist", r.URL.Path)
			return false
		}
		writeError(w, r, err)
		return false
	}
	return true
}

// OrdersHandler handles GET/POST /orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		skip, limit, err := paging(r)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid query", err.Error(), r.URL.Path)
			return
		}
		items, err := s.Store.ListOrders(r.Context(), skip, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case http.MethodPost:
		var in orderIn
		if err := decodeJSON(r, &in, false); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		o, err := in.toOrder(s.Now(), s.Loc)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid order", err.Error(), r.URL.Path)
			return
		}
		if !s.routeExists(r.Context(), w, r, o.RouteID) {
			return
		}
		created, err := s.Store.CreateOrder(r.Context(), o)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// OrderByIDHandler handles GET/PUT/PATCH/DELETE /orders/{id}
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
	id := idFromPath(r, "/orders/")
	if id == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	switch r.Method {
	case http.MethodGet:
		o, err := s.Store.GetOrder(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	case http.MethodPut, http.MethodPatch:
		var in orderIn
		if err := decodeJSON(r, &in, false); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		p, err := in.toPatch(s.Now(), s.Loc)
		if err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid order", err.Error(), r.URL.Path)
			return
		}
		if p.RouteID != nil && !s.routeExists(r.Context(), w, r, *p.RouteID) {
			return
		}
		o, err := s.Store.UpdateOrder(r.Context(), id, p)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	case http.MethodDelete:
		if err := s.Store.DeleteOrder(r.Context(), id); err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "Order deleted successfully"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
