package api

import (
	"math"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"dispatchopt/internal/planner"
	"dispatchopt/internal/store"
)

type Server struct {
	Store   store.Store
	Planner *planner.Planner
	Broker  EventBroker
	// Limiter throttles POST /assign_orders; nil means unlimited.
	Limiter *rate.Limiter
	Loc     *time.Location
	Now     func() time.Time
	// Heartbeat is the idle interval between SSE heartbeats.
	Heartbeat time.Duration
}

type Option func(*Server)

func WithLimiter(l *rate.Limiter) Option { return func(s *Server) { s.Limiter = l } }

func WithLocation(loc *time.Location) Option {
	return func(s *Server) {
		if loc != nil {
			s.Loc = loc
		}
	}
}

func WithClock(now func() time.Time) Option { return func(s *Server) { s.Now = now } }

func NewServer(st store.Store, pl *planner.Planner, broker EventBroker, opts ...Option) *Server {
	if broker == nil {
		broker = NewBroker()
	}
	s := &Server{Store: st, Planner: pl, Broker: broker, Loc: time.Local, Now: time.Now, Heartbeat: 15 * time.Second}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewLimiter allows perMinute optimization triggers per minute with bursts of
// the same size, at least one. Zero or less disables limiting.
func NewLimiter(perMinute float64) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	burst := int(math.Ceil(perMinute))
	return rate.NewLimiter(rate.Limit(perMinute/60), burst)
}

// Handler returns the full route table wrapped in request-id and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Optimization
	mux.HandleFunc("/assign_orders", s.AssignOrdersHandler)
	mux.HandleFunc("/optimized_schedule", s.OptimizedScheduleHandler)
	mux.HandleFunc("/simulation_history", s.SimulationHistoryHandler)
	mux.HandleFunc("/policy", s.PolicyHandler)

	// Entities
	mux.HandleFunc("/drivers", s.DriversHandler)
	mux.HandleFunc("/drivers/", s.DriverByIDHandler)
	mux.HandleFunc("/routes", s.RoutesHandler)
	mux.HandleFunc("/routes/", s.RouteByIDHandler)
	mux.HandleFunc("/orders", s.OrdersHandler)
	mux.HandleFunc("/orders/", s.OrderByIDHandler)

	// Run events
	mux.HandleFunc("/runs/stream", s.RunStreamHandler)
	mux.HandleFunc("/runs/ws", s.RunWSHandler)

	// Health
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.HandleFunc("/version", s.VersionHandler)
	mux.Handle("/metrics", MetricsHandler())

	return requestID(logging(mux))
}
