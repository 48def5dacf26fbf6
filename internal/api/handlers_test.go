package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"dispatchopt/internal/model"
	"dispatchopt/internal/opt"
	"dispatchopt/internal/planner"
	"dispatchopt/internal/store"
)

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, st store.Store, opts ...Option) *Server {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	now := func() time.Time { return testNow }
	broker := NewBroker()
	pl := planner.New(st, opt.DefaultPolicy(),
		planner.WithClock(now),
		planner.WithLocation(time.UTC),
		planner.WithSinks(NewBrokerSink(broker)),
	)
	opts = append([]Option{WithClock(now), WithLocation(time.UTC)}, opts...)
	return NewServer(st, pl, broker, opts...)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func seedScenarioA(t *testing.T, h http.Handler) {
	t.Helper()
	if rr := do(t, h, http.MethodPost, "/drivers", `{"driver_id":"D1","name":"Ann"}`); rr.Code != http.StatusCreated {
		t.Fatalf("create driver: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/routes", `{"route_id":"R1","distance_km":5,"traffic_level":"Low","base_time_minutes":30}`); rr.Code != http.StatusCreated {
		t.Fatalf("create route: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/orders", `{"order_id":"O1","value":500,"route_id":"R1","delivery_time":"10:00"}`); rr.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", rr.Code, rr.Body)
	}
}

func TestHealthReady(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	if rr := do(t, h, http.MethodGet, "/healthz", ""); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

type downStore struct{ *store.Memory }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyReportsStoreDown(t *testing.T) {
	h := newTestServer(t, downStore{store.NewMemory()}).Handler()
	if rr := do(t, h, http.MethodGet, "/readyz", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestDriverCRUD(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	if rr := do(t, h, http.MethodPost, "/drivers", `{"driver_id":"D1","name":"Ann","shift_hours_today":2}`); rr.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/drivers", `{"driver_id":"D1","name":"Dup"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("duplicate: %d", rr.Code)
	}
	rr := do(t, h, http.MethodPatch, "/drivers/D1", `{"name":"Bea"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rr.Code, rr.Body)
	}
	var d model.Driver
	_ = json.Unmarshal(rr.Body.Bytes(), &d)
	if d.Name != "Bea" || d.ShiftHoursToday != 2 {
		t.Fatalf("patched driver: %+v", d)
	}
	rr = do(t, h, http.MethodGet, "/drivers?limit=5", "")
	var list []model.Driver
	_ = json.Unmarshal(rr.Body.Bytes(), &list)
	if rr.Code != 200 || len(list) != 1 {
		t.Fatalf("list: %d %v", rr.Code, list)
	}
	rr = do(t, h, http.MethodDelete, "/drivers/D1", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "Driver deleted successfully") {
		t.Fatalf("delete: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodGet, "/drivers/D1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("get deleted: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodDelete, "/drivers/D1", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing: %d", rr.Code)
	}
}

func TestEntityValidation(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	cases := []struct{ path, body string }{
		{"/drivers", `{"driver_id":"D1","name":"Ann","shift_hours_today":-1}`},
		{"/drivers", `{"driver_id":"","name":"Ann"}`},
		{"/drivers", `{"driver_id":"D1","name":"Ann","extra":1}`},
		{"/routes", `{"route_id":"R1","distance_km":5,"traffic_level":"jammed","base_time_minutes":30}`},
		{"/orders", `{"order_id":"O1","value":10,"route_id":"missing","delivery_time":"10:00"}`},
		{"/orders", `{"order_id":"O1","value":10,"route_id":"R1","delivery_time":"noon"}`},
		{"/orders", `{"order_id":"O1","route_id":"R1","delivery_time":"10:00"}`},
	}
	for _, c := range cases {
		if rr := do(t, h, http.MethodPost, c.path, c.body); rr.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: got %d", c.path, c.body, rr.Code)
		}
	}
}

func TestRouteTrafficNormalized(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	do(t, h, http.MethodPost, "/routes", `{"route_id":"R1","distance_km":5,"traffic_level":"HIGH","base_time_minutes":30}`)
	rr := do(t, h, http.MethodGet, "/routes/R1", "")
	var r model.Route
	_ = json.Unmarshal(rr.Body.Bytes(), &r)
	if r.TrafficLevel != model.TrafficHigh {
		t.Fatalf("traffic: %q", r.TrafficLevel)
	}
}

func TestOrderUpdateChecksRoute(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	seedScenarioA(t, h)
	if rr := do(t, h, http.MethodPut, "/orders/O1", `{"route_id":"nope"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad route: %d", rr.Code)
	}
	rr := do(t, h, http.MethodPut, "/orders/O1", `{"value":750}`)
	var o model.Order
	_ = json.Unmarshal(rr.Body.Bytes(), &o)
	if rr.Code != 200 || o.Value != 750 || o.RouteID != "R1" {
		t.Fatalf("update: %d %+v", rr.Code, o)
	}
}

func TestAssignOrdersScenarioA(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	seedScenarioA(t, h)

	rr := do(t, h, http.MethodPost, "/assign_orders", `{"route_start_time":"09:00"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rr.Code, rr.Body)
	}
	var out struct {
		Message     string              `json:"message"`
		RunID       string              `json:"run_id"`
		KPIs        model.KPIs          `json:"kpis"`
		Assignments map[string][]string `json:"assignments"`
		Unassigned  []string            `json:"unassigned"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Message != "Orders assigned successfully" || out.RunID == "" {
		t.Fatalf("response: %+v", out)
	}
	if out.KPIs.OnTimeDeliveries != 1 || out.KPIs.EfficiencyScore != 100 || out.KPIs.TotalFuelCost != 25 {
		t.Fatalf("kpis: %+v", out.KPIs)
	}
	if len(out.Assignments["D1"]) != 1 || len(out.Unassigned) != 0 {
		t.Fatalf("assignments: %+v unassigned: %v", out.Assignments, out.Unassigned)
	}

	rr = do(t, h, http.MethodGet, "/optimized_schedule", "")
	var view planner.ScheduleView
	_ = json.Unmarshal(rr.Body.Bytes(), &view)
	if rr.Code != 200 || len(view.Schedule) != 1 || view.Schedule[0].DriverName != "Ann" {
		t.Fatalf("schedule: %d %s", rr.Code, rr.Body)
	}
	if view.KPIs == nil || view.KPIs.TotalDeliveries != 1 {
		t.Fatalf("schedule kpis: %+v", view.KPIs)
	}

	rr = do(t, h, http.MethodGet, "/simulation_history?limit=10", "")
	var runs []model.SimulationRun
	_ = json.Unmarshal(rr.Body.Bytes(), &runs)
	if rr.Code != 200 || len(runs) != 1 || runs[0].ID != out.RunID {
		t.Fatalf("history: %d %s", rr.Code, rr.Body)
	}
}

func TestAssignOrdersEmptyBodyUsesDefaults(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	seedScenarioA(t, h)
	if rr := do(t, h, http.MethodPost, "/assign_orders", ""); rr.Code != http.StatusOK {
		t.Fatalf("assign: %d %s", rr.Code, rr.Body)
	}
}

func TestAssignOrdersRejectsBadInput(t *testing.T) {
	st := store.NewMemory()
	h := newTestServer(t, st).Handler()
	for _, body := range []string{
		`{"num_available_drivers":0}`,
		`{"route_start_time":"9am"}`,
		`{"max_hours_per_driver_per_day":-2}`,
		`{"unknown":true}`,
	} {
		rr := do(t, h, http.MethodPost, "/assign_orders", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d", body, rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/problem+json" {
			t.Fatalf("%s: content type %q", body, ct)
		}
	}
	if runs, _ := st.ListRuns(t.Context(), 0, 10); len(runs) != 0 {
		t.Fatalf("rejected runs were recorded: %d", len(runs))
	}
	if rr := do(t, h, http.MethodGet, "/assign_orders", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET assign: %d", rr.Code)
	}
}

type brokenCommit struct{ *store.Memory }

func (brokenCommit) CommitRun(context.Context, store.RunCommit) (model.SimulationRun, error) {
	return model.SimulationRun{}, errors.New("disk full")
}

func TestAssignOrdersPersistenceFailure(t *testing.T) {
	h := newTestServer(t, brokenCommit{store.NewMemory()}).Handler()
	seedScenarioA(t, h)
	rr := do(t, h, http.MethodPost, "/assign_orders", `{}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("assign: %d", rr.Code)
	}
	var p Problem
	_ = json.Unmarshal(rr.Body.Bytes(), &p)
	if p.Detail != "optimization failed" {
		t.Fatalf("problem: %+v", p)
	}
}

func TestAssignOrdersRateLimited(t *testing.T) {
	h := newTestServer(t, nil, WithLimiter(NewLimiter(1))).Handler()
	if rr := do(t, h, http.MethodPost, "/assign_orders", `{}`); rr.Code != http.StatusOK {
		t.Fatalf("first: %d %s", rr.Code, rr.Body)
	}
	if rr := do(t, h, http.MethodPost, "/assign_orders", `{}`); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d", rr.Code)
	}
}

func TestHistoryRejectsBadPaging(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	if rr := do(t, h, http.MethodGet, "/simulation_history?skip=-1", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("skip: %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/simulation_history?limit=x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("limit: %d", rr.Code)
	}
}

func TestPolicyEndpoint(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	rr := do(t, h, http.MethodGet, "/policy", "")
	var p opt.Policy
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil || rr.Code != 200 {
		t.Fatalf("policy: %d %v", rr.Code, err)
	}
	if p.Fuel.RatePerKm != opt.DefaultPolicy().Fuel.RatePerKm {
		t.Fatalf("policy: %+v", p)
	}
}

func TestRunStreamReceivesEvent(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	sc := bufio.NewScanner(resp.Body)
	waitFor := func(prefix string) string {
		for sc.Scan() {
			if line := sc.Text(); strings.HasPrefix(line, prefix) {
				return line
			}
		}
		t.Fatalf("stream ended before %q: %v", prefix, sc.Err())
		return ""
	}
	waitFor("event: heartbeat")

	rr := do(t, s.Handler(), http.MethodPost, "/assign_orders", `{}`)
	if rr.Code != 200 {
		t.Fatalf("assign: %d", rr.Code)
	}
	if line := waitFor("event: "); line != "event: "+model.EventOptimizationCompleted {
		t.Fatalf("event line %q", line)
	}
	data := strings.TrimPrefix(waitFor("data: "), "data: ")
	var ev model.RunEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil || ev.RunID == "" {
		t.Fatalf("event data %q: %v", data, err)
	}
}

func TestRunWSReceivesEvent(t *testing.T) {
	s := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/runs/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	if err := conn.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		t.Fatalf("init: %v", err)
	}
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "connection_ack" {
		t.Fatalf("ack: %+v %v", msg, err)
	}
	_ = conn.WriteJSON(wsMessage{Type: "ping"})
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "pong" {
		t.Fatalf("pong: %+v %v", msg, err)
	}
	_ = conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1"})
	// A ping round trip orders the subscription before the run.
	_ = conn.WriteJSON(wsMessage{Type: "ping"})
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "pong" {
		t.Fatalf("pong: %+v %v", msg, err)
	}

	if rr := do(t, s.Handler(), http.MethodPost, "/assign_orders", `{}`); rr.Code != 200 {
		t.Fatalf("assign: %d", rr.Code)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("next: %v", err)
	}
	if msg.Type != "next" || msg.ID != "1" || !bytes.Contains(msg.Payload, []byte(model.EventOptimizationCompleted)) {
		t.Fatalf("next: %+v", msg)
	}
}

func TestMetricsAndVersion(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	do(t, h, http.MethodGet, "/healthz", "")
	rr := do(t, h, http.MethodGet, "/metrics", "")
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/version", "")
	var v map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &v)
	if rr.Code != 200 || v["timezone"] != "UTC" {
		t.Fatalf("version: %d %s", rr.Code, rr.Body)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "abc")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Request-Id"); got != "abc" {
		t.Fatalf("request id: %q", got)
	}
}
