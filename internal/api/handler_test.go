package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/beacon/internal/aggregation"
	"github.com/alecgard/beacon/internal/alert"
	"github.com/alecgard/beacon/internal/auth"
	"github.com/alecgard/beacon/internal/cost"
	"github.com/alecgard/beacon/internal/health"
	"github.com/alecgard/beacon/internal/ingest"
	"github.com/alecgard/beacon/internal/notify"
	"github.com/alecgard/beacon/internal/scheduler"
	"github.com/alecgard/beacon/internal/storage"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeSubmitter struct {
	got []aggregation.MetricSample
	err error
}

func (f *fakeSubmitter) Submit(samples []aggregation.MetricSample) (ingest.Result, error) {
	f.got = append(f.got, samples...)
	if f.err != nil {
		return ingest.Result{Rejected: len(samples)}, f.err
	}
	return ingest.Result{Accepted: len(samples)}, nil
}

type fakeAggregates struct {
	lastQuery aggregation.Query
	lastFn    aggregation.Func
}

func (f *fakeAggregates) List(_ context.Context, q aggregation.Query) ([]aggregation.AggregatedMetric, error) {
	f.lastQuery = q
	return []aggregation.AggregatedMetric{{SourceID: q.SourceID, MetricName: q.MetricName, Count: 3, Sum: 6}}, nil
}

func (f *fakeAggregates) Reduce(_ context.Context, q aggregation.Query, fn aggregation.Func) (*aggregation.Result, error) {
	f.lastQuery = q
	f.lastFn = fn
	return &aggregation.Result{Func: fn, Value: 42, Windows: 2}, nil
}

type fakeCosts struct {
	from, to  time.Time
	breakdown bool
}

func (f *fakeCosts) Summary(_ context.Context, from, to time.Time, breakdown bool) (*cost.Summary, error) {
	f.from, f.to, f.breakdown = from, to, breakdown
	return &cost.Summary{}, nil
}

type fakeRules struct {
	mu      sync.Mutex
	rules   map[string]*alert.Rule
	history []*alert.History
	seq     int
}

func newFakeRules() *fakeRules {
	return &fakeRules{rules: make(map[string]*alert.Rule)}
}

func (f *fakeRules) Create(ctx context.Context, in alert.CreateRuleInput) (*alert.Rule, error) {
	if in.Name == "" {
		return nil, alert.ErrNameRequired
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	r := &alert.Rule{ID: fmt.Sprintf("rule-%d", f.seq), Name: in.Name, MetricName: in.MetricName}
	f.rules[r.ID] = r
	return r, nil
}

func (f *fakeRules) Get(_ context.Context, id string) (*alert.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return nil, fmt.Errorf("getting rule: %w", storage.ErrNotFound)
	}
	return r, nil
}

func (f *fakeRules) List(context.Context) ([]*alert.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*alert.Rule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRules) Update(ctx context.Context, id string, in alert.UpdateRuleInput) (*alert.Rule, error) {
	r, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		r.Name = *in.Name
	}
	return r, nil
}

func (f *fakeRules) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rules[id]; !ok {
		return storage.ErrNotFound
	}
	for _, h := range f.history {
		if h.RuleID == id && h.Open() {
			return alert.ErrRuleHasOpenAlert
		}
	}
	delete(f.rules, id)
	return nil
}

func (f *fakeRules) History(_ context.Context, q alert.HistoryQuery) ([]*alert.History, error) {
	var out []*alert.History
	for _, h := range f.history {
		if q.RuleID != "" && h.RuleID != q.RuleID {
			continue
		}
		if q.OpenOnly && !h.Open() {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

type fakeResolver struct {
	history  map[string]*alert.History
	resolved []string
	ruleSeen *alert.Rule
}

func (f *fakeResolver) GetHistory(_ context.Context, id string) (*alert.History, error) {
	h, ok := f.history[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return h, nil
}

func (f *fakeResolver) Resolve(_ context.Context, id string, rule *alert.Rule) (*alert.History, error) {
	h := f.history[id]
	now := time.Now()
	h.ResolvedAt = &now
	f.resolved = append(f.resolved, id)
	f.ruleSeen = rule
	return h, nil
}

type fakeTasks struct {
	running map[string]bool
	ran     []string
}

func (f *fakeTasks) RunNow(name string) error {
	switch name {
	case "rollup", "cost":
	default:
		return scheduler.ErrUnknownTask
	}
	if f.running[name] {
		return scheduler.ErrTaskRunning
	}
	f.ran = append(f.ran, name)
	return nil
}

type fakeDeadLetters struct{ msgs []notify.Message }

func (f *fakeDeadLetters) DeadLetters(_ context.Context, limit int) ([]notify.Message, error) {
	if limit < len(f.msgs) {
		return f.msgs[:limit], nil
	}
	return f.msgs, nil
}

type fakeHTTPMetrics struct {
	mu       sync.Mutex
	patterns []string
}

func (f *fakeHTTPMetrics) ObserveHTTPRequest(_, pattern string, _ int, _ float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patterns = append(f.patterns, pattern)
}

const testAdminKey = "beacon_admin_test_key"

func testAdminHash(t *testing.T) string {
	t.Helper()
	hash, err := auth.HashAdminKey(testAdminKey)
	if err != nil {
		t.Fatalf("hashing admin key: %v", err)
	}
	return hash
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminKey}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorDetail {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return env.Error
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealth_HealthyAndDegraded(t *testing.T) {
	checker := health.NewChecker(time.Second)
	var fail bool
	checker.Add("postgres", health.PingFunc(func(context.Context) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	}))
	router := NewRouter(RouterDeps{Health: checker})

	rec := doRequest(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	fail = true
	rec = doRequest(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var rep health.Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if rep.Status != health.StatusDegraded || len(rep.Checks) != 1 || rep.Checks[0].Healthy {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestSecureHeadersAndRequestID(t *testing.T) {
	router := NewRouter(RouterDeps{})
	rec := doRequest(t, router, http.MethodGet, "/health", "", nil)

	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options nosniff")
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a generated X-Request-ID")
	}
}

func TestObserve_RecordsRoutePattern(t *testing.T) {
	m := &fakeHTTPMetrics{}
	router := NewRouter(RouterDeps{
		Rules:        newFakeRules(),
		AdminKeyHash: testAdminHash(t),
		Metrics:      m,
	})

	doRequest(t, router, http.MethodGet, "/api/v1/admin/rules/abc", "", adminHeaders())

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.patterns) != 1 || m.patterns[0] != "/api/v1/admin/rules/{id}" {
		t.Errorf("expected route pattern label, got %v", m.patterns)
	}
}

// ---------------------------------------------------------------------------
// Ingest
// ---------------------------------------------------------------------------

func TestIngest_Accepted(t *testing.T) {
	sub := &fakeSubmitter{}
	router := NewRouter(RouterDeps{Ingest: sub})

	body := `{"samples":[{"metric_name":"latency","value":12.5,"timestamp_ms":1},{"source_id":"web","metric_name":"latency","value":3}]}`
	rec := doRequest(t, router, http.MethodPost, "/api/v1/ingest", body, map[string]string{"X-Source-ID": "api"})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var res ingest.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("expected 2 accepted, got %d", res.Accepted)
	}
	if sub.got[0].SourceID != "api" {
		t.Errorf("expected header source applied, got %q", sub.got[0].SourceID)
	}
	if sub.got[1].SourceID != "web" {
		t.Errorf("expected explicit source kept, got %q", sub.got[1].SourceID)
	}
}

func TestIngest_BadBodies(t *testing.T) {
	router := NewRouter(RouterDeps{Ingest: &fakeSubmitter{}})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"samples":`},
		{"empty", `{"samples":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/v1/ingest", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec).Code; got != "invalid_body" {
				t.Errorf("expected invalid_body, got %q", got)
			}
		})
	}
}

func TestIngest_ShuttingDown(t *testing.T) {
	router := NewRouter(RouterDeps{Ingest: &fakeSubmitter{err: fmt.Errorf("adding samples: %w", aggregation.ErrClosed)}})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ingest", `{"samples":[{"source_id":"a","metric_name":"b"}]}`, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestIngest_RequiresKeyWhenConfigured(t *testing.T) {
	_, key, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	var failures []string
	router := NewRouter(RouterDeps{
		Ingest:     &fakeSubmitter{},
		IngestKeys: auth.NewKeySet([]string{auth.HashKey(key)}),
		OnAuthFail: func(kind string) { failures = append(failures, kind) },
	})
	body := `{"samples":[{"source_id":"a","metric_name":"b"}]}`

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ingest", body, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodPost, "/api/v1/ingest", body, map[string]string{"Authorization": "Bearer " + key})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with key, got %d", rec.Code)
	}
	if len(failures) != 1 || failures[0] != "ingest" {
		t.Errorf("expected one ingest auth failure, got %v", failures)
	}
}

func TestIngest_LimiterWrapsRoute(t *testing.T) {
	limiter := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "slow down")
		})
	}
	router := NewRouter(RouterDeps{Ingest: &fakeSubmitter{}, IngestLimiter: limiter})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/ingest", `{"samples":[{"source_id":"a","metric_name":"b"}]}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	// Query routes are not limited.
	rec = doRequest(t, router, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on health, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestAggregates_ListAndReduce(t *testing.T) {
	aggs := &fakeAggregates{}
	router := NewRouter(RouterDeps{Aggregates: aggs})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/aggregates?source=api&metric=latency&from=2026-03-01&limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if aggs.lastQuery.SourceID != "api" || aggs.lastQuery.MetricName != "latency" || aggs.lastQuery.Limit != 10 {
		t.Errorf("unexpected query: %+v", aggs.lastQuery)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !aggs.lastQuery.From.Equal(want) {
		t.Errorf("from = %v, want %v", aggs.lastQuery.From, want)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/aggregates?metric=latency&fn=max", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res aggregation.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decoding result: %v", err)
	}
	if res.Func != aggregation.FuncMax || res.Value != 42 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestAggregates_InvalidParams(t *testing.T) {
	router := NewRouter(RouterDeps{Aggregates: &fakeAggregates{}})

	tests := []struct {
		query string
		code  string
	}{
		{"fn=median", "invalid_fn"},
		{"from=yesterday", "invalid_from"},
		{"to=nope", "invalid_to"},
		{"from=2026-03-02&to=2026-03-01", "invalid_range"},
		{"limit=0", "invalid_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodGet, "/api/v1/aggregates?"+tt.query, "", nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decodeError(t, rec).Code; got != tt.code {
				t.Errorf("expected %s, got %q", tt.code, got)
			}
		})
	}
}

func TestCosts_DefaultsAndBreakdown(t *testing.T) {
	costs := &fakeCosts{}
	router := NewRouter(RouterDeps{Costs: costs})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/costs?breakdown=true", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !costs.breakdown {
		t.Error("expected breakdown requested")
	}
	if d := costs.to.Sub(costs.from); d != 30*24*time.Hour {
		t.Errorf("expected 30 day default period, got %v", d)
	}
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestAdmin_RequiresKey(t *testing.T) {
	var failures int
	router := NewRouter(RouterDeps{
		Rules:        newFakeRules(),
		AdminKeyHash: testAdminHash(t),
		OnAuthFail:   func(string) { failures++ },
	})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/admin/rules", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", rec.Code)
	}
	rec = doRequest(t, router, http.MethodGet, "/api/v1/admin/rules", "", map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong key, got %d", rec.Code)
	}
	if failures != 2 {
		t.Errorf("expected 2 auth failures, got %d", failures)
	}
}

func TestAdmin_ForbiddenWithoutConfiguredHash(t *testing.T) {
	router := NewRouter(RouterDeps{Rules: newFakeRules()})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/admin/rules", "", adminHeaders())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRules_CRUD(t *testing.T) {
	router := NewRouter(RouterDeps{Rules: newFakeRules(), AdminKeyHash: testAdminHash(t)})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/admin/rules",
		`{"name":"High latency","metric_name":"latency","condition":">","threshold":500,"notification_channels":["ops"]}`, adminHeaders())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created alert.Rule
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decoding rule: %v", err)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/admin/rules/"+created.ID, "", adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodPatch, "/api/v1/admin/rules/"+created.ID, `{"name":"Renamed"}`, adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", rec.Code)
	}
	var updated alert.Rule
	_ = json.NewDecoder(rec.Body).Decode(&updated)
	if updated.Name != "Renamed" {
		t.Errorf("expected renamed rule, got %q", updated.Name)
	}

	rec = doRequest(t, router, http.MethodDelete, "/api/v1/admin/rules/"+created.ID, "", adminHeaders())
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/v1/admin/rules/"+created.ID, "", adminHeaders())
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestRules_DeleteWithOpenAlertConflicts(t *testing.T) {
	rules := newFakeRules()
	rules.rules["rule-9"] = &alert.Rule{ID: "rule-9", Name: "busy"}
	rules.history = []*alert.History{{ID: "hist-9", RuleID: "rule-9"}}
	router := NewRouter(RouterDeps{Rules: rules, AdminKeyHash: testAdminHash(t)})

	rec := doRequest(t, router, http.MethodDelete, "/api/v1/admin/rules/rule-9", "", adminHeaders())
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := decodeError(t, rec).Code; got != "rule_has_open_alert" {
		t.Errorf("expected rule_has_open_alert, got %q", got)
	}
	if _, ok := rules.rules["rule-9"]; !ok {
		t.Error("rule with an open alert must not be deleted")
	}
}

func TestRules_ValidationError(t *testing.T) {
	router := NewRouter(RouterDeps{Rules: newFakeRules(), AdminKeyHash: testAdminHash(t)})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/admin/rules", `{"metric_name":"latency"}`, adminHeaders())
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != "validation_error" || got.Message != alert.ErrNameRequired.Error() {
		t.Errorf("unexpected error: %+v", got)
	}
}

func TestAlerts_ListOpenOnly(t *testing.T) {
	rules := newFakeRules()
	resolved := time.Now()
	rules.history = []*alert.History{
		{ID: "h1", RuleID: "r1"},
		{ID: "h2", RuleID: "r1", ResolvedAt: &resolved},
		{ID: "h3", RuleID: "r2"},
	}
	router := NewRouter(RouterDeps{Rules: rules, AdminKeyHash: testAdminHash(t)})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/admin/alerts?rule_id=r1&open=true", "", adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Alerts []alert.History `json:"alerts"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.Alerts) != 1 || body.Alerts[0].ID != "h1" {
		t.Errorf("expected only h1, got %+v", body.Alerts)
	}
}

func TestAlerts_Resolve(t *testing.T) {
	rules := newFakeRules()
	rules.rules["r1"] = &alert.Rule{ID: "r1", Name: "High latency"}
	done := time.Now()
	resolver := &fakeResolver{history: map[string]*alert.History{
		"open":   {ID: "open", RuleID: "r1"},
		"closed": {ID: "closed", RuleID: "r1", ResolvedAt: &done},
		"orphan": {ID: "orphan", RuleID: "gone"},
	}}
	router := NewRouter(RouterDeps{Rules: rules, Alerts: resolver, AdminKeyHash: testAdminHash(t)})

	tests := []struct {
		id     string
		status int
	}{
		{"open", http.StatusOK},
		{"closed", http.StatusConflict},
		{"missing", http.StatusNotFound},
		{"orphan", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/v1/admin/alerts/"+tt.id+"/resolve", "", adminHeaders())
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	if len(resolver.resolved) != 2 {
		t.Errorf("expected 2 resolutions, got %v", resolver.resolved)
	}
	if resolver.ruleSeen != nil {
		t.Error("expected nil rule for an alert whose rule was deleted")
	}
}

func TestDeadLetters(t *testing.T) {
	dl := &fakeDeadLetters{msgs: []notify.Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}}
	router := NewRouter(RouterDeps{DeadLetters: dl, AdminKeyHash: testAdminHash(t)})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/admin/dead-letters?limit=2", "", adminHeaders())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		DeadLetters []notify.Message `json:"dead_letters"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(body.DeadLetters) != 2 {
		t.Errorf("expected 2 dead letters, got %d", len(body.DeadLetters))
	}
}

func TestRunTask(t *testing.T) {
	tasks := &fakeTasks{running: map[string]bool{"cost": true}}
	router := NewRouter(RouterDeps{Tasks: tasks, AdminKeyHash: testAdminHash(t)})

	tests := []struct {
		name   string
		status int
	}{
		{"rollup", http.StatusAccepted},
		{"cost", http.StatusConflict},
		{"nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, router, http.MethodPost, "/api/v1/admin/tasks/"+tt.name+"/run", "", adminHeaders())
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
	if len(tasks.ran) != 1 || tasks.ran[0] != "rollup" {
		t.Errorf("expected only rollup to run, got %v", tasks.ran)
	}
}
