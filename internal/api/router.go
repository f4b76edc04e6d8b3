package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/beacon/internal/aggregation"
	"github.com/alecgard/beacon/internal/alert"
	"github.com/alecgard/beacon/internal/auth"
	"github.com/alecgard/beacon/internal/cost"
	"github.com/alecgard/beacon/internal/health"
	"github.com/alecgard/beacon/internal/ingest"
	"github.com/alecgard/beacon/internal/notify"
)

// SampleSubmitter accepts ingested batches.
type SampleSubmitter interface {
	Submit(samples []aggregation.MetricSample) (ingest.Result, error)
}

// AggregateQuerier reads persisted aggregates.
type AggregateQuerier interface {
	List(ctx context.Context, q aggregation.Query) ([]aggregation.AggregatedMetric, error)
	Reduce(ctx context.Context, q aggregation.Query, fn aggregation.Func) (*aggregation.Result, error)
}

// CostQuerier summarizes cost records.
type CostQuerier interface {
	Summary(ctx context.Context, from, to time.Time, breakdown bool) (*cost.Summary, error)
}

// RuleManager is validated rule CRUD plus history listing.
type RuleManager interface {
	Create(ctx context.Context, input alert.CreateRuleInput) (*alert.Rule, error)
	Get(ctx context.Context, id string) (*alert.Rule, error)
	List(ctx context.Context) ([]*alert.Rule, error)
	Update(ctx context.Context, id string, input alert.UpdateRuleInput) (*alert.Rule, error)
	Delete(ctx context.Context, id string) error
	History(ctx context.Context, q alert.HistoryQuery) ([]*alert.History, error)
}

// AlertResolver closes open alerts on operator request.
type AlertResolver interface {
	GetHistory(ctx context.Context, id string) (*alert.History, error)
	Resolve(ctx context.Context, historyID string, rule *alert.Rule) (*alert.History, error)
}

// DeadLetterLister reads the notification dead-letter list.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context, limit int) ([]notify.Message, error)
}

// TaskTrigger runs a scheduled task out of band.
type TaskTrigger interface {
	RunNow(name string) error
}

// HealthChecker probes dependencies.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// RouterDeps holds all dependencies for the API router. Nil dependencies
// disable the routes that need them.
type RouterDeps struct {
	Ingest      SampleSubmitter
	Aggregates  AggregateQuerier
	Costs       CostQuerier
	Rules       RuleManager
	Alerts      AlertResolver
	DeadLetters DeadLetterLister
	Tasks       TaskTrigger
	Health      HealthChecker

	// IngestLimiter wraps the ingest route, typically ratelimit.Middleware.
	IngestLimiter func(http.Handler) http.Handler

	IngestKeys   *auth.KeySet
	AdminKeyHash string
	OnAuthFail   func(authType string)

	Metrics        HTTPMetrics
	MetricsHandler http.Handler // Prometheus exposition
	SummaryHandler http.Handler // JSON summary
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(observe(deps.Metrics))

	ingestH := &ingestHandler{svc: deps.Ingest}
	query := &queryHandler{aggregates: deps.Aggregates, costs: deps.Costs}
	rules := &rulesHandler{rules: deps.Rules, alerts: deps.Alerts}
	ops := &opsHandler{deadLetters: deps.DeadLetters, tasks: deps.Tasks, health: deps.Health}

	r.Get("/health", ops.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	if deps.SummaryHandler != nil {
		r.Handle("/metrics/summary", deps.SummaryHandler)
	}

	r.Route("/api/v1", func(ar chi.Router) {
		ar.Group(func(ir chi.Router) {
			if deps.IngestLimiter != nil {
				ir.Use(deps.IngestLimiter)
			}
			ir.Use(auth.IngestMiddleware(deps.IngestKeys, deps.OnAuthFail))
			ir.Post("/ingest", ingestH.Submit)
		})

		ar.Get("/aggregates", query.Aggregates)
		ar.Get("/costs", query.Costs)

		// Admin routes (require admin key).
		ar.Route("/admin", func(adm chi.Router) {
			adm.Use(auth.AdminMiddleware(deps.AdminKeyHash, deps.OnAuthFail))

			adm.Post("/rules", rules.Create)
			adm.Get("/rules", rules.List)
			adm.Get("/rules/{id}", rules.Get)
			adm.Patch("/rules/{id}", rules.Update)
			adm.Delete("/rules/{id}", rules.Delete)

			adm.Get("/alerts", rules.History)
			adm.Post("/alerts/{id}/resolve", rules.Resolve)

			adm.Get("/dead-letters", ops.ListDeadLetters)
			adm.Post("/tasks/{name}/run", ops.RunTask)
		})
	})

	return r
}
