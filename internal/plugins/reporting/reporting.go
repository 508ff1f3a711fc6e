// Package reporting snapshots analytics counters into reports on a cron
// schedule.
package reporting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/analytics"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const (
	Name   = "reporting"
	Entity = "report"
)

// CounterSource supplies counters for a scope.
type CounterSource interface {
	Counters(ctx context.Context, scope string) (map[string]int64, error)
}

// Report is one reports row.
type Report struct {
	ID          string          `db:"id" json:"id"`
	Name        string          `db:"name" json:"name"`
	Body        json.RawMessage `db:"body" json:"body"`
	GeneratedAt time.Time       `db:"generated_at" json:"generatedAt"`
}

// Plugin schedules report generation between application bootstrap and shutdown.
type Plugin struct {
	db        *sqlx.DB
	publisher plugin.ChangePublisher
	log       *logger.Logger
	cfg       *plugin.Config
	module    *plugin.Module

	source CounterSource
	cron   *cron.Cron
}

func New(db *sqlx.DB, publisher plugin.ChangePublisher, log *logger.Logger) *Plugin {
	if log == nil {
		log = logger.NewDiscard()
	}
	p := &Plugin{db: db, publisher: publisher, log: log.WithComponent(Name), cfg: plugin.NewConfig()}
	p.module = plugin.NewModule(Name).
		Entities(plugin.Entity{Name: Entity, Table: "reports"}).
		Extensions(routes{p}).
		Configuration(func() map[string]any {
			return map[string]any{"schedule": "@every 1h", "name": "change-summary"}
		}).
		Build()
	return p
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:          Name,
		DisplayName:   "Reporting",
		Version:       "1.0.0",
		Type:          plugin.TypeFeature,
		Priority:      plugin.P2,
		Configurable:  true,
		Installable:   true,
		Uninstallable: true,
		Dependencies:  []string{analytics.Name},
		Permissions:   []string{"report:read", "report:write"},
		Module:        p.module,
		API: []plugin.Endpoint{
			{Method: http.MethodPost, Path: "/api/reports", Summary: "Generate a report now"},
		},
	}
}

func (p *Plugin) Initialize(cfg *plugin.Config) error {
	p.cfg = cfg
	return nil
}

// OnApplicationBootstrap resolves the analytics plugin and starts the schedule.
func (p *Plugin) OnApplicationBootstrap(_ context.Context, host plugin.Host) error {
	dep, err := host.Lookup(analytics.Name)
	if err != nil {
		return fmt.Errorf("lookup analytics: %w", err)
	}
	source, ok := dep.(CounterSource)
	if !ok {
		return fmt.Errorf("plugin %s does not expose counters", analytics.Name)
	}
	p.source = source

	c := cron.New(cron.WithChain(cron.Recover(cron.PrintfLogger(p.log))))
	schedule := p.cfg.String("schedule", "@every 1h")
	if _, err := c.AddFunc(schedule, p.runScheduled); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}
	c.Start()
	p.cron = c
	p.log.WithField("schedule", schedule).Info("report schedule started")
	return nil
}

// OnApplicationShutdown stops the schedule and waits for a running job.
func (p *Plugin) OnApplicationShutdown(ctx context.Context) error {
	if p.cron == nil {
		return nil
	}
	done := p.cron.Stop()
	p.cron = nil
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for report job: %w", ctx.Err())
	}
}

func (p *Plugin) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := p.Generate(ctx); err != nil {
		p.log.WithError(err).Error("scheduled report failed")
	}
}

// Generate snapshots the global counters into a new report.
func (p *Plugin) Generate(ctx context.Context) (Report, error) {
	if p.source == nil {
		return Report{}, errors.New("reporting not bootstrapped")
	}
	counters, err := p.source.Counters(ctx, analytics.GlobalScope)
	if err != nil {
		return Report{}, err
	}
	body, err := json.Marshal(map[string]any{"scope": analytics.GlobalScope, "counters": counters})
	if err != nil {
		return Report{}, fmt.Errorf("encode report: %w", err)
	}
	r := Report{
		ID:          uuid.NewString(),
		Name:        p.cfg.String("name", "change-summary"),
		Body:        body,
		GeneratedAt: time.Now().UTC(),
	}
	// jsonb parameters go as text; pq would hex-encode a []byte.
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO reports (id, name, body, generated_at) VALUES ($1, $2, $3, $4)`,
		r.ID, r.Name, string(r.Body), r.GeneratedAt); err != nil {
		return Report{}, fmt.Errorf("insert report: %w", err)
	}
	err = p.publisher.Publish(ctx, plugin.ChangeEvent{
		Entity:    Entity,
		Operation: "insert",
		RecordID:  r.ID,
		Payload:   map[string]any{"name": r.Name},
	})
	if err != nil {
		return r, fmt.Errorf("publish report change: %w", err)
	}
	p.log.WithField("report_id", r.ID).Info("report generated")
	return r, nil
}

type routes struct{ p *Plugin }

func (routes) ExtensionName() string { return "reporting-routes" }

func (r routes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/reports", r.generate).Methods(http.MethodPost)
}

func (r routes) generate(w http.ResponseWriter, req *http.Request) {
	report, err := r.p.Generate(req.Context())
	if err != nil {
		r.p.log.WithError(err).Error("generating report")
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusCreated, report)
}
