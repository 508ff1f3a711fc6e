// Package analytics counts entity changes per tenant in Redis.
package analytics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/database"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/tenant"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const (
	Name = "analytics"

	// GlobalScope aggregates changes across every tenant.
	GlobalScope = "global"
)

// Plugin maintains change counters in Redis hashes keyed by tenant.
type Plugin struct {
	rdb    *redis.Client
	log    *logger.Logger
	cfg    *plugin.Config
	module *plugin.Module
}

// New returns the analytics plugin. The plugin owns rdb and closes it on destroy.
func New(rdb *redis.Client, log *logger.Logger) *Plugin {
	if log == nil {
		log = logger.NewDiscard()
	}
	p := &Plugin{rdb: rdb, log: log.WithComponent(Name), cfg: plugin.NewConfig()}
	p.module = plugin.NewModule(Name).
		Subscribers(counter{p}).
		Extensions(routes{p}).
		Configuration(func() map[string]any {
			return map[string]any{"keyPrefix": "oksai:analytics"}
		}).
		Build()
	return p
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:          Name,
		DisplayName:   "Analytics",
		Version:       "1.0.0",
		Type:          plugin.TypeFeature,
		Priority:      plugin.P1,
		Configurable:  true,
		Installable:   true,
		Uninstallable: true,
		Dependencies:  []string{tenant.Name},
		Permissions:   []string{"analytics:read"},
		Module:        p.module,
		API: []plugin.Endpoint{
			{Method: http.MethodGet, Path: "/api/analytics/counters", Summary: "Change counters for the request tenant"},
		},
	}
}

func (p *Plugin) Initialize(cfg *plugin.Config) error {
	p.cfg = cfg
	return nil
}

// OnPluginBootstrap checks Redis is reachable.
func (p *Plugin) OnPluginBootstrap(ctx context.Context) error {
	if err := p.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// OnPluginDestroy closes the Redis client.
func (p *Plugin) OnPluginDestroy(context.Context) error {
	if err := p.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

func (p *Plugin) key(scope string) string {
	return p.cfg.String("keyPrefix", "oksai:analytics") + ":" + scope
}

// Record increments the counters for ev in its tenant scope and the global scope.
func (p *Plugin) Record(ctx context.Context, ev plugin.ChangeEvent) error {
	field := ev.Entity + "." + ev.Operation
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, p.key(GlobalScope), field, 1)
		if ev.TenantID != "" {
			pipe.HIncrBy(ctx, p.key(ev.TenantID), field, 1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record change counter: %w", err)
	}
	return nil
}

// Counters returns the counters of scope keyed by "<entity>.<operation>".
func (p *Plugin) Counters(ctx context.Context, scope string) (map[string]int64, error) {
	raw, err := p.rdb.HGetAll(ctx, p.key(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("counter %s: %w", field, err)
		}
		out[field] = n
	}
	return out, nil
}

type counter struct{ p *Plugin }

func (counter) Name() string       { return "analytics-counter" }
func (counter) ListenTo() []string { return []string{database.AllEntities} }

func (c counter) AfterChange(ctx context.Context, ev plugin.ChangeEvent) error {
	return c.p.Record(ctx, ev)
}

type routes struct{ p *Plugin }

func (routes) ExtensionName() string { return "analytics-routes" }

func (r routes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/analytics/counters", r.counters).Methods(http.MethodGet)
}

func (r routes) counters(w http.ResponseWriter, req *http.Request) {
	scope := httpapi.TenantFromContext(req.Context())
	if scope == "" {
		scope = GlobalScope
	}
	counters, err := r.p.Counters(req.Context(), scope)
	if err != nil {
		r.p.log.WithError(err).Error("reading counters")
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, map[string]any{"scope": scope, "counters": counters})
}
