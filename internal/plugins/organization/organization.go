// Package organization is an optional feature plugin managing the
// organizations that belong to a tenant.
package organization

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/tenant"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const (
	Name   = "organization"
	Entity = "organization"
)

// Organization is one organizations row.
type Organization struct {
	ID       string `db:"id" json:"id"`
	TenantID string `db:"tenant_id" json:"tenantId"`
	Name     string `db:"name" json:"name"`
}

type Plugin struct {
	db        *sqlx.DB
	publisher plugin.ChangePublisher
	log       *logger.Logger
	cfg       *plugin.Config
	module    *plugin.Module
}

func New(db *sqlx.DB, publisher plugin.ChangePublisher, log *logger.Logger) *Plugin {
	if log == nil {
		log = logger.NewDiscard()
	}
	p := &Plugin{db: db, publisher: publisher, log: log.WithComponent(Name), cfg: plugin.NewConfig()}
	p.module = plugin.NewModule(Name).
		Entities(plugin.Entity{Name: Entity, Table: "organizations"}).
		Extensions(routes{p}).
		Configuration(func() map[string]any {
			return map[string]any{"defaultName": "Headquarters"}
		}).
		Build()
	return p
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:          Name,
		DisplayName:   "Organizations",
		Version:       "1.0.0",
		Type:          plugin.TypeFeature,
		Priority:      plugin.P1,
		Configurable:  true,
		Installable:   true,
		Uninstallable: true,
		Updatable:     true,
		Dependencies:  []string{tenant.Name},
		Permissions:   []string{"organization:read", "organization:write"},
		Module:        p.module,
		API: []plugin.Endpoint{
			{Method: http.MethodGet, Path: "/api/organizations", Summary: "Organizations of the request tenant"},
		},
	}
}

func (p *Plugin) Initialize(cfg *plugin.Config) error {
	p.cfg = cfg
	return nil
}

// OnPluginDefaultSeed creates the default organization of the default tenant.
func (p *Plugin) OnPluginDefaultSeed(ctx context.Context) error {
	tenantID, err := tenant.DefaultID(ctx, p.db)
	if err != nil {
		return err
	}
	name := p.cfg.String("defaultName", "Headquarters")

	var id string
	err = p.db.QueryRowxContext(ctx,
		`INSERT INTO organizations (id, tenant_id, name) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, name) DO NOTHING RETURNING id`,
		uuid.NewString(), tenantID, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	p.log.WithField("tenant_id", tenantID).WithField("name", name).Info("seeded default organization")
	return p.publisher.Publish(ctx, plugin.ChangeEvent{
		Entity:    Entity,
		Operation: "insert",
		TenantID:  tenantID,
		RecordID:  id,
		Payload:   map[string]any{"name": name},
	})
}

// List returns the organizations of tenantID ordered by name.
func (p *Plugin) List(ctx context.Context, tenantID string) ([]Organization, error) {
	out := []Organization{}
	if err := p.db.SelectContext(ctx, &out,
		`SELECT id, tenant_id, name FROM organizations WHERE tenant_id = $1 ORDER BY name`, tenantID); err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	return out, nil
}

type routes struct{ p *Plugin }

func (routes) ExtensionName() string { return "organization-routes" }

func (r routes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/organizations", r.list).Methods(http.MethodGet)
}

func (r routes) list(w http.ResponseWriter, req *http.Request) {
	tenantID := httpapi.TenantFromContext(req.Context())
	if tenantID == "" {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("%s header is required", httpapi.HeaderTenantID))
		return
	}
	orgs, err := r.p.List(req.Context(), tenantID)
	if err != nil {
		r.p.log.WithError(err).Error("listing organizations")
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, orgs)
}
