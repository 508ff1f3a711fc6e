// Package role owns the stock roles and the permission catalog assembled
// from every active plugin's declared permissions.
package role

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/tenant"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const (
	Name   = "role"
	Entity = "role"

	SuperAdmin = "SUPER_ADMIN"
	Admin      = "ADMIN"
	Employee   = "EMPLOYEE"
	Viewer     = "VIEWER"
)

// PluginManage is withheld from every stock role except SUPER_ADMIN.
const PluginManage = "plugin:manage"

// stockRoles maps each stock role to the subset of the catalog it receives.
var stockRoles = []struct {
	name  string
	grant func(perm string) bool
}{
	{SuperAdmin, func(string) bool { return true }},
	{Admin, func(p string) bool { return p != PluginManage }},
	{Employee, func(p string) bool {
		if strings.HasSuffix(p, ":read") {
			return true
		}
		return strings.HasSuffix(p, ":write") && !strings.HasPrefix(p, "tenant:") && !strings.HasPrefix(p, "role:")
	}},
	{Viewer, func(p string) bool { return strings.HasSuffix(p, ":read") }},
}

// Catalog is the permission set of the running composition.
type Catalog struct {
	Permissions []string            `json:"permissions"`
	ByPlugin    map[string][]string `json:"byPlugin"`
}

// Plugin seeds roles and serves the permission catalog.
type Plugin struct {
	db        *sqlx.DB
	publisher plugin.ChangePublisher
	log       *logger.Logger
	module    *plugin.Module

	mu      sync.RWMutex
	catalog Catalog
}

// New returns the role plugin.
func New(db *sqlx.DB, publisher plugin.ChangePublisher, log *logger.Logger) *Plugin {
	if log == nil {
		log = logger.NewDiscard()
	}
	p := &Plugin{db: db, publisher: publisher, log: log.WithComponent(Name)}
	p.module = plugin.NewModule(Name).
		Entities(
			plugin.Entity{Name: Entity, Table: "roles"},
			plugin.Entity{Name: "role_permission", Table: "role_permissions"},
		).
		Extensions(routes{p}).
		Build()
	return p
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         Name,
		DisplayName:  "Roles & Permissions",
		Version:      "1.0.0",
		Type:         plugin.TypeSystem,
		Priority:     plugin.P0,
		Protected:    true,
		Dependencies: []string{tenant.Name},
		Permissions:  []string{"role:read", "role:write", PluginManage},
		Module:       p.module,
		API:          []plugin.Endpoint{{Method: http.MethodGet, Path: "/api/permissions", Summary: "Permission catalog"}},
	}
}

// OnApplicationBootstrap collects the permissions declared by every active plugin.
func (p *Plugin) OnApplicationBootstrap(_ context.Context, host plugin.Host) error {
	c := BuildCatalog(host.Descriptors())
	p.mu.Lock()
	p.catalog = c
	p.mu.Unlock()
	p.log.WithField("permissions", len(c.Permissions)).Info("permission catalog built")
	return nil
}

// BuildCatalog merges declared permissions into a sorted, de-duplicated set.
func BuildCatalog(ds []plugin.Descriptor) Catalog {
	c := Catalog{ByPlugin: make(map[string][]string, len(ds))}
	seen := make(map[string]struct{})
	for _, d := range ds {
		if len(d.Permissions) == 0 {
			continue
		}
		c.ByPlugin[d.Name] = append([]string(nil), d.Permissions...)
		for _, perm := range d.Permissions {
			if _, ok := seen[perm]; ok {
				continue
			}
			seen[perm] = struct{}{}
			c.Permissions = append(c.Permissions, perm)
		}
	}
	sort.Strings(c.Permissions)
	if c.Permissions == nil {
		c.Permissions = []string{}
	}
	return c
}

// Catalog returns the current permission catalog.
func (p *Plugin) Catalog() Catalog {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.catalog
}

// OnPluginBasicSeed upserts the global stock roles and grants each its
// share of the permission catalog.
func (p *Plugin) OnPluginBasicSeed(ctx context.Context) error {
	perms := p.Catalog().Permissions
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin role seed: %w", err)
	}
	defer tx.Rollback()

	ids := make(map[string]string, len(stockRoles))
	for _, sr := range stockRoles {
		var id string
		err := tx.QueryRowxContext(ctx,
			`INSERT INTO roles (id, tenant_id, name, is_system) VALUES ($1, NULL, $2, TRUE)
			 ON CONFLICT (name) WHERE tenant_id IS NULL DO UPDATE SET is_system = TRUE
			 RETURNING id`,
			uuid.NewString(), sr.name).Scan(&id)
		if err != nil {
			return fmt.Errorf("upsert role %s: %w", sr.name, err)
		}
		ids[sr.name] = id
		for _, perm := range perms {
			if !sr.grant(perm) {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO role_permissions (role_id, permission) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				id, perm); err != nil {
				return fmt.Errorf("grant %s to %s: %w", perm, sr.name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit role seed: %w", err)
	}

	for _, sr := range stockRoles {
		err := p.publisher.Publish(ctx, plugin.ChangeEvent{
			Entity:    Entity,
			Operation: "upsert",
			RecordID:  ids[sr.name],
			Payload:   map[string]any{"name": sr.name},
		})
		if err != nil {
			return fmt.Errorf("publish role change: %w", err)
		}
	}
	p.log.WithField("roles", len(stockRoles)).Info("seeded stock roles")
	return nil
}

// Grants reports the catalog permissions the named stock role receives.
func Grants(role string, perms []string) []string {
	out := []string{}
	for _, sr := range stockRoles {
		if sr.name != role {
			continue
		}
		for _, perm := range perms {
			if sr.grant(perm) {
				out = append(out, perm)
			}
		}
	}
	return out
}

type routes struct{ p *Plugin }

func (routes) ExtensionName() string { return "role-routes" }

func (r routes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/permissions", func(w http.ResponseWriter, _ *http.Request) {
		httpapi.WriteJSON(w, http.StatusOK, r.p.Catalog())
	}).Methods(http.MethodGet)
}
