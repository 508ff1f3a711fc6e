// Package tenant is the system plugin owning tenants. Every other stock
// plugin depends on it.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const (
	Name   = "tenant"
	Entity = "tenant"
)

// ErrNoDefaultTenant is returned before the default seed has run.
var ErrNoDefaultTenant = errors.New("default tenant not seeded")

// Plugin seeds and looks up tenants.
type Plugin struct {
	db        *sqlx.DB
	publisher plugin.ChangePublisher
	log       *logger.Logger
	cfg       *plugin.Config
}

// New returns the tenant plugin.
func New(db *sqlx.DB, publisher plugin.ChangePublisher, log *logger.Logger) *Plugin {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Plugin{db: db, publisher: publisher, log: log.WithComponent(Name), cfg: plugin.NewConfig()}
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         Name,
		DisplayName:  "Tenants",
		Description:  "Tenant registry and default tenant provisioning",
		Version:      "1.0.0",
		Type:         plugin.TypeSystem,
		Priority:     plugin.P0,
		Protected:    true,
		Configurable: true,
		Permissions:  []string{"tenant:read", "tenant:write"},
		Module: plugin.NewModule(Name).
			Entities(plugin.Entity{Name: Entity, Table: "tenants"}).
			Configuration(func() map[string]any {
				return map[string]any{"defaultName": "Default", "randomCount": 3}
			}).
			Build(),
	}
}

func (p *Plugin) Initialize(cfg *plugin.Config) error {
	p.cfg = cfg
	return nil
}

// OnPluginDefaultSeed creates the default tenant if it does not exist.
func (p *Plugin) OnPluginDefaultSeed(ctx context.Context) error {
	name := p.cfg.String("defaultName", "Default")
	id, created, err := p.insert(ctx, name, true)
	if err != nil {
		return err
	}
	if created {
		p.log.WithField("tenant_id", id).WithField("name", name).Info("seeded default tenant")
	}
	return nil
}

// OnPluginRandomSeed creates randomCount demo tenants.
func (p *Plugin) OnPluginRandomSeed(ctx context.Context) error {
	n := p.cfg.Int("randomCount", 3)
	for i := 0; i < n; i++ {
		name := "Tenant " + uuid.NewString()[:8]
		if _, _, err := p.insert(ctx, name, false); err != nil {
			return err
		}
	}
	p.log.WithField("count", n).Info("seeded random tenants")
	return nil
}

func (p *Plugin) insert(ctx context.Context, name string, isDefault bool) (string, bool, error) {
	id := uuid.NewString()
	var got string
	err := p.db.QueryRowxContext(ctx,
		`INSERT INTO tenants (id, name, is_default) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO NOTHING RETURNING id`,
		id, name, isDefault).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("insert tenant %q: %w", name, err)
	}
	err = p.publisher.Publish(ctx, plugin.ChangeEvent{
		Entity:    Entity,
		Operation: "insert",
		TenantID:  got,
		RecordID:  got,
		Payload:   map[string]any{"name": name, "isDefault": isDefault},
	})
	if err != nil {
		return got, true, fmt.Errorf("publish tenant change: %w", err)
	}
	return got, true, nil
}

// DefaultID returns the id of the default tenant.
func DefaultID(ctx context.Context, q sqlx.QueryerContext) (string, error) {
	var id string
	err := sqlx.GetContext(ctx, q, &id, `SELECT id FROM tenants WHERE is_default ORDER BY created_at LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoDefaultTenant
	}
	if err != nil {
		return "", fmt.Errorf("lookup default tenant: %w", err)
	}
	return id, nil
}
