// Package plugins is the composition root for the stock plugins.
package plugins

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/analytics"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/audit"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/auth"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/organization"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/reporting"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/role"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/tenant"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// Deps are the shared resources handed to plugin constructors.
type Deps struct {
	DB        *sqlx.DB
	Publisher plugin.ChangePublisher
	// Redis is optional; without it the analytics and reporting plugins are omitted.
	Redis *redis.Client
	Log   *logger.Logger
}

// Default builds the stock plugin set in registration order.
func Default(deps Deps) []plugin.Plugin {
	out := []plugin.Plugin{
		tenant.New(deps.DB, deps.Publisher, deps.Log),
		role.New(deps.DB, deps.Publisher, deps.Log),
		auth.New(deps.DB, deps.Publisher, deps.Log),
		audit.New(deps.DB, deps.Log),
		organization.New(deps.DB, deps.Publisher, deps.Log),
	}
	if deps.Redis != nil {
		out = append(out,
			analytics.New(deps.Redis, deps.Log),
			reporting.New(deps.DB, deps.Publisher, deps.Log),
		)
	}
	return out
}

// Register adds every plugin to reg, stopping at the first error.
func Register(reg *plugin.Registry, ps []plugin.Plugin) error {
	for _, p := range ps {
		if err := reg.Register(p); err != nil {
			return fmt.Errorf("register %s: %w", p.Descriptor().Name, err)
		}
	}
	return nil
}
