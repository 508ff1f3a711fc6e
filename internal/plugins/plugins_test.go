package plugins

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/database"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
)

func names(ds []plugin.Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func TestDefault_ResolvesInDependencyOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	reg := plugin.NewRegistry()
	require.NoError(t, Register(reg, Default(Deps{Redis: rdb, Publisher: database.NewCatalog(nil)})))

	order, err := reg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant", "role", "auth", "audit", "organization", "analytics", "reporting"}, names(order))
}

func TestDefault_WithoutRedis(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, Register(reg, Default(Deps{})))

	order, err := reg.Resolve()
	require.NoError(t, err)
	assert.NotContains(t, names(order), "analytics")
	assert.NotContains(t, names(order), "reporting")
}

func TestDefault_ContributionsRegisterWithCatalog(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	reg := plugin.NewRegistry()
	require.NoError(t, Register(reg, Default(Deps{Redis: rdb})))
	order, err := reg.Resolve()
	require.NoError(t, err)

	catalog := database.NewCatalog(nil)
	require.NoError(t, catalog.RegisterEntities(plugin.EntitiesFromPlugins(order)))
	require.NoError(t, catalog.RegisterSubscribers(plugin.SubscribersFromPlugins(order)))

	table, err := catalog.Table("organization")
	require.NoError(t, err)
	assert.Equal(t, "organizations", table)
	assert.Len(t, catalog.Subscribers(), 2)
	assert.Len(t, plugin.ExtensionsFromPlugins(order), 6)
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	reg := plugin.NewRegistry()
	ps := Default(Deps{})
	err := Register(reg, append(ps, ps[0]))
	assert.True(t, plugin.IsDuplicate(err))
}
