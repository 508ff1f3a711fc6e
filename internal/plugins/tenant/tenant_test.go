package tenant

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
)

type capture struct{ events []plugin.ChangeEvent }

func (c *capture) Publish(_ context.Context, ev plugin.ChangeEvent) error {
	c.events = append(c.events, ev)
	return nil
}

func newTestPlugin(t *testing.T) (*Plugin, sqlmock.Sqlmock, *capture) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	pub := &capture{}
	p := New(sqlx.NewDb(db, "postgres"), pub, nil)
	cfg := plugin.NewConfig()
	require.NoError(t, cfg.Merge(map[string]any{"defaultName": "Acme", "randomCount": 2}))
	require.NoError(t, p.Initialize(cfg))
	return p, mock, pub
}

func TestDescriptor(t *testing.T) {
	d := New(nil, nil, nil).Descriptor()
	require.NoError(t, d.Validate())
	assert.True(t, d.Protected)
	assert.Equal(t, plugin.TypeSystem, d.Type)
	assert.Equal(t, []plugin.Entity{{Name: Entity, Table: "tenants"}}, d.Entities())
}

func TestDefaultSeed_CreatesTenant(t *testing.T) {
	p, mock, pub := newTestPlugin(t)
	mock.ExpectQuery("INSERT INTO tenants").
		WithArgs(sqlmock.AnyArg(), "Acme", true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-1"))

	require.NoError(t, p.OnPluginDefaultSeed(context.Background()))
	require.Len(t, pub.events, 1)
	assert.Equal(t, "t-1", pub.events[0].TenantID)
	assert.Equal(t, "insert", pub.events[0].Operation)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultSeed_ExistingTenantIsNoop(t *testing.T) {
	p, mock, pub := newTestPlugin(t)
	mock.ExpectQuery("INSERT INTO tenants").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	require.NoError(t, p.OnPluginDefaultSeed(context.Background()))
	assert.Empty(t, pub.events)
}

func TestRandomSeed_UsesConfiguredCount(t *testing.T) {
	p, mock, pub := newTestPlugin(t)
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("INSERT INTO tenants").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), false).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t"))
	}
	require.NoError(t, p.OnPluginRandomSeed(context.Background()))
	assert.Len(t, pub.events, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	x := sqlx.NewDb(db, "postgres")

	mock.ExpectQuery("SELECT id FROM tenants").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-9"))
	id, err := DefaultID(context.Background(), x)
	require.NoError(t, err)
	assert.Equal(t, "t-9", id)

	mock.ExpectQuery("SELECT id FROM tenants").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = DefaultID(context.Background(), x)
	assert.ErrorIs(t, err, ErrNoDefaultTenant)
}
