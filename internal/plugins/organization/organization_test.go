package organization

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/tenant"
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
	return New(sqlx.NewDb(db, "postgres"), pub, nil), mock, pub
}

func TestDescriptor_CapabilityFlags(t *testing.T) {
	d := New(nil, nil, nil).Descriptor()
	require.NoError(t, d.Validate())
	assert.False(t, d.Protected)
	assert.True(t, d.Installable)
	assert.True(t, d.Uninstallable)
	assert.Equal(t, plugin.TypeFeature, d.Type)
}

func TestRemovableFromRegistry(t *testing.T) {
	reg := plugin.NewRegistry()
	require.NoError(t, reg.Register(New(nil, nil, nil)))
	require.NoError(t, reg.Disable(Name))
	require.NoError(t, reg.Remove(Name))
	assert.Equal(t, 0, reg.Len())
}

func TestDefaultSeed(t *testing.T) {
	p, mock, pub := newTestPlugin(t)
	cfg := plugin.NewConfig()
	require.NoError(t, cfg.Set("defaultName", "Main Office"))
	require.NoError(t, p.Initialize(cfg))

	mock.ExpectQuery("SELECT id FROM tenants").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("t-1"))
	mock.ExpectQuery("INSERT INTO organizations").
		WithArgs(sqlmock.AnyArg(), "t-1", "Main Office").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("o-1"))

	require.NoError(t, p.OnPluginDefaultSeed(context.Background()))
	require.Len(t, pub.events, 1)
	assert.Equal(t, "o-1", pub.events[0].RecordID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDefaultSeed_RequiresDefaultTenant(t *testing.T) {
	p, mock, pub := newTestPlugin(t)
	mock.ExpectQuery("SELECT id FROM tenants").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	err := p.OnPluginDefaultSeed(context.Background())
	assert.ErrorIs(t, err, tenant.ErrNoDefaultTenant)
	assert.Empty(t, pub.events)
}

func TestListRoute(t *testing.T) {
	p, mock, _ := newTestPlugin(t)
	router := mux.NewRouter()
	router.Use(httpapi.TenantMiddleware)
	routes{p}.RegisterRoutes(router)

	mock.ExpectQuery("SELECT id, tenant_id, name FROM organizations").
		WithArgs("t-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name"}).AddRow("o-1", "t-1", "HQ"))

	req := httptest.NewRequest(http.MethodGet, "/organizations", nil)
	req.Header.Set(httpapi.HeaderTenantID, "t-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"o-1","tenantId":"t-1","name":"HQ"}]`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/organizations", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
