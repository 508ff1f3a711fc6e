// Package audit records every published entity change in audit_logs.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/database"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/tenant"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const (
	Name   = "audit"
	Entity = "audit_log"

	defaultListLimit = 50
	maxListLimit     = 500
)

// Record is one audit_logs row.
type Record struct {
	ID         string          `db:"id" json:"id"`
	TenantID   *string         `db:"tenant_id" json:"tenantId,omitempty"`
	Entity     string          `db:"entity" json:"entity"`
	Operation  string          `db:"operation" json:"operation"`
	RecordID   *string         `db:"record_id" json:"recordId,omitempty"`
	Payload    json.RawMessage `db:"payload" json:"payload,omitempty"`
	OccurredAt time.Time       `db:"occurred_at" json:"occurredAt"`
}

// Plugin owns the audit trail.
type Plugin struct {
	db     *sqlx.DB
	log    *logger.Logger
	module *plugin.Module
}

// New returns the audit plugin.
func New(db *sqlx.DB, log *logger.Logger) *Plugin {
	if log == nil {
		log = logger.NewDiscard()
	}
	p := &Plugin{db: db, log: log.WithComponent(Name)}
	p.module = plugin.NewModule(Name).
		Entities(plugin.Entity{Name: Entity, Table: "audit_logs"}).
		Subscribers(subscriber{p}).
		Extensions(routes{p}).
		Build()
	return p
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         Name,
		DisplayName:  "Audit Log",
		Version:      "1.0.0",
		Type:         plugin.TypeSystem,
		Priority:     plugin.P0,
		Protected:    true,
		Dependencies: []string{tenant.Name},
		Permissions:  []string{"audit:read"},
		Module:       p.module,
		API:          []plugin.Endpoint{{Method: http.MethodGet, Path: "/api/audit-logs", Summary: "Recent audit records"}},
	}
}

// Write inserts one audit row for ev.
func (p *Plugin) Write(ctx context.Context, ev plugin.ChangeEvent) error {
	var payload any
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
		payload = string(b)
	}
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, tenant_id, entity, operation, record_id, payload, occurred_at)
		 VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7)`,
		uuid.NewString(), ev.TenantID, ev.Entity, ev.Operation, ev.RecordID, payload, occurred)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// Recent returns the newest records, optionally filtered by entity.
func (p *Plugin) Recent(ctx context.Context, entity string, limit int) ([]Record, error) {
	out := []Record{}
	var err error
	if entity == "" {
		err = p.db.SelectContext(ctx, &out,
			`SELECT id, tenant_id, entity, operation, record_id, COALESCE(payload, '{}'::jsonb) AS payload, occurred_at
			 FROM audit_logs ORDER BY occurred_at DESC LIMIT $1`, limit)
	} else {
		err = p.db.SelectContext(ctx, &out,
			`SELECT id, tenant_id, entity, operation, record_id, COALESCE(payload, '{}'::jsonb) AS payload, occurred_at
			 FROM audit_logs WHERE entity = $1 ORDER BY occurred_at DESC LIMIT $2`, entity, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit logs: %w", err)
	}
	return out, nil
}

type subscriber struct{ p *Plugin }

func (subscriber) Name() string       { return "audit-writer" }
func (subscriber) ListenTo() []string { return []string{database.AllEntities} }

func (s subscriber) AfterChange(ctx context.Context, ev plugin.ChangeEvent) error {
	if ev.Entity == Entity {
		return nil
	}
	return s.p.Write(ctx, ev)
}

type routes struct{ p *Plugin }

func (routes) ExtensionName() string { return "audit-routes" }

func (r routes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit-logs", r.list).Methods(http.MethodGet)
}

func (r routes) list(w http.ResponseWriter, req *http.Request) {
	limit := defaultListLimit
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}
	records, err := r.p.Recent(req.Context(), req.URL.Query().Get("entity"), limit)
	if err != nil {
		r.p.log.WithError(err).Error("listing audit logs")
		httpapi.WriteError(w, http.StatusInternalServerError, err)
		return
	}
	httpapi.WriteJSON(w, http.StatusOK, records)
}
