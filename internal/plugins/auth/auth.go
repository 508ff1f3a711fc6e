// Package auth owns user accounts: the seeded super admin, demo users and
// password verification.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/httpapi"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/role"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugins/tenant"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

const (
	Name   = "auth"
	Entity = "user"
)

// ErrInvalidCredentials covers both unknown email and wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

// User is a row of the users table without the password hash.
type User struct {
	ID       string         `db:"id" json:"id"`
	TenantID sql.NullString `db:"tenant_id" json:"-"`
	Email    string         `db:"email" json:"email"`
	Role     string         `db:"role" json:"role"`
}

// Plugin seeds users and verifies credentials.
type Plugin struct {
	db        *sqlx.DB
	publisher plugin.ChangePublisher
	log       *logger.Logger
	cfg       *plugin.Config
	module    *plugin.Module
}

// New returns the auth plugin.
func New(db *sqlx.DB, publisher plugin.ChangePublisher, log *logger.Logger) *Plugin {
	if log == nil {
		log = logger.NewDiscard()
	}
	p := &Plugin{db: db, publisher: publisher, log: log.WithComponent(Name), cfg: plugin.NewConfig()}
	p.module = plugin.NewModule(Name).
		Entities(plugin.Entity{Name: Entity, Table: "users"}).
		Extensions(routes{p}).
		Configuration(func() map[string]any {
			return map[string]any{
				"superAdmin": map[string]any{
					"email": "admin@oksai.local",
				},
				"bcryptCost":  bcrypt.DefaultCost,
				"randomUsers": 5,
			}
		}).
		Build()
	return p
}

func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         Name,
		DisplayName:  "Authentication",
		Version:      "1.0.0",
		Type:         plugin.TypeSystem,
		Priority:     plugin.P0,
		Protected:    true,
		Configurable: true,
		Dependencies: []string{tenant.Name, role.Name},
		Permissions:  []string{"user:read", "user:write"},
		Module:       p.module,
		API:          []plugin.Endpoint{{Method: http.MethodPost, Path: "/api/auth/login", Summary: "Verify credentials"}},
	}
}

func (p *Plugin) Initialize(cfg *plugin.Config) error {
	p.cfg = cfg
	return nil
}

// OnPluginBasicSeed creates the super admin account if missing. The password
// has no default and must come from configuration.
func (p *Plugin) OnPluginBasicSeed(ctx context.Context) error {
	email := p.cfg.String("superAdmin.email", "admin@oksai.local")
	password := p.cfg.String("superAdmin.password", "")
	if password == "" {
		return errors.New("superAdmin.password must be set")
	}
	created, err := p.createUser(ctx, "", email, password, role.SuperAdmin)
	if err != nil {
		return err
	}
	if created {
		p.log.WithField("email", email).Info("seeded super admin")
	}
	return nil
}

// OnPluginRandomSeed creates demo employees in the default tenant.
func (p *Plugin) OnPluginRandomSeed(ctx context.Context) error {
	tenantID, err := tenant.DefaultID(ctx, p.db)
	if err != nil {
		return err
	}
	n := p.cfg.Int("randomUsers", 5)
	for i := 0; i < n; i++ {
		short := uuid.NewString()[:8]
		email := fmt.Sprintf("user-%s@example.com", short)
		if _, err := p.createUser(ctx, tenantID, email, short, role.Employee); err != nil {
			return err
		}
	}
	p.log.WithField("count", n).Info("seeded random users")
	return nil
}

func (p *Plugin) createUser(ctx context.Context, tenantID, email, password, roleName string) (bool, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cfg.Int("bcryptCost", bcrypt.DefaultCost))
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	tid := sql.NullString{String: tenantID, Valid: tenantID != ""}

	var id string
	err = p.db.QueryRowxContext(ctx,
		`INSERT INTO users (id, tenant_id, email, password_hash, role) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO NOTHING RETURNING id`,
		uuid.NewString(), tid, strings.ToLower(email), string(hash), roleName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert user %s: %w", email, err)
	}
	err = p.publisher.Publish(ctx, plugin.ChangeEvent{
		Entity:    Entity,
		Operation: "insert",
		TenantID:  tenantID,
		RecordID:  id,
		Payload:   map[string]any{"email": strings.ToLower(email), "role": roleName},
	})
	if err != nil {
		return true, fmt.Errorf("publish user change: %w", err)
	}
	return true, nil
}

// Authenticate returns the user matching email and password.
func (p *Plugin) Authenticate(ctx context.Context, email, password string) (User, error) {
	var row struct {
		User
		Hash string `db:"password_hash"`
	}
	err := p.db.GetContext(ctx, &row,
		`SELECT id, tenant_id, email, role, password_hash FROM users WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(row.Hash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return row.User, nil
}

type routes struct{ p *Plugin }

func (routes) ExtensionName() string { return "auth-routes" }

func (r routes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/auth/login", r.login).Methods(http.MethodPost)
}

func (r routes) login(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		httpapi.WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid login body: %w", err))
		return
	}
	user, err := r.p.Authenticate(req.Context(), body.Email, body.Password)
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		httpapi.WriteError(w, http.StatusUnauthorized, err)
	case err != nil:
		r.p.log.WithError(err).Error("login failed")
		httpapi.WriteError(w, http.StatusInternalServerError, errors.New("login failed"))
	default:
		httpapi.WriteJSON(w, http.StatusOK, map[string]any{
			"id":       user.ID,
			"email":    user.Email,
			"role":     user.Role,
			"tenantId": user.TenantID.String,
		})
	}
}
