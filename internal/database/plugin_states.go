package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// PluginState is a persisted enabled flag.
type PluginState struct {
	Name    string `db:"name"`
	Enabled bool   `db:"enabled"`
}

// PluginStateStore persists plugin enable/disable decisions across restarts.
type PluginStateStore struct {
	db *sqlx.DB
}

func NewPluginStateStore(db *sqlx.DB) *PluginStateStore {
	return &PluginStateStore{db: db}
}

// Load returns the persisted enabled flag for every plugin that has one.
func (s *PluginStateStore) Load(ctx context.Context) (map[string]bool, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("%w: store not initialized", ErrInvalidInput)
	}
	var rows []PluginState
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, enabled FROM plugin_states ORDER BY name`); err != nil {
		return nil, fmt.Errorf("%w: load plugin states: %v", ErrDatabaseError, err)
	}
	out := make(map[string]bool, len(rows))
	for _, r := range rows {
		out[r.Name] = r.Enabled
	}
	return out, nil
}

// Save upserts the enabled flag of a plugin.
func (s *PluginStateStore) Save(ctx context.Context, name string, enabled bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("%w: store not initialized", ErrInvalidInput)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: plugin name cannot be empty", ErrInvalidInput)
	}
	const q = `INSERT INTO plugin_states (name, enabled, updated_at) VALUES ($1, $2, now())
ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`
	if _, err := s.db.ExecContext(ctx, q, name, enabled); err != nil {
		return fmt.Errorf("%w: save plugin state %s: %v", ErrDatabaseError, name, err)
	}
	return nil
}
