package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/plugin"
	"github.com/HL8-ORG/oksai-cc-api-server-sub001/pkg/logger"
)

// AllEntities is a ListenTo value matching every entity.
const AllEntities = "*"

// Catalog records the entities and change subscribers contributed by
// plugins and dispatches committed changes to subscribers.
type Catalog struct {
	mu          sync.RWMutex
	entities    []plugin.Entity
	byName      map[string]plugin.Entity
	subscribers []plugin.Subscriber
	subNames    map[string]struct{}
	log         *logger.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(log *logger.Logger) *Catalog {
	if log == nil {
		log = logger.NewDiscard()
	}
	return &Catalog{
		byName:   make(map[string]plugin.Entity),
		subNames: make(map[string]struct{}),
		log:      log,
	}
}

// RegisterEntities adds entities. Re-registering an identical entity is a
// no-op; the same name mapped to a different table is rejected.
func (c *Catalog) RegisterEntities(entities []plugin.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entities {
		if e.Name == "" || e.Table == "" {
			return fmt.Errorf("%w: entity needs a name and table", ErrInvalidInput)
		}
		if prev, ok := c.byName[e.Name]; ok {
			if prev.Table != e.Table {
				return fmt.Errorf("%w: entity %s mapped to both %s and %s", ErrInvalidInput, e.Name, prev.Table, e.Table)
			}
			continue
		}
		c.byName[e.Name] = e
		c.entities = append(c.entities, e)
	}
	return nil
}

// RegisterSubscribers adds subscribers, skipping names already present.
func (c *Catalog) RegisterSubscribers(subs []plugin.Subscriber) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range subs {
		if s == nil || s.Name() == "" {
			return fmt.Errorf("%w: subscriber needs a name", ErrInvalidInput)
		}
		if _, ok := c.subNames[s.Name()]; ok {
			continue
		}
		c.subNames[s.Name()] = struct{}{}
		c.subscribers = append(c.subscribers, s)
	}
	return nil
}

// Entities returns the registered entities in registration order.
func (c *Catalog) Entities() []plugin.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]plugin.Entity{}, c.entities...)
}

// Subscribers returns the registered subscribers in registration order.
func (c *Catalog) Subscribers() []plugin.Subscriber {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]plugin.Subscriber{}, c.subscribers...)
}

// Table returns the table backing entity.
func (c *Catalog) Table(entity string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[entity]
	if !ok {
		return "", NewNotFoundError("entity", entity)
	}
	return e.Table, nil
}

// Publish delivers ev to every subscriber listening to its entity, in
// registration order. Every subscriber is called; failures are joined.
func (c *Catalog) Publish(ctx context.Context, ev plugin.ChangeEvent) error {
	c.mu.RLock()
	_, known := c.byName[ev.Entity]
	subs := append([]plugin.Subscriber(nil), c.subscribers...)
	c.mu.RUnlock()

	if !known {
		return NewNotFoundError("entity", ev.Entity)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	var errs []error
	for _, s := range subs {
		if !listensTo(s, ev.Entity) {
			continue
		}
		if err := s.AfterChange(ctx, ev); err != nil {
			c.log.WithError(err).WithField("subscriber", s.Name()).WithField("entity", ev.Entity).
				Warn("change subscriber failed")
			errs = append(errs, fmt.Errorf("subscriber %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func listensTo(s plugin.Subscriber, entity string) bool {
	for _, e := range s.ListenTo() {
		if e == entity || e == AllEntities {
			return true
		}
	}
	return false
}
