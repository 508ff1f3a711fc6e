package plugin

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Config is a plugin's mutable configuration bag. It is created empty at
// registration, populated once during bootstrap and cleared on destroy.
// Paths use gjson syntax, e.g. "smtp.host".
type Config struct {
	mu  sync.RWMutex
	raw []byte
}

// NewConfig returns an empty configuration bag.
func NewConfig() *Config {
	return &Config{raw: []byte("{}")}
}

// initialize replaces the bag with defaults, then options, then overrides.
func (c *Config) initialize(defaults []ConfigFactory, options, overrides map[string]any) error {
	merged := map[string]any{}
	for _, f := range defaults {
		if f != nil {
			deepMerge(merged, f())
		}
	}
	deepMerge(merged, options)
	deepMerge(merged, overrides)

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode plugin config: %w", err)
	}
	c.mu.Lock()
	c.raw = raw
	c.mu.Unlock()
	return nil
}

// Get returns the value at path.
func (c *Config) Get(path string) gjson.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gjson.GetBytes(c.raw, path)
}

// Set writes value at path, creating intermediate objects.
func (c *Config) Set(path string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, err := sjson.SetBytes(c.raw, path, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	c.raw = raw
	return nil
}

// Merge deep-merges values into the bag; values win over existing keys.
func (c *Config) Merge(values map[string]any) error {
	for _, leaf := range flatten("", values) {
		if err := c.Set(leaf.path, leaf.value); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) String(path, def string) string {
	if r := c.Get(path); r.Exists() {
		return r.String()
	}
	return def
}

func (c *Config) Int(path string, def int) int {
	if r := c.Get(path); r.Exists() {
		return int(r.Int())
	}
	return def
}

func (c *Config) Bool(path string, def bool) bool {
	if r := c.Get(path); r.Exists() {
		return r.Bool()
	}
	return def
}

// Duration accepts either a Go duration string or a number of seconds.
func (c *Config) Duration(path string, def time.Duration) time.Duration {
	r := c.Get(path)
	switch r.Type {
	case gjson.String:
		if d, err := time.ParseDuration(r.String()); err == nil {
			return d
		}
	case gjson.Number:
		return time.Duration(r.Float() * float64(time.Second))
	}
	return def
}

// Values returns a copy of the bag's contents.
func (c *Config) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := map[string]any{}
	_ = json.Unmarshal(c.raw, &out)
	return out
}

// Empty reports whether the bag holds no keys.
func (c *Config) Empty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(gjson.ParseBytes(c.raw).Map()) == 0
}

// Clear empties the bag.
func (c *Config) Clear() {
	c.mu.Lock()
	c.raw = []byte("{}")
	c.mu.Unlock()
}

// MarshalJSON implements json.Marshaler.
func (c *Config) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]byte(nil), c.raw...), nil
}

type leaf struct {
	path  string
	value any
}

// flatten turns nested maps into sjson paths, sorted for deterministic writes.
func flatten(prefix string, values map[string]any) []leaf {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []leaf
	for _, k := range keys {
		path := escapePath(k)
		if prefix != "" {
			path = prefix + "." + path
		}
		if nested, ok := values[k].(map[string]any); ok && len(nested) > 0 {
			out = append(out, flatten(path, nested)...)
			continue
		}
		out = append(out, leaf{path: path, value: values[k]})
	}
	return out
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

func escapePath(key string) string {
	return pathEscaper.Replace(key)
}

// deepMerge copies src into dst. Nested maps merge; everything else is replaced.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		if srcIsMap {
			cp := map[string]any{}
			deepMerge(cp, srcMap)
			dst[k] = cp
			continue
		}
		dst[k] = v
	}
}
