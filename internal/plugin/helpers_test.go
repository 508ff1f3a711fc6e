package plugin

import (
	"context"
	"fmt"
	"sync"
)

// callLog records hook invocations across plugins in call order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// hookPlugin implements every hook and records calls as "<name>.<hook>".
type hookPlugin struct {
	desc Descriptor
	log  *callLog
	fail map[string]error
	cfg  *Config
}

func newHookPlugin(log *callLog, name string, priority Priority, deps ...string) *hookPlugin {
	return &hookPlugin{
		desc: Descriptor{
			Name:         name,
			Version:      "1.0.0",
			Type:         TypeFeature,
			Priority:     priority,
			Dependencies: deps,
			Configurable: true,
		},
		log:  log,
		fail: map[string]error{},
	}
}

func (p *hookPlugin) failOn(hook string) *hookPlugin {
	p.fail[hook] = fmt.Errorf("%s %s exploded", p.desc.Name, hook)
	return p
}

func (p *hookPlugin) record(hook string) error {
	p.log.add(p.desc.Name + "." + hook)
	return p.fail[hook]
}

func (p *hookPlugin) Descriptor() Descriptor { return p.desc }

func (p *hookPlugin) Initialize(cfg *Config) error {
	p.cfg = cfg
	return p.record(HookInitialize)
}

func (p *hookPlugin) OnPluginBootstrap(context.Context) error { return p.record(HookPluginBootstrap) }
func (p *hookPlugin) OnPluginDestroy(context.Context) error   { return p.record(HookPluginDestroy) }
func (p *hookPlugin) OnPluginBasicSeed(context.Context) error { return p.record(HookBasicSeed) }
func (p *hookPlugin) OnPluginDefaultSeed(context.Context) error {
	return p.record(HookDefaultSeed)
}
func (p *hookPlugin) OnApplicationBootstrap(_ context.Context, _ Host) error {
	return p.record(HookApplicationBootstrap)
}
func (p *hookPlugin) OnApplicationShutdown(context.Context) error {
	return p.record(HookApplicationShutdown)
}

func desc(name string, priority Priority, deps ...string) Descriptor {
	return Descriptor{Name: name, Version: "1.0.0", Type: TypeFeature, Priority: priority, Dependencies: deps}
}

func names(ds []Descriptor) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func filterHook(calls []string, hook string) []string {
	var out []string
	suffix := "." + hook
	for _, c := range calls {
		if len(c) > len(suffix) && c[len(c)-len(suffix):] == suffix {
			out = append(out, c[:len(c)-len(suffix)])
		}
	}
	return out
}

func equalNames(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
