package oracle

import (
	"strings"
	"sync"
)

// ModelPolicy 模型白名单；默认模型总是被允许。可在配置热更新时整体替换。
type ModelPolicy struct {
	mu      sync.RWMutex
	def     string
	allowed map[string]struct{}
}

func NewModelPolicy(defaultModel string, allowed []string) *ModelPolicy {
	p := &ModelPolicy{}
	p.Update(defaultModel, allowed)
	return p
}

func (p *ModelPolicy) Update(defaultModel string, allowed []string) {
	set := make(map[string]struct{}, len(allowed)+1)
	for _, m := range allowed {
		if m = strings.TrimSpace(m); m != "" {
			set[m] = struct{}{}
		}
	}
	defaultModel = strings.TrimSpace(defaultModel)
	if defaultModel != "" {
		set[defaultModel] = struct{}{}
	}
	p.mu.Lock()
	p.def = defaultModel
	p.allowed = set
	p.mu.Unlock()
}

func (p *ModelPolicy) Default() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.def
}

func (p *ModelPolicy) Allowed(model string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.allowed[strings.TrimSpace(model)]
	return ok
}

// Resolve 空值或不在白名单内时返回默认模型，substituted 标记是否发生替换。
func (p *ModelPolicy) Resolve(requested string) (model string, substituted bool) {
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return p.Default(), false
	}
	if p.Allowed(requested) {
		return requested, false
	}
	return p.Default(), true
}
