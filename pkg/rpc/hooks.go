package rpc

import (
	"context"
	"sync"
)

// HookFunc runs inside the dispatch pipeline. Returning an error routes the
// context to the error handler; setting c.Stop ends the pipeline silently.
type HookFunc func(ctx context.Context, c *Context) error

// HookChain holds ordered before and after hooks plus at most one error hook.
type HookChain struct {
	mu      sync.RWMutex
	before  []HookFunc
	after   []HookFunc
	onError HookFunc
}

// Before appends hooks that run ahead of the service method.
func (h *HookChain) Before(fns ...HookFunc) *HookChain {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			h.before = append(h.before, fn)
		}
	}
	return h
}

// After appends hooks that run after the service method.
func (h *HookChain) After(fns ...HookFunc) *HookChain {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, fn := range fns {
		if fn != nil {
			h.after = append(h.after, fn)
		}
	}
	return h
}

// Error sets the error hook, replacing any previous one. nil clears it.
func (h *HookChain) Error(fn HookFunc) *HookChain {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onError = fn
	return h
}

// BeforeHooks returns a snapshot of the before hooks.
func (h *HookChain) BeforeHooks() []HookFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HookFunc(nil), h.before...)
}

// AfterHooks returns a snapshot of the after hooks.
func (h *HookChain) AfterHooks() []HookFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HookFunc(nil), h.after...)
}

// ErrorHook returns the error hook or nil.
func (h *HookChain) ErrorHook() HookFunc {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onError
}

// HookRegistry owns one global chain and one chain per method name.
// Chains are created on first access.
type HookRegistry struct {
	global HookChain

	mu      sync.Mutex
	methods map[string]*HookChain
}

// Hooks returns the global chain.
func (r *HookRegistry) Hooks() *HookChain {
	return &r.global
}

// MethodHooks returns the chain scoped to method, creating it if needed.
func (r *HookRegistry) MethodHooks(method string) *HookChain {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.methods == nil {
		r.methods = make(map[string]*HookChain)
	}
	ch, ok := r.methods[method]
	if !ok {
		ch = &HookChain{}
		r.methods[method] = ch
	}
	return ch
}

// lookup returns the chain for method without creating it.
func (r *HookRegistry) lookup(method string) *HookChain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.methods[method]
}

func (r *HookRegistry) beforeFor(method string) []HookFunc {
	if ch := r.lookup(method); ch != nil {
		return ch.BeforeHooks()
	}
	return nil
}

func (r *HookRegistry) afterFor(method string) []HookFunc {
	if ch := r.lookup(method); ch != nil {
		return ch.AfterHooks()
	}
	return nil
}

func (r *HookRegistry) errorFor(method string) HookFunc {
	if ch := r.lookup(method); ch != nil {
		return ch.ErrorHook()
	}
	return nil
}
