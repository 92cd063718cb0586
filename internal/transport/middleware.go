package transport

import (
	"sync"

	"github.com/hongjun500/mesh-go/internal/protocol"
)

// Next 继续执行管线中的下一个拦截器
type Next func() error

// Handler 拦截器主体；不调用 next 即短路管线
type Handler func(e *protocol.Envelope, next Next) error

// Interceptor is one pipeline stage. Handle is required; Match and Ignore
// are optional capability guards: a non-matching or ignored envelope skips
// the body and flows straight to next. Envelope-kind routing happens through
// these guards instead of a central switch.
type Interceptor struct {
	Match  func(*protocol.Envelope) bool
	Ignore func(*protocol.Envelope) bool
	Handle Handler
}

// MiddlewareManager composes interceptors into a single pipeline. Use
// prepends: an interceptor registered later runs earlier. Built-ins
// installed at construction therefore stay at the tail, so protocol
// envelopes are always handled no matter what users register afterwards.
type MiddlewareManager struct {
	mu    sync.RWMutex
	chain []Interceptor
}

func NewMiddlewareManager() *MiddlewareManager {
	return &MiddlewareManager{}
}

// Use 头插注册
func (m *MiddlewareManager) Use(i Interceptor) {
	if i.Handle == nil {
		return
	}
	m.mu.Lock()
	m.chain = append([]Interceptor{i}, m.chain...)
	m.mu.Unlock()
}

// UseFunc 注册无守卫的普通函数拦截器
func (m *MiddlewareManager) UseFunc(h Handler) {
	m.Use(Interceptor{Handle: h})
}

// Execute runs e through the composed pipeline. An empty pipeline resolves
// immediately, so a transport with no middleware still functions.
func (m *MiddlewareManager) Execute(e *protocol.Envelope) error {
	m.mu.RLock()
	chain := m.chain
	m.mu.RUnlock()

	var run func(idx int) error
	run = func(idx int) error {
		if idx >= len(chain) {
			return nil
		}
		it := chain[idx]
		next := func() error { return run(idx + 1) }
		if it.Match != nil && !it.Match(e) {
			return next()
		}
		if it.Ignore != nil && it.Ignore(e) {
			return next()
		}
		return it.Handle(e, next)
	}
	return run(0)
}
