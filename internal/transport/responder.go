package transport

import (
	"fmt"
	"sync"

	"github.com/hongjun500/mesh-go/internal/protocol"
)

// HandlerFunc 本地动作处理函数；返回值与错误由边界统一包装
type HandlerFunc func(params []any) (any, error)

// Registration 一个动作的归属：本地函数或远端连接指针，二选一
type Registration struct {
	Fn       HandlerFunc
	RemoteID string
}

func (reg *Registration) IsLocal() bool { return reg != nil && reg.Fn != nil }

// Responder is the action registry. Precedence rules:
//   - a local function always wins over a remote pointer for the same action
//   - re-registering the same remote id is a no-op
//   - a different remote id replaces an existing remote registration
//
// RemoveRemote purges a disconnected peer's pointers so stale registrations
// are never dispatched to.
type Responder struct {
	mu       sync.RWMutex
	handlers map[string]*Registration
}

func NewResponder() *Responder {
	return &Responder{handlers: make(map[string]*Registration)}
}

// CreateHandler 注册本地处理函数，覆盖任何既有注册
func (r *Responder) CreateHandler(action string, fn HandlerFunc) {
	r.mu.Lock()
	r.handlers[action] = &Registration{Fn: fn}
	r.mu.Unlock()
}

// CreateRemoteHandler 注册远端指针；返回是否实际写入
func (r *Responder) CreateRemoteHandler(action, remoteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handlers[action]; ok {
		if cur.IsLocal() {
			return false // 本地优先，忽略冲突注册
		}
		if cur.RemoteID == remoteID {
			return false // 同源重复注册为空操作
		}
	}
	r.handlers[action] = &Registration{RemoteID: remoteID}
	return true
}

// Handler 查询当前注册
func (r *Responder) Handler(action string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[action]
	return reg, ok
}

// Actions 返回本地注册的动作名，供 bindAuth/register 通告
func (r *Responder) Actions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for action, reg := range r.handlers {
		if reg.IsLocal() {
			out = append(out, action)
		}
	}
	return out
}

// Invoke runs a local handler, folding panics and returned errors into a
// uniform (body, *WireError) result. Handlers never crash the dispatch loop.
func (r *Responder) Invoke(fn HandlerFunc, params []any) (body any, werr *protocol.WireError) {
	defer func() {
		if rec := recover(); rec != nil {
			body = nil
			werr = protocol.Normalize(fmt.Errorf("handler panic: %v", rec))
		}
	}()
	out, err := fn(params)
	if err != nil {
		return nil, protocol.Normalize(err)
	}
	return out, nil
}

// RemoveRemote 清除指向该远端的所有注册
func (r *Responder) RemoveRemote(remoteID string) {
	r.mu.Lock()
	for action, reg := range r.handlers {
		if !reg.IsLocal() && reg.RemoteID == remoteID {
			delete(r.handlers, action)
		}
	}
	r.mu.Unlock()
}
