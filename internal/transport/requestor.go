package transport

import (
	"sync"
	"time"

	"github.com/hongjun500/mesh-go/internal/observe"
	"github.com/hongjun500/mesh-go/internal/protocol"
)

// Callback 每个请求恰好被回调一次：要么超时错误，要么对端结果
type Callback func(err *protocol.WireError, body any)

type pendingRequest struct {
	timer *time.Timer
	cb    Callback
}

// Requestor correlates outbound requests with their callbacks. Resolution is
// clear-before-fire: the table entry and its timer are both removed under
// the lock before either outcome path invokes the callback, so a callback
// arriving in the same instant the timer fires can never double-resolve.
type Requestor struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	timeout time.Duration
}

func NewRequestor(opts Options) *Requestor {
	opts = opts.withDefaults()
	return &Requestor{
		pending: make(map[string]*pendingRequest),
		timeout: opts.RequestTimeout,
	}
}

// CreateRequest registers e for correlation and arms its timeout. A zero
// timeout takes the configured default. Non-request envelopes are rejected
// immediately.
func (r *Requestor) CreateRequest(e *protocol.Envelope, timeout time.Duration, cb Callback) error {
	if !e.IsRequest() {
		return ErrNotRequest
	}
	if timeout <= 0 {
		timeout = r.timeout
	}
	id := e.ID
	p := &pendingRequest{cb: cb}
	// 先登记后布防：超时即刻触发时 fire 会阻塞在锁上，必能找到登记项
	r.mu.Lock()
	r.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		observe.IncRequestTimeout()
		r.fire(id, ErrRequestTimeout, nil)
	})
	r.mu.Unlock()
	return nil
}

// Resolve 用收到的 callback 信封结算对应请求；无挂起项时返回 false
func (r *Requestor) Resolve(e *protocol.Envelope) bool {
	if !e.IsCallback() {
		return false
	}
	return r.fire(e.ID, e.Err, e.Body)
}

func (r *Requestor) fire(id string, werr *protocol.WireError, body any) bool {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.pending, id)
	p.timer.Stop()
	r.mu.Unlock()
	p.cb(werr, body)
	return true
}

// PendingCount 仅用于观测与测试
func (r *Requestor) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Destroy aborts every outstanding request: timers stop and each pending
// callback fires once with ErrRequestAborted, so synchronous callers blocked
// on a result always return. The table swap under the lock keeps the
// exactly-once guarantee against concurrently firing timers.
func (r *Requestor) Destroy() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingRequest)
	r.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
	}
	for _, p := range pending {
		p.cb(ErrRequestAborted, nil)
	}
}
