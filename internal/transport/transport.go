package transport

import (
	"sync"
	"time"

	"github.com/hongjun500/mesh-go/internal/observe"
	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/internal/subscriber"
)

// Transport 单条逻辑对等链路的编排器：绑定 Socket、Sender、Requestor、
// Subscriber 与中间件管线，并负责离线缓冲与心跳。
//
// Dispatch completion order across distinct envelopes is not guaranteed;
// only enqueue order follows arrival order. Callers needing strict ordering
// sequence their params and reorder at the receiver.
type Transport struct {
	sock      *Socket
	sender    *Sender
	requestor *Requestor
	responder *Responder
	subs      *subscriber.Hub
	mw        *MiddlewareManager
	opts      Options

	mu        sync.Mutex
	buffer    []*protocol.Envelope
	destroyed bool

	dispatchSem chan struct{}

	hbMu    sync.Mutex
	hbTimer *time.Timer

	onError  func(error)
	onStatus func(old, cur Status)
}

// New wires a transport onto sock. Responder and Subscriber are passed in
// because the dialer side keeps them across reconnects; pass fresh instances
// when no state should survive.
func New(sock *Socket, responder *Responder, subs *subscriber.Hub, opts Options) *Transport {
	opts = opts.withDefaults()
	t := &Transport{
		sock:        sock,
		sender:      NewSender(sock, opts),
		requestor:   NewRequestor(opts),
		responder:   responder,
		subs:        subs,
		mw:          NewMiddlewareManager(),
		opts:        opts,
		dispatchSem: make(chan struct{}, opts.DispatchConcurrency),
	}
	sock.OnEnvelope(t.dispatch)
	sock.OnStatus(t.handleStatus)
	sock.OnError(t.emitError)
	return t
}

func (t *Transport) Socket() *Socket           { return t.sock }
func (t *Transport) Sender() *Sender           { return t.sender }
func (t *Transport) Requestor() *Requestor     { return t.requestor }
func (t *Transport) Responder() *Responder     { return t.responder }
func (t *Transport) Subscriber() *subscriber.Hub { return t.subs }

// Use 注册用户拦截器；构造期安装的内建拦截器始终位于管线尾部
func (t *Transport) Use(i Interceptor) { t.mw.Use(i) }

// OnError 连接级错误事件（处理器异常、IO 错误）挂载点
func (t *Transport) OnError(fn func(error)) { t.onError = fn }

// OnStatus 状态变化挂载点，在内部处理（上线刷新缓冲）之后转发
func (t *Transport) OnStatus(fn func(old, cur Status)) { t.onStatus = fn }

func (t *Transport) emitError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

func (t *Transport) handleStatus(old, cur Status) {
	if cur == StatusOnline {
		t.flush()
	}
	if t.onStatus != nil {
		t.onStatus(old, cur)
	}
}

// Send routes envelopes by source: system envelopes bypass the buffer and go
// out immediately (they are what gets the link online in the first place);
// everything else buffers until the socket is online.
func (t *Transport) Send(envs ...*protocol.Envelope) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	var system, normal []*protocol.Envelope
	for _, e := range envs {
		if e.IsSystem() {
			system = append(system, e)
		} else {
			normal = append(normal, e)
		}
	}
	if len(system) > 0 {
		// 系统消息未能写出时不缓冲：握手消息离线即失效
		_ = t.sender.Send(system)
	}
	if len(normal) == 0 {
		return
	}
	if t.sock.Status() == StatusOnline {
		if unsent := t.sender.Send(normal); len(unsent) > 0 {
			t.bufferEnvs(unsent)
		}
		return
	}
	t.bufferEnvs(normal)
}

func (t *Transport) bufferEnvs(envs []*protocol.Envelope) {
	t.mu.Lock()
	if !t.destroyed {
		t.buffer = append(t.buffer, envs...)
	}
	t.mu.Unlock()
}

// flush 上线时按 FIFO 一次性清空离线缓冲
func (t *Transport) flush() {
	t.mu.Lock()
	buf := t.buffer
	t.buffer = nil
	t.mu.Unlock()
	if len(buf) == 0 {
		return
	}
	if unsent := t.sender.Send(buf); len(unsent) > 0 {
		t.bufferEnvs(unsent)
	}
}

// Request registers with the requestor first, so the timeout fires even if
// the envelope never leaves the buffer, then sends or buffers normally.
func (t *Transport) Request(e *protocol.Envelope, timeout time.Duration, cb Callback) error {
	if err := t.requestor.CreateRequest(e, timeout, cb); err != nil {
		return err
	}
	t.Send(e)
	return nil
}

// dispatch 入站信封进入有界并发队列后执行中间件管线。
// 在读循环中阻塞获取信号量，保证入队顺序即到达顺序。
func (t *Transport) dispatch(e *protocol.Envelope) {
	observe.IncEnvelope(string(e.Kind), "in")
	t.dispatchSem <- struct{}{}
	go func() {
		defer func() { <-t.dispatchSem }()
		if err := t.mw.Execute(e); err != nil {
			// 处理器异常成为连接级错误事件，不中断分发循环
			t.emitError(err)
			return
		}
		if e.IsCallback() {
			t.requestor.Resolve(e)
		}
	}()
}

// Heartbeat arms the liveness chain: one timer, one system request when it
// fires, re-armed only on success. A failed heartbeat surfaces through cb
// and the chain stops; callers treat that as a dead link and close.
// A destroyed transport never re-arms, even from a success callback that
// was in flight when Destroy ran.
func (t *Transport) Heartbeat(params []any, cb Callback) {
	t.mu.Lock()
	dead := t.destroyed
	t.mu.Unlock()
	if dead {
		return
	}
	t.hbMu.Lock()
	if t.hbTimer != nil {
		t.hbTimer.Stop()
	}
	t.hbTimer = time.AfterFunc(t.opts.HeartbeatInterval, func() {
		e := protocol.NewSystemRequest(protocol.ActionHeartbeat, params...)
		err := t.Request(e, t.opts.RequestTimeout, func(werr *protocol.WireError, body any) {
			if werr != nil {
				if cb != nil {
					cb(werr, nil)
				}
				return
			}
			observe.IncHeartbeat()
			if cb != nil {
				cb(nil, body)
			}
			t.Heartbeat(params, cb)
		})
		if err != nil && cb != nil {
			cb(protocol.Normalize(err), nil)
		}
	})
	t.hbMu.Unlock()
}

func (t *Transport) StopHeartbeat() {
	t.hbMu.Lock()
	if t.hbTimer != nil {
		t.hbTimer.Stop()
		t.hbTimer = nil
	}
	t.hbMu.Unlock()
}

// Destroy tears down in fixed order: heartbeat stops, the buffer is cleared,
// the requestor aborts its pending requests, the sender drains and closes
// the socket.
// No new send can race past the destroyed flag. force aborts in-flight
// writes by closing the socket up front.
func (t *Transport) Destroy(force bool) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.mu.Unlock()

	t.StopHeartbeat()
	t.mu.Lock()
	t.buffer = nil
	t.mu.Unlock()
	t.requestor.Destroy()
	if force {
		_ = t.sock.Close()
	}
	t.sender.Destroy()
}
