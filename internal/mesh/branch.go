package mesh

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/internal/subscriber"
	"github.com/hongjun500/mesh-go/internal/transport"
	"github.com/hongjun500/mesh-go/pkg/logger"
)

// BranchOptions 分支节点配置
type BranchOptions struct {
	MasterAddr    string // TCP 地址
	WSURL         string // 非空则走 WebSocket（ws://host/mesh）
	Name          string // 逻辑名，主节点按名寻址
	Token         string // bindAuth 共享密钥
	Reconnect     bool   // 断线自动重连
	RetryInterval time.Duration
	Transport     transport.Options
}

// Branch is the dialer role. Handlers and subscriptions registered here
// survive reconnects: each successful bindAuth re-announces them, and every
// reconnect attempt builds a fresh Socket/Transport pair while the Responder
// and Subscriber live on the Branch.
type Branch struct {
	opts      BranchOptions
	log       *zap.Logger
	responder *transport.Responder
	subs      *subscriber.Hub

	mu         sync.Mutex
	sock       *transport.Socket
	tr         *transport.Transport
	connID     string
	closed     bool
	retrying   bool
	retryTimer *time.Timer
}

func NewBranch(opts BranchOptions) *Branch {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.Transport.Codec == nil {
		opts.Transport.Codec = protocol.JSONCodec{}
	}
	return &Branch{
		opts:      opts,
		log:       logger.L(),
		responder: transport.NewResponder(),
		subs:      subscriber.NewHub(),
	}
}

// Handle 注册本地动作；在线时立即向主节点补充通告
func (b *Branch) Handle(action string, fn transport.HandlerFunc) {
	b.responder.CreateHandler(action, fn)
	b.announce()
}

// Subscribe 订阅主题；在线时立即向主节点补充通告
func (b *Branch) Subscribe(topic string, fn subscriber.Listener) (cancel func()) {
	c := b.subs.Subscribe(topic, fn)
	b.announce()
	return c
}

// announce 在线状态下通过 register 通知重新通告注册集
func (b *Branch) announce() {
	b.mu.Lock()
	tr := b.tr
	b.mu.Unlock()
	if tr == nil || tr.Socket().Status() != transport.StatusOnline {
		return
	}
	tr.Send(protocol.NewSystemNotification(protocol.ActionRegister,
		b.responder.Actions(), b.subs.Topics()))
}

// Dial 发起首次连接；失败时若开启重连则转入重试,同时返回首次错误
func (b *Branch) Dial(ctx context.Context) error {
	err := b.dial(ctx)
	if err != nil && b.opts.Reconnect {
		b.scheduleRetry()
	}
	return err
}

func (b *Branch) connect(ctx context.Context) (net.Conn, error) {
	if b.opts.WSURL != "" {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, b.opts.WSURL, nil)
		if err != nil {
			return nil, err
		}
		return transport.NewWSConn(ws), nil
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	return d.DialContext(ctx, "tcp", b.opts.MasterAddr)
}

func (b *Branch) dial(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeNone, "branch is closed")
	}
	b.mu.Unlock()

	conn, err := b.connect(ctx)
	if err != nil {
		return err
	}

	sock := transport.NewSocket(conn, b.opts.Transport)
	tr := transport.New(sock, b.responder, b.subs, b.opts.Transport)
	b.installBranch(tr)
	tr.OnError(func(err error) {
		b.log.Warn("mesh_branch_error", zap.Error(err))
	})
	tr.OnStatus(func(old, cur transport.Status) {
		if cur == transport.StatusOffline {
			b.handleOffline(tr)
		}
	})

	b.mu.Lock()
	b.sock, b.tr = sock, tr
	b.retrying = false
	b.mu.Unlock()

	sock.SetStatus(transport.StatusPending)
	sock.SetStatus(transport.StatusConnected)
	// 本地信号：TCP 已通，尚未绑定
	b.subs.Emit(protocol.NewSystemNotification(protocol.ActionConnected))
	sock.Start()

	return b.bind(sock, tr)
}

// bind 发送 bindAuth 并等待主节点应答
func (b *Branch) bind(sock *transport.Socket, tr *transport.Transport) error {
	sock.SetStatus(transport.StatusBinding)
	e := protocol.NewSystemRequest(protocol.ActionBindAuth,
		b.opts.Name, b.opts.Token, b.responder.Actions(), b.subs.Topics())
	return tr.Request(e, 0, func(werr *protocol.WireError, body any) {
		if werr != nil {
			b.log.Warn("mesh_bind_rejected", zap.Error(werr))
			_ = sock.Close()
			return
		}
		id, _ := body.(string)
		b.mu.Lock()
		b.connID = id
		b.mu.Unlock()
		tr.Sender().SetIdentity(id, "master")
		sock.SetStatus(transport.StatusOnline)
		b.log.Info("mesh_branch_online",
			zap.String("conn", id), zap.String("name", b.opts.Name))
		// 心跳失败视为链路失活，关闭后走重连
		tr.Heartbeat(nil, func(hbErr *protocol.WireError, _ any) {
			if hbErr != nil {
				b.log.Warn("mesh_heartbeat_lost", zap.Error(hbErr))
				_ = sock.Close()
			}
		})
	})
}

// installBranch 分支侧内建拦截器：应答主节点发来的请求与通知
func (b *Branch) installBranch(tr *transport.Transport) {
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool { return e.IsRequest() && !e.IsSystem() },
		Handle: func(e *protocol.Envelope, next transport.Next) error {
			reg, ok := b.responder.Handler(e.Action)
			if !ok || !reg.IsLocal() {
				tr.Send(protocol.NewCallback(e, nil, transport.ErrActionNotExist))
				return nil
			}
			body, werr := b.responder.Invoke(reg.Fn, e.Params)
			tr.Send(protocol.NewCallback(e, body, werr))
			return nil
		},
	})
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool { return e.IsNotification() && !e.IsSystem() },
		Handle: func(e *protocol.Envelope, next transport.Next) error {
			b.subs.Emit(e)
			return nil
		},
	})
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool {
			return e.IsSystem() && e.IsRequest() && e.Action == protocol.ActionHeartbeat
		},
		Handle: func(e *protocol.Envelope, next transport.Next) error {
			tr.Send(protocol.NewCallback(e, "ok", nil))
			return nil
		},
	})
}

// handleOffline 断链清理并视配置转入重连
func (b *Branch) handleOffline(tr *transport.Transport) {
	tr.Destroy(true)
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed || !b.opts.Reconnect {
		return
	}
	b.scheduleRetry()
}

// scheduleRetry 单一在途重连定时器；已有排期时不重复建立
func (b *Branch) scheduleRetry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.retryTimer != nil {
		return
	}
	b.retrying = true
	b.retryTimer = time.AfterFunc(b.opts.RetryInterval, func() {
		b.mu.Lock()
		b.retryTimer = nil
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.dial(context.Background()); err != nil {
			b.log.Warn("mesh_reconnect_failed", zap.Error(err))
			b.scheduleRetry()
		}
	})
}

// Status 分支视角的连接状态；重连窗口内呈现 retrying
func (b *Branch) Status() transport.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retrying {
		return transport.StatusRetrying
	}
	if b.sock == nil {
		return transport.StatusNone
	}
	return b.sock.Status()
}

// ConnID 主节点分配的连接 id，绑定完成前为空
func (b *Branch) ConnID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connID
}

// Call 同步调用主节点(或经主节点转发的其它分支)上的动作
func (b *Branch) Call(action string, timeout time.Duration, params ...any) (any, error) {
	b.mu.Lock()
	tr := b.tr
	b.mu.Unlock()
	if tr == nil {
		return nil, transport.ErrSocketNotActive
	}
	return callSync(tr, action, timeout, params)
}

// CallAsync 回调风格调用
func (b *Branch) CallAsync(action string, timeout time.Duration, cb transport.Callback, params ...any) error {
	b.mu.Lock()
	tr := b.tr
	b.mu.Unlock()
	if tr == nil {
		return transport.ErrSocketNotActive
	}
	return tr.Request(protocol.NewRequest(action, params...), timeout, cb)
}

// Publish 发布到主题；离线时进入缓冲，上线后按序送出
func (b *Branch) Publish(topic string, params ...any) {
	b.mu.Lock()
	tr := b.tr
	b.mu.Unlock()
	if tr == nil {
		return
	}
	tr.Send(protocol.NewPublish(topic, params...))
}

// Notify 向主节点发送业务通知
func (b *Branch) Notify(action string, params ...any) {
	b.mu.Lock()
	tr := b.tr
	b.mu.Unlock()
	if tr == nil {
		return
	}
	tr.Send(protocol.NewNotification(action, params...))
}

// Close 停止重连并拆除当前链路
func (b *Branch) Close() {
	b.mu.Lock()
	b.closed = true
	if b.retryTimer != nil {
		b.retryTimer.Stop()
		b.retryTimer = nil
	}
	tr := b.tr
	b.mu.Unlock()
	if tr != nil {
		tr.Destroy(false)
	}
}
