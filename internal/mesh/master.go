package mesh

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hongjun500/mesh-go/internal/bus/redisstream"
	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/internal/subscriber"
	"github.com/hongjun500/mesh-go/internal/transport"
	"github.com/hongjun500/mesh-go/pkg/logger"
)

// MasterOptions 主节点配置
type MasterOptions struct {
	Addr      string // TCP 监听地址
	WSAddr    string // WebSocket 监听地址，空则不开
	Token     string // bindAuth 共享密钥
	Transport transport.Options
	Bus       *redisstream.Bus // 可选生命周期总线
}

// Master is the hub role: it accepts branch connections, runs the bindAuth
// handshake, and multiplexes them through a ConnectionManager. Handlers
// registered on the master are callable by any branch; handlers announced by
// a branch become remote pointers callable by everyone else.
type Master struct {
	opts      MasterOptions
	log       *zap.Logger
	manager   *transport.ConnectionManager
	responder *transport.Responder
	subs      *subscriber.Hub

	ln     net.Listener
	wsSrv  *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

func NewMaster(opts MasterOptions) *Master {
	if opts.Transport.Codec == nil {
		opts.Transport.Codec = protocol.JSONCodec{}
	}
	return &Master{
		opts:      opts,
		log:       logger.L(),
		manager:   transport.NewConnectionManager(),
		responder: transport.NewResponder(),
		subs:      subscriber.NewHub(),
	}
}

// Handle 注册主节点本地动作
func (m *Master) Handle(action string, fn transport.HandlerFunc) {
	m.responder.CreateHandler(action, fn)
}

// Subscribe 订阅主节点本地主题监听
func (m *Master) Subscribe(topic string, fn subscriber.Listener) (cancel func()) {
	return m.subs.Subscribe(topic, fn)
}

// Manager 暴露连接管理器，供运维侧查询
func (m *Master) Manager() *transport.ConnectionManager { return m.manager }

// Peers 当前连接摘要
func (m *Master) Peers() []transport.ConnInfo { return m.manager.Connections() }

// ListenAddr 实际监听地址（Addr 配 :0 时用于发现端口）；未监听返回空串
func (m *Master) ListenAddr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Start 监听并阻塞在 accept 循环；ctx 取消后返回
func (m *Master) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	ln, err := net.Listen("tcp", m.opts.Addr)
	if err != nil {
		return err
	}
	m.ln = ln
	m.log.Info("mesh_master_listen", zap.String("addr", m.opts.Addr))

	if m.opts.WSAddr != "" {
		go m.serveWS()
	}
	go func() { <-m.ctx.Done(); _ = ln.Close() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return m.ctx.Err()
			}
			m.log.Warn("mesh_accept_error", zap.Error(err))
			continue
		}
		go m.serveConn(conn)
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (m *Master) serveWS() {
	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Warn("mesh_ws_upgrade_error", zap.Error(err))
			return
		}
		m.serveConn(transport.NewWSConn(ws))
	})
	m.wsSrv = &http.Server{Addr: m.opts.WSAddr, Handler: mux}
	m.log.Info("mesh_master_ws_listen", zap.String("addr", m.opts.WSAddr))
	if err := m.wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.log.Warn("mesh_ws_serve_error", zap.Error(err))
	}
}

// serveConn 为每条入站连接建立 Socket/Transport 对并安装协议拦截器。
// 连接 id 即 socket id，在 bindAuth 应答中下发给对端。
func (m *Master) serveConn(conn net.Conn) {
	sock := transport.NewSocket(conn, m.opts.Transport)
	tr := transport.New(sock, m.responder, m.subs, m.opts.Transport)
	c := &masterConn{m: m, id: sock.ID(), sock: sock, tr: tr}

	tr.OnError(func(err error) {
		m.log.Warn("mesh_conn_error", zap.String("conn", c.id), zap.Error(err))
	})
	tr.OnStatus(func(old, cur transport.Status) {
		if cur == transport.StatusOffline {
			c.handleOffline()
		}
	})
	c.install()

	sock.SetStatus(transport.StatusConnected)
	sock.SetBindTimeout()
	sock.Start()
}

// Call 按逻辑名调用某个分支上的动作
func (m *Master) Call(name, action string, timeout time.Duration, params ...any) (any, error) {
	rec, ok := m.manager.FindByName(name)
	if !ok {
		return nil, transport.ErrSocketNotActive
	}
	return callSync(rec.Transport, action, timeout, params)
}

// Publish 向订阅了该主题的分支广播通知，返回送达连接数
func (m *Master) Publish(topic string, params ...any) int {
	ids := m.manager.FindIDsBySubscribe(topic)
	n := protocol.NewNotification(topic, params...)
	delivered := m.manager.BroadcastTo(n, ids)
	m.subs.Emit(n)
	return delivered
}

// Broadcast 向全部在线分支广播通知
func (m *Master) Broadcast(action string, params ...any) int {
	n := protocol.NewNotification(action, params...)
	return m.manager.BroadcastFunc(n, func(rec *transport.Record) bool {
		return rec.Socket != nil && rec.Socket.Status() == transport.StatusOnline
	})
}

// Close 关停监听与全部连接
func (m *Master) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.wsSrv != nil {
		_ = m.wsSrv.Close()
	}
	m.manager.End()
}

func (m *Master) lifecycle(event, connID, name, detail string) {
	m.log.Info("mesh_"+event,
		zap.String("conn", connID), zap.String("name", name), zap.String("detail", detail))
	if m.opts.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.opts.Bus.Publish(ctx, &redisstream.Event{
			Type:   "peer." + event,
			When:   time.Now(),
			ConnID: connID,
			Name:   name,
			Detail: detail,
		})
	}
}

// callSync 将回调风格的 Request 适配为同步调用
func callSync(tr *transport.Transport, action string, timeout time.Duration, params []any) (any, error) {
	type result struct {
		body any
		err  *protocol.WireError
	}
	done := make(chan result, 1)
	e := protocol.NewRequest(action, params...)
	err := tr.Request(e, timeout, func(werr *protocol.WireError, body any) {
		done <- result{body: body, err: werr}
	})
	if err != nil {
		return nil, err
	}
	res := <-done
	if res.err != nil {
		return nil, res.err
	}
	return res.body, nil
}
