package mesh

import (
	"sync/atomic"

	"github.com/hongjun500/mesh-go/internal/observe"
	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/internal/transport"
)

// masterConn 一条入站连接在主节点侧的协议状态
type masterConn struct {
	m    *Master
	id   string
	name string
	sock *transport.Socket
	tr   *transport.Transport

	bound atomic.Bool
}

// install mounts the built-in protocol interceptors. They are installed at
// construction time, so per pipeline ordering (later-registered runs
// earlier) any user interceptor added afterwards sees the envelope first and
// protocol envelopes are still always handled at the tail.
func (c *masterConn) install() {
	tr := c.tr

	// 业务请求分发：本地处理器 → 调用；远端指针 → 转发；无注册 → 错误
	tr.Use(transport.Interceptor{
		Match:  func(e *protocol.Envelope) bool { return e.IsRequest() && !e.IsSystem() },
		Handle: c.dispatchRequest,
	})

	// 业务通知：进入主节点本地订阅表
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool { return e.IsNotification() && !e.IsSystem() },
		Handle: func(e *protocol.Envelope, next transport.Next) error {
			c.m.subs.Emit(e)
			return nil
		},
	})

	// 发布：按订阅索引扇出为通知，发起方自身除外
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool { return e.IsPublish() },
		Handle: func(e *protocol.Envelope, next transport.Next) error {
			n := protocol.NewNotification(e.Action, e.Params...)
			ids := c.m.manager.FindIDsBySubscribe(e.Action)
			c.m.manager.BroadcastTo(n, ids, c.id)
			c.m.subs.Emit(n)
			return nil
		},
	})

	// 心跳应答
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool {
			return e.IsSystem() && e.IsRequest() && e.Action == protocol.ActionHeartbeat
		},
		Handle: func(e *protocol.Envelope, next transport.Next) error {
			c.reply(e, "ok", nil)
			return nil
		},
	})

	// register：绑定后重新通告处理器与订阅集，无需重新鉴权
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool {
			return e.IsSystem() && e.IsNotification() && e.Action == protocol.ActionRegister
		},
		Handle: func(e *protocol.Envelope, next transport.Next) error {
			if !c.bound.Load() {
				return nil // 未绑定的 register 直接忽略
			}
			c.adopt(e.StringSliceParam(0), e.StringSliceParam(1))
			return nil
		},
	})

	// bindAuth：共享密钥校验，成功后连接转入在线并登记索引
	tr.Use(transport.Interceptor{
		Match: func(e *protocol.Envelope) bool {
			return e.IsSystem() && e.IsRequest() && e.Action == protocol.ActionBindAuth
		},
		Handle: c.bindAuth,
	})
}

// bindAuth params: (name, token, actions[], topics[])
func (c *masterConn) bindAuth(e *protocol.Envelope, next transport.Next) error {
	name := e.StringParam(0)
	token := e.StringParam(1)
	if name == "" {
		observe.IncBindError("params")
		c.reply(e, nil, protocol.NewError(protocol.CodeRequestParamsError, "bindAuth requires a name"))
		c.reject()
		return nil
	}
	if token != c.m.opts.Token {
		observe.IncBindError("auth")
		c.reply(e, nil, transport.ErrBindError)
		c.reject()
		return nil
	}

	c.sock.ClearBindTimeout()
	c.name = name
	c.m.manager.CreateConnection(&transport.Record{
		ID: c.id, Name: name, Socket: c.sock, Transport: c.tr,
	})
	c.adopt(e.StringSliceParam(2), e.StringSliceParam(3))
	c.tr.Sender().SetIdentity("master", c.id)
	c.bound.Store(true)

	// 应答携带分配的连接 id，对端以此落戳 from
	c.reply(e, c.id, nil)
	c.sock.SetStatus(transport.StatusOnline)
	c.m.lifecycle("online", c.id, name, c.sock.RemoteAddr())
	return nil
}

// adopt 登记对端通告的远端处理器与订阅主题
func (c *masterConn) adopt(actions, topics []string) {
	for _, action := range actions {
		c.m.responder.CreateRemoteHandler(action, c.id)
	}
	for _, topic := range topics {
		c.m.manager.BindSubscribe(topic, c.id)
	}
}

func (c *masterConn) dispatchRequest(e *protocol.Envelope, next transport.Next) error {
	reg, ok := c.m.responder.Handler(e.Action)
	if !ok {
		c.reply(e, nil, transport.ErrActionNotExist)
		return nil
	}
	if reg.IsLocal() {
		body, werr := c.m.responder.Invoke(reg.Fn, e.Params)
		c.reply(e, body, werr)
		return nil
	}
	// 远端指针：目标连接必须在线才可转发
	rec, live := c.m.manager.FindByID(reg.RemoteID)
	if !live || rec.Socket == nil || rec.Socket.Status() != transport.StatusOnline {
		c.reply(e, nil, transport.ErrSocketNotActive)
		return nil
	}
	fwd := protocol.NewRequest(e.Action, e.Params...)
	return rec.Transport.Request(fwd, 0, func(werr *protocol.WireError, body any) {
		c.reply(e, body, werr)
	})
}

func (c *masterConn) reply(req *protocol.Envelope, body any, werr *protocol.WireError) {
	c.tr.Send(protocol.NewCallback(req, body, werr))
}

// reject 拒绝握手：待应答写出后拆除连接
func (c *masterConn) reject() {
	go c.tr.Destroy(false)
}

// handleOffline 任何断开路径的唯一清理入口
func (c *masterConn) handleOffline() {
	if c.bound.Swap(false) {
		c.m.responder.RemoveRemote(c.id)
		c.m.manager.Offline(c.id)
		c.m.lifecycle("offline", c.id, c.name, "")
		return
	}
	// 未完成绑定的连接没有索引，只需拆除本体
	c.tr.Destroy(true)
}
