package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Kind 表示信封的传输语义
type Kind string

const (
	KindRequest      Kind = "request"      // 期待对端返回 callback
	KindCallback     Kind = "callback"     // 对某个 request 的应答，ID 与请求一致
	KindPublish      Kind = "publish"      // 发布到主题，不期待应答
	KindNotification Kind = "notification" // 广播/订阅通知，不期待应答
)

// Source 区分协议自身的消息与业务消息
type Source string

const (
	SourceSystem Source = "system" // bindAuth / register / heartbeat 等协议消息
	SourceCustom Source = "custom"
)

// 内置系统动作
const (
	ActionBindAuth  = "bindAuth"
	ActionRegister  = "register"
	ActionHeartbeat = "heartbeat"
	ActionConnected = "connected"
)

// Envelope is the wire unit of the mesh. One frame carries an ordered batch
// of envelopes; one envelope carries exactly one request, callback, publish
// or notification.
//
// ID is generated at construction and never changes; a callback reuses the
// ID of the request it answers. From/Target are stamped by the sender right
// before encoding and must not be set by application code.
type Envelope struct {
	ID     string `json:"id"`
	Kind   Kind   `json:"kind"`
	Source Source `json:"source"`
	Action string `json:"action"`

	// Params 按位置传参；Body/Err 仅在 callback 上有意义
	Params []any      `json:"params,omitempty"`
	Body   any        `json:"body,omitempty"`
	Err    *WireError `json:"error,omitempty"`

	From   string `json:"from,omitempty"`
	Target string `json:"target,omitempty"`
	Ts     int64  `json:"ts,omitempty"` // unix ms
}

func newEnvelope(kind Kind, source Source, action string, params []any) *Envelope {
	return &Envelope{
		ID:     uuid.New().String(),
		Kind:   kind,
		Source: source,
		Action: action,
		Params: params,
		Ts:     time.Now().UnixMilli(),
	}
}

// NewRequest 创建业务请求信封
func NewRequest(action string, params ...any) *Envelope {
	return newEnvelope(KindRequest, SourceCustom, action, params)
}

// NewSystemRequest 创建协议内部请求（bindAuth/heartbeat）
func NewSystemRequest(action string, params ...any) *Envelope {
	return newEnvelope(KindRequest, SourceSystem, action, params)
}

// NewPublish 创建主题发布信封
func NewPublish(action string, params ...any) *Envelope {
	return newEnvelope(KindPublish, SourceCustom, action, params)
}

// NewNotification 创建通知信封
func NewNotification(action string, params ...any) *Envelope {
	return newEnvelope(KindNotification, SourceCustom, action, params)
}

// NewSystemNotification 创建协议内部通知（register/connected）
func NewSystemNotification(action string, params ...any) *Envelope {
	return newEnvelope(KindNotification, SourceSystem, action, params)
}

// NewCallback builds the reply for req. It keeps the request's ID so the
// requestor on the other side can correlate, and keeps the request's Source
// so system replies stay system.
func NewCallback(req *Envelope, body any, werr *WireError) *Envelope {
	return &Envelope{
		ID:     req.ID,
		Kind:   KindCallback,
		Source: req.Source,
		Action: req.Action,
		Body:   body,
		Err:    werr,
		Ts:     time.Now().UnixMilli(),
	}
}

// valid 为所有判定谓词把关：没有 ID 的对象不是信封
func (e *Envelope) valid() bool { return e != nil && e.ID != "" }

func (e *Envelope) IsRequest() bool      { return e.valid() && e.Kind == KindRequest }
func (e *Envelope) IsCallback() bool     { return e.valid() && e.Kind == KindCallback }
func (e *Envelope) IsPublish() bool      { return e.valid() && e.Kind == KindPublish }
func (e *Envelope) IsNotification() bool { return e.valid() && e.Kind == KindNotification }
func (e *Envelope) IsSystem() bool       { return e.valid() && e.Source == SourceSystem }

// Clone returns a shallow copy. The sender stamps From/Target on a clone so
// one envelope can be broadcast to many connections without data races.
func (e *Envelope) Clone() *Envelope {
	cp := *e
	return &cp
}

// StringParam 取第 i 个参数并断言为字符串，缺失或类型不符返回空串
func (e *Envelope) StringParam(i int) string {
	if i < 0 || i >= len(e.Params) {
		return ""
	}
	s, _ := e.Params[i].(string)
	return s
}

// StringSliceParam 取第 i 个参数并尽力转换为字符串切片。
// JSON 解码后的 []string 会变成 []any，这里做统一还原。
func (e *Envelope) StringSliceParam(i int) []string {
	if i < 0 || i >= len(e.Params) {
		return nil
	}
	switch v := e.Params[i].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
