package subscriber

import (
	"sync"

	"github.com/hongjun500/mesh-go/internal/protocol"
)

// Listener 接收一条主题通知
type Listener func(e *protocol.Envelope)

type entry struct {
	id uint64
	fn Listener
}

// Hub 本地订阅注册表：主题 -> 监听器列表。
// 负责入站通知在本进程内的扇出；跨连接的主题索引在 ConnectionManager。
type Hub struct {
	mu        sync.RWMutex
	listeners map[string][]entry
	nextID    uint64
}

func NewHub() *Hub {
	return &Hub{listeners: make(map[string][]entry)}
}

// Subscribe 注册监听器并返回取消函数
func (h *Hub) Subscribe(topic string, fn Listener) (cancel func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.listeners[topic] = append(h.listeners[topic], entry{id: id, fn: fn})
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		entries := h.listeners[topic]
		if len(entries) > 0 {
			filtered := entries[:0]
			for _, e := range entries {
				if e.id != id {
					filtered = append(filtered, e)
				}
			}
			if len(filtered) == 0 {
				delete(h.listeners, topic)
			} else {
				h.listeners[topic] = append([]entry(nil), filtered...)
			}
		}
		h.mu.Unlock()
	}
}

// Topics 当前订阅的主题集合，供 bindAuth/register 通告
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.listeners))
	for topic := range h.listeners {
		out = append(out, topic)
	}
	return out
}

// Emit 异步分发到该主题的所有监听器，非阻塞返回
func (h *Hub) Emit(e *protocol.Envelope) {
	h.mu.RLock()
	entries := h.listeners[e.Action]
	var copied []entry
	if len(entries) > 0 {
		copied = append(copied, entries...)
	}
	h.mu.RUnlock()
	for _, en := range copied {
		go func(fn Listener) {
			defer func() { _ = recover() }()
			fn(e)
		}(en.fn)
	}
}
