package transport

import (
	"sync"

	"github.com/hongjun500/mesh-go/internal/observe"
	"github.com/hongjun500/mesh-go/internal/protocol"
)

// Record 一条受管连接：id 主键，name 与订阅主题为二级索引
type Record struct {
	ID        string
	Name      string
	Socket    *Socket
	Transport *Transport
}

// ConnInfo 供运维侧查询的连接摘要
type ConnInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ConnectionManager multiplexes the master's peer connections. A connection
// record exists in exactly one of {live, being-torn-down}: creating a record
// under an id that already exists tears the old one down first, which
// resolves duplicate-id races on reconnect.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Record
	names map[string]string              // name -> id
	subs  map[string]map[string]struct{} // topic -> id set
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Record),
		names: make(map[string]string),
		subs:  make(map[string]map[string]struct{}),
	}
}

// CreateConnection 登记连接；同 id 旧记录先拆除再替换
func (m *ConnectionManager) CreateConnection(rec *Record) {
	m.mu.Lock()
	old := m.conns[rec.ID]
	if old != nil {
		m.dropLocked(old)
	}
	m.conns[rec.ID] = rec
	if rec.Name != "" {
		m.names[rec.Name] = rec.ID
	}
	count := len(m.conns)
	m.mu.Unlock()

	if old != nil {
		teardown(old)
	}
	observe.SetConnections(float64(count))
}

// dropLocked 摘除索引；调用方持有写锁
func (m *ConnectionManager) dropLocked(rec *Record) {
	delete(m.conns, rec.ID)
	if rec.Name != "" && m.names[rec.Name] == rec.ID {
		delete(m.names, rec.Name)
	}
	for topic, ids := range m.subs {
		delete(ids, rec.ID)
		if len(ids) == 0 {
			delete(m.subs, topic)
		}
	}
}

func teardown(rec *Record) {
	if rec.Transport != nil {
		rec.Transport.Destroy(true)
	}
	if rec.Socket != nil {
		_ = rec.Socket.Close()
	}
}

func (m *ConnectionManager) FindByID(id string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.conns[id]
	return rec, ok
}

func (m *ConnectionManager) FindByName(name string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[name]
	if !ok {
		return nil, false
	}
	rec, ok := m.conns[id]
	return rec, ok
}

// FindIDsBySubscribe 返回订阅了该主题的连接 id
func (m *ConnectionManager) FindIDsBySubscribe(topic string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.subs[topic]
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Connections 连接摘要列表
func (m *ConnectionManager) Connections() []ConnInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ConnInfo, 0, len(m.conns))
	for _, rec := range m.conns {
		info := ConnInfo{ID: rec.ID, Name: rec.Name}
		if rec.Socket != nil {
			info.Status = rec.Socket.Status().String()
		}
		out = append(out, info)
	}
	return out
}

func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// BindSubscribe 登记订阅
func (m *ConnectionManager) BindSubscribe(topic, id string) {
	m.mu.Lock()
	ids, ok := m.subs[topic]
	if !ok {
		ids = make(map[string]struct{})
		m.subs[topic] = ids
	}
	ids[id] = struct{}{}
	m.mu.Unlock()
}

// UnbindSubscribe 将该 id 从所有主题中移除
func (m *ConnectionManager) UnbindSubscribe(id string) {
	m.mu.Lock()
	for topic, ids := range m.subs {
		delete(ids, id)
		if len(ids) == 0 {
			delete(m.subs, topic)
		}
	}
	m.mu.Unlock()
}

// Broadcast 发送给全部连接
func (m *ConnectionManager) Broadcast(e *protocol.Envelope) int {
	return m.BroadcastFunc(e, nil)
}

// BroadcastTo sends to an explicit id list; exclude removes ids from that
// list (typically the originating sender of a publish).
func (m *ConnectionManager) BroadcastTo(e *protocol.Envelope, ids []string, exclude ...string) int {
	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	m.mu.RLock()
	targets := make([]*Record, 0, len(ids))
	for _, id := range ids {
		if _, drop := skip[id]; drop {
			continue
		}
		if rec, ok := m.conns[id]; ok {
			targets = append(targets, rec)
		}
	}
	m.mu.RUnlock()
	return sendAll(targets, e)
}

// BroadcastFunc 按谓词筛选目标；nil 谓词等于全量广播
func (m *ConnectionManager) BroadcastFunc(e *protocol.Envelope, match func(*Record) bool) int {
	m.mu.RLock()
	targets := make([]*Record, 0, len(m.conns))
	for _, rec := range m.conns {
		if match == nil || match(rec) {
			targets = append(targets, rec)
		}
	}
	m.mu.RUnlock()
	return sendAll(targets, e)
}

func sendAll(targets []*Record, e *protocol.Envelope) int {
	n := 0
	for _, rec := range targets {
		if rec.Transport == nil {
			continue
		}
		rec.Transport.Send(e)
		n++
	}
	observe.AddBroadcast(float64(n))
	return n
}

// Offline 下线一条连接：先清订阅索引，再拆除并删除记录
func (m *ConnectionManager) Offline(id string) {
	m.mu.Lock()
	rec, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.dropLocked(rec)
	count := len(m.conns)
	m.mu.Unlock()

	teardown(rec)
	observe.SetConnections(float64(count))
}

// End 关闭指定连接；不传 id 时关闭全部并清空所有索引
func (m *ConnectionManager) End(ids ...string) {
	if len(ids) > 0 {
		for _, id := range ids {
			m.Offline(id)
		}
		return
	}
	m.mu.Lock()
	all := make([]*Record, 0, len(m.conns))
	for _, rec := range m.conns {
		all = append(all, rec)
	}
	m.conns = make(map[string]*Record)
	m.names = make(map[string]string)
	m.subs = make(map[string]map[string]struct{})
	m.mu.Unlock()

	for _, rec := range all {
		teardown(rec)
	}
	observe.SetConnections(0)
}
