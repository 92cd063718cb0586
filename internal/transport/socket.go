package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/pkg/logger"
)

// Status 连接状态机
type Status int32

const (
	StatusNone Status = iota
	StatusPending
	StatusConnected
	StatusBinding
	StatusOnline
	StatusOffline
	StatusRetrying // 仅发起侧使用，由 Branch 在重连窗口内标记
)

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusPending:
		return "pending"
	case StatusConnected:
		return "connected"
	case StatusBinding:
		return "binding"
	case StatusOnline:
		return "online"
	case StatusOffline:
		return "offline"
	case StatusRetrying:
		return "retrying"
	}
	return "unknown"
}

// Socket turns a raw duplex connection into a stream of decoded envelopes.
// It owns the frame codec and the batch codec, exposes the connection status
// machine, and guarantees exactly-once teardown on every disconnect path.
//
// Offline is terminal for a socket instance; reconnects build a fresh one.
type Socket struct {
	id    string
	conn  net.Conn
	fc    *FrameCodec
	codec protocol.Codec
	opts  Options

	status   atomic.Int32
	statusMu sync.Mutex

	bindMu    sync.Mutex
	bindTimer *time.Timer

	closeOnce sync.Once
	done      chan struct{}

	onStatus   func(old, cur Status)
	onEnvelope func(*protocol.Envelope)
	onError    func(error)
}

func NewSocket(conn net.Conn, opts Options) *Socket {
	opts = opts.withDefaults()
	return &Socket{
		id:    uuid.New().String(),
		conn:  conn,
		fc:    NewFrameCodec(conn, opts.MaxFrameSize, opts.Compress),
		codec: opts.Codec,
		opts:  opts,
		done:  make(chan struct{}),
	}
}

func (s *Socket) ID() string { return s.id }

func (s *Socket) RemoteAddr() string {
	if s.conn != nil && s.conn.RemoteAddr() != nil {
		return s.conn.RemoteAddr().String()
	}
	return ""
}

func (s *Socket) Status() Status { return Status(s.status.Load()) }

// Writable 判断底层连接是否可以承载写入（握手期与在线期均可写）
func (s *Socket) Writable() bool {
	switch s.Status() {
	case StatusConnected, StatusBinding, StatusOnline:
		return true
	}
	return false
}

// 事件挂载，必须在 Start 之前完成
func (s *Socket) OnStatus(fn func(old, cur Status))    { s.onStatus = fn }
func (s *Socket) OnEnvelope(fn func(*protocol.Envelope)) { s.onEnvelope = fn }
func (s *Socket) OnError(fn func(error))               { s.onError = fn }

// SetStatus drives the state machine. It is owned by the connection
// orchestrator (Transport/Master/Branch); application code never calls it.
// Offline is reached only through Close, never directly.
func (s *Socket) SetStatus(st Status) {
	if st == StatusOffline {
		_ = s.Close()
		return
	}
	s.statusMu.Lock()
	old := Status(s.status.Load())
	if old == st || old == StatusOffline {
		s.statusMu.Unlock()
		return
	}
	s.status.Store(int32(st))
	s.statusMu.Unlock()
	s.emitStatus(old, st)
}

func (s *Socket) emitStatus(old, cur Status) {
	if s.onStatus != nil {
		s.onStatus(old, cur)
	}
}

func (s *Socket) emitError(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// Start 启动读循环；解码出的信封按到达顺序逐个上抛
func (s *Socket) Start() {
	go s.readLoop()
}

func (s *Socket) readLoop() {
	for {
		if s.opts.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		raw, err := s.fc.ReadFrame()
		if err != nil {
			s.fail(err)
			return
		}
		batch, err := s.codec.Decode(raw)
		if err != nil {
			// 坏帧只丢弃，连接保持
			logger.L().Warn("socket_decode_error",
				zap.String("socket", s.id), zap.Error(err))
			s.emitError(err)
			continue
		}
		if s.onEnvelope != nil {
			for _, e := range batch {
				s.onEnvelope(e)
			}
		}
	}
}

// fail 处理读路径的终止：错误事件先于 offline 转换
func (s *Socket) fail(err error) {
	if s.Status() == StatusOffline {
		return
	}
	if err != io.EOF {
		s.emitError(err)
	}
	_ = s.Close()
}

// WriteFrame 写入一个已编码批次；离线直接报错，由调用方决定重排队
func (s *Socket) WriteFrame(payload []byte) error {
	if s.Status() == StatusOffline {
		return fmt.Errorf("socket %s is offline", s.id)
	}
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	return s.fc.WriteFrame(payload)
}

// SetBindTimeout arms the handshake timer: a connection that has not bound
// within the window is forcibly closed so raw TCP dials cannot squat.
// Re-arming replaces the previous timer.
func (s *Socket) SetBindTimeout() {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	if s.bindTimer != nil {
		s.bindTimer.Stop()
	}
	s.bindTimer = time.AfterFunc(s.opts.BindTimeout, func() {
		if s.Status() == StatusOnline || s.Status() == StatusOffline {
			return
		}
		s.emitError(ErrBindTimeout)
		_ = s.Close()
	})
}

func (s *Socket) ClearBindTimeout() {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()
	if s.bindTimer != nil {
		s.bindTimer.Stop()
		s.bindTimer = nil
	}
}

// Close tears down exactly once: bind timer cleared, status flipped to
// offline, the raw connection closed, then the status event and the done
// signal. The event fires outside the once-guarded section so an offline
// hook may call Close or Destroy again without deadlocking on the Once.
// Safe to call from any goroutine, any number of times.
func (s *Socket) Close() error {
	var err error
	first := false
	var old Status
	s.closeOnce.Do(func() {
		first = true
		s.ClearBindTimeout()
		s.statusMu.Lock()
		old = Status(s.status.Load())
		s.status.Store(int32(StatusOffline))
		s.statusMu.Unlock()
		if s.conn != nil {
			err = s.conn.Close()
		}
	})
	if first {
		s.emitStatus(old, StatusOffline)
		close(s.done)
	}
	return err
}

// End 优雅关闭；返回的通道在完全关闭后可读。并发调用只有首个执行拆除。
func (s *Socket) End() <-chan struct{} {
	_ = s.Close()
	return s.done
}

// Done exposes the closed signal for callers that only observe.
func (s *Socket) Done() <-chan struct{} { return s.done }
