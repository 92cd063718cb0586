package transport

import (
	"sync"

	"go.uber.org/zap"

	"github.com/hongjun500/mesh-go/internal/observe"
	"github.com/hongjun500/mesh-go/internal/protocol"
	"github.com/hongjun500/mesh-go/pkg/logger"
)

// Sender batches outbound envelopes onto one socket. Every physical write
// carries at most MessageLimit envelopes; writes go through a bounded
// concurrency queue, so a flood of batches waits instead of spawning
// unbounded goroutines. From/Target are stamped on clones immediately before
// serialization, never earlier, since identity is not final until then.
type Sender struct {
	sock  *Socket
	codec protocol.Codec
	limit int

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	localID  string
	remoteID string
	closed   bool
}

func NewSender(sock *Socket, opts Options) *Sender {
	opts = opts.withDefaults()
	return &Sender{
		sock:  sock,
		codec: opts.Codec,
		limit: opts.MessageLimit,
		sem:   make(chan struct{}, opts.WriteConcurrency),
	}
}

// SetIdentity 在握手完成后由编排方调用；此后的发送以该身份落戳
func (s *Sender) SetIdentity(local, remote string) {
	s.mu.Lock()
	s.localID, s.remoteID = local, remote
	s.mu.Unlock()
}

// Send splits envelopes into batches and enqueues the writes. When the
// socket cannot take writes (or the sender is destroyed) it returns the
// envelopes unsent; the caller owns re-queueing.
func (s *Sender) Send(envs []*protocol.Envelope) []*protocol.Envelope {
	if len(envs) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.closed || !s.sock.Writable() {
		s.mu.Unlock()
		return envs
	}
	local, remote := s.localID, s.remoteID
	s.mu.Unlock()

	for start := 0; start < len(envs); start += s.limit {
		end := start + s.limit
		if end > len(envs) {
			end = len(envs)
		}
		batch := make([]*protocol.Envelope, 0, end-start)
		for _, e := range envs[start:end] {
			// copy-on-send：同一信封可能被广播到多条连接
			cp := e.Clone()
			cp.From, cp.Target = local, remote
			batch = append(batch, cp)
		}
		s.wg.Add(1)
		s.sem <- struct{}{} // FIFO 背压，满时阻塞排队
		go s.writeBatch(batch)
	}
	return nil
}

func (s *Sender) writeBatch(batch []*protocol.Envelope) {
	defer func() {
		<-s.sem
		s.wg.Done()
	}()
	payload, err := s.codec.Encode(batch)
	if err != nil {
		logger.L().Warn("sender_encode_error",
			zap.String("socket", s.sock.ID()), zap.Error(err))
		return
	}
	if err := s.sock.WriteFrame(payload); err != nil {
		logger.L().Warn("sender_write_error",
			zap.String("socket", s.sock.ID()), zap.Error(err))
		return
	}
	for _, e := range batch {
		observe.IncEnvelope(string(e.Kind), "out")
	}
}

// Destroy drains in-flight writes, then closes the socket exactly once.
func (s *Sender) Destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	_ = s.sock.Close()
}
