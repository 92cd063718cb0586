package transport

import (
	"time"

	"github.com/hongjun500/mesh-go/internal/protocol"
)

// Options configures sockets, senders and transports (shared across TCP/WS).
type Options struct {
	MessageLimit        int           // envelopes per physical write, default 50
	WriteConcurrency    int           // concurrent frame writes, default 100
	DispatchConcurrency int           // concurrent inbound dispatches, default 500
	RequestTimeout      time.Duration // per-request default, 10s
	BindTimeout         time.Duration // handshake grace, 2s
	HeartbeatInterval   time.Duration // default 5m
	ReadTimeout         time.Duration // per-read deadline; 0 to disable
	WriteTimeout        time.Duration // per-write deadline; 0 to disable
	MaxFrameSize        int           // bytes, default 1MB
	Compress            bool          // s2-compress frame payloads
	Codec               protocol.Codec
}

func (o Options) withDefaults() Options {
	if o.MessageLimit <= 0 {
		o.MessageLimit = 50
	}
	if o.WriteConcurrency <= 0 {
		o.WriteConcurrency = 100
	}
	if o.DispatchConcurrency <= 0 {
		o.DispatchConcurrency = 500
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 10 * time.Second
	}
	if o.BindTimeout <= 0 {
		o.BindTimeout = 2 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Minute
	}
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = 1 << 20
	}
	if o.Codec == nil {
		o.Codec = protocol.JSONCodec{}
	}
	return o
}
