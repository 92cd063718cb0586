package transport

import "github.com/hongjun500/mesh-go/internal/protocol"

// 传输层错误定义，统一使用 protocol.WireError 形状
var (
	ErrRequestTimeout = protocol.NewError(protocol.CodeRequestTimeout, "request timeout")
	ErrBindTimeout    = protocol.NewError(protocol.CodeBindTimeout, "bind handshake timed out")
	ErrBindError      = protocol.NewError(protocol.CodeBindError, "bind auth rejected")
	ErrNotRequest     = protocol.NewError(protocol.CodeRequestParamsError, "envelope is not request kind")
	ErrActionNotExist = protocol.NewError(protocol.CodeActionNotExist, "no handler registered for action")
	ErrSocketNotActive = protocol.NewError(protocol.CodeActionSocketNotActive,
		"handler owner connection is not online")
	ErrRequestAborted = protocol.NewError(protocol.CodeNone,
		"request aborted: transport destroyed")
)
