package protocol

import "fmt"

// 稳定的数字错误码，跨进程传输，不得改动既有取值
const (
	CodeSuccess = iota
	CodeNone
	CodeRequestTimeout
	CodeBindError
	CodeRequestParamsError
	CodeBindTimeout
	CodeActionNotExist
	CodeActionSocketNotActive
)

// maxErrorDepth 限制错误因果链的序列化深度，防止 payload 失控
const maxErrorDepth = 3

// WireError is the single error representation carried on the wire and
// returned to callers. Code is one of the Code* constants; Cause chains are
// capped at maxErrorDepth during normalization.
type WireError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Cause   *WireError `json:"cause,omitempty"`
}

func (e *WireError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mesh error %d: %s: %s", e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("mesh error %d: %s", e.Code, e.Message)
}

func (e *WireError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// NewError 构造带错误码的 WireError
func NewError(code int, message string) *WireError {
	return &WireError{Code: code, Message: message}
}

// Normalize converts an arbitrary error into a WireError with a bounded
// cause chain. A *WireError passes through (re-capped); anything else
// becomes CodeNone with its Error() text.
func Normalize(err error) *WireError {
	return normalize(err, maxErrorDepth)
}

func normalize(err error, depth int) *WireError {
	if err == nil || depth <= 0 {
		return nil
	}
	if we, ok := err.(*WireError); ok {
		out := &WireError{Code: we.Code, Message: we.Message}
		if we.Cause != nil {
			out.Cause = normalize(we.Cause, depth-1)
		}
		return out
	}
	out := &WireError{Code: CodeNone, Message: err.Error()}
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		if inner := u.Unwrap(); inner != nil && inner.Error() != err.Error() {
			out.Cause = normalize(inner, depth-1)
		}
	}
	return out
}

// CodeOf 提取错误码；普通 error 归入 CodeNone，nil 为 CodeSuccess
func CodeOf(err error) int {
	if err == nil {
		return CodeSuccess
	}
	if we, ok := err.(*WireError); ok {
		return we.Code
	}
	return CodeNone
}
