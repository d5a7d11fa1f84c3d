package pipeline

import (
	"errors"
	"fmt"
)

// 管线哨兵错误
var (
	// ErrUnknownProtocol 首 4 字节不匹配任何协议标记，连接直接关闭且不回写任何字节
	ErrUnknownProtocol = errors.New("pipeline: unknown protocol")
	// ErrBusy 业务线程池拒绝任务
	ErrBusy = errors.New("pipeline: business pool busy")
	// ErrTooManyPending 单连接排队请求超过上限
	ErrTooManyPending = errors.New("pipeline: too many pending requests")
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("pipeline: connection closed")
	// ErrAlreadyRouted 连接已完成协议识别
	ErrAlreadyRouted = errors.New("pipeline: already routed")
	// ErrHandlerPanic 业务处理发生 panic
	ErrHandlerPanic = errors.New("pipeline: handler panic")
	ErrInvalidChain = errors.New("pipeline: invalid chain")
)

// ErrorKind 协议层错误分类
type ErrorKind string

const (
	KindMalformed   ErrorKind = "malformed"
	KindOversized   ErrorKind = "oversized"
	KindUnsupported ErrorKind = "unsupported"
	KindOverflow    ErrorKind = "overflow"
)

// ProtocolError 协议帧错误，对连接是致命的。
// Response 非空时先经当前编码器写出再关闭连接。
type ProtocolError struct {
	Kind     ErrorKind
	Err      error
	Response any
}

// NewProtocolError 构造协议错误
func NewProtocolError(kind ErrorKind, err error, resp any) *ProtocolError {
	return &ProtocolError{Kind: kind, Err: err, Response: resp}
}

func (e *ProtocolError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("protocol error (%s)", e.Kind)
	}
	return fmt.Sprintf("protocol error (%s): %v", e.Kind, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError 判断是否为协议帧错误
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
