// Package pipeline 实现单连接处理管线：协议嗅探、链替换、派发边界与响应回写。
// 除 RunJob 外，本包所有方法只能在连接所属的事件循环上调用。
package pipeline

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/taoyao-code/marker-server/internal/protocol"
)

// Conn 管线所需的连接能力
type Conn interface {
	ID() uint64
	RemoteAddr() string
	// Write 入队待写字节，只能在事件循环上调用
	Write(b []byte) error
	// Close 幂等；已入队的字节在关闭前写出
	Close() error
	// Closed 连接存活标志，可在任意 goroutine 读取
	Closed() bool
	// Execute 把任务投递到连接所属事件循环
	Execute(task func()) error
}

// State 管线状态
type State int32

const (
	StateSniffing State = iota
	StateRouted
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateSniffing:
		return "sniffing"
	case StateRouted:
		return "routed"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Context 阶段上下文，向后续阶段传递消息
type Context struct {
	p   *Pipeline
	idx int
}

// Fire 把 msg 交给下一阶段；最后一个阶段之后是派发边界
func (c *Context) Fire(msg any) error { return c.p.fireFrom(c.idx+1, msg) }

// Pipeline 所属管线
func (c *Context) Pipeline() *Pipeline { return c.p }

// Conn 所属连接
func (c *Context) Conn() Conn { return c.p.conn }

// Send 经当前编码器回写
func (c *Context) Send(resp any) error { return c.p.Send(resp) }

// Option 管线配置项
type Option func(*Pipeline)

// WithLogger 设置日志
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithRouteHook 协议识别完成后回调
func WithRouteHook(fn func(protocol.Variant)) Option {
	return func(p *Pipeline) { p.onRoute = fn }
}

// WithErrorHook 连接因错误终止前回调（未知协议、帧错误等）
func WithErrorHook(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// Pipeline 单连接管线：初始只有 Switch 阶段，识别后被协议链整体替换
type Pipeline struct {
	conn   Conn
	logger *zap.Logger

	state   atomic.Int32
	variant protocol.Variant
	chain   *Chain
	stages  []InboundStage
	ctxs    []*Context
	// draining 关闭前等待在途请求写完
	draining bool
	// halted 协议错误发生时仍有在途请求：停止解码，先写完在途响应再写错误响应并关闭
	halted   bool
	haltResp any

	onRoute func(protocol.Variant)
	onError func(error)
}

// New 为连接创建管线并安装嗅探阶段
func New(conn Conn, asm Assembler, opts ...Option) *Pipeline {
	p := &Pipeline{conn: conn, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	p.install([]InboundStage{NewSwitch(asm)})
	return p
}

func (p *Pipeline) install(stages []InboundStage) {
	p.stages = stages
	p.ctxs = make([]*Context, len(stages))
	for i := range stages {
		p.ctxs[i] = &Context{p: p, idx: i}
	}
}

// State 当前状态，可在任意 goroutine 读取
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Variant 已识别的协议
func (p *Pipeline) Variant() protocol.Variant { return p.variant }

// Conn 所属连接
func (p *Pipeline) Conn() Conn { return p.conn }

// Replace 用协议链替换嗅探阶段，只允许发生一次
func (p *Pipeline) Replace(chain *Chain) error {
	if p.State() != StateSniffing {
		return ErrAlreadyRouted
	}
	if err := chain.Validate(); err != nil {
		return err
	}
	p.chain = chain
	p.variant = chain.Variant
	p.install(chain.Inbound)
	p.state.Store(int32(StateRouted))
	if p.onRoute != nil {
		p.onRoute(chain.Variant)
	}
	return nil
}

// Fire 入站字节入口。终止状态下的输入被忽略
func (p *Pipeline) Fire(data []byte) {
	if p.State() == StateTerminal || p.halted || len(data) == 0 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.fail(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	if err := p.fireFrom(0, data); err != nil {
		p.fail(err)
	}
}

func (p *Pipeline) fireFrom(idx int, msg any) error {
	if p.State() == StateTerminal || p.halted {
		return nil
	}
	if idx < len(p.stages) {
		return p.stages[idx].HandleInbound(p.ctxs[idx], msg)
	}
	if p.chain == nil {
		return fmt.Errorf("%w: message past last stage before routing", ErrInvalidChain)
	}
	return p.chain.Dispatch.handle(p, msg)
}

// Send 响应回写：用当前协议编码器序列化并入队写出，协议要求时随后关闭连接
func (p *Pipeline) Send(resp any) error {
	if p.State() != StateRouted || p.conn.Closed() {
		return ErrConnClosed
	}
	data, closeAfter, err := p.chain.Encoder.Encode(resp)
	if err != nil {
		p.logger.Error("encode response failed", zap.Error(err))
		p.Close()
		return err
	}
	if err := p.conn.Write(data); err != nil {
		p.logger.Warn("write response failed", zap.Error(err))
		p.Close()
		return err
	}
	if closeAfter {
		p.Close()
	}
	return nil
}

// Drain 优雅关闭：未识别或空闲的连接立即关闭，否则在排队请求全部回写后关闭
func (p *Pipeline) Drain() {
	switch p.State() {
	case StateTerminal:
		return
	case StateSniffing:
		p.Close()
		return
	}
	p.draining = true
	if p.chain.Dispatch.Outstanding() == 0 {
		p.Close()
	}
}

// Draining 是否处于优雅关闭中
func (p *Pipeline) Draining() bool { return p.draining }

// Outstanding 在途与排队的请求数，未识别时为 0
func (p *Pipeline) Outstanding() int {
	if p.chain == nil {
		return 0
	}
	return p.chain.Dispatch.Outstanding()
}

// Halted 是否因协议错误停止解码、等待在途响应写完
func (p *Pipeline) Halted() bool { return p.halted }

// halt 丢弃排队请求，保留在途请求；错误响应由 finishHalt 在其后写出
func (p *Pipeline) halt(resp any) {
	p.halted = true
	p.haltResp = resp
	p.chain.Dispatch.dropPending()
}

func (p *Pipeline) finishHalt() {
	if resp := p.haltResp; resp != nil {
		p.haltResp = nil
		_ = p.Send(resp)
	}
	p.Close()
}

// Close 进入终止状态并关闭连接
func (p *Pipeline) Close() {
	if State(p.state.Swap(int32(StateTerminal))) == StateTerminal {
		return
	}
	_ = p.conn.Close()
}

func (p *Pipeline) fail(err error) {
	if p.State() == StateTerminal || p.halted {
		return
	}
	var pe *ProtocolError
	switch {
	case errors.Is(err, ErrUnknownProtocol):
		p.logger.Debug("unknown protocol, closing")
	case errors.As(err, &pe):
		p.logger.Warn("protocol error, closing",
			zap.String("kind", string(pe.Kind)), zap.Error(pe.Err))
		if p.State() == StateRouted && p.Outstanding() > 0 {
			p.halt(pe.Response)
			if p.onError != nil {
				p.onError(err)
			}
			return
		}
		if pe.Response != nil && p.State() == StateRouted {
			_ = p.Send(pe.Response)
		}
	default:
		p.logger.Error("pipeline failure, closing", zap.Error(err))
	}
	if p.onError != nil {
		p.onError(err)
	}
	p.Close()
}
