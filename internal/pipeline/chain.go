package pipeline

import (
	"fmt"

	"github.com/taoyao-code/marker-server/internal/protocol"
)

// InboundStage 入站处理阶段，只在连接所属事件循环上调用
type InboundStage interface {
	HandleInbound(ctx *Context, msg any) error
}

// Encoder 把业务结果编码为线上字节；closeAfter 表示写出后按协议语义关闭连接
type Encoder interface {
	Encode(resp any) (data []byte, closeAfter bool, err error)
}

// Chain 协议专属处理链：入站解码阶段 -> 唯一的派发边界 -> 响应编码器
type Chain struct {
	Variant  protocol.Variant
	Inbound  []InboundStage
	Dispatch *Dispatch
	Encoder  Encoder
}

// Validate 检查链的完整性
func (c *Chain) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil chain", ErrInvalidChain)
	}
	if c.Dispatch == nil {
		return fmt.Errorf("%w: %s chain has no dispatch", ErrInvalidChain, c.Variant)
	}
	if c.Encoder == nil {
		return fmt.Errorf("%w: %s chain has no encoder", ErrInvalidChain, c.Variant)
	}
	for i, st := range c.Inbound {
		if st == nil {
			return fmt.Errorf("%w: %s chain stage %d is nil", ErrInvalidChain, c.Variant, i)
		}
	}
	return nil
}

// Assembler 按协议构造全新的处理链，不依赖任何连接状态
type Assembler interface {
	Build(v protocol.Variant) (*Chain, error)
}

// AssemblerFunc 函数式 Assembler
type AssemblerFunc func(v protocol.Variant) (*Chain, error)

func (f AssemblerFunc) Build(v protocol.Variant) (*Chain, error) { return f(v) }
