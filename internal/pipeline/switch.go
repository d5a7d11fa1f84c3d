package pipeline

import (
	"fmt"

	"github.com/taoyao-code/marker-server/internal/protocol"
)

// Switch 协议嗅探阶段：缓存首批字节直到满 4 字节，识别后用协议链替换自身，
// 丢弃 4 字节标记并把多读到的字节重放给新链。
type Switch struct {
	asm  Assembler
	buf  []byte
	done bool
}

// NewSwitch 创建嗅探阶段
func NewSwitch(asm Assembler) *Switch {
	return &Switch{asm: asm, buf: make([]byte, 0, protocol.MarkerLen)}
}

func (s *Switch) HandleInbound(ctx *Context, msg any) error {
	if s.done {
		return ErrAlreadyRouted
	}
	data, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("switch: unexpected inbound %T", msg)
	}
	s.buf = append(s.buf, data...)

	v, ok := protocol.Classify(s.buf)
	if !ok {
		return nil
	}
	s.done = true
	if v == protocol.Unknown {
		s.buf = nil
		return ErrUnknownProtocol
	}

	chain, err := s.asm.Build(v)
	if err != nil {
		s.buf = nil
		return fmt.Errorf("build %s chain: %w", v, err)
	}
	rest := s.buf[protocol.MarkerLen:]
	s.buf = nil

	p := ctx.Pipeline()
	if err := p.Replace(chain); err != nil {
		return err
	}
	if len(rest) == 0 {
		return nil
	}
	return p.fireFrom(0, rest)
}
