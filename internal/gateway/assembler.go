// Package gateway 把协议编解码、派发边界与业务处理器装配成每个连接的处理链。
package gateway

import (
	"fmt"

	"github.com/taoyao-code/marker-server/internal/codec/binarycodec"
	"github.com/taoyao-code/marker-server/internal/codec/httpcodec"
	"github.com/taoyao-code/marker-server/internal/pipeline"
	"github.com/taoyao-code/marker-server/internal/protocol"
)

// Limits 链上各阶段的上限
type Limits struct {
	MaxHeaderBytes   int
	MaxContentLength int
	MaxFrameLength   int
	MaxPending       int
}

// Assembler 按协议构造全新的处理链；每次调用返回新的阶段实例，不持有连接状态
type Assembler struct {
	exec   pipeline.Executor
	http   pipeline.Handler
	binary pipeline.Handler
	limits Limits
}

// NewAssembler 创建链装配器
func NewAssembler(exec pipeline.Executor, httpHandler, binaryHandler pipeline.Handler, limits Limits) *Assembler {
	if limits.MaxContentLength <= 0 {
		limits.MaxContentLength = httpcodec.DefaultMaxContentLength
	}
	return &Assembler{exec: exec, http: httpHandler, binary: binaryHandler, limits: limits}
}

// Build 实现 pipeline.Assembler
func (a *Assembler) Build(v protocol.Variant) (*pipeline.Chain, error) {
	switch v {
	case protocol.HTTP:
		return &pipeline.Chain{
			Variant: v,
			Inbound: []pipeline.InboundStage{
				httpcodec.NewRequestDecoder(a.limits.MaxHeaderBytes),
				httpcodec.NewAggregator(a.limits.MaxContentLength),
			},
			Dispatch: pipeline.NewDispatch(a.http, a.exec, a.limits.MaxPending),
			Encoder:  httpcodec.NewResponseEncoder(),
		}, nil
	case protocol.Binary:
		return &pipeline.Chain{
			Variant: v,
			Inbound: []pipeline.InboundStage{
				binarycodec.NewFrameDecoder(a.limits.MaxFrameLength),
				binarycodec.MessageDecoder{},
			},
			Dispatch: pipeline.NewDispatch(a.binary, a.exec, a.limits.MaxPending),
			Encoder:  binarycodec.ResponseEncoder{},
		}, nil
	default:
		return nil, fmt.Errorf("gateway: no chain for protocol %s", v)
	}
}
