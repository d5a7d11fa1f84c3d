package eventloop

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// Group 一组事件循环，新连接轮询绑定
type Group struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewGroup 创建 n 个循环（n<=0 时为 1）
func NewGroup(n, queueSize int, logger *zap.Logger) *Group {
	if n <= 0 {
		n = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Group{loops: make([]*Loop, n)}
	for i := range g.loops {
		g.loops[i] = NewLoop(i, queueSize, logger.With(zap.Int("loop", i)))
	}
	return g
}

// Next 轮询返回下一个循环
func (g *Group) Next() *Loop {
	n := g.next.Add(1) - 1
	return g.loops[n%uint64(len(g.loops))]
}

// Size 循环数量
func (g *Group) Size() int { return len(g.loops) }

// Pending 所有循环待执行任务总数
func (g *Group) Pending() int {
	total := 0
	for _, l := range g.loops {
		total += l.Pending()
	}
	return total
}

// Executed 所有循环已执行任务总数
func (g *Group) Executed() int64 {
	var total int64
	for _, l := range g.loops {
		total += l.Executed()
	}
	return total
}

// Stop 停止全部循环
func (g *Group) Stop(ctx context.Context) error {
	var errs []error
	for _, l := range g.loops {
		if err := l.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
