package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Handler 业务处理器，运行在业务线程池中
type Handler interface {
	// Handle 处理请求并返回协议响应，不得返回原始错误
	Handle(ctx context.Context, req any) any
	// Fail 把错误转换为协议错误响应
	Fail(req any, err error) any
}

// Executor 业务线程池
type Executor interface {
	Submit(job Job) error
}

// Job 跨越派发边界的任务；Request 所有权随任务转移给业务线程
type Job struct {
	Conn    Conn
	Request any
	Handler Handler
	// Done 在连接所属事件循环上执行，接收业务结果
	Done func(resp any)
}

// RunJob 在业务线程上执行任务，结果通过 Conn.Execute 交还事件循环。
// 连接已关闭时跳过处理，也不再调度回写。
func RunJob(ctx context.Context, job Job) error {
	if job.Conn.Closed() {
		return ErrConnClosed
	}
	resp := invoke(ctx, job)
	if job.Conn.Closed() {
		return ErrConnClosed
	}
	if err := job.Conn.Execute(func() { job.Done(resp) }); err != nil {
		return fmt.Errorf("hand back response: %w", err)
	}
	return nil
}

func invoke(ctx context.Context, job Job) (resp any) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("handler panic",
				zap.Uint64("conn_id", job.Conn.ID()), zap.Any("panic", r))
			resp = job.Handler.Fail(job.Request, fmt.Errorf("%w: %v", ErrHandlerPanic, r))
		}
	}()
	return job.Handler.Handle(ctx, job.Request)
}

// Dispatch 派发边界：每个连接同一时刻至多一个在途业务任务，
// 其余请求在本连接内排队，保证响应按请求顺序写出。
type Dispatch struct {
	handler    Handler
	exec       Executor
	maxPending int

	busy    bool
	pending []any
}

// NewDispatch 创建派发边界，maxPending<=0 时取 64
func NewDispatch(h Handler, exec Executor, maxPending int) *Dispatch {
	if maxPending <= 0 {
		maxPending = 64
	}
	return &Dispatch{handler: h, exec: exec, maxPending: maxPending}
}

// Outstanding 在途与排队请求总数
func (d *Dispatch) Outstanding() int {
	n := len(d.pending)
	if d.busy {
		n++
	}
	return n
}

func (d *Dispatch) handle(p *Pipeline, req any) error {
	if d.busy {
		if len(d.pending) >= d.maxPending {
			return NewProtocolError(KindOverflow, ErrTooManyPending, nil)
		}
		d.pending = append(d.pending, req)
		return nil
	}
	d.submit(p, req)
	return nil
}

func (d *Dispatch) dropPending() {
	for i := range d.pending {
		d.pending[i] = nil
	}
	d.pending = nil
}

func (d *Dispatch) submit(p *Pipeline, req any) {
	d.busy = true
	job := Job{
		Conn:    p.conn,
		Request: req,
		Handler: d.handler,
		Done:    func(resp any) { d.complete(p, resp) },
	}
	if err := d.exec.Submit(job); err != nil {
		p.logger.Warn("business pool rejected request", zap.Error(err))
		d.complete(p, d.handler.Fail(req, fmt.Errorf("%w: %v", ErrBusy, err)))
	}
}

func (d *Dispatch) complete(p *Pipeline, resp any) {
	d.busy = false
	if p.State() != StateRouted {
		d.pending = nil
		return
	}
	if err := p.Send(resp); err != nil || p.State() != StateRouted {
		d.pending = nil
		return
	}
	if p.halted {
		d.pending = nil
		p.finishHalt()
		return
	}
	if len(d.pending) == 0 {
		if p.draining {
			p.Close()
		}
		return
	}
	next := d.pending[0]
	d.pending[0] = nil
	d.pending = d.pending[1:]
	d.submit(p, next)
}
