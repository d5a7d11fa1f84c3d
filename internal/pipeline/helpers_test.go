package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/taoyao-code/marker-server/internal/protocol"
)

// inlineConn 同步执行 Execute 任务，便于在测试 goroutine 上驱动整条管线
type inlineConn struct {
	mu      sync.Mutex
	out     bytes.Buffer
	writes  int
	closed  atomic.Bool
	execute func(task func()) error
}

func newInlineConn() *inlineConn {
	c := &inlineConn{}
	c.execute = func(task func()) error { task(); return nil }
	return c
}

func (c *inlineConn) ID() uint64         { return 1 }
func (c *inlineConn) RemoteAddr() string { return "test" }
func (c *inlineConn) Write(b []byte) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out.Write(b)
	c.writes++
	return nil
}
func (c *inlineConn) Close() error              { c.closed.Store(true); return nil }
func (c *inlineConn) Closed() bool              { return c.closed.Load() }
func (c *inlineConn) Execute(task func()) error { return c.execute(task) }

func (c *inlineConn) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.String()
}

func (c *inlineConn) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// lineDecoder 按 '\n' 切分，超过 max 字节视为超长帧
type lineDecoder struct {
	buf []byte
	max int
}

func (d *lineDecoder) HandleInbound(ctx *Context, msg any) error {
	d.buf = append(d.buf, msg.([]byte)...)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			if d.max > 0 && len(d.buf) > d.max {
				return NewProtocolError(KindOversized, errors.New("line too long"), "ERR too long")
			}
			return nil
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if line == "PANIC" {
			panic("stage panic")
		}
		if err := ctx.Fire(line); err != nil {
			return err
		}
	}
}

// lineEncoder 写出 "resp\n"，响应为 BYE 时关闭
type lineEncoder struct{}

func (lineEncoder) Encode(resp any) ([]byte, bool, error) {
	s, ok := resp.(string)
	if !ok {
		return nil, false, errors.New("not a string")
	}
	return []byte(s + "\n"), s == "BYE", nil
}

// upperHandler 返回大写的请求
type upperHandler struct {
	calls atomic.Int32
	hook  func(req string)
}

func (h *upperHandler) Handle(_ context.Context, req any) any {
	h.calls.Add(1)
	s := req.(string)
	if h.hook != nil {
		h.hook(s)
	}
	if s == "boom" {
		panic("handler panic")
	}
	if s == "quit" {
		return "BYE"
	}
	return strings.ToUpper(s)
}

func (h *upperHandler) Fail(_ any, err error) any {
	switch {
	case errors.Is(err, ErrBusy):
		return "BUSY"
	case errors.Is(err, ErrHandlerPanic):
		return "PANIC"
	default:
		return "ERR"
	}
}

// inlineExecutor 在调用方 goroutine 上同步执行 RunJob
type inlineExecutor struct{}

func (inlineExecutor) Submit(job Job) error {
	_ = RunJob(context.Background(), job)
	return nil
}

// countingAssembler 统计 Build 调用次数
type countingAssembler struct {
	builds   atomic.Int32
	handler  Handler
	exec     Executor
	pending  int
	maxLine  int
	variants []protocol.Variant
	mu       sync.Mutex
}

func newCountingAssembler(h Handler, exec Executor) *countingAssembler {
	return &countingAssembler{handler: h, exec: exec, pending: 8}
}

func (a *countingAssembler) Build(v protocol.Variant) (*Chain, error) {
	a.builds.Add(1)
	a.mu.Lock()
	a.variants = append(a.variants, v)
	a.mu.Unlock()
	return &Chain{
		Variant:  v,
		Inbound:  []InboundStage{&lineDecoder{max: a.maxLine}},
		Dispatch: NewDispatch(a.handler, a.exec, a.pending),
		Encoder:  lineEncoder{},
	}, nil
}
