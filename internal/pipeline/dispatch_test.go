package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/marker-server/internal/eventloop"
)

// loopConn 通过真实事件循环执行回调
func loopConn(t *testing.T) (*inlineConn, *eventloop.Loop) {
	t.Helper()
	loop := eventloop.NewLoop(0, 256, nil)
	t.Cleanup(func() { _ = loop.Stop(context.Background()) })
	conn := newInlineConn()
	conn.execute = loop.Execute
	return conn, loop
}

// goExecutor 每个任务一个 goroutine，执行顺序不确定
type goExecutor struct {
	wg    sync.WaitGroup
	delay func() time.Duration
}

func (e *goExecutor) Submit(job Job) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if e.delay != nil {
			time.Sleep(e.delay())
		}
		_ = RunJob(context.Background(), job)
	}()
	return nil
}

// heldExecutor 保存任务，由测试决定何时执行
type heldExecutor struct {
	mu   sync.Mutex
	jobs []Job
}

func (e *heldExecutor) Submit(job Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *heldExecutor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

func (e *heldExecutor) Pop() Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	j := e.jobs[0]
	e.jobs = e.jobs[1:]
	return j
}

// rejectingExecutor 前 n 次提交返回错误
type rejectingExecutor struct {
	reject atomic.Int32
}

func (e *rejectingExecutor) Submit(job Job) error {
	if e.reject.Add(-1) >= 0 {
		return errors.New("queue full")
	}
	return inlineExecutor{}.Submit(job)
}

func fireOnLoop(t *testing.T, loop *eventloop.Loop, p *Pipeline, data string) {
	t.Helper()
	require.NoError(t, loop.Execute(func() { p.Fire([]byte(data)) }))
}

func syncLoop(t *testing.T, loop *eventloop.Loop) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.Execute(func() { close(done) }))
	<-done
}

func TestDispatch_PreservesOrderUnderRandomDelays(t *testing.T) {
	conn, loop := loopConn(t)
	exec := &goExecutor{delay: func() time.Duration {
		return time.Duration(rand.Intn(3)) * time.Millisecond
	}}
	asm := newCountingAssembler(&upperHandler{}, exec)
	asm.pending = 64
	p := New(conn, asm)

	var in, want strings.Builder
	in.WriteString("PRBF")
	for i := 0; i < 40; i++ {
		fmt.Fprintf(&in, "req%d\n", i)
		fmt.Fprintf(&want, "REQ%d\n", i)
	}
	fireOnLoop(t, loop, p, in.String())

	require.Eventually(t, func() bool { return conn.Output() == want.String() },
		5*time.Second, 5*time.Millisecond)
	exec.wg.Wait()
}

func TestDispatch_OneOutstandingTaskPerConnection(t *testing.T) {
	conn, loop := loopConn(t)
	exec := &heldExecutor{}
	p := New(conn, newCountingAssembler(&upperHandler{}, exec))

	fireOnLoop(t, loop, p, "HTTPa\nb\nc\n")
	syncLoop(t, loop)
	assert.Equal(t, 1, exec.Len())

	for _, want := range []string{"A\n", "A\nB\n", "A\nB\nC\n"} {
		require.Eventually(t, func() bool { return exec.Len() == 1 }, time.Second, time.Millisecond)
		require.NoError(t, RunJob(context.Background(), exec.Pop()))
		syncLoop(t, loop)
		assert.Equal(t, want, conn.Output())
	}
	assert.Equal(t, 0, exec.Len())
}

func TestDispatch_PendingOverflowAnswersInFlightThenCloses(t *testing.T) {
	conn, loop := loopConn(t)
	exec := &heldExecutor{}
	asm := newCountingAssembler(&upperHandler{}, exec)
	asm.pending = 1
	var hookErr error
	p := New(conn, asm, WithErrorHook(func(err error) { hookErr = err }))

	fireOnLoop(t, loop, p, "HTTPa\nb\nc\n")
	syncLoop(t, loop)

	assert.ErrorIs(t, hookErr, ErrTooManyPending)
	assert.True(t, p.Halted())
	assert.False(t, conn.Closed())
	assert.Equal(t, 0, conn.Writes())

	// 排队的 b 被丢弃，在途的 a 写完后关闭
	require.NoError(t, RunJob(context.Background(), exec.Pop()))
	syncLoop(t, loop)
	assert.Equal(t, "A\n", conn.Output())
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, exec.Len())
}

func TestDispatch_ProtocolErrorWaitsForInFlightResponse(t *testing.T) {
	conn, loop := loopConn(t)
	exec := &heldExecutor{}
	asm := newCountingAssembler(&upperHandler{}, exec)
	asm.maxLine = 8
	p := New(conn, asm)

	fireOnLoop(t, loop, p, "PRBFok\nthis line is far too long")
	syncLoop(t, loop)
	assert.True(t, p.Halted())
	assert.False(t, conn.Closed())
	assert.Equal(t, 0, conn.Writes())

	// 停止解码后到达的数据被忽略
	fireOnLoop(t, loop, p, "more\n")
	syncLoop(t, loop)
	assert.Equal(t, 1, exec.Len())

	require.NoError(t, RunJob(context.Background(), exec.Pop()))
	syncLoop(t, loop)
	assert.Equal(t, "OK\nERR too long\n", conn.Output())
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, exec.Len())
}

func TestDispatch_DrainWhileHaltedClosesAfterInFlight(t *testing.T) {
	conn, loop := loopConn(t)
	exec := &heldExecutor{}
	asm := newCountingAssembler(&upperHandler{}, exec)
	asm.maxLine = 4
	p := New(conn, asm)

	fireOnLoop(t, loop, p, "HTTPa\nxxxxxxxx")
	require.NoError(t, loop.Execute(p.Drain))
	syncLoop(t, loop)
	assert.False(t, conn.Closed())

	require.NoError(t, RunJob(context.Background(), exec.Pop()))
	syncLoop(t, loop)
	assert.Equal(t, "A\nERR too long\n", conn.Output())
	assert.True(t, conn.Closed())
}

func TestDispatch_RejectedSubmitAnswersBusyAndContinues(t *testing.T) {
	conn := newInlineConn()
	exec := &rejectingExecutor{}
	exec.reject.Store(1)
	p := New(conn, newCountingAssembler(&upperHandler{}, exec))

	p.Fire([]byte("PRBFa\nb\n"))

	assert.Equal(t, "BUSY\nB\n", conn.Output())
	assert.False(t, conn.Closed())
}

func TestDispatch_HandlerPanicBecomesFailResponse(t *testing.T) {
	conn := newInlineConn()
	p := New(conn, newCountingAssembler(&upperHandler{}, inlineExecutor{}))

	p.Fire([]byte("PRBFboom\nnext\n"))

	assert.Equal(t, "PANIC\nNEXT\n", conn.Output())
	assert.False(t, conn.Closed())
}

func TestRunJob_SkipsClosedConnection(t *testing.T) {
	conn := newInlineConn()
	h := &upperHandler{}
	var done atomic.Bool
	_ = conn.Close()

	err := RunJob(context.Background(), Job{
		Conn: conn, Request: "x", Handler: h,
		Done: func(any) { done.Store(true) },
	})
	assert.ErrorIs(t, err, ErrConnClosed)
	assert.Equal(t, int32(0), h.calls.Load())
	assert.False(t, done.Load())
}

func TestRunJob_ConnectionClosedDuringProcessing(t *testing.T) {
	conn, loop := loopConn(t)
	exec := &heldExecutor{}
	h := &upperHandler{}
	p := New(conn, newCountingAssembler(h, exec))

	fireOnLoop(t, loop, p, "HTTPslow\n")
	syncLoop(t, loop)
	require.Equal(t, 1, exec.Len())

	var executed atomic.Int32
	conn.execute = func(task func()) error {
		executed.Add(1)
		return loop.Execute(task)
	}
	h.hook = func(string) {
		require.NoError(t, loop.Execute(p.Close))
		syncLoop(t, loop)
	}

	assert.ErrorIs(t, RunJob(context.Background(), exec.Pop()), ErrConnClosed)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, int32(0), executed.Load())
	assert.Equal(t, 0, conn.Writes())
}

func TestRunJob_LoopStopped(t *testing.T) {
	loop := eventloop.NewLoop(0, 1, nil)
	require.NoError(t, loop.Stop(context.Background()))
	conn := newInlineConn()
	conn.execute = loop.Execute

	err := RunJob(context.Background(), Job{
		Conn: conn, Request: "x", Handler: &upperHandler{}, Done: func(any) {},
	})
	assert.ErrorIs(t, err, eventloop.ErrLoopStopped)
}

func TestPipeline_DrainIdleClosesImmediately(t *testing.T) {
	conn := newInlineConn()
	p := New(conn, newCountingAssembler(&upperHandler{}, inlineExecutor{}))
	p.Fire([]byte("HTTPa\n"))
	require.Equal(t, "A\n", conn.Output())

	p.Drain()
	assert.True(t, conn.Closed())
}

func TestPipeline_DrainSniffingCloses(t *testing.T) {
	conn := newInlineConn()
	p := New(conn, newCountingAssembler(&upperHandler{}, inlineExecutor{}))
	p.Fire([]byte("HT"))
	p.Drain()
	assert.True(t, conn.Closed())
	assert.Equal(t, 0, conn.Writes())
}

func TestPipeline_DrainWaitsForOutstanding(t *testing.T) {
	conn, loop := loopConn(t)
	exec := &heldExecutor{}
	p := New(conn, newCountingAssembler(&upperHandler{}, exec))

	fireOnLoop(t, loop, p, "PRBFa\nb\n")
	require.NoError(t, loop.Execute(p.Drain))
	syncLoop(t, loop)
	assert.False(t, conn.Closed())
	assert.True(t, p.Draining())

	require.NoError(t, RunJob(context.Background(), exec.Pop()))
	syncLoop(t, loop)
	assert.False(t, conn.Closed())

	require.Eventually(t, func() bool { return exec.Len() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, RunJob(context.Background(), exec.Pop()))
	syncLoop(t, loop)
	assert.Equal(t, "A\nB\n", conn.Output())
	assert.True(t, conn.Closed())
}
