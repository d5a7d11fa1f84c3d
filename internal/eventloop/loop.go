// Package eventloop 提供 I/O 事件循环：每个循环一个 goroutine，串行执行投递的任务。
// 同一连接的所有入站处理、编码与写出都在其绑定的循环上执行。
package eventloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrLoopStopped 循环已停止，不再接收任务
var ErrLoopStopped = errors.New("eventloop: loop stopped")

// Loop 单 goroutine 任务循环
type Loop struct {
	id    int
	tasks chan func()
	stopC chan struct{}
	// quitC 在所有进行中的 Execute 返回后关闭，run 据此做最后一次排空
	quitC  chan struct{}
	doneC  chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	logger *zap.Logger

	executed atomic.Int64
	panics   atomic.Int64
}

// NewLoop 创建并启动一个循环。queueSize<=0 时使用 1024
func NewLoop(id, queueSize int, logger *zap.Logger) *Loop {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loop{
		id:     id,
		tasks:  make(chan func(), queueSize),
		stopC:  make(chan struct{}),
		quitC:  make(chan struct{}),
		doneC:  make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// ID 循环编号
func (l *Loop) ID() int { return l.id }

// Execute 投递任务，队列满时阻塞直到有空位或循环停止。
// 不得在本循环自身的任务中调用，否则队列满时会自锁。
func (l *Loop) Execute(task func()) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	select {
	case <-l.stopC:
		return ErrLoopStopped
	default:
	}
	select {
	case l.tasks <- task:
		return nil
	case <-l.stopC:
		return ErrLoopStopped
	}
}

// Pending 队列中待执行的任务数
func (l *Loop) Pending() int { return len(l.tasks) }

// Executed 已执行任务数
func (l *Loop) Executed() int64 { return l.executed.Load() }

// Stop 停止循环：已入队的任务仍会执行完毕，ctx 到期则放弃等待
func (l *Loop) Stop(ctx context.Context) error {
	l.once.Do(func() {
		close(l.stopC)
		l.mu.Lock()
		close(l.quitC)
		l.mu.Unlock()
	})
	select {
	case <-l.doneC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run() {
	defer close(l.doneC)
	for {
		select {
		case task := <-l.tasks:
			l.safeRun(task)
		case <-l.quitC:
			for {
				select {
				case task := <-l.tasks:
					l.safeRun(task)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("eventloop task panic", zap.Int("loop", l.id), zap.Any("panic", r))
		}
	}()
	task()
	l.executed.Add(1)
}
