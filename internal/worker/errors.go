package worker

import "errors"

// 业务线程池哨兵错误
var (
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrQueueFull 队列已满，任务被拒绝
	ErrQueueFull    = errors.New("worker pool queue full")
	ErrNilProcessor = errors.New("processor function cannot be nil")
	ErrStopTimeout  = errors.New("timeout waiting for workers to stop")
	// ErrTaskPanic 任务处理过程中发生 panic
	ErrTaskPanic = errors.New("worker task panicked")
)
