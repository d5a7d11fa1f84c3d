// Package processor 请求处理：运行在业务线程池，把协议无关的命令作用于标记存储。
// 任何错误都被转换为带状态码的 Result，不会原样抛出。
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/marker-server/internal/store"
)

// Op 命令类型
type Op int

const (
	OpStore Op = iota + 1
	OpLookup
	OpPing
)

func (o Op) String() string {
	switch o {
	case OpStore:
		return "store"
	case OpLookup:
		return "lookup"
	case OpPing:
		return "ping"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Status 处理结果
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusBadRequest
	StatusError
	StatusBusy
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotFound:
		return "not_found"
	case StatusBadRequest:
		return "bad_request"
	case StatusError:
		return "error"
	case StatusBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// Command 协议无关的领域命令
type Command struct {
	Op    Op
	Key   string
	Value []byte
}

// Result 领域结果
type Result struct {
	Status  Status
	Marker  *store.Marker
	Message string
}

// Processor 请求处理器
type Processor struct {
	store   store.Store
	timeout time.Duration
	logger  *zap.Logger
}

// New timeout<=0 时不额外限制存储调用时长
func New(st store.Store, timeout time.Duration, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: st, timeout: timeout, logger: logger}
}

// Process 执行命令；可能阻塞在存储调用上，只能在业务线程调用
func (p *Processor) Process(ctx context.Context, cmd Command) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor panic", zap.String("op", cmd.Op.String()), zap.Any("panic", r))
			res = Result{Status: StatusError, Message: "internal error"}
		}
	}()

	if cmd.Op == OpPing {
		return Result{Status: StatusOK, Message: "pong"}
	}
	if err := store.ValidateKey(cmd.Key); err != nil {
		return Result{Status: StatusBadRequest, Message: err.Error()}
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	switch cmd.Op {
	case OpStore:
		m := &store.Marker{Key: cmd.Key, Value: cmd.Value}
		if err := p.store.Store(ctx, m); err != nil {
			return p.fail(cmd, err)
		}
		return Result{Status: StatusOK, Marker: m}
	case OpLookup:
		m, err := p.store.Lookup(ctx, cmd.Key)
		if err != nil {
			return p.fail(cmd, err)
		}
		return Result{Status: StatusOK, Marker: m}
	default:
		return Result{Status: StatusBadRequest, Message: "unsupported operation " + cmd.Op.String()}
	}
}

func (p *Processor) fail(cmd Command, err error) Result {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{Status: StatusNotFound, Message: "marker not found"}
	case errors.Is(err, store.ErrInvalidKey):
		return Result{Status: StatusBadRequest, Message: err.Error()}
	case errors.Is(err, store.ErrCircuitOpen), errors.Is(err, store.ErrTooManyProbes):
		return Result{Status: StatusBusy, Message: "store unavailable"}
	default:
		p.logger.Error("store operation failed",
			zap.String("op", cmd.Op.String()), zap.String("key", cmd.Key), zap.Error(err))
		return Result{Status: StatusError, Message: "store error"}
	}
}
