package tcpserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/marker-server/internal/config"
	"github.com/taoyao-code/marker-server/internal/eventloop"
)

// Server TCP 接入：单个接入协程只负责 Accept 并把连接绑定到某个 I/O 事件循环
type Server struct {
	cfg    cfgpkg.TCPConfig
	logger *zap.Logger
	loops  *eventloop.Group

	ln          net.Listener
	connHandler func(*ConnContext)
	limiter     *ConnectionLimiter
	rateLimiter *RateLimiter

	mu         sync.Mutex
	conns      map[uint64]*ConnContext
	nextConnID atomic.Uint64

	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
	stopC    chan struct{}
	stopOnce sync.Once
	started  atomic.Bool

	// 可选指标回调
	onAccept    func()
	onReject    func(reason string)
	onRecvBytes func(n int)
	onSentBytes func(n int)
	onActive    func(n int)
}

// New 创建 TCP 接入服务
func New(cfg cfgpkg.TCPConfig, loops *eventloop.Group, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		loops:  loops,
		conns:  make(map[uint64]*ConnContext),
		stopC:  make(chan struct{}),
	}
}

// SetConnHandler 新连接回调（安装管线），在接入协程上同步执行
func (s *Server) SetConnHandler(h func(*ConnContext)) { s.connHandler = h }

// SetLimiter 设置连接数限制
func (s *Server) SetLimiter(l *ConnectionLimiter) { s.limiter = l }

// SetRateLimiter 设置接入速率限制
func (s *Server) SetRateLimiter(l *RateLimiter) { s.rateLimiter = l }

// SetMetricsCallbacks 设置指标回调
func (s *Server) SetMetricsCallbacks(onAccept func(), onRecvBytes func(int)) {
	s.onAccept, s.onRecvBytes = onAccept, onRecvBytes
}

// SetConnCallbacks 设置拒绝、发送字节与活跃连接数回调
func (s *Server) SetConnCallbacks(onReject func(string), onSentBytes func(int), onActive func(int)) {
	s.onReject, s.onSentBytes, s.onActive = onReject, onSentBytes, onActive
}

// Start 监听并启动接入协程（非阻塞）；监听失败是启动期致命错误
func (s *Server) Start() error {
	if s.connHandler == nil {
		return errors.New("tcpserver: conn handler not set")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.started.Store(true)

	s.acceptWG.Add(1)
	go s.acceptLoop()
	s.logger.Info("tcp server listening",
		zap.String("addr", ln.Addr().String()), zap.Int("io_loops", s.loops.Size()))
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Listening 是否在接受新连接
func (s *Server) Listening() bool {
	if !s.started.Load() {
		return false
	}
	select {
	case <-s.stopC:
		return false
	default:
		return true
	}
}

// ActiveConnections 当前连接数
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.acceptWG.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.stopC:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if s.rateLimiter != nil && !s.rateLimiter.Allow() {
			s.reject(conn, "rate")
			continue
		}
		if s.limiter != nil && !s.limiter.TryAcquire() {
			s.reject(conn, "limit")
			continue
		}
		if s.onAccept != nil {
			s.onAccept()
		}

		cc := newConnContext(s, conn, s.loops.Next())
		s.connHandler(cc)
		s.track(cc)

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			defer s.untrack(cc)
			cc.run()
		}()
	}
}

func (s *Server) reject(c net.Conn, reason string) {
	_ = c.Close()
	if s.onReject != nil {
		s.onReject(reason)
	}
	s.logger.Debug("connection rejected",
		zap.String("reason", reason), zap.String("remote_addr", c.RemoteAddr().String()))
}

func (s *Server) track(cc *ConnContext) {
	s.mu.Lock()
	s.conns[cc.id] = cc
	n := len(s.conns)
	s.mu.Unlock()
	if s.onActive != nil {
		s.onActive(n)
	}
}

func (s *Server) untrack(cc *ConnContext) {
	s.mu.Lock()
	delete(s.conns, cc.id)
	n := len(s.conns)
	s.mu.Unlock()
	if s.limiter != nil {
		s.limiter.Release()
	}
	if s.onActive != nil {
		s.onActive(n)
	}
}

func (s *Server) snapshot() []*ConnContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ConnContext, 0, len(s.conns))
	for _, cc := range s.conns {
		out = append(out, cc)
	}
	return out
}

// Shutdown 先停止接入，再请求存量连接优雅关闭并等待；ctx 到期后强制关闭剩余连接
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopC) })
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.acceptWG.Wait()

	for _, cc := range s.snapshot() {
		cc.drain()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	remaining := s.snapshot()
	s.logger.Warn("drain timeout, force closing connections", zap.Int("remaining", len(remaining)))
	for _, cc := range remaining {
		cc.forceClose()
	}
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return ctx.Err()
}

func zapConn(cc *ConnContext) []zap.Field {
	return []zap.Field{zap.Uint64("conn_id", cc.id), zap.String("remote_addr", cc.RemoteAddr())}
}

// MaxConnections 连接上限，未启用限流时为 0
func (s *Server) MaxConnections() int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.MaxConnections()
}

// LimiterStats 连接限流统计，未启用时为 nil
func (s *Server) LimiterStats() *LimiterStats {
	if s.limiter == nil {
		return nil
	}
	st := s.limiter.Stats()
	return &st
}

// RateLimiterStats 接入速率统计，未启用时为 nil
func (s *Server) RateLimiterStats() *RateLimiterStats {
	if s.rateLimiter == nil {
		return nil
	}
	st := s.rateLimiter.Stats()
	return &st
}

// PendingTasks 所有事件循环的积压任务数
func (s *Server) PendingTasks() int { return s.loops.Pending() }

// ExecutedTasks 所有事件循环已执行的任务数
func (s *Server) ExecutedTasks() int64 { return s.loops.Executed() }
