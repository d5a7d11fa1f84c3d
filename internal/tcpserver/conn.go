package tcpserver

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taoyao-code/marker-server/internal/eventloop"
)

var (
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("tcpserver: connection closed")
	// ErrWriteQueueFull 写队列已满
	ErrWriteQueueFull = errors.New("tcpserver: write queue full")
)

// ConnContext 单个 TCP 连接：读协程只负责读 socket，把字节交给所属事件循环；
// 写协程按入队顺序写出，Close 时先写完已入队数据再关闭 socket。
type ConnContext struct {
	s         *Server
	c         net.Conn
	id        uint64
	loop      *eventloop.Loop
	createdAt time.Time

	writeMu sync.Mutex
	writeC  chan []byte
	closed  atomic.Bool
	routed  atomic.Bool

	onRead  func([]byte)
	onDrain func()
	doneC   chan struct{}
	proto   atomic.Value // string: "http" | "binary"
}

func newConnContext(s *Server, c net.Conn, loop *eventloop.Loop) *ConnContext {
	qs := s.cfg.WriteQueueSize
	if qs <= 0 {
		qs = 128
	}
	cc := &ConnContext{
		s:         s,
		c:         c,
		id:        s.nextConnID.Add(1),
		loop:      loop,
		createdAt: time.Now(),
		writeC:    make(chan []byte, qs),
		doneC:     make(chan struct{}),
	}
	cc.proto.Store("")
	return cc
}

// ID 连接ID（单进程唯一递增）
func (cc *ConnContext) ID() uint64 { return cc.id }

// RemoteAddr 远端地址
func (cc *ConnContext) RemoteAddr() string {
	if a := cc.c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Loop 连接绑定的事件循环
func (cc *ConnContext) Loop() *eventloop.Loop { return cc.loop }

// SetOnRead 安装读取回调，在事件循环上执行
func (cc *ConnContext) SetOnRead(h func([]byte)) { cc.onRead = h }

// SetOnDrain 安装优雅关闭回调，在事件循环上执行
func (cc *ConnContext) SetOnDrain(h func()) { cc.onDrain = h }

// SetProtocol 记录识别出的协议
func (cc *ConnContext) SetProtocol(p string) { cc.proto.Store(p) }

// Protocol 已识别的协议，未识别时为空
func (cc *ConnContext) Protocol() string {
	if s, ok := cc.proto.Load().(string); ok {
		return s
	}
	return ""
}

// RestoreNormalTimeout 协议识别完成后把读超时从识别超时恢复为正常读超时
func (cc *ConnContext) RestoreNormalTimeout() {
	cc.routed.Store(true)
	cc.extendReadDeadline()
}

// extendReadDeadline ReadTimeout<=0 时不设读超时
func (cc *ConnContext) extendReadDeadline() {
	if cc.s.cfg.ReadTimeout > 0 {
		_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
	} else {
		_ = cc.c.SetReadDeadline(time.Time{})
	}
}

// Execute 投递任务到所属事件循环
func (cc *ConnContext) Execute(task func()) error { return cc.loop.Execute(task) }

// Write 非阻塞入队；只在事件循环上调用
func (cc *ConnContext) Write(b []byte) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if cc.closed.Load() {
		return ErrConnClosed
	}
	select {
	case cc.writeC <- b:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Close 停止接收写入；已入队数据写完后关闭 socket
func (cc *ConnContext) Close() error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if cc.closed.Swap(true) {
		return nil
	}
	close(cc.writeC)
	return nil
}

// Closed 存活标志
func (cc *ConnContext) Closed() bool { return cc.closed.Load() }

// forceClose 立即关闭 socket，丢弃未写出的数据
func (cc *ConnContext) forceClose() {
	_ = cc.Close()
	_ = cc.c.Close()
}

// drain 请求优雅关闭
func (cc *ConnContext) drain() {
	if cc.Closed() {
		return
	}
	fn := cc.onDrain
	if fn == nil {
		fn = func() { _ = cc.Close() }
	}
	if err := cc.loop.Execute(fn); err != nil {
		cc.forceClose()
	}
}

// Done 连接结束通知
func (cc *ConnContext) Done() <-chan struct{} { return cc.doneC }

// run 启动读/写协程，阻塞直至连接结束
func (cc *ConnContext) run() {
	defer close(cc.doneC)

	if cc.s.cfg.SniffTimeout > 0 {
		_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.SniffTimeout))
	} else if cc.s.cfg.ReadTimeout > 0 {
		_ = cc.c.SetReadDeadline(time.Now().Add(cc.s.cfg.ReadTimeout))
	}

	doneW := make(chan struct{})
	go func() {
		defer close(doneW)
		defer cc.c.Close()
		failed := false
		for msg := range cc.writeC {
			if failed {
				continue
			}
			if cc.s.cfg.WriteTimeout > 0 {
				_ = cc.c.SetWriteDeadline(time.Now().Add(cc.s.cfg.WriteTimeout))
			}
			n, err := cc.c.Write(msg)
			if n > 0 && cc.s.onSentBytes != nil {
				cc.s.onSentBytes(n)
			}
			if err != nil {
				failed = true
				_ = cc.c.Close()
				_ = cc.Close()
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := cc.c.Read(buf)
		if n > 0 {
			if cc.s.onRecvBytes != nil {
				cc.s.onRecvBytes(n)
			}
			if cc.routed.Load() {
				cc.extendReadDeadline()
			}
			if h := cc.onRead; h != nil && !cc.Closed() {
				data := make([]byte, n)
				copy(data, buf[:n])
				if xerr := cc.loop.Execute(func() {
					if !cc.Closed() {
						h(data)
					}
				}); xerr != nil {
					break
				}
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && !cc.Closed() {
				if cc.routed.Load() {
					cc.s.logger.Debug("read idle timeout", zapConn(cc)...)
				} else {
					cc.s.logger.Debug("protocol sniff timeout", zapConn(cc)...)
				}
			}
			break
		}
	}

	_ = cc.Close()
	<-doneW
}
