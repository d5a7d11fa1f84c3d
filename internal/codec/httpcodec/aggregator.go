package httpcodec

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/taoyao-code/marker-server/internal/pipeline"
)

// DefaultMaxContentLength 聚合请求体上限 1 MiB
const DefaultMaxContentLength = 1 << 20

var continueLine = []byte("HTTP/1.1 100 Continue\r\n\r\n")

// Aggregator 把 Head 与 Content 分片聚合为完整 *Request，超过上限返回 413 并关闭连接
type Aggregator struct {
	maxContentLength int
	head             *Head
	body             []byte
}

// NewAggregator maxContentLength<=0 时取 DefaultMaxContentLength
func NewAggregator(maxContentLength int) *Aggregator {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	return &Aggregator{maxContentLength: maxContentLength}
}

func (a *Aggregator) HandleInbound(ctx *pipeline.Context, msg any) error {
	switch m := msg.(type) {
	case *Head:
		if m.ContentLength > int64(a.maxContentLength) {
			return pipeline.NewProtocolError(pipeline.KindOversized,
				fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, m.ContentLength, a.maxContentLength),
				ErrorResponse(http.StatusRequestEntityTooLarge))
		}
		a.head = m
		a.body = make([]byte, 0, m.ContentLength)
		// 有在途请求时不发 100 Continue，避免插到前一个响应之前；客户端超时后会直接发送请求体
		if m.ContentLength > 0 && m.Proto == "HTTP/1.1" && strings.EqualFold(m.Header.Get("Expect"), "100-continue") &&
			ctx.Pipeline().Outstanding() == 0 {
			if err := ctx.Conn().Write(continueLine); err != nil {
				return err
			}
		}
		return nil

	case Content:
		if a.head == nil {
			return pipeline.NewProtocolError(pipeline.KindMalformed,
				fmt.Errorf("%w: content without head", ErrMalformedHead),
				ErrorResponse(http.StatusBadRequest))
		}
		if len(a.body)+len(m.Data) > a.maxContentLength {
			return pipeline.NewProtocolError(pipeline.KindOversized, ErrBodyTooLarge,
				ErrorResponse(http.StatusRequestEntityTooLarge))
		}
		a.body = append(a.body, m.Data...)
		if !m.Last {
			return nil
		}
		req, err := a.build()
		if err != nil {
			return pipeline.NewProtocolError(pipeline.KindMalformed, err, ErrorResponse(http.StatusBadRequest))
		}
		return ctx.Fire(req)

	default:
		return fmt.Errorf("httpcodec: aggregator got %T", msg)
	}
}

func (a *Aggregator) build() (*Request, error) {
	h := a.head
	body := a.body
	a.head, a.body = nil, nil

	req := &Request{
		Method:    h.Method,
		Path:      h.Target,
		Proto:     h.Proto,
		Header:    h.Header,
		Body:      body,
		KeepAlive: h.KeepAlive,
	}
	if h.Target != "*" {
		u, err := url.ParseRequestURI(h.Target)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedHead, err)
		}
		req.Path = u.Path
		req.RawQuery = u.RawQuery
	}
	return req, nil
}
